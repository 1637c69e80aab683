package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type NATS struct {
	codec
	conn *nats.Conn
}

func NewNATS(url string, logger zerolog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("message-lounge"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &NATS{codec: newCodec(logger), conn: conn}, nil
}

func (n *NATS) Publish(ctx context.Context, topic, event string, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := n.encode(topic, event, payload)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}

	return n.conn.Publish(subject, data)
}

func (n *NATS) Run(ctx context.Context, deliver DeliverFunc) error {
	ch := make(chan *nats.Msg, 256)
	sub, err := n.conn.ChanSubscribe(subject, ch)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer sub.Unsubscribe()
	n.log.Info().Msg("subscribed to nats")

	return drain(ctx, &n.codec, ch, func(msg *nats.Msg) []byte {
		return msg.Data
	}, deliver)
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}
