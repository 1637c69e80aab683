// Package broker relays realtime broadcasts between server nodes that share
// a Redis or NATS deployment. Presence stays local to each node.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/npezzotti/message-lounge/internal/config"
	"github.com/rs/zerolog"
)

const subject = "lounge.broadcast"

// DeliverFunc receives broadcasts published by other nodes.
type DeliverFunc func(topic, event string, payload json.RawMessage)

type Broker interface {
	Publish(ctx context.Context, topic, event string, payload json.RawMessage) error
	// Run receives broadcasts until ctx is cancelled.
	Run(ctx context.Context, deliver DeliverFunc) error
	Close() error
}

type envelope struct {
	Node    string          `json:"node"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// codec tags outgoing broadcasts with the node id and drops incoming ones
// that this node published itself.
type codec struct {
	node string
	log  zerolog.Logger
}

func newCodec(logger zerolog.Logger) codec {
	node := uuid.NewString()
	return codec{
		node: node,
		log:  logger.With().Str("component", "broker").Str("node", node).Logger(),
	}
}

func (c codec) encode(topic, event string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal(envelope{
		Node:    c.node,
		Topic:   topic,
		Event:   event,
		Payload: payload,
	})
}

func (c codec) handle(data []byte, deliver DeliverFunc) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed envelope")
		return
	}

	if env.Node == c.node || env.Topic == "" {
		return
	}

	deliver(env.Topic, env.Event, env.Payload)
}

// New returns the broker selected by cfg. It returns nil when relaying is
// disabled.
func New(cfg config.BrokerConfig, logger zerolog.Logger) (Broker, error) {
	switch cfg.Kind {
	case "", config.BrokerNone:
		return nil, nil
	case config.BrokerRedis:
		r, err := NewRedis(cfg.RedisAddr, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.BrokerNATS:
		n, err := NewNATS(cfg.NATSURL, logger)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Kind)
	}
}

// drain hands every message received on ch to c until ctx is done or ch is
// closed.
func drain[T any](ctx context.Context, c *codec, ch <-chan T, data func(T) []byte, deliver DeliverFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.handle(data(msg), deliver)
		}
	}
}
