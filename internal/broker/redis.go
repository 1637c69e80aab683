package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Redis struct {
	codec
	client *redis.Client
}

func NewRedis(addr string, logger zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{codec: newCodec(logger), client: client}, nil
}

func (r *Redis) Publish(ctx context.Context, topic, event string, payload json.RawMessage) error {
	data, err := r.encode(topic, event, payload)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}

	return r.client.Publish(ctx, subject, data).Err()
}

func (r *Redis) Run(ctx context.Context, deliver DeliverFunc) error {
	ps := r.client.Subscribe(ctx, subject)
	defer ps.Close()

	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	r.log.Info().Msg("subscribed to redis")

	return drain(ctx, &r.codec, ps.Channel(), func(msg *redis.Message) []byte {
		return []byte(msg.Payload)
	}, deliver)
}

func (r *Redis) Close() error {
	return r.client.Close()
}
