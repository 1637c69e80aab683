// Package realtime is the client side of the lounge realtime protocol. Room
// sessions depend on the Transport and Channel interfaces; Socket implements
// them over a websocket connection to the lounge server.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type SubscribeStatus string

const (
	Subscribed   SubscribeStatus = "SUBSCRIBED"
	ChannelError SubscribeStatus = "CHANNEL_ERROR"
	TimedOut     SubscribeStatus = "TIMED_OUT"
	Closed       SubscribeStatus = "CLOSED"
)

// StatusFunc observes the subscription status of a channel. err is set for
// every status other than Subscribed.
type StatusFunc func(status SubscribeStatus, err error)

type Transport interface {
	Channel(topic string, cfg ChannelConfig) Channel
}

type ChannelConfig struct {
	// PresenceKey groups the presence of every connection joining with the
	// same key. The server assigns a per-connection key when it is empty.
	PresenceKey string
}

// Channel is one topic subscription. Observers must be registered before
// Subscribe is called.
type Channel interface {
	Topic() string
	OnBroadcast(event string, fn func(payload json.RawMessage))
	OnPresenceSync(fn func())
	// Subscribe joins the topic. It returns once the join is sent and
	// reports the outcome through fn.
	Subscribe(ctx context.Context, fn StatusFunc) error
	Track(ctx context.Context, meta any) error
	PresenceState() map[string][]json.RawMessage
	Send(ctx context.Context, event string, payload any) error
	Unsubscribe(ctx context.Context) error
}

var ErrClosed = errors.New("realtime: connection closed")

// ResponseError is returned when the server rejects a request.
type ResponseError struct {
	Code    int
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("realtime: %d %s", e.Code, e.Message)
}
