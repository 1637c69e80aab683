package room

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/npezzotti/message-lounge/internal/realtime"
	"github.com/npezzotti/message-lounge/internal/types"
)

// fakeTransport records channel activity in the order it happens.
type fakeTransport struct {
	mu       sync.Mutex
	log      []string
	channels []*fakeChannel

	// status is reported synchronously on Subscribe; empty means never.
	status       realtime.SubscribeStatus
	statusErr    error
	subscribeErr error
	sendErr      error
	trackErr     error
	unsubErr     error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{status: realtime.Subscribed}
}

func (f *fakeTransport) record(entry string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, entry)
}

func (f *fakeTransport) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeTransport) last() *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[len(f.channels)-1]
}

func (f *fakeTransport) Channel(topic string, cfg realtime.ChannelConfig) realtime.Channel {
	ch := &fakeChannel{
		f:         f,
		topic:     topic,
		cfg:       cfg,
		broadcast: make(map[string][]func(json.RawMessage)),
		presence:  make(map[string][]json.RawMessage),
	}
	f.mu.Lock()
	f.channels = append(f.channels, ch)
	f.mu.Unlock()
	return ch
}

type sent struct {
	event   string
	payload any
}

type fakeChannel struct {
	f     *fakeTransport
	topic string
	cfg   realtime.ChannelConfig

	mu                       sync.Mutex
	broadcast                map[string][]func(json.RawMessage)
	syncFns                  []func()
	presence                 map[string][]json.RawMessage
	statusFn                 realtime.StatusFunc
	observersBeforeSubscribe bool
	tracked                  []any
	sent                     []sent
	unsubscribed             int
}

func (c *fakeChannel) Topic() string {
	return c.topic
}

func (c *fakeChannel) OnBroadcast(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcast[event] = append(c.broadcast[event], fn)
}

func (c *fakeChannel) OnPresenceSync(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncFns = append(c.syncFns, fn)
}

func (c *fakeChannel) Subscribe(ctx context.Context, fn realtime.StatusFunc) error {
	c.f.record("subscribe " + c.topic)
	if c.f.subscribeErr != nil {
		return c.f.subscribeErr
	}

	c.mu.Lock()
	c.statusFn = fn
	c.observersBeforeSubscribe = len(c.broadcast[EventMessage]) > 0 && len(c.syncFns) > 0
	c.mu.Unlock()

	if c.f.status != "" {
		fn(c.f.status, c.f.statusErr)
	}
	return nil
}

func (c *fakeChannel) Track(ctx context.Context, meta any) error {
	c.f.record("track " + c.topic)
	c.mu.Lock()
	c.tracked = append(c.tracked, meta)
	c.mu.Unlock()
	return c.f.trackErr
}

func (c *fakeChannel) PresenceState() map[string][]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

func (c *fakeChannel) Send(ctx context.Context, event string, payload any) error {
	if c.f.sendErr != nil {
		return c.f.sendErr
	}
	c.mu.Lock()
	c.sent = append(c.sent, sent{event, payload})
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Unsubscribe(ctx context.Context) error {
	c.f.record("unsubscribe " + c.topic)
	c.mu.Lock()
	c.unsubscribed++
	c.mu.Unlock()
	return c.f.unsubErr
}

// emit delivers a broadcast as the transport would.
func (c *fakeChannel) emit(event, payload string) {
	c.mu.Lock()
	fns := append([]func(json.RawMessage){}, c.broadcast[event]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(json.RawMessage(payload))
	}
}

// sync replaces the presence snapshot and fires the sync observers.
func (c *fakeChannel) sync(state map[string][]string) {
	raw := make(map[string][]json.RawMessage, len(state))
	for k, metas := range state {
		for _, m := range metas {
			raw[k] = append(raw[k], json.RawMessage(m))
		}
	}

	c.mu.Lock()
	c.presence = raw
	fns := append([]func(){}, c.syncFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *fakeChannel) lose() {
	c.mu.Lock()
	fn := c.statusFn
	c.mu.Unlock()
	fn(realtime.Closed, realtime.ErrClosed)
}

// recordingNotifier collects notifications.
type recordingNotifier struct {
	mu  sync.Mutex
	got []string
}

func (n *recordingNotifier) Notify(note types.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note.Title+" | "+note.Description)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.got...)
}
