package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/message-lounge/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	defaultJoinTimeout = 10 * time.Second
	writeWait          = 10 * time.Second
)

var _ Transport = (*Socket)(nil)

// Socket is a websocket connection to the lounge server. It multiplexes any
// number of channels and correlates requests with responses by id.
type Socket struct {
	conn        *websocket.Conn
	log         zerolog.Logger
	joinTimeout time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	nextId   int
	pending  map[int]chan *protocol.Response
	channels map[string]*socketChannel

	done      chan struct{}
	closeOnce sync.Once
}

// WebsocketURL maps the lounge server base URL to its websocket endpoint.
func WebsocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	return u.String(), nil
}

func Dial(ctx context.Context, serverURL, token string, logger zerolog.Logger) (*Socket, error) {
	wsURL, err := WebsocketURL(serverURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	s := &Socket{
		conn:        conn,
		log:         logger.With().Str("component", "realtime").Logger(),
		joinTimeout: defaultJoinTimeout,
		pending:     make(map[int]chan *protocol.Response),
		channels:    make(map[string]*socketChannel),
		done:        make(chan struct{}),
	}
	go s.readLoop()

	return s, nil
}

func (s *Socket) Channel(topic string, cfg ChannelConfig) Channel {
	return &socketChannel{
		s:         s,
		topic:     topic,
		cfg:       cfg,
		broadcast: make(map[string][]func(json.RawMessage)),
		presence:  make(map[string][]json.RawMessage),
	}
}

// Done is closed when the connection is lost or closed.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	<-s.done
	return err
}

func (s *Socket) readLoop() {
	defer s.shutdown()

	for {
		var msg protocol.ServerMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn().Err(err).Msg("read")
			}
			return
		}

		switch {
		case msg.Response != nil:
			s.resolve(msg.Id, msg.Response)
		case msg.Broadcast != nil:
			if ch := s.channel(msg.Broadcast.Topic); ch != nil {
				ch.dispatchBroadcast(msg.Broadcast.Event, msg.Broadcast.Payload)
			}
		case msg.Presence != nil:
			if ch := s.channel(msg.Presence.Topic); ch != nil {
				ch.setPresence(msg.Presence.State)
			}
		}
	}
}

// shutdown fails every pending request and tells subscribed channels the
// connection is gone.
func (s *Socket) shutdown() {
	s.conn.Close()

	s.mu.Lock()
	channels := make([]*socketChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[string]*socketChannel)
	s.pending = make(map[int]chan *protocol.Response)
	s.mu.Unlock()

	close(s.done)

	for _, ch := range channels {
		ch.report(Closed, ErrClosed)
	}
}

func (s *Socket) resolve(id int, resp *protocol.Response) {
	if id <= 0 {
		s.log.Debug().Int("code", resp.ResponseCode).Str("error", resp.Error).Msg("unsolicited response")
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if ok {
		ch <- resp
	}
}

func (s *Socket) channel(topic string) *socketChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[topic]
}

func (s *Socket) register(ch *socketChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.topic] = ch
}

func (s *Socket) unregister(ch *socketChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[ch.topic] == ch {
		delete(s.channels, ch.topic)
	}
}

// request sends msg and waits for the matching response.
func (s *Socket) request(ctx context.Context, msg *protocol.ClientMessage) (*protocol.Response, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}

	respCh := make(chan *protocol.Response, 1)
	s.mu.Lock()
	s.nextId++
	id := s.nextId
	s.pending[id] = respCh
	s.mu.Unlock()

	msg.Id = id
	msg.Timestamp = protocol.Now()

	cleanup := func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}

	if err := ctx.Err(); err != nil {
		cleanup()
		return nil, err
	}

	if err := s.write(msg); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case resp := <-respCh:
		if !resp.IsSuccess() {
			return resp, &ResponseError{Code: resp.ResponseCode, Message: resp.Error}
		}
		return resp, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}

func (s *Socket) write(msg *protocol.ClientMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

type channelState int

const (
	stateIdle channelState = iota
	stateJoining
	stateJoined
	stateClosed
)

type socketChannel struct {
	s     *Socket
	topic string
	cfg   ChannelConfig

	mu        sync.Mutex
	state     channelState
	statusFn  StatusFunc
	broadcast map[string][]func(json.RawMessage)
	syncFns   []func()
	presence  map[string][]json.RawMessage
}

func (c *socketChannel) Topic() string {
	return c.topic
}

func (c *socketChannel) OnBroadcast(event string, fn func(payload json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcast[event] = append(c.broadcast[event], fn)
}

func (c *socketChannel) OnPresenceSync(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncFns = append(c.syncFns, fn)
}

func (c *socketChannel) Subscribe(ctx context.Context, fn StatusFunc) error {
	c.mu.Lock()
	if c.state != stateIdle {
		c.mu.Unlock()
		return fmt.Errorf("channel %s already subscribed", c.topic)
	}
	c.state = stateJoining
	c.statusFn = fn
	c.mu.Unlock()

	c.s.register(c)

	go func() {
		joinCtx, cancel := context.WithTimeout(ctx, c.s.joinTimeout)
		defer cancel()

		_, err := c.s.request(joinCtx, &protocol.ClientMessage{
			Join: &protocol.Join{Topic: c.topic, PresenceKey: c.cfg.PresenceKey},
		})

		switch {
		case err == nil:
			c.report(Subscribed, nil)
		case errors.Is(err, context.DeadlineExceeded):
			c.report(TimedOut, err)
		case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled):
			c.report(Closed, err)
		default:
			c.report(ChannelError, err)
		}
	}()

	return nil
}

// report moves the channel to the state matching status and notifies the
// status observer. Nothing is reported once the channel is closed.
func (c *socketChannel) report(status SubscribeStatus, err error) {
	c.mu.Lock()
	if c.state == stateClosed || c.state == stateIdle {
		c.mu.Unlock()
		return
	}
	if status == Subscribed {
		c.state = stateJoined
	} else {
		c.state = stateClosed
	}
	fn := c.statusFn
	c.mu.Unlock()

	if status != Subscribed {
		c.s.unregister(c)
	}
	if fn != nil {
		fn(status, err)
	}
}

func (c *socketChannel) Track(ctx context.Context, meta any) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	_, err = c.s.request(ctx, &protocol.ClientMessage{
		Track: &protocol.Track{Topic: c.topic, Meta: raw},
	})
	return err
}

func (c *socketChannel) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = c.s.request(ctx, &protocol.ClientMessage{
		Broadcast: &protocol.Broadcast{Topic: c.topic, Event: event, Payload: raw},
	})
	return err
}

func (c *socketChannel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	prev := c.state
	c.state = stateClosed
	c.mu.Unlock()

	if prev == stateIdle || prev == stateClosed {
		return nil
	}

	c.s.unregister(c)
	_, err := c.s.request(ctx, &protocol.ClientMessage{
		Leave: &protocol.Leave{Topic: c.topic},
	})
	return err
}

func (c *socketChannel) PresenceState() map[string][]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := make(map[string][]json.RawMessage, len(c.presence))
	for k, v := range c.presence {
		state[k] = append([]json.RawMessage(nil), v...)
	}
	return state
}

func (c *socketChannel) setPresence(state map[string][]json.RawMessage) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	if state == nil {
		state = make(map[string][]json.RawMessage)
	}
	c.presence = state
	fns := append([]func(){}, c.syncFns...)
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (c *socketChannel) dispatchBroadcast(event string, payload json.RawMessage) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	fns := append([]func(json.RawMessage){}, c.broadcast[event]...)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}
