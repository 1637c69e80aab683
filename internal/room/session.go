// Package room hosts the realtime session of one room: it keeps the ordered
// message list and the presence of a topic while the user is in it.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/message-lounge/internal/realtime"
	"github.com/npezzotti/message-lounge/internal/types"
	"github.com/rs/zerolog"
)

const (
	EventMessage = "message"

	closeTimeout = 5 * time.Second
)

type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Identity is the local user as seen by other members of the room.
type Identity struct {
	UserId      string
	DisplayName string
}

// SubscribeError is returned by Open when the subscription ends in any
// status other than SUBSCRIBED.
type SubscribeError struct {
	Status realtime.SubscribeStatus
	Err    error
}

func (e *SubscribeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("subscribe: %s: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("subscribe: %s", e.Status)
}

func (e *SubscribeError) Unwrap() error {
	return e.Err
}

type Options struct {
	Logger   zerolog.Logger
	Notifier Notifier
	// OnChange is called after the message list or the presence state
	// changes. It runs on the transport's goroutine.
	OnChange func()
}

type Session struct {
	key      types.RoomKey
	self     Identity
	ch       realtime.Channel
	log      zerolog.Logger
	notifier Notifier
	onChange func()

	mu       sync.Mutex
	state    State
	messages []types.ChatMessage
	presence types.PresenceState
}

type statusEvent struct {
	status realtime.SubscribeStatus
	err    error
}

// Open subscribes to the topic of key and returns once the subscription is
// confirmed and the local user is tracked. On failure the half-opened
// channel is released and the error returned.
func Open(ctx context.Context, t realtime.Transport, key types.RoomKey, self Identity, opts Options) (*Session, error) {
	if key.ServerId == "" || key.ChannelId == "" {
		return nil, fmt.Errorf("invalid room key %q", key)
	}

	s := &Session{
		key:      key,
		self:     self,
		log:      opts.Logger.With().Str("room", key.String()).Logger(),
		notifier: opts.Notifier,
		onChange: opts.OnChange,
		state:    StateOpening,
		messages: []types.ChatMessage{},
		presence: types.PresenceState{},
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}

	s.ch = t.Channel(key.String(), realtime.ChannelConfig{PresenceKey: self.UserId})
	s.ch.OnBroadcast(EventMessage, s.handleMessage)
	s.ch.OnPresenceSync(s.handleSync)

	statuses := make(chan statusEvent, 1)
	err := s.ch.Subscribe(ctx, func(status realtime.SubscribeStatus, err error) {
		select {
		case statuses <- statusEvent{status, err}:
		default:
		}
		if status != realtime.Subscribed {
			s.handleLost(status, err)
		}
	})
	if err != nil {
		s.Close(ctx)
		return nil, &SubscribeError{Status: realtime.ChannelError, Err: err}
	}

	select {
	case ev := <-statuses:
		if ev.status != realtime.Subscribed {
			s.Close(ctx)
			return nil, &SubscribeError{Status: ev.status, Err: ev.err}
		}
	case <-ctx.Done():
		s.Close(ctx)
		return nil, ctx.Err()
	}

	if err := s.ch.Track(ctx, types.PresenceMeta{DisplayName: self.DisplayName}); err != nil {
		s.log.Warn().Err(err).Msg("track presence")
	}

	s.mu.Lock()
	if s.state != StateOpening {
		// the channel was lost while tracking
		s.mu.Unlock()
		return nil, &SubscribeError{Status: realtime.Closed, Err: realtime.ErrClosed}
	}
	s.state = StateOpen
	s.mu.Unlock()

	s.log.Debug().Msg("room open")
	return s, nil
}

func (s *Session) Key() types.RoomKey {
	return s.key
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the messages received so far, in arrival order.
func (s *Session) Messages() []types.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ChatMessage(nil), s.messages...)
}

func (s *Session) Presence() types.PresenceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := make(types.PresenceState, len(s.presence))
	for k, v := range s.presence {
		state[k] = append([]types.PresenceMeta(nil), v...)
	}
	return state
}

func (s *Session) OnlineUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return onlineUsers(s.presence)
}

// Send broadcasts content to the room. Blank content and sends on a session
// that is not open are ignored. The message is not appended locally; it is
// added when the echo from the server arrives.
func (s *Session) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" || s.State() != StateOpen {
		return nil
	}

	msg := types.ChatMessage{
		Id:      uuid.NewString(),
		UserId:  s.self.UserId,
		Author:  s.self.DisplayName,
		Content: content,
		Ts:      time.Now().UnixMilli(),
	}

	if err := s.ch.Send(ctx, EventMessage, msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Close unsubscribes from the room. It never fails and may be called more
// than once.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	if err := s.ch.Unsubscribe(ctx); err != nil {
		s.log.Debug().Err(err).Msg("unsubscribe")
	}
}

func (s *Session) handleMessage(payload json.RawMessage) {
	var msg types.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed message")
		return
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.messages = append(s.messages, msg)
	if msg.Author != s.self.DisplayName {
		s.notifier.Notify(types.Notification{
			Title:       fmt.Sprintf("New message in #%s", s.key.ChannelId),
			Description: fmt.Sprintf("%s: %s", msg.Author, msg.Content),
		})
	}
	s.mu.Unlock()

	s.changed()
}

func (s *Session) handleSync() {
	state := narrowPresence(s.ch.PresenceState())

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.presence = state
	s.mu.Unlock()

	s.changed()
}

// handleLost closes the session when the channel ends after it was opened.
func (s *Session) handleLost(status realtime.SubscribeStatus, err error) {
	s.mu.Lock()
	wasOpen := s.state == StateOpen
	s.state = StateClosed
	s.mu.Unlock()

	if wasOpen {
		s.log.Warn().Err(err).Str("status", string(status)).Msg("room closed by transport")
		s.changed()
	}
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
