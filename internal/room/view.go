package room

import (
	"context"
	"sync"

	"github.com/npezzotti/message-lounge/internal/realtime"
	"github.com/npezzotti/message-lounge/internal/types"
)

// View owns the single session of a room view. Switching rooms closes the
// current session before the next one is opened, so at most one
// subscription is active at a time.
type View struct {
	t    realtime.Transport
	self Identity
	opts Options

	mu  sync.Mutex
	cur *Session
}

func NewView(t realtime.Transport, self Identity, opts Options) *View {
	return &View{t: t, self: self, opts: opts}
}

// Switch makes key the current room. Switching to the room that is already
// open does nothing. When opening fails the view is left without a session.
func (v *View) Switch(ctx context.Context, key types.RoomKey) (*Session, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cur != nil && v.cur.Key() == key && v.cur.State() == StateOpen {
		return v.cur, nil
	}

	if v.cur != nil {
		v.cur.Close(ctx)
		v.cur = nil
	}

	s, err := Open(ctx, v.t, key, v.self, v.opts)
	if err != nil {
		return nil, err
	}
	v.cur = s

	return s, nil
}

// Current returns the current session, or nil.
func (v *View) Current() *Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

func (v *View) Send(ctx context.Context, content string) error {
	s := v.Current()
	if s == nil {
		return nil
	}
	return s.Send(ctx, content)
}

func (v *View) Close(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cur != nil {
		v.cur.Close(ctx)
		v.cur = nil
	}
}
