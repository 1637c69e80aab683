package room

import (
	"context"
	"errors"
	"testing"

	"github.com/npezzotti/message-lounge/internal/realtime"
	"github.com/npezzotti/message-lounge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestView_Switch(t *testing.T) {
	t.Run("closes previous session first", func(t *testing.T) {
		f := newFakeTransport()
		v := NewView(f, alice, Options{Logger: testutil.TestLogger(t)})

		first, err := v.Switch(context.Background(), general)
		require.NoError(t, err)

		second, err := v.Switch(context.Background(), random)
		require.NoError(t, err)

		assert.Equal(t, []string{
			"subscribe room:lobby:general",
			"track room:lobby:general",
			"unsubscribe room:lobby:general",
			"subscribe room:lobby:random",
			"track room:lobby:random",
		}, f.events())
		assert.Equal(t, StateClosed, first.State())
		assert.Equal(t, second, v.Current())
	})

	t.Run("messages reset on switch", func(t *testing.T) {
		f := newFakeTransport()
		v := NewView(f, alice, Options{Logger: testutil.TestLogger(t)})

		_, err := v.Switch(context.Background(), general)
		require.NoError(t, err)
		f.last().emit(EventMessage, `{"id":"m1","author":"bob","content":"hi"}`)

		s, err := v.Switch(context.Background(), random)
		require.NoError(t, err)
		assert.Empty(t, s.Messages())
	})

	t.Run("same key is a no-op", func(t *testing.T) {
		f := newFakeTransport()
		v := NewView(f, alice, Options{Logger: testutil.TestLogger(t)})

		first, err := v.Switch(context.Background(), general)
		require.NoError(t, err)
		again, err := v.Switch(context.Background(), general)
		require.NoError(t, err)

		assert.Same(t, first, again)
		assert.Len(t, f.events(), 2)
	})

	t.Run("failed open leaves no session", func(t *testing.T) {
		f := newFakeTransport()
		v := NewView(f, alice, Options{Logger: testutil.TestLogger(t)})

		_, err := v.Switch(context.Background(), general)
		require.NoError(t, err)

		f.status = realtime.ChannelError
		f.statusErr = errors.New("denied")
		_, err = v.Switch(context.Background(), random)
		assert.Error(t, err)
		assert.Nil(t, v.Current())
		assert.NoError(t, v.Send(context.Background(), "hello"), "expected send without a session to be a no-op")
	})
}

func TestView_SendAndClose(t *testing.T) {
	f := newFakeTransport()
	v := NewView(f, alice, Options{Logger: testutil.TestLogger(t)})

	assert.NoError(t, v.Send(context.Background(), "nobody home"))

	_, err := v.Switch(context.Background(), general)
	require.NoError(t, err)
	require.NoError(t, v.Send(context.Background(), "hello"))
	assert.Len(t, f.last().sent, 1)

	v.Close(context.Background())
	v.Close(context.Background())
	assert.Nil(t, v.Current())
	assert.Equal(t, 1, f.last().unsubscribed)
}
