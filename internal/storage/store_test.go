package storage

import (
	"testing"

	"github.com/cockroachdb/pebble/v2"
	"github.com/npezzotti/message-lounge/internal/testutil"
	"github.com/npezzotti/message-lounge/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, testutil.TestLogger(t))
	require.NoError(t, err)
	return s
}

func writeRaw(t *testing.T, dir string, key, value []byte) {
	t.Helper()
	db, err := pebble.Open(dir, &pebble.Options{})
	require.NoError(t, err)
	require.NoError(t, db.Set(key, value, pebble.Sync))
	require.NoError(t, db.Close())
}

func TestOpenSeedsLobby(t *testing.T) {
	tcases := []struct {
		name  string
		setup func(t *testing.T, dir string)
	}{
		{name: "missing", setup: func(t *testing.T, dir string) {}},
		{name: "empty list", setup: func(t *testing.T, dir string) { writeRaw(t, dir, serversKey, []byte("[]")) }},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			tc.setup(t, dir)

			s := openStore(t, dir)
			assert.Equal(t, []types.ServerInfo{lobby()}, s.Servers())
			require.NoError(t, s.Close())

			// the seed is persisted
			s = openStore(t, dir)
			defer s.Close()
			assert.Equal(t, []types.ServerInfo{lobby()}, s.Servers())
		})
	}
}

func TestOpenMalformedServers(t *testing.T) {
	dir := t.TempDir()
	writeRaw(t, dir, serversKey, []byte("{not json"))

	s := openStore(t, dir)
	assert.Empty(t, s.Servers())

	_, err := s.CreateServer("Gophers")
	require.NoError(t, err)
	assert.Len(t, s.Servers(), 1)

	data, ok, err := s.get(serversKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "{not json", string(data))
	require.NoError(t, s.Close())
}

func TestCreateServer(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	srv, err := s.CreateServer("  My Cool Server!! ")
	require.NoError(t, err)
	assert.Equal(t, types.ServerInfo{
		Id:       "my-cool-server",
		Name:     "My Cool Server!!",
		Channels: []string{"general", "random"},
	}, srv)

	tcases := []struct {
		name string
		in   string
		err  error
	}{
		{name: "empty", in: "   ", err: ErrInvalidName},
		{name: "no slug characters", in: "!!!", err: ErrInvalidName},
		{name: "duplicate id", in: "my cool server", err: ErrServerExists},
		{name: "lobby exists", in: "Lobby", err: ErrServerExists},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreateServer(tc.in)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	require.NoError(t, s.Close())

	s = openStore(t, dir)
	defer s.Close()
	servers := s.Servers()
	require.Len(t, servers, 2)
	assert.Equal(t, "lobby", servers[0].Id)
	assert.Equal(t, "my-cool-server", servers[1].Id)
}

func TestJoinServer(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	srv, err := s.JoinServer("  Friends ")
	require.NoError(t, err)
	assert.Equal(t, types.ServerInfo{Id: "friends", Name: "friends", Channels: []string{"general", "random"}}, srv)

	again, err := s.JoinServer("friends")
	require.NoError(t, err)
	assert.Equal(t, srv, again)

	lobbySrv, err := s.JoinServer("LOBBY")
	require.NoError(t, err)
	assert.Equal(t, "Lobby", lobbySrv.Name)

	assert.Len(t, s.Servers(), 2)

	_, err = s.JoinServer(" ")
	assert.ErrorIs(t, err, ErrInvalidName)

	got, ok := s.Server("friends")
	assert.True(t, ok)
	assert.Equal(t, srv, got)
	_, ok = s.Server("missing")
	assert.False(t, ok)
}

func TestSession(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	_, ok, err := s.LoadSession()
	require.NoError(t, err)
	assert.False(t, ok)

	want := types.RememberedSession{Token: "abc", Username: "alice"}
	require.NoError(t, s.SaveSession(want))
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	defer s.Close()
	got, ok, err := s.LoadSession()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)

	require.NoError(t, s.ClearSession())
	got, ok, err = s.LoadSession()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.RememberedSession{Username: "alice"}, got)
}

func TestClearSessionWithoutUsername(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.SaveSession(types.RememberedSession{Token: "abc"}))
	require.NoError(t, s.ClearSession())
	_, ok, err := s.LoadSession()
	require.NoError(t, err)
	assert.False(t, ok)

	// clearing nothing is fine
	require.NoError(t, s.ClearSession())
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "hello-world", Slug("Hello, World"))
	assert.Equal(t, "a1-b2", Slug("--A1__b2--"))
	assert.Equal(t, "", Slug("***"))
}
