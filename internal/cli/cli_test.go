package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/message-lounge/internal/config"
	"github.com/npezzotti/message-lounge/internal/server"
	"github.com/npezzotti/message-lounge/internal/stats"
	"github.com/npezzotti/message-lounge/internal/testutil"
	"github.com/npezzotti/message-lounge/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// backend serves the account endpoints and the realtime websocket backed by
// a real chat server.
type backend struct {
	mu       sync.Mutex
	accounts map[string]string
	tokens   map[string]types.User
}

func newBackend(t *testing.T) *httptest.Server {
	b := &backend{
		accounts: make(map[string]string),
		tokens:   make(map[string]types.User),
	}

	su := stats.NewNopStatsUpdater()

	logger := testutil.TestLogger(t)
	cs, err := server.NewChatServer(logger, su, nil)
	require.NoError(t, err)
	go cs.Run()

	writeErr := func(w http.ResponseWriter, code int, msg string) {
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{"message": msg})
	}

	userFor := func(r *http.Request) (types.User, bool) {
		b.mu.Lock()
		defer b.mu.Unlock()
		u, ok := b.tokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
		return u, ok
	}

	issue := func(w http.ResponseWriter, email string) {
		b.mu.Lock()
		u := types.User{Id: len(b.tokens) + 1, Username: email, EmailAddress: email}
		token := "token-" + email
		b.tokens[token] = u
		b.mu.Unlock()
		json.NewEncoder(w).Encode(types.Session{Token: token, User: u})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/signup", func(w http.ResponseWriter, r *http.Request) {
		var c types.Credentials
		json.NewDecoder(r.Body).Decode(&c)
		b.mu.Lock()
		_, exists := b.accounts[c.Email]
		b.accounts[c.Email] = c.Password
		b.mu.Unlock()
		if exists {
			writeErr(w, http.StatusConflict, "user already registered")
			return
		}
		issue(w, c.Email)
	})
	mux.HandleFunc("POST /api/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		var c types.Credentials
		json.NewDecoder(r.Body).Decode(&c)
		b.mu.Lock()
		pw, ok := b.accounts[c.Email]
		b.mu.Unlock()
		if !ok || pw != c.Password {
			writeErr(w, http.StatusUnauthorized, "invalid login credentials")
			return
		}
		issue(w, c.Email)
	})
	mux.HandleFunc("GET /api/auth/session", func(w http.ResponseWriter, r *http.Request) {
		u, ok := userFor(r)
		if !ok {
			writeErr(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		json.NewEncoder(w).Encode(u)
	})
	mux.HandleFunc("POST /api/auth/signout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	upgrader := websocket.Upgrader{}
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		u, ok := userFor(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := server.NewClient(u, conn, cs, logger)
		cs.RegisterClient(c)
		go c.Write()
		go c.Read()
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
		ts.Close()
	})

	return ts
}

type harness struct {
	t      *testing.T
	cfg    config.Client
	out    *syncBuffer
	errOut *syncBuffer
}

func newHarness(t *testing.T, serverURL string) *harness {
	return &harness{
		t: t,
		cfg: config.Client{
			ServerURL:    serverURL,
			DataDir:      t.TempDir(),
			EmailDomain:  "ml.local",
			KnownDomains: []string{"ml.local", "users.example.com"},
			Timeout:      time.Second,
		},
		out:    &syncBuffer{},
		errOut: &syncBuffer{},
	}
}

func (h *harness) run(in io.Reader, args ...string) error {
	logger := testutil.TestLogger(h.t)
	return Execute(context.Background(), Options{
		Config: h.cfg,
		In:     in,
		Out:    h.out,
		Err:    h.errOut,
		Logger: &logger,
	}, args)
}

func TestServersCommands(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:1")

	require.NoError(t, h.run(strings.NewReader(""), "servers"))
	assert.Contains(t, h.out.String(), "Lobby (lobby) #general #random")

	require.NoError(t, h.run(strings.NewReader(""), "servers", "create", "Go", "Nuts"))
	assert.Contains(t, h.out.String(), "Created Go Nuts (go-nuts) #general #random")

	err := h.run(strings.NewReader(""), "servers", "create", "go-nuts")
	assert.ErrorContains(t, err, "server already exists")

	require.NoError(t, h.run(strings.NewReader(""), "servers", "join", "Friends"))
	assert.Contains(t, h.out.String(), "Joined friends (friends)")

	h.out = &syncBuffer{}
	require.NoError(t, h.run(strings.NewReader(""), "servers", "list"))
	lines := strings.Split(strings.TrimSpace(h.out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "Lobby"))
	assert.True(t, strings.HasPrefix(lines[1], "Go Nuts"))
	assert.True(t, strings.HasPrefix(lines[2], "friends"))
}

func TestAuthCommands(t *testing.T) {
	ts := newBackend(t)
	h := newHarness(t, ts.URL)

	err := h.run(strings.NewReader(""), "whoami")
	assert.ErrorIs(t, err, errNotSignedIn)

	require.NoError(t, h.run(strings.NewReader(""), "signup", "-u", "alice", "-p", "secret1"))
	assert.Contains(t, h.out.String(), "Welcome, alice!")

	err = h.run(strings.NewReader(""), "signup", "-u", "alice", "-p", "secret1")
	assert.EqualError(t, err, "user already registered")

	require.NoError(t, h.run(strings.NewReader(""), "whoami"))
	assert.Contains(t, h.out.String(), "alice <alice@ml.local>")

	require.NoError(t, h.run(strings.NewReader(""), "signout"))
	assert.ErrorIs(t, h.run(strings.NewReader(""), "whoami"), errNotSignedIn)

	// the remembered username is offered as the default
	h.out = &syncBuffer{}
	require.NoError(t, h.run(strings.NewReader("\nsecret1\n"), "signin"))
	assert.Contains(t, h.out.String(), "Username [alice]: ")
	assert.Contains(t, h.out.String(), "Signed in as alice")

	err = h.run(strings.NewReader(""), "signin", "-u", "alice", "-p", "wrong")
	assert.EqualError(t, err, "invalid login credentials")
}

func TestChatRequiresSession(t *testing.T) {
	ts := newBackend(t)
	h := newHarness(t, ts.URL)

	err := h.run(strings.NewReader(""), "chat", "lobby")
	assert.ErrorIs(t, err, errNotSignedIn)

	require.NoError(t, h.run(strings.NewReader(""), "signup", "-u", "alice", "-p", "secret1"))
	err = h.run(strings.NewReader(""), "chat", "nowhere")
	assert.ErrorContains(t, err, "unknown server")

	err = h.run(strings.NewReader(""), "chat", "lobby", "nochannel")
	assert.ErrorContains(t, err, "unknown channel #nochannel")
}

type chatRun struct {
	in   *io.PipeWriter
	done chan error
}

func startChat(t *testing.T, h *harness, args ...string) *chatRun {
	r, w := io.Pipe()
	cr := &chatRun{in: w, done: make(chan error, 1)}
	go func() {
		cr.done <- h.run(r, append([]string{"chat"}, args...)...)
	}()
	t.Cleanup(func() { w.Close() })
	return cr
}

func (cr *chatRun) send(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(cr.in, line+"\n")
	require.NoError(t, err)
}

func (cr *chatRun) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-cr.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("chat did not exit")
		return nil
	}
}

func waitFor(t *testing.T, buf *syncBuffer, text string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), text)
	}, 3*time.Second, 10*time.Millisecond, "waiting for %q in %q", text, buf.String())
}

// expectWho repeats /who until the online list matches, presence syncs
// arrive asynchronously.
func expectWho(t *testing.T, cr *chatRun, out *syncBuffer, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		io.WriteString(cr.in, "/who\n")
		time.Sleep(20 * time.Millisecond)
		return strings.Contains(out.String(), want)
	}, 3*time.Second, 50*time.Millisecond, "waiting for %q in %q", want, out.String())
}

func TestChat(t *testing.T) {
	ts := newBackend(t)
	alice := newHarness(t, ts.URL)
	bob := newHarness(t, ts.URL)

	require.NoError(t, alice.run(strings.NewReader(""), "signup", "-u", "alice", "-p", "secret1"))
	require.NoError(t, bob.run(strings.NewReader(""), "signup", "-u", "bob", "-p", "secret1"))

	a := startChat(t, alice, "lobby")
	waitFor(t, alice.out, "Joined #general on Lobby")

	a.send(t, "use <T> here\x1b[2J")
	waitFor(t, alice.out, "alice: use <T> here[2J")

	b := startChat(t, bob, "lobby", "general")
	waitFor(t, bob.out, "Joined #general on Lobby")

	expectWho(t, a, alice.out, "Online (2): alice, bob")

	b.send(t, "hi alice")
	waitFor(t, alice.out, "bob: hi alice")
	waitFor(t, alice.errOut, "New message in #general: bob: hi alice")
	// own messages raise no notification
	assert.NotContains(t, alice.errOut.String(), "alice: use")

	a.send(t, "/join random")
	waitFor(t, alice.out, "Joined #random on Lobby")
	expectWho(t, b, bob.out, "Online (1): bob")

	a.send(t, "/join nope")
	waitFor(t, alice.errOut, "unknown channel #nope")

	a.send(t, "/quit")
	assert.NoError(t, a.wait(t))

	b.send(t, "/signout")
	waitFor(t, bob.out, "Signed out, leaving chat")
	assert.NoError(t, b.wait(t))
	assert.ErrorIs(t, bob.run(strings.NewReader(""), "whoami"), errNotSignedIn)
}

func TestChatEndsOnInputEOF(t *testing.T) {
	ts := newBackend(t)
	h := newHarness(t, ts.URL)
	require.NoError(t, h.run(strings.NewReader(""), "signup", "-u", "alice", "-p", "secret1"))

	c := startChat(t, h, "lobby")
	waitFor(t, h.out, "Joined #general")
	c.in.Close()
	assert.NoError(t, c.wait(t))
}

func TestSanitizeText(t *testing.T) {
	tcases := []struct {
		in   string
		want string
	}{
		{in: "plain", want: "plain"},
		{in: "use <T> here", want: "use <T> here"},
		{in: "<b>bold</b> & co", want: "<b>bold</b> & co"},
		{in: "bell\x07 and \x1b[31mred", want: "bell and [31mred"},
	}

	for _, tc := range tcases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, sanitizeText(tc.in))
		})
	}
}

func TestFormatMessage(t *testing.T) {
	got := formatMessage(types.ChatMessage{Author: "<i>ann</i>", Content: "x < y, use <T>", Ts: 0})
	assert.True(t, strings.HasSuffix(got, "] ann: x < y, use <T>"), got)
}

func TestSanitize(t *testing.T) {
	tcases := []struct {
		in   string
		want string
	}{
		{in: "plain", want: "plain"},
		{in: "<script>alert(1)</script>hi", want: "hi"},
		{in: "a < b & c", want: "a < b & c"},
		{in: "bell\x07 and \x1b[31mred", want: "bell and [31mred"},
	}

	for _, tc := range tcases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, sanitize(tc.in))
		})
	}
}
