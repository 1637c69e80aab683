// Package identity is the client for the lounge account endpoints. It keeps
// the current session and tells observers when it is established or cleared.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/message-lounge/internal/types"
	"github.com/rs/zerolog"
)

type Event string

const (
	SignedIn  Event = "SIGNED_IN"
	SignedOut Event = "SIGNED_OUT"
)

var ErrNoSession = errors.New("not signed in")

// Error carries the message returned by the server for a rejected request.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return e.Message
}

// SessionStore remembers the session between runs.
type SessionStore interface {
	LoadSession() (types.RememberedSession, bool, error)
	SaveSession(s types.RememberedSession) error
	ClearSession() error
}

type Options struct {
	ServerURL   string
	EmailDomain string
	Timeout     time.Duration
	// Store is optional.
	Store  SessionStore
	Logger zerolog.Logger
}

type Client struct {
	baseURL     string
	emailDomain string
	http        *http.Client
	store       SessionStore
	log         zerolog.Logger

	mu        sync.Mutex
	session   *types.Session
	restored  bool
	listeners map[int]func(Event, *types.Session)
	nextId    int
}

func NewClient(opts Options) *Client {
	return &Client{
		baseURL:     strings.TrimSuffix(opts.ServerURL, "/"),
		emailDomain: opts.EmailDomain,
		http:        &http.Client{Timeout: opts.Timeout},
		store:       opts.Store,
		log:         opts.Logger.With().Str("component", "identity").Logger(),
		listeners:   make(map[int]func(Event, *types.Session)),
	}
}

// OnAuthStateChange registers fn for sign in and sign out events. The
// returned function removes it.
func (c *Client) OnAuthStateChange(fn func(Event, *types.Session)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextId
	c.nextId++
	c.listeners[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Client) emit(ev Event, s *types.Session) {
	c.mu.Lock()
	fns := make([]func(Event, *types.Session), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev, s)
	}
}

func (c *Client) SignUp(ctx context.Context, identifier, password string) (*types.Session, error) {
	return c.authenticate(ctx, "/api/auth/signup", identifier, password)
}

func (c *Client) SignIn(ctx context.Context, identifier, password string) (*types.Session, error) {
	return c.authenticate(ctx, "/api/auth/signin", identifier, password)
}

func (c *Client) authenticate(ctx context.Context, path, identifier, password string) (*types.Session, error) {
	creds := types.Credentials{
		Email:    LoginEmail(identifier, c.emailDomain),
		Password: password,
	}

	var sess types.Session
	if err := c.do(ctx, http.MethodPost, path, "", creds, &sess); err != nil {
		return nil, err
	}

	c.setSession(&sess, strings.TrimSpace(identifier))
	return &sess, nil
}

// SignOut clears the local session. The server call is best-effort.
func (c *Client) SignOut(ctx context.Context) error {
	token := c.Token()
	if token != "" {
		if err := c.do(ctx, http.MethodPost, "/api/auth/signout", token, nil, nil); err != nil {
			c.log.Debug().Err(err).Msg("sign out")
		}
	}

	return c.clearSession()
}

// CurrentUser returns the signed in user, restoring a remembered session on
// first use. A token the server no longer accepts is dropped and
// ErrNoSession returned.
func (c *Client) CurrentUser(ctx context.Context) (*types.User, error) {
	if err := c.restore(); err != nil {
		return nil, err
	}

	token := c.Token()
	if token == "" {
		return nil, ErrNoSession
	}

	var u types.User
	err := c.do(ctx, http.MethodGet, "/api/auth/session", token, nil, &u)
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			if err := c.clearSession(); err != nil {
				c.log.Warn().Err(err).Msg("clear session")
			}
			return nil, ErrNoSession
		}
		return nil, err
	}

	c.mu.Lock()
	if c.session != nil {
		c.session.User = u
	}
	c.mu.Unlock()

	return &u, nil
}

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.Token
}

// RememberedUsername returns the username of the last sign in, if any.
func (c *Client) RememberedUsername() string {
	if c.store == nil {
		return ""
	}
	rs, ok, err := c.store.LoadSession()
	if err != nil || !ok {
		return ""
	}
	return rs.Username
}

func (c *Client) restore() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.restored {
		return nil
	}
	c.restored = true
	if c.session != nil || c.store == nil {
		return nil
	}

	rs, ok, err := c.store.LoadSession()
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if ok && rs.Token != "" {
		c.session = &types.Session{Token: rs.Token}
	}
	return nil
}

func (c *Client) setSession(s *types.Session, username string) {
	c.mu.Lock()
	c.session = s
	c.restored = true
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveSession(types.RememberedSession{Token: s.Token, Username: username}); err != nil {
			c.log.Warn().Err(err).Msg("save session")
		}
	}

	c.emit(SignedIn, s)
}

func (c *Client) clearSession() error {
	c.mu.Lock()
	had := c.session != nil
	c.session = nil
	c.restored = true
	c.mu.Unlock()

	var err error
	if c.store != nil {
		err = c.store.ClearSession()
	}

	if had {
		c.emit(SignedOut, nil)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.ToLower(http.StatusText(resp.StatusCode))
		}
		return &Error{StatusCode: resp.StatusCode, Message: apiErr.Message}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
