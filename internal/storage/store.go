// Package storage keeps the CLI's local state in an embedded pebble database:
// the list of known servers and the remembered session.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble/v2"
	"github.com/npezzotti/message-lounge/internal/types"
	"github.com/rs/zerolog"
)

var (
	serversKey = []byte("ml-servers")
	sessionKey = []byte("ml-session")
)

var (
	ErrInvalidName  = errors.New("server name is required")
	ErrServerExists = errors.New("server already exists")
)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

var defaultChannels = []string{"general", "random"}

func lobby() types.ServerInfo {
	return types.ServerInfo{Id: "lobby", Name: "Lobby", Channels: append([]string(nil), defaultChannels...)}
}

type Store struct {
	db  *pebble.DB
	log zerolog.Logger

	mu      sync.Mutex
	servers []types.ServerInfo
	// readonly is set when the stored list could not be parsed. The list is
	// then treated as empty and never written back.
	readonly bool
}

// Open opens the store in dir and loads the server list, seeding the lobby
// when there is none.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}

	s := &Store{
		db:  db,
		log: logger.With().Str("component", "storage").Logger(),
	}

	if err := s.loadServers(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	data, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()

	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, true, nil
}

func (s *Store) loadServers() error {
	data, ok, err := s.get(serversKey)
	if err != nil {
		return err
	}

	if ok {
		var servers []types.ServerInfo
		if err := json.Unmarshal(data, &servers); err != nil {
			s.log.Warn().Err(err).Msg("stored server list is malformed, ignoring it")
			s.servers = []types.ServerInfo{}
			s.readonly = true
			return nil
		}
		if len(servers) > 0 {
			s.servers = servers
			return nil
		}
	}

	s.servers = []types.ServerInfo{lobby()}
	return s.saveServers()
}

func (s *Store) saveServers() error {
	if s.readonly {
		return nil
	}

	data, err := json.Marshal(s.servers)
	if err != nil {
		return fmt.Errorf("marshal servers: %w", err)
	}

	return s.db.Set(serversKey, data, pebble.Sync)
}

// Servers returns a copy of the known servers in insertion order.
func (s *Store) Servers() []types.ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.ServerInfo, len(s.servers))
	copy(out, s.servers)
	return out
}

// Server looks a server up by id.
func (s *Store) Server(id string) (types.ServerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return types.ServerInfo{}, false
	}
	return s.servers[i], true
}

func (s *Store) indexOf(id string) int {
	for i, srv := range s.servers {
		if srv.Id == id {
			return i
		}
	}
	return -1
}

func Slug(name string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

func (s *Store) CreateServer(name string) (types.ServerInfo, error) {
	name = strings.TrimSpace(name)
	id := Slug(name)
	if name == "" || id == "" {
		return types.ServerInfo{}, ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(id) >= 0 {
		return types.ServerInfo{}, fmt.Errorf("%w: %s", ErrServerExists, id)
	}

	srv := types.ServerInfo{Id: id, Name: name, Channels: append([]string(nil), defaultChannels...)}
	s.servers = append(s.servers, srv)
	if err := s.saveServers(); err != nil {
		s.servers = s.servers[:len(s.servers)-1]
		return types.ServerInfo{}, err
	}

	return srv, nil
}

// JoinServer adds the server identified by code if it is not known yet and
// returns it.
func (s *Store) JoinServer(code string) (types.ServerInfo, error) {
	id := strings.ToLower(strings.TrimSpace(code))
	if id == "" {
		return types.ServerInfo{}, ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOf(id); i >= 0 {
		return s.servers[i], nil
	}

	srv := types.ServerInfo{Id: id, Name: id, Channels: append([]string(nil), defaultChannels...)}
	s.servers = append(s.servers, srv)
	if err := s.saveServers(); err != nil {
		s.servers = s.servers[:len(s.servers)-1]
		return types.ServerInfo{}, err
	}

	return srv, nil
}

func (s *Store) LoadSession() (types.RememberedSession, bool, error) {
	data, ok, err := s.get(sessionKey)
	if err != nil || !ok {
		return types.RememberedSession{}, false, err
	}

	var rs types.RememberedSession
	if err := json.Unmarshal(data, &rs); err != nil {
		s.log.Warn().Err(err).Msg("stored session is malformed, ignoring it")
		return types.RememberedSession{}, false, nil
	}

	return rs, true, nil
}

func (s *Store) SaveSession(rs types.RememberedSession) error {
	data, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	return s.db.Set(sessionKey, data, pebble.Sync)
}

// ClearSession forgets the token. The username is kept to prefill the next
// sign in.
func (s *Store) ClearSession() error {
	rs, ok, err := s.LoadSession()
	if err != nil {
		return err
	}
	if !ok || rs.Username == "" {
		return s.db.Delete(sessionKey, pebble.Sync)
	}

	return s.SaveSession(types.RememberedSession{Username: rs.Username})
}
