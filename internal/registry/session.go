package registry

import (
	"errors"
	"sync"
)

// ErrDataTooLarge reports a session KV value over the per-value cap.
var ErrDataTooLarge = errors.New("session data value exceeds max bytes")

// maxDataValueBytes caps one session KV value.
const maxDataValueBytes = 64 * 1024

// SessionConfig is the caller-supplied initial state for a session.
type SessionConfig struct {
	Cwd        string
	ToolConfig map[string]string
}

// Session holds session-scoped state: working directory, tool configuration,
// and a small KV for anything a tool wants to stash. The core treats all of
// it as opaque. A Session guards its own fields; registry membership and
// ownership live under the registry's lock.
type Session struct {
	id string

	mu         sync.Mutex
	cwd        string
	toolConfig map[string]string
	data       map[string][]byte
}

func newSession(id string, cfg SessionConfig) *Session {
	tc := make(map[string]string, len(cfg.ToolConfig))
	for k, v := range cfg.ToolConfig {
		tc[k] = v
	}
	return &Session{
		id:         id,
		cwd:        cfg.Cwd,
		toolConfig: tc,
		data:       make(map[string][]byte),
	}
}

// ID returns the globally unique session id.
func (s *Session) ID() string { return s.id }

// Cwd returns the session working directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// SetCwd updates the session working directory.
func (s *Session) SetCwd(cwd string) {
	s.mu.Lock()
	s.cwd = cwd
	s.mu.Unlock()
}

// ToolConfig returns the value configured for key, if any.
func (s *Session) ToolConfig(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.toolConfig[key]
	return v, ok
}

// PutData stores a key/value, enforcing the per-value size cap.
func (s *Session) PutData(key string, value []byte) error {
	if len(value) > maxDataValueBytes {
		return ErrDataTooLarge
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	s.data[key] = cp
	s.mu.Unlock()
	return nil
}

// GetData returns the value stored for key.
func (s *Session) GetData(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true
}

// DeleteData removes key. Deleting an absent key is a no-op.
func (s *Session) DeleteData(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}
