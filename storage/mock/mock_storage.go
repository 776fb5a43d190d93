// Package mock provides a mock session store for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/jesusuzcategui/oauth-proxy-github/storage"
)

// Store is a mock implementation of storage.SessionStore with per-method
// error injection and call counting.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*storage.Session

	// Error injection
	CreateSessionError error
	GetSessionError    error

	// Call tracking
	CallCounts map[string]int
}

var _ storage.SessionStore = (*Store)(nil)

// New creates a new mock store.
func New() *Store {
	return &Store{
		sessions:   make(map[string]*storage.Session),
		CallCounts: make(map[string]int),
	}
}

func (s *Store) record(method string) {
	s.CallCounts[method]++
}

// Calls returns how many times a method was invoked.
func (s *Store) Calls(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CallCounts[method]
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Put stores a session directly, bypassing validation. Test setup helper.
func (s *Store) Put(session *storage.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *session
	s.sessions[session.ID] = &stored
}

// CreateSession implements storage.SessionStore.
func (s *Store) CreateSession(ctx context.Context, session *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("CreateSession")

	if s.CreateSessionError != nil {
		return s.CreateSessionError
	}
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if err := session.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session already exists")
	}

	stored := *session
	s.sessions[session.ID] = &stored
	return nil
}

// GetSession implements storage.SessionStore.
func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("GetSession")

	if s.GetSessionError != nil {
		return nil, s.GetSessionError
	}
	stored, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	result := *stored
	return &result, nil
}
