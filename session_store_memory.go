package mqtt311

import (
	"context"
	"sort"
	"sync"
)

// MemorySessionStore is an in-memory implementation of SessionStore.
// Snapshots are copied on the way in and out.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionSnapshot
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*SessionSnapshot),
	}
}

func (s *MemorySessionStore) LoadSession(_ context.Context, clientID string) (*SessionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.sessions[clientID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return snap.Clone(), nil
}

func (s *MemorySessionStore) SaveSession(_ context.Context, snapshot *SessionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[snapshot.ClientID] = snapshot.Clone()
	return nil
}

func (s *MemorySessionStore) DeleteSession(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, clientID)
	return nil
}

func (s *MemorySessionStore) ListSessions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
