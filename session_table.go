package mqtt311

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// SessionTable owns every live session and resolves the non-owning handles
// stored in the subscription index. Mutations of the table itself are short;
// session state is guarded by each session's own lock.
type SessionTable struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	generation  uint64
	index       *SubscriptionIndex
	store       SessionStore
	clock       Clock
	maxInflight int
}

// NewSessionTable creates a session table backed by index. A nil store keeps
// retained sessions in memory only.
func NewSessionTable(index *SubscriptionIndex, store SessionStore, clock Clock, maxInflight int) *SessionTable {
	if clock == nil {
		clock = SystemClock()
	}
	return &SessionTable{
		sessions:    make(map[string]*Session),
		index:       index,
		store:       store,
		clock:       clock,
		maxInflight: maxInflight,
	}
}

func (t *SessionTable) newSessionLocked(clientID string, clean bool) *Session {
	t.generation++
	sess := newSession(SessionHandle{ClientID: clientID, Generation: t.generation}, clean, t.maxInflight, t.clock)
	t.sessions[clientID] = sess
	return sess
}

// Open returns the session a CONNECT for clientID should attach to, and
// whether prior state was reused. With clean set any prior state is
// discarded, and the connection attached to it, if any, is returned so the
// caller can close it.
func (t *SessionTable) Open(ctx context.Context, clientID string, clean bool) (*Session, bool, *Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing := t.sessions[clientID]

	if clean {
		var displaced *Connection
		if existing != nil {
			displaced = existing.destroy(t.index)
			delete(t.sessions, clientID)
		}
		if t.store != nil {
			if err := t.store.DeleteSession(ctx, clientID); err != nil {
				return nil, false, displaced, fmt.Errorf("delete session %q: %w", clientID, err)
			}
		}
		return t.newSessionLocked(clientID, true), false, displaced, nil
	}

	if existing != nil {
		if !existing.Clean() {
			return existing, true, nil, nil
		}
		// A clean session being taken over by a persistent one starts fresh.
		displaced := existing.destroy(t.index)
		delete(t.sessions, clientID)
		return t.newSessionLocked(clientID, false), false, displaced, nil
	}

	sess := t.newSessionLocked(clientID, false)
	if t.store == nil {
		return sess, false, nil, nil
	}

	snap, err := t.store.LoadSession(ctx, clientID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return sess, false, nil, nil
	case err != nil:
		delete(t.sessions, clientID)
		return nil, false, nil, fmt.Errorf("load session %q: %w", clientID, err)
	}

	if err := sess.restore(snap, t.index); err != nil {
		delete(t.sessions, clientID)
		return nil, false, nil, fmt.Errorf("restore session %q: %w", clientID, err)
	}
	return sess, true, nil, nil
}

// Resolve returns the live session a handle refers to. Handles from an
// earlier generation of the same client identity resolve to nothing.
func (t *SessionTable) Resolve(handle SessionHandle) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sess, ok := t.sessions[handle.ClientID]
	if !ok || sess.handle.Generation != handle.Generation {
		return nil, false
	}
	return sess, true
}

// Get returns the live session for a client identity.
func (t *SessionTable) Get(clientID string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sess, ok := t.sessions[clientID]
	return sess, ok
}

// Destroy removes a session, its index entries and any persisted state.
// A session that was already replaced is left alone.
func (t *SessionTable) Destroy(ctx context.Context, sess *Session) error {
	t.mu.Lock()
	current, ok := t.sessions[sess.ClientID()]
	if !ok || current != sess {
		t.mu.Unlock()
		return nil
	}
	delete(t.sessions, sess.ClientID())
	sess.destroy(t.index)
	t.mu.Unlock()

	if t.store == nil {
		return nil
	}
	if err := t.store.DeleteSession(ctx, sess.ClientID()); err != nil {
		return fmt.Errorf("delete session %q: %w", sess.ClientID(), err)
	}
	return nil
}

// Persist saves a retained session to the store, if one is configured.
func (t *SessionTable) Persist(ctx context.Context, sess *Session) error {
	if t.store == nil || sess.Destroyed() {
		return nil
	}
	if err := t.store.SaveSession(ctx, sess.Snapshot()); err != nil {
		return fmt.Errorf("save session %q: %w", sess.ClientID(), err)
	}
	return nil
}

// Len returns the number of live sessions.
func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.sessions)
}

// Sessions returns the live sessions ordered by client identity.
func (t *SessionTable) Sessions() []*Session {
	t.mu.RLock()
	out := make([]*Session, 0, len(t.sessions))
	for _, sess := range t.sessions {
		out = append(out, sess)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID() < out[j].ClientID() })
	return out
}
