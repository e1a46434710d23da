package mqtt311

import (
	"sync"
	"time"
)

// DefaultKeepAliveGrace is the multiple of the keep-alive interval a client
// may stay silent before it is considered gone.
const DefaultKeepAliveGrace = 1.5

// KeepAliveManager tracks keep-alive deadlines per client identity.
type KeepAliveManager struct {
	mu             sync.RWMutex
	clock          Clock
	clients        map[string]*keepAliveEntry
	serverOverride uint16
	graceFactor    float64
}

type keepAliveEntry struct {
	owner        uint64
	keepAlive    uint16
	lastActivity time.Time
	deadline     time.Time
}

// NewKeepAliveManager creates a keep-alive manager reading time from clock.
// A nil clock uses the system clock.
func NewKeepAliveManager(clock Clock) *KeepAliveManager {
	if clock == nil {
		clock = SystemClock()
	}
	return &KeepAliveManager{
		clock:       clock,
		clients:     make(map[string]*keepAliveEntry),
		graceFactor: DefaultKeepAliveGrace,
	}
}

// SetServerOverride forces every client onto the given interval.
// Zero keeps the client's own value.
func (m *KeepAliveManager) SetServerOverride(seconds uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.serverOverride = seconds
}

// SetGraceFactor sets the timeout multiplier. Values below 1 are raised to 1.
func (m *KeepAliveManager) SetGraceFactor(factor float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if factor < 1.0 {
		factor = 1.0
	}
	m.graceFactor = factor
}

func (m *KeepAliveManager) deadlineLocked(keepAlive uint16, from time.Time) time.Time {
	if keepAlive == 0 {
		return time.Time{}
	}
	timeout := time.Duration(float64(keepAlive) * m.graceFactor * float64(time.Second))
	return from.Add(timeout)
}

// Register arms the deadline for a client on behalf of the connection owner
// and returns the effective keep-alive interval. It replaces any entry a
// previous connection left for the same client.
func (m *KeepAliveManager) Register(clientID string, owner uint64, clientKeepAlive uint16) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	effective := clientKeepAlive
	if m.serverOverride > 0 {
		effective = m.serverOverride
	}

	now := m.clock.Now()
	m.clients[clientID] = &keepAliveEntry{
		owner:        owner,
		keepAlive:    effective,
		lastActivity: now,
		deadline:     m.deadlineLocked(effective, now),
	}

	return effective
}

// Unregister stops tracking a client if owner still holds its entry. It
// reports whether an entry was removed.
func (m *KeepAliveManager) Unregister(clientID string, owner uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.clients[clientID]
	if !ok || entry.owner != owner {
		return false
	}
	delete(m.clients, clientID)
	return true
}

// Touch re-arms the deadline after any inbound packet from owner.
func (m *KeepAliveManager) Touch(clientID string, owner uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.clients[clientID]
	if !ok || entry.owner != owner {
		return
	}

	now := m.clock.Now()
	entry.lastActivity = now
	entry.deadline = m.deadlineLocked(entry.keepAlive, now)
}

func (e *keepAliveEntry) expired(now time.Time) bool {
	return e.keepAlive > 0 && now.After(e.deadline)
}

// IsExpired reports whether a client has been silent past its deadline.
func (m *KeepAliveManager) IsExpired(clientID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.clients[clientID]
	return ok && entry.expired(m.clock.Now())
}

// Deadline returns the current deadline for a client. A zero time means the
// client never expires.
func (m *KeepAliveManager) Deadline(clientID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.clients[clientID]
	if !ok {
		return time.Time{}, false
	}
	return entry.deadline, true
}

// KeepAlive returns the effective interval for a client.
func (m *KeepAliveManager) KeepAlive(clientID string) (uint16, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.clients[clientID]
	if !ok {
		return 0, false
	}
	return entry.keepAlive, true
}

// KeepAliveLease names an expired entry and the connection that armed it.
type KeepAliveLease struct {
	ClientID string
	Owner    uint64
}

// Expired returns the entries whose deadline has passed.
func (m *KeepAliveManager) Expired() []KeepAliveLease {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	var expired []KeepAliveLease
	for clientID, entry := range m.clients {
		if entry.expired(now) {
			expired = append(expired, KeepAliveLease{ClientID: clientID, Owner: entry.owner})
		}
	}
	return expired
}

// Count returns the number of tracked clients.
func (m *KeepAliveManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.clients)
}
