package mqtt311

import (
	"errors"
	"sync"
	"time"
)

// ErrSessionDestroyed is returned when operating on a session that has
// already been torn down.
var ErrSessionDestroyed = errors.New("session destroyed")

// SessionState is the connection state of a session.
type SessionState int

const (
	// SessionDisconnected means no connection is attached.
	SessionDisconnected SessionState = iota
	// SessionConnected means a connection is attached and keep-alive is armed.
	SessionConnected
)

// String returns the string representation of the state.
func (s SessionState) String() string {
	if s == SessionConnected {
		return "connected"
	}
	return "disconnected"
}

// Session is the broker-side state for one client identity. All methods are
// safe for concurrent use; each session serializes its own mutations and
// never blocks other sessions.
type Session struct {
	mu            sync.Mutex
	handle        SessionHandle
	clock         Clock
	clean         bool
	state         SessionState
	conn          *Connection
	keepAlive     uint16
	subscriptions map[string]byte
	outbound      *OutboundFlows
	inbound       *InboundFlows
	destroyed     bool
	createdAt     time.Time
	detachedAt    time.Time
}

func newSession(handle SessionHandle, clean bool, maxInflight int, clock Clock) *Session {
	return &Session{
		handle:        handle,
		clock:         clock,
		clean:         clean,
		subscriptions: make(map[string]byte),
		outbound:      NewOutboundFlows(maxInflight),
		inbound:       NewInboundFlows(),
		createdAt:     clock.Now(),
	}
}

// Handle returns the non-owning reference used by the subscription index.
func (s *Session) Handle() SessionHandle {
	return s.handle
}

// ClientID returns the client identity.
func (s *Session) ClientID() string {
	return s.handle.ClientID
}

// Clean reports whether the session is discarded on disconnect.
func (s *Session) Clean() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clean
}

// State returns the connection state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// KeepAlive returns the effective keep-alive interval in seconds.
func (s *Session) KeepAlive() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlive
}

// Destroyed reports whether the session has been torn down.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Subscriptions returns a copy of the subscription set.
func (s *Session) Subscriptions() map[string]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]byte, len(s.subscriptions))
	for filter, qos := range s.subscriptions {
		out[filter] = qos
	}
	return out
}

// Outbound returns copies of the sender-side in-flight records.
func (s *Session) Outbound() []InflightRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecords(s.outbound.Pending())
}

// Inbound returns copies of the receiver-side in-flight records.
func (s *Session) Inbound() []InflightRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecords(s.inbound.Pending())
}

func copyRecords(recs []*InflightRecord) []InflightRecord {
	out := make([]InflightRecord, len(recs))
	for i, rec := range recs {
		out[i] = *rec
	}
	return out
}

// connection returns the attached connection, or nil.
func (s *Session) connection() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// attach binds c to the session, writes CONNACK and resends unresolved
// in-flight records, all under the session lock so no fan-out delivery can
// reach c ahead of CONNACK. It returns the connection it displaced, if any.
func (s *Session) attach(c *Connection, clean bool, keepAlive uint16, connack *ConnackPacket) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil, ErrSessionDestroyed
	}

	prev := s.conn
	s.conn = c
	s.clean = clean
	s.keepAlive = keepAlive
	s.state = SessionConnected

	if prev == c {
		prev = nil
	}

	// On a failed CONNACK c stays attached; its close path detaches it and
	// releases the session and keep-alive entry.
	if err := c.writePacket(connack); err != nil {
		return prev, err
	}

	if connack.SessionPresent {
		s.resendLocked()
	}
	return prev, nil
}

// resendLocked retransmits every unresolved sender record: PUBLISH (with DUP
// once it has been sent before) for records awaiting PUBACK or PUBREC, and
// PUBREL for records awaiting PUBCOMP.
func (s *Session) resendLocked() {
	for _, rec := range s.outbound.Pending() {
		var pkt Packet
		if rec.State == StateAwaitingPubcomp {
			pkt = &PubrelPacket{PacketID: rec.PacketID}
		} else {
			pkt = rec.publish()
			rec.Sent = true
		}
		rec.UpdatedAt = s.clock.Now()

		if err := s.conn.writePacket(pkt); err != nil {
			return
		}
	}
}

// detach unbinds c if it is still the attached connection. It reports
// whether it did; a connection that was displaced by a takeover gets false.
func (s *Session) detach(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != c || c == nil {
		return false
	}

	s.conn = nil
	s.state = SessionDisconnected
	s.detachedAt = s.clock.Now()
	return true
}

// destroy marks the session destroyed and removes its index entries in the
// same critical section, so a concurrent subscribe cannot leave a dangling
// entry behind. It returns the connection that was attached, if any.
func (s *Session) destroy(index *SubscriptionIndex) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.conn
	s.destroyed = true
	s.conn = nil
	s.state = SessionDisconnected
	s.subscriptions = make(map[string]byte)
	s.outbound = NewOutboundFlows(s.outbound.limit)
	s.inbound = NewInboundFlows()
	index.RemoveSession(s.handle)

	return conn
}

// subscribe records a subscription in the session and the index.
func (s *Session) subscribe(index *SubscriptionIndex, filter string, qos byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return false, ErrSessionDestroyed
	}

	isNew, err := index.Subscribe(s.handle, filter, qos)
	if err != nil {
		return false, err
	}
	s.subscriptions[filter] = qos
	return isNew, nil
}

// unsubscribe removes a subscription from the session and the index.
func (s *Session) unsubscribe(index *SubscriptionIndex, filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return false
	}

	_, held := s.subscriptions[filter]
	delete(s.subscriptions, filter)
	removed := index.Unsubscribe(s.handle, filter)
	return held || removed
}

// deliver hands msg to the session at the given QoS. QoS 0 is written only
// when a connection is attached. QoS 1 and 2 always create a sender record,
// so a retained session that is offline receives the message on resume.
// It reports whether a PUBLISH was written.
func (s *Session) deliver(msg Message, qos byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return false, ErrSessionDestroyed
	}

	if qos == 0 {
		if s.conn == nil {
			return false, nil
		}
		pkt := &PublishPacket{Topic: msg.Topic, Payload: msg.Payload}
		return true, s.conn.writePacket(pkt)
	}

	rec, err := s.outbound.Track(msg, qos, s.clock.Now())
	if err != nil {
		return false, err
	}
	if s.conn == nil {
		return false, nil
	}

	pkt := rec.publish()
	rec.Sent = true
	// A failed write leaves the record in place for the next resume.
	return true, s.conn.writePacket(pkt)
}

// acknowledge handles PUBACK from the client.
func (s *Session) acknowledge(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.outbound.Acknowledge(id)
	return ok
}

// received handles PUBREC from the client.
func (s *Session) received(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.outbound.Received(id, s.clock.Now())
}

// complete handles PUBCOMP from the client.
func (s *Session) complete(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.outbound.Complete(id)
	return ok
}

// receiveExactlyOnce stores an inbound QoS 2 message until PUBREL. It
// reports false for a duplicate identifier.
func (s *Session) receiveExactlyOnce(id uint16, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inbound.Receive(id, msg, s.clock.Now())
}

// release handles PUBREL from the client and returns the held message.
func (s *Session) release(id uint16) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inbound.Release(id)
}

// Snapshot captures the persistent part of the session.
func (s *Session) Snapshot() *SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &SessionSnapshot{
		ClientID:      s.handle.ClientID,
		Subscriptions: make(map[string]byte, len(s.subscriptions)),
		NextPacketID:  s.outbound.Allocator().Next(),
		SavedAt:       s.clock.Now(),
	}
	for filter, qos := range s.subscriptions {
		snap.Subscriptions[filter] = qos
	}
	for _, rec := range s.outbound.Pending() {
		snap.Outbound = append(snap.Outbound, snapshotRecord(rec))
	}
	for _, rec := range s.inbound.Pending() {
		snap.Inbound = append(snap.Inbound, snapshotRecord(rec))
	}
	return snap
}

// restore loads persisted state into a fresh session and re-registers its
// subscriptions with the index.
func (s *Session) restore(snap *SessionSnapshot, index *SubscriptionIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for filter, qos := range snap.Subscriptions {
		if _, err := index.Subscribe(s.handle, filter, qos); err != nil {
			index.RemoveSession(s.handle)
			s.subscriptions = make(map[string]byte)
			return err
		}
		s.subscriptions[filter] = qos
	}

	for _, rec := range snap.Outbound {
		s.outbound.Restore(rec.record())
	}
	for _, rec := range snap.Inbound {
		r := rec.record()
		s.inbound.Receive(r.PacketID, r.Message, r.UpdatedAt)
	}
	s.outbound.Allocator().SetNext(snap.NextPacketID)

	return nil
}
