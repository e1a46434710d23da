package mqtt311

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrPacketIDExhausted = errors.New("no available packet identifiers")
	ErrInflightFull      = errors.New("in-flight limit reached")
)

const maxPacketID = 65535

// PacketIDAllocator hands out packet identifiers 1..65535 in increasing
// order, wrapping around and skipping identifiers that are still in flight.
// It is not safe for concurrent use; the owning Session serializes access.
type PacketIDAllocator struct {
	used map[uint16]struct{}
	next uint16
}

// NewPacketIDAllocator creates an allocator whose first identifier is 1.
func NewPacketIDAllocator() *PacketIDAllocator {
	return &PacketIDAllocator{
		used: make(map[uint16]struct{}),
		next: 1,
	}
}

func (a *PacketIDAllocator) advance() {
	a.next++
	if a.next == 0 {
		a.next = 1
	}
}

// Allocate returns the next free identifier.
func (a *PacketIDAllocator) Allocate() (uint16, error) {
	if len(a.used) >= maxPacketID {
		return 0, ErrPacketIDExhausted
	}

	for {
		id := a.next
		a.advance()
		if _, busy := a.used[id]; !busy {
			a.used[id] = struct{}{}
			return id, nil
		}
	}
}

// Reserve marks id as in flight. Used when restoring persisted state.
func (a *PacketIDAllocator) Reserve(id uint16) {
	if id != 0 {
		a.used[id] = struct{}{}
	}
}

// Release returns id to the free set.
func (a *PacketIDAllocator) Release(id uint16) {
	delete(a.used, id)
}

// InUse reports whether id is currently allocated.
func (a *PacketIDAllocator) InUse(id uint16) bool {
	_, ok := a.used[id]
	return ok
}

// Count returns the number of allocated identifiers.
func (a *PacketIDAllocator) Count() int {
	return len(a.used)
}

// Next returns the identifier the allocator will try first.
func (a *PacketIDAllocator) Next() uint16 {
	return a.next
}

// SetNext sets the identifier the allocator will try first.
func (a *PacketIDAllocator) SetNext(id uint16) {
	if id == 0 {
		id = 1
	}
	a.next = id
}

// DeliveryState is the handshake state of an in-flight record.
type DeliveryState int

const (
	// StateAwaitingAck: QoS 1 PUBLISH sent, waiting for PUBACK.
	StateAwaitingAck DeliveryState = iota + 1
	// StateAwaitingPubrec: QoS 2 PUBLISH sent, waiting for PUBREC.
	StateAwaitingPubrec
	// StateAwaitingPubcomp: PUBREL sent, waiting for PUBCOMP.
	StateAwaitingPubcomp
	// StateAwaitingPubrel: QoS 2 PUBLISH received and acknowledged, waiting for PUBREL.
	StateAwaitingPubrel
	// StateDone is terminal; records in this state are destroyed.
	StateDone
)

// String returns the string representation of the state.
func (s DeliveryState) String() string {
	switch s {
	case StateAwaitingAck:
		return "awaiting-puback"
	case StateAwaitingPubrec:
		return "awaiting-pubrec"
	case StateAwaitingPubcomp:
		return "awaiting-pubcomp"
	case StateAwaitingPubrel:
		return "awaiting-pubrel"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// InflightRecord tracks one QoS 1 or QoS 2 handshake.
type InflightRecord struct {
	PacketID uint16
	Message  Message
	QoS      byte
	State    DeliveryState

	// Sent is true once the PUBLISH has been handed to a connection, so a
	// resend must carry DUP.
	Sent bool

	UpdatedAt time.Time
}

// publish builds the PUBLISH packet for the record.
func (r *InflightRecord) publish() *PublishPacket {
	return &PublishPacket{
		Topic:    r.Message.Topic,
		Payload:  r.Message.Payload,
		QoS:      r.QoS,
		DUP:      r.Sent,
		PacketID: r.PacketID,
	}
}

// OutboundFlows holds the sender-side records of a session, in the order
// they were created.
type OutboundFlows struct {
	ids     *PacketIDAllocator
	records map[uint16]*InflightRecord
	order   []uint16
	limit   int
}

// NewOutboundFlows creates sender-side state. A limit of 0 means unlimited.
func NewOutboundFlows(limit int) *OutboundFlows {
	return &OutboundFlows{
		ids:     NewPacketIDAllocator(),
		records: make(map[uint16]*InflightRecord),
		limit:   limit,
	}
}

// Track allocates a packet identifier for msg and records it in the initial
// state for qos.
func (f *OutboundFlows) Track(msg Message, qos byte, now time.Time) (*InflightRecord, error) {
	if qos == 0 || qos > 2 {
		return nil, ErrInvalidQoS
	}
	if f.limit > 0 && len(f.records) >= f.limit {
		return nil, ErrInflightFull
	}

	id, err := f.ids.Allocate()
	if err != nil {
		return nil, err
	}

	state := StateAwaitingAck
	if qos == 2 {
		state = StateAwaitingPubrec
	}

	rec := &InflightRecord{
		PacketID:  id,
		Message:   msg,
		QoS:       qos,
		State:     state,
		UpdatedAt: now,
	}
	f.records[id] = rec
	f.order = append(f.order, id)
	return rec, nil
}

// Restore reinstates a persisted record.
func (f *OutboundFlows) Restore(rec InflightRecord) {
	if rec.PacketID == 0 {
		return
	}
	if _, ok := f.records[rec.PacketID]; !ok {
		f.order = append(f.order, rec.PacketID)
	}
	r := rec
	f.records[rec.PacketID] = &r
	f.ids.Reserve(rec.PacketID)
}

func (f *OutboundFlows) finish(id uint16) *InflightRecord {
	rec := f.records[id]
	rec.State = StateDone
	delete(f.records, id)
	f.ids.Release(id)
	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return rec
}

// Acknowledge handles PUBACK. It reports false when no QoS 1 record with
// that identifier is waiting.
func (f *OutboundFlows) Acknowledge(id uint16) (*InflightRecord, bool) {
	rec, ok := f.records[id]
	if !ok || rec.State != StateAwaitingAck {
		return nil, false
	}
	return f.finish(id), true
}

// Received handles PUBREC. A record waiting for PUBREC moves to
// StateAwaitingPubcomp; a record already there stays. It reports whether a
// matching QoS 2 record exists.
func (f *OutboundFlows) Received(id uint16, now time.Time) bool {
	rec, ok := f.records[id]
	if !ok {
		return false
	}

	switch rec.State {
	case StateAwaitingPubrec:
		rec.State = StateAwaitingPubcomp
		rec.UpdatedAt = now
		return true
	case StateAwaitingPubcomp:
		return true
	default:
		return false
	}
}

// Complete handles PUBCOMP. It reports false when no record is waiting for it.
func (f *OutboundFlows) Complete(id uint16) (*InflightRecord, bool) {
	rec, ok := f.records[id]
	if !ok || rec.State != StateAwaitingPubcomp {
		return nil, false
	}
	return f.finish(id), true
}

// Get returns the record for id.
func (f *OutboundFlows) Get(id uint16) (*InflightRecord, bool) {
	rec, ok := f.records[id]
	return rec, ok
}

// Pending returns the live records in creation order.
func (f *OutboundFlows) Pending() []*InflightRecord {
	out := make([]*InflightRecord, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.records[id])
	}
	return out
}

// Len returns the number of live records.
func (f *OutboundFlows) Len() int {
	return len(f.records)
}

// Allocator exposes the packet identifier allocator.
func (f *OutboundFlows) Allocator() *PacketIDAllocator {
	return f.ids
}

// InboundFlows holds the receiver-side QoS 2 records of a session.
type InboundFlows struct {
	records map[uint16]*InflightRecord
}

// NewInboundFlows creates empty receiver-side state.
func NewInboundFlows() *InboundFlows {
	return &InboundFlows{records: make(map[uint16]*InflightRecord)}
}

// Receive records a QoS 2 PUBLISH. It reports true the first time an
// identifier is seen and false for a duplicate, which must not be stored
// again.
func (f *InboundFlows) Receive(id uint16, msg Message, now time.Time) bool {
	if _, ok := f.records[id]; ok {
		return false
	}
	f.records[id] = &InflightRecord{
		PacketID:  id,
		Message:   msg,
		QoS:       2,
		State:     StateAwaitingPubrel,
		UpdatedAt: now,
	}
	return true
}

// Release handles PUBREL. It returns the held message and destroys the
// record, or reports false for an unknown identifier.
func (f *InboundFlows) Release(id uint16) (Message, bool) {
	rec, ok := f.records[id]
	if !ok {
		return Message{}, false
	}
	rec.State = StateDone
	delete(f.records, id)
	return rec.Message, true
}

// Pending returns the live records ordered by packet identifier.
func (f *InboundFlows) Pending() []*InflightRecord {
	out := make([]*InflightRecord, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PacketID < out[j].PacketID })
	return out
}

// Len returns the number of live records.
func (f *InboundFlows) Len() int {
	return len(f.records)
}
