package mqtt311

import (
	"context"
	"errors"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore persists the state of sessions that outlive their connection
// (CleanSession=0). The broker keeps live sessions in memory and uses the
// store to save them on disconnect and to recover them after a restart.
type SessionStore interface {
	// LoadSession returns the saved state for a client, or ErrSessionNotFound.
	LoadSession(ctx context.Context, clientID string) (*SessionSnapshot, error)

	// SaveSession creates or replaces the saved state for a client.
	SaveSession(ctx context.Context, snapshot *SessionSnapshot) error

	// DeleteSession removes the saved state for a client. Deleting a
	// missing session is not an error.
	DeleteSession(ctx context.Context, clientID string) error

	// ListSessions returns the client identifiers with saved state.
	ListSessions(ctx context.Context) ([]string, error)
}

// SessionSnapshot is the persisted form of a session.
type SessionSnapshot struct {
	ClientID      string             `json:"client_id"`
	Subscriptions map[string]byte    `json:"subscriptions"`
	Outbound      []InflightSnapshot `json:"outbound,omitempty"`
	Inbound       []InflightSnapshot `json:"inbound,omitempty"`
	NextPacketID  uint16             `json:"next_packet_id"`
	SavedAt       time.Time          `json:"saved_at"`
}

// InflightSnapshot is the persisted form of an in-flight record.
type InflightSnapshot struct {
	PacketID  uint16        `json:"packet_id"`
	Topic     string        `json:"topic"`
	Payload   []byte        `json:"payload,omitempty"`
	QoS       byte          `json:"qos"`
	State     DeliveryState `json:"state"`
	Sent      bool          `json:"sent"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func snapshotRecord(rec *InflightRecord) InflightSnapshot {
	return InflightSnapshot{
		PacketID:  rec.PacketID,
		Topic:     rec.Message.Topic,
		Payload:   append([]byte(nil), rec.Message.Payload...),
		QoS:       rec.QoS,
		State:     rec.State,
		Sent:      rec.Sent,
		UpdatedAt: rec.UpdatedAt,
	}
}

func (s InflightSnapshot) record() InflightRecord {
	return InflightRecord{
		PacketID: s.PacketID,
		Message: Message{
			Topic:   s.Topic,
			Payload: append([]byte(nil), s.Payload...),
			QoS:     s.QoS,
		},
		QoS:       s.QoS,
		State:     s.State,
		Sent:      s.Sent,
		UpdatedAt: s.UpdatedAt,
	}
}

// Clone returns a deep copy of the snapshot.
func (s *SessionSnapshot) Clone() *SessionSnapshot {
	if s == nil {
		return nil
	}

	clone := *s
	clone.Subscriptions = make(map[string]byte, len(s.Subscriptions))
	for filter, qos := range s.Subscriptions {
		clone.Subscriptions[filter] = qos
	}
	clone.Outbound = cloneInflight(s.Outbound)
	clone.Inbound = cloneInflight(s.Inbound)
	return &clone
}

func cloneInflight(in []InflightSnapshot) []InflightSnapshot {
	if in == nil {
		return nil
	}
	out := make([]InflightSnapshot, len(in))
	for i, rec := range in {
		out[i] = rec
		out[i].Payload = append([]byte(nil), rec.Payload...)
	}
	return out
}
