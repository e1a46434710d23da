package mongostore

import (
	"sort"
	"time"

	"github.com/vitalvas/mqtt311"
)

// Topic filters may contain '.' and '$', which MongoDB rejects in field
// names, so subscriptions are stored as an array rather than a map.
type sessionDocument struct {
	ClientID      string             `bson:"client_id"`
	Subscriptions []subscriptionDoc  `bson:"subscriptions"`
	Outbound      []inflightDocument `bson:"outbound,omitempty"`
	Inbound       []inflightDocument `bson:"inbound,omitempty"`
	NextPacketID  int32              `bson:"next_packet_id"`
	SavedAt       time.Time          `bson:"saved_at"`
}

type subscriptionDoc struct {
	Filter string `bson:"filter"`
	QoS    int32  `bson:"qos"`
}

type inflightDocument struct {
	PacketID  int32     `bson:"packet_id"`
	Topic     string    `bson:"topic"`
	Payload   []byte    `bson:"payload,omitempty"`
	QoS       int32     `bson:"qos"`
	State     int32     `bson:"state"`
	Sent      bool      `bson:"sent"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func newSessionDocument(snap *mqtt311.SessionSnapshot) *sessionDocument {
	doc := &sessionDocument{
		ClientID:      snap.ClientID,
		Subscriptions: make([]subscriptionDoc, 0, len(snap.Subscriptions)),
		Outbound:      newInflightDocuments(snap.Outbound),
		Inbound:       newInflightDocuments(snap.Inbound),
		NextPacketID:  int32(snap.NextPacketID),
		SavedAt:       snap.SavedAt,
	}
	for filter, qos := range snap.Subscriptions {
		doc.Subscriptions = append(doc.Subscriptions, subscriptionDoc{Filter: filter, QoS: int32(qos)})
	}
	sort.Slice(doc.Subscriptions, func(i, j int) bool {
		return doc.Subscriptions[i].Filter < doc.Subscriptions[j].Filter
	})
	return doc
}

func newInflightDocuments(recs []mqtt311.InflightSnapshot) []inflightDocument {
	if len(recs) == 0 {
		return nil
	}
	out := make([]inflightDocument, len(recs))
	for i, rec := range recs {
		out[i] = inflightDocument{
			PacketID:  int32(rec.PacketID),
			Topic:     rec.Topic,
			Payload:   rec.Payload,
			QoS:       int32(rec.QoS),
			State:     int32(rec.State),
			Sent:      rec.Sent,
			UpdatedAt: rec.UpdatedAt,
		}
	}
	return out
}

func (d *sessionDocument) snapshot() *mqtt311.SessionSnapshot {
	snap := &mqtt311.SessionSnapshot{
		ClientID:      d.ClientID,
		Subscriptions: make(map[string]byte, len(d.Subscriptions)),
		Outbound:      inflightSnapshots(d.Outbound),
		Inbound:       inflightSnapshots(d.Inbound),
		NextPacketID:  uint16(d.NextPacketID),
		SavedAt:       d.SavedAt,
	}
	for _, sub := range d.Subscriptions {
		snap.Subscriptions[sub.Filter] = byte(sub.QoS)
	}
	return snap
}

func inflightSnapshots(docs []inflightDocument) []mqtt311.InflightSnapshot {
	if len(docs) == 0 {
		return nil
	}
	out := make([]mqtt311.InflightSnapshot, len(docs))
	for i, d := range docs {
		out[i] = mqtt311.InflightSnapshot{
			PacketID:  uint16(d.PacketID),
			Topic:     d.Topic,
			Payload:   d.Payload,
			QoS:       byte(d.QoS),
			State:     mqtt311.DeliveryState(d.State),
			Sent:      d.Sent,
			UpdatedAt: d.UpdatedAt,
		}
	}
	return out
}
