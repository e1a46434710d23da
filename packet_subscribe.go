package mqtt311

import (
	"bytes"
	"io"
)

// SUBSCRIBE packet errors.
var (
	ErrNoSubscriptions     = violation("SUBSCRIBE carries no topic filters")
	ErrInvalidRequestedQoS = malformed("invalid requested QoS byte")
)

const subscribeFlags = 0x02

// Subscription is a topic filter with its requested or granted QoS.
type Subscription struct {
	TopicFilter string
	QoS         byte
}

// SubscribePacket represents an MQTT SUBSCRIBE packet.
type SubscribePacket struct {
	PacketID      uint16
	Subscriptions []Subscription
}

// Type returns the packet type.
func (p *SubscribePacket) Type() PacketType { return PacketSUBSCRIBE }

// ID returns the packet identifier.
func (p *SubscribePacket) ID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *SubscribePacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	encodeUint16(&buf, p.PacketID)

	for _, sub := range p.Subscriptions {
		if _, err := encodeString(&buf, sub.TopicFilter); err != nil {
			return 0, err
		}
		buf.WriteByte(sub.QoS)
	}

	return encodeFramed(w, PacketSUBSCRIBE, subscribeFlags, buf.Bytes())
}

// Decode reads the packet from the reader.
func (p *SubscribePacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBSCRIBE {
		return 0, ErrInvalidPacketType
	}

	f := fieldReader{r: r}
	p.PacketID = f.readUint16()

	p.Subscriptions = p.Subscriptions[:0]
	for f.more(header.RemainingLength) {
		filter := f.readString()
		qos := f.readByte()
		if f.err != nil {
			break
		}
		if qos > 2 {
			return f.n, ErrInvalidRequestedQoS
		}
		p.Subscriptions = append(p.Subscriptions, Subscription{TopicFilter: filter, QoS: qos})
	}

	if f.err != nil {
		return f.n, f.err
	}
	return f.n, p.Validate()
}

// Validate validates the packet contents.
// Topic filter syntax is checked by the broker when the packet is applied.
func (p *SubscribePacket) Validate() error {
	if err := validatePacketID(p.PacketID); err != nil {
		return err
	}
	if len(p.Subscriptions) == 0 {
		return ErrNoSubscriptions
	}
	for _, sub := range p.Subscriptions {
		if sub.QoS > 2 {
			return ErrInvalidRequestedQoS
		}
	}
	return nil
}
