package mqtt311

import (
	"bytes"
	"io"
)

// PUBLISH packet errors.
var (
	ErrInvalidQoS       = malformed("invalid QoS level")
	ErrPacketIDRequired = malformed("packet identifier must be non-zero")
	ErrDUPWithoutQoS    = malformed("DUP flag set on QoS 0 publish")
)

// PublishPacket carries an application message in either direction.
// PacketID is present on the wire only for QoS 1 and 2. DUP marks a
// redelivery of an earlier QoS 1 or 2 PUBLISH.
type PublishPacket struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	DUP      bool
	PacketID uint16
}

func (p *PublishPacket) Type() PacketType { return PacketPUBLISH }

func (p *PublishPacket) ID() uint16 { return p.PacketID }

func (p *PublishPacket) flags() byte {
	f := (p.QoS << 1) & publishFlagQoS
	if p.DUP {
		f |= publishFlagDUP
	}
	if p.Retain {
		f |= publishFlagRetain
	}
	return f
}

// Encode writes the packet to the writer.
func (p *PublishPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	buf.Grow(2 + len(p.Topic) + 2 + len(p.Payload))

	if _, err := encodeString(&buf, p.Topic); err != nil {
		return 0, err
	}
	if p.QoS > 0 {
		encodeUint16(&buf, p.PacketID)
	}
	buf.Write(p.Payload)

	return encodeFramed(w, PacketPUBLISH, p.flags(), buf.Bytes())
}

// Decode reads the packet from the reader.
func (p *PublishPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBLISH {
		return 0, ErrInvalidPacketType
	}

	p.DUP = header.DUP()
	p.QoS = header.QoS()
	p.Retain = header.Retain()
	if p.QoS > 2 {
		return 0, ErrInvalidQoS
	}

	f := fieldReader{r: r}
	p.Topic = f.readString()
	if p.QoS > 0 {
		p.PacketID = f.readUint16()
	}
	p.Payload = f.readRest(header.RemainingLength)

	if f.err != nil {
		return f.n, f.err
	}
	return f.n, p.Validate()
}

// Validate checks QoS, the packet identifier rule for that QoS and the
// topic name.
func (p *PublishPacket) Validate() error {
	switch {
	case p.QoS > 2:
		return ErrInvalidQoS
	case p.QoS == 0 && p.DUP:
		return ErrDUPWithoutQoS
	case p.QoS == 0:
	default:
		if err := validatePacketID(p.PacketID); err != nil {
			return err
		}
	}
	return ValidateTopicName(p.Topic)
}

// ToMessage converts the PUBLISH packet to a Message.
func (p *PublishPacket) ToMessage() *Message {
	return &Message{
		Topic:   p.Topic,
		Payload: p.Payload,
		QoS:     p.QoS,
		Retain:  p.Retain,
	}
}
