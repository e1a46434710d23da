package mqtt311

import (
	"bytes"
	"io"
)

// ErrNoTopicFilters is returned for an UNSUBSCRIBE without topic filters.
var ErrNoTopicFilters = violation("UNSUBSCRIBE carries no topic filters")

// UnsubscribePacket represents an MQTT UNSUBSCRIBE packet.
type UnsubscribePacket struct {
	PacketID     uint16
	TopicFilters []string
}

// Type returns the packet type.
func (p *UnsubscribePacket) Type() PacketType { return PacketUNSUBSCRIBE }

// ID returns the packet identifier.
func (p *UnsubscribePacket) ID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *UnsubscribePacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	encodeUint16(&buf, p.PacketID)

	for _, filter := range p.TopicFilters {
		if _, err := encodeString(&buf, filter); err != nil {
			return 0, err
		}
	}

	return encodeFramed(w, PacketUNSUBSCRIBE, subscribeFlags, buf.Bytes())
}

// Decode reads the packet from the reader.
func (p *UnsubscribePacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketUNSUBSCRIBE {
		return 0, ErrInvalidPacketType
	}

	f := fieldReader{r: r}
	p.PacketID = f.readUint16()

	p.TopicFilters = p.TopicFilters[:0]
	for f.more(header.RemainingLength) {
		if filter := f.readString(); f.err == nil {
			p.TopicFilters = append(p.TopicFilters, filter)
		}
	}

	if f.err != nil {
		return f.n, f.err
	}
	return f.n, p.Validate()
}

// Validate validates the packet contents.
func (p *UnsubscribePacket) Validate() error {
	if err := validatePacketID(p.PacketID); err != nil {
		return err
	}
	if len(p.TopicFilters) == 0 {
		return ErrNoTopicFilters
	}
	return nil
}
