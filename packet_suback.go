package mqtt311

import (
	"bytes"
	"io"
)

// SubackFailure is the SUBACK return code for a rejected topic filter.
const SubackFailure byte = 0x80

// ErrInvalidSubackCode is returned for SUBACK return codes outside 0, 1, 2 and 0x80.
var ErrInvalidSubackCode = malformed("invalid SUBACK return code")

// SubackPacket represents an MQTT SUBACK packet.
type SubackPacket struct {
	PacketID uint16

	// ReturnCodes holds one granted QoS or SubackFailure per requested
	// filter, in request order.
	ReturnCodes []byte
}

// Type returns the packet type.
func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

// ID returns the packet identifier.
func (p *SubackPacket) ID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *SubackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	encodeUint16(&buf, p.PacketID)
	buf.Write(p.ReturnCodes)

	return encodeFramed(w, PacketSUBACK, 0x00, buf.Bytes())
}

// Decode reads the packet from the reader.
func (p *SubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBACK {
		return 0, ErrInvalidPacketType
	}
	if header.RemainingLength < 3 {
		return 0, ErrInvalidRemainingLength
	}

	f := fieldReader{r: r}
	p.PacketID = f.readUint16()
	p.ReturnCodes = f.readRest(header.RemainingLength)
	if f.err != nil {
		return f.n, f.err
	}
	return f.n, p.Validate()
}

// Validate validates the packet contents.
func (p *SubackPacket) Validate() error {
	if err := validatePacketID(p.PacketID); err != nil {
		return err
	}
	if len(p.ReturnCodes) == 0 {
		return ErrInvalidRemainingLength
	}
	for _, code := range p.ReturnCodes {
		if code > 2 && code != SubackFailure {
			return ErrInvalidSubackCode
		}
	}
	return nil
}
