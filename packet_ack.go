package mqtt311

import (
	"io"
)

// ErrInvalidRemainingLength is returned when a packet declares a remaining
// length its type does not allow.
var ErrInvalidRemainingLength = malformed("invalid remaining length for packet type")

const ackRemainingLength = 2

// encodeAck encodes a packet whose only field is a packet identifier.
func encodeAck(w io.Writer, packetType PacketType, flags byte, id uint16) (int, error) {
	if err := validatePacketID(id); err != nil {
		return 0, err
	}
	return encodeFramed(w, packetType, flags, []byte{byte(id >> 8), byte(id)})
}

// decodeAck decodes a packet whose only field is a packet identifier.
func decodeAck(r io.Reader, header FixedHeader, packetType PacketType) (uint16, int, error) {
	if header.PacketType != packetType {
		return 0, 0, ErrInvalidPacketType
	}
	if header.RemainingLength != ackRemainingLength {
		return 0, 0, ErrInvalidRemainingLength
	}

	id, n, err := decodeUint16(r)
	if err != nil {
		return 0, n, err
	}
	return id, n, validatePacketID(id)
}

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubackPacket) Type() PacketType { return PacketPUBACK }

// ID returns the packet identifier.
func (p *PubackPacket) ID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *PubackPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBACK, 0x00, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *PubackPacket) Decode(r io.Reader, header FixedHeader) (n int, err error) {
	p.PacketID, n, err = decodeAck(r, header, PacketPUBACK)
	return n, err
}

// Validate validates the packet contents.
func (p *PubackPacket) Validate() error { return validatePacketID(p.PacketID) }

// PubrecPacket is the first response to a QoS 2 PUBLISH.
type PubrecPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubrecPacket) Type() PacketType { return PacketPUBREC }

// ID returns the packet identifier.
func (p *PubrecPacket) ID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *PubrecPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBREC, 0x00, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *PubrecPacket) Decode(r io.Reader, header FixedHeader) (n int, err error) {
	p.PacketID, n, err = decodeAck(r, header, PacketPUBREC)
	return n, err
}

// Validate validates the packet contents.
func (p *PubrecPacket) Validate() error { return validatePacketID(p.PacketID) }

// PubrelPacket releases a QoS 2 message held by the receiver.
type PubrelPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubrelPacket) Type() PacketType { return PacketPUBREL }

// ID returns the packet identifier.
func (p *PubrelPacket) ID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *PubrelPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBREL, 0x02, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *PubrelPacket) Decode(r io.Reader, header FixedHeader) (n int, err error) {
	p.PacketID, n, err = decodeAck(r, header, PacketPUBREL)
	return n, err
}

// Validate validates the packet contents.
func (p *PubrelPacket) Validate() error { return validatePacketID(p.PacketID) }

// PubcompPacket completes a QoS 2 handshake.
type PubcompPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubcompPacket) Type() PacketType { return PacketPUBCOMP }

// ID returns the packet identifier.
func (p *PubcompPacket) ID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *PubcompPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBCOMP, 0x00, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *PubcompPacket) Decode(r io.Reader, header FixedHeader) (n int, err error) {
	p.PacketID, n, err = decodeAck(r, header, PacketPUBCOMP)
	return n, err
}

// Validate validates the packet contents.
func (p *PubcompPacket) Validate() error { return validatePacketID(p.PacketID) }

// UnsubackPacket acknowledges an UNSUBSCRIBE.
type UnsubackPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *UnsubackPacket) Type() PacketType { return PacketUNSUBACK }

// ID returns the packet identifier.
func (p *UnsubackPacket) ID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *UnsubackPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketUNSUBACK, 0x00, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *UnsubackPacket) Decode(r io.Reader, header FixedHeader) (n int, err error) {
	p.PacketID, n, err = decodeAck(r, header, PacketUNSUBACK)
	return n, err
}

// Validate validates the packet contents.
func (p *UnsubackPacket) Validate() error { return validatePacketID(p.PacketID) }
