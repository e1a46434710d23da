package mqtt311

import (
	"io"
)

// ConnackCode is the CONNACK return code.
type ConnackCode byte

// CONNACK return codes.
const (
	ConnackAccepted              ConnackCode = 0x00
	ConnackUnacceptableProtocol  ConnackCode = 0x01
	ConnackIdentifierRejected    ConnackCode = 0x02
	ConnackServerUnavailable     ConnackCode = 0x03
	ConnackBadUsernameOrPassword ConnackCode = 0x04
	ConnackNotAuthorized         ConnackCode = 0x05
)

const (
	maxConnackCode            = ConnackNotAuthorized
	connackFlagSessionPresent = 0x01
	connackRemainingLength    = 2
	connackReservedFlags      = 0xFE
)

// String returns the string representation of the return code.
func (c ConnackCode) String() string {
	switch c {
	case ConnackAccepted:
		return "accepted"
	case ConnackUnacceptableProtocol:
		return "unacceptable protocol version"
	case ConnackIdentifierRejected:
		return "identifier rejected"
	case ConnackServerUnavailable:
		return "server unavailable"
	case ConnackBadUsernameOrPassword:
		return "bad username or password"
	case ConnackNotAuthorized:
		return "not authorized"
	default:
		return "unknown"
	}
}

// CONNACK packet errors.
var (
	ErrInvalidConnackFlags = malformed("invalid CONNACK acknowledge flags")
	ErrInvalidConnackCode  = malformed("invalid CONNACK return code")
)

// ConnackPacket represents an MQTT CONNACK packet.
type ConnackPacket struct {
	// SessionPresent indicates the broker resumed a prior session.
	SessionPresent bool

	// ReturnCode is the connection result.
	ReturnCode ConnackCode
}

// Type returns the packet type.
func (p *ConnackPacket) Type() PacketType {
	return PacketCONNACK
}

// Encode writes the packet to the writer.
func (p *ConnackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var flags byte
	if p.SessionPresent {
		flags = connackFlagSessionPresent
	}

	return encodeFramed(w, PacketCONNACK, 0x00, []byte{flags, byte(p.ReturnCode)})
}

// Decode reads the packet from the reader.
func (p *ConnackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNACK {
		return 0, ErrInvalidPacketType
	}
	if header.RemainingLength != connackRemainingLength {
		return 0, ErrInvalidRemainingLength
	}

	var buf [2]byte
	n, err := readFull(r, buf[:])
	if err != nil {
		return n, err
	}

	if buf[0]&connackReservedFlags != 0 {
		return n, ErrInvalidConnackFlags
	}
	p.SessionPresent = buf[0]&connackFlagSessionPresent != 0
	p.ReturnCode = ConnackCode(buf[1])

	return n, p.Validate()
}

// Validate validates the packet contents.
func (p *ConnackPacket) Validate() error {
	if p.ReturnCode > maxConnackCode {
		return ErrInvalidConnackCode
	}
	if p.ReturnCode != ConnackAccepted && p.SessionPresent {
		return ErrInvalidConnackFlags
	}
	return nil
}
