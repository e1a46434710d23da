package mqtt311

import (
	"errors"
	"io"
)

var (
	ErrPacketTooLarge  = rejection("packet exceeds maximum size")
	ErrTrailingBytes   = malformed("packet body has trailing bytes")
	ErrUnexpectedClose = errors.New("connection closed inside a packet")
)

func newPacket(packetType PacketType) (Packet, error) {
	switch packetType {
	case PacketCONNECT:
		return &ConnectPacket{}, nil
	case PacketCONNACK:
		return &ConnackPacket{}, nil
	case PacketPUBLISH:
		return &PublishPacket{}, nil
	case PacketPUBACK:
		return &PubackPacket{}, nil
	case PacketPUBREC:
		return &PubrecPacket{}, nil
	case PacketPUBREL:
		return &PubrelPacket{}, nil
	case PacketPUBCOMP:
		return &PubcompPacket{}, nil
	case PacketSUBSCRIBE:
		return &SubscribePacket{}, nil
	case PacketSUBACK:
		return &SubackPacket{}, nil
	case PacketUNSUBSCRIBE:
		return &UnsubscribePacket{}, nil
	case PacketUNSUBACK:
		return &UnsubackPacket{}, nil
	case PacketPINGREQ:
		return &PingreqPacket{}, nil
	case PacketPINGRESP:
		return &PingrespPacket{}, nil
	case PacketDISCONNECT:
		return &DisconnectPacket{}, nil
	default:
		return nil, ErrInvalidPacketType
	}
}

// decodeBody decodes a complete packet body whose fixed header is known.
func decodeBody(header FixedHeader, body []byte) (Packet, error) {
	packet, err := newPacket(header.PacketType)
	if err != nil {
		return nil, err
	}

	reader := getBytesReader(body)
	defer putBytesReader(reader)

	n, err := packet.Decode(reader, header)
	if err != nil {
		return nil, err
	}
	if n != len(body) {
		return nil, ErrTrailingBytes
	}

	return packet, nil
}

// DecodePacket decodes one packet from the front of data.
// It returns the packet and the number of bytes it occupied. When data holds
// less than one whole packet it returns ErrIncomplete and consumes nothing.
// If maxSize is greater than 0, larger packets return ErrPacketTooLarge.
func DecodePacket(data []byte, maxSize uint32) (Packet, int, error) {
	header, headerLen, err := parseFixedHeader(data)
	if err != nil {
		if errors.Is(err, ErrIncomplete) {
			return nil, 0, err
		}
		return nil, headerLen, err
	}

	if maxSize > 0 && header.RemainingLength > maxSize {
		return nil, headerLen, ErrPacketTooLarge
	}

	total := headerLen + int(header.RemainingLength)
	if len(data) < total {
		return nil, 0, ErrIncomplete
	}

	packet, err := decodeBody(header, data[headerLen:total])
	if err != nil {
		return nil, total, err
	}

	return packet, total, nil
}

// ReadPacket reads one complete MQTT packet from the reader.
// A clean end of stream before the first header byte returns io.EOF; a
// stream that ends inside a packet returns ErrUnexpectedClose.
// If maxSize is greater than 0, larger packets return ErrPacketTooLarge.
func ReadPacket(r io.Reader, maxSize uint32) (Packet, int, error) {
	var header FixedHeader
	n, err := header.Decode(r)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = ErrUnexpectedClose
		}
		return nil, n, err
	}

	if maxSize > 0 && header.RemainingLength > maxSize {
		return nil, n, ErrPacketTooLarge
	}

	body := make([]byte, header.RemainingLength)
	if header.RemainingLength > 0 {
		rn, err := io.ReadFull(r, body)
		n += rn
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = ErrUnexpectedClose
			}
			return nil, n, err
		}
	}

	packet, err := decodeBody(header, body)
	if err != nil {
		return nil, n, err
	}

	return packet, n, nil
}

// EncodePacket validates and encodes a packet into a new byte slice.
func EncodePacket(packet Packet) ([]byte, error) {
	if err := packet.Validate(); err != nil {
		return nil, err
	}

	buf := getBytesBuffer()
	defer putBytesBuffer(buf)

	if _, err := packet.Encode(buf); err != nil {
		return nil, err
	}

	out := make([]byte, len(buf.data))
	copy(out, buf.data)
	return out, nil
}

// WritePacket writes a complete MQTT packet to the writer in a single Write.
// If maxSize is greater than 0, larger packets return ErrPacketTooLarge.
func WritePacket(w io.Writer, packet Packet, maxSize uint32) (int, error) {
	if err := packet.Validate(); err != nil {
		return 0, err
	}

	buf := getBytesBuffer()
	defer putBytesBuffer(buf)

	n, err := packet.Encode(buf)
	if err != nil {
		return 0, err
	}
	if maxSize > 0 && uint32(n) > maxSize {
		return 0, ErrPacketTooLarge
	}

	return w.Write(buf.data)
}

// bytesReader wraps a byte slice for the io.Reader interface.
type bytesReader struct {
	data []byte
	pos  int
}

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// bytesBuffer is a growable buffer for encoding.
type bytesBuffer struct {
	data []byte
}

func (b *bytesBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bytesBuffer) Bytes() []byte {
	return b.data
}
