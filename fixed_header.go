package mqtt311

import (
	"io"
)

// PacketType represents an MQTT control packet type.
type PacketType byte

// MQTT 3.1.1 control packet types.
const (
	PacketCONNECT     PacketType = 1
	PacketCONNACK     PacketType = 2
	PacketPUBLISH     PacketType = 3
	PacketPUBACK      PacketType = 4
	PacketPUBREC      PacketType = 5
	PacketPUBREL      PacketType = 6
	PacketPUBCOMP     PacketType = 7
	PacketSUBSCRIBE   PacketType = 8
	PacketSUBACK      PacketType = 9
	PacketUNSUBSCRIBE PacketType = 10
	PacketUNSUBACK    PacketType = 11
	PacketPINGREQ     PacketType = 12
	PacketPINGRESP    PacketType = 13
	PacketDISCONNECT  PacketType = 14
)

var packetTypeNames = [...]string{
	PacketCONNECT:     "CONNECT",
	PacketCONNACK:     "CONNACK",
	PacketPUBLISH:     "PUBLISH",
	PacketPUBACK:      "PUBACK",
	PacketPUBREC:      "PUBREC",
	PacketPUBREL:      "PUBREL",
	PacketPUBCOMP:     "PUBCOMP",
	PacketSUBSCRIBE:   "SUBSCRIBE",
	PacketSUBACK:      "SUBACK",
	PacketUNSUBSCRIBE: "UNSUBSCRIBE",
	PacketUNSUBACK:    "UNSUBACK",
	PacketPINGREQ:     "PINGREQ",
	PacketPINGRESP:    "PINGRESP",
	PacketDISCONNECT:  "DISCONNECT",
}

func (p PacketType) String() string {
	if !p.Valid() {
		return "UNKNOWN"
	}
	return packetTypeNames[p]
}

// Valid reports whether p is one of the fourteen control packet types.
func (p PacketType) Valid() bool {
	return p >= PacketCONNECT && p <= PacketDISCONNECT
}

// Fixed header errors.
var (
	ErrInvalidPacketType  = malformed("invalid packet type")
	ErrInvalidPacketFlags = malformed("invalid fixed header flags")
)

// PUBLISH fixed header flag bits.
const (
	publishFlagRetain = 0x01
	publishFlagQoS    = 0x06
	publishFlagDUP    = 0x08
)

// FixedHeader represents the fixed header of an MQTT control packet.
type FixedHeader struct {
	PacketType      PacketType
	Flags           byte
	RemainingLength uint32
}

// Encode writes the type nibble, the flags and the remaining length.
func (h *FixedHeader) Encode(w io.Writer) (int, error) {
	if !h.PacketType.Valid() {
		return 0, ErrInvalidPacketType
	}

	var scratch [1 + maxVarintBytes]byte
	out, err := appendVarint(append(scratch[:0], h.first()), h.RemainingLength)
	if err != nil {
		return 0, err
	}
	return w.Write(out)
}

func (h *FixedHeader) first() byte {
	return byte(h.PacketType)<<4 | h.Flags&0x0F
}

func (h *FixedHeader) setFirst(b byte) {
	h.PacketType = PacketType(b >> 4)
	h.Flags = b & 0x0F
}

// Decode reads the fixed header from the reader.
func (h *FixedHeader) Decode(r io.Reader) (int, error) {
	var buf [1]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return n, err
	}

	h.setFirst(buf[0])

	length, n2, err := decodeVarint(r)
	n += n2
	if err != nil {
		return n, err
	}
	h.RemainingLength = length

	return n, h.ValidateFlags()
}

// parseFixedHeader decodes a fixed header from the front of data.
// It returns ErrIncomplete when data does not yet hold the whole header.
func parseFixedHeader(data []byte) (FixedHeader, int, error) {
	var h FixedHeader
	if len(data) == 0 {
		return h, 0, ErrIncomplete
	}

	h.setFirst(data[0])

	length, n, err := parseVarint(data[1:])
	if err != nil {
		return h, 1 + n, err
	}
	h.RemainingLength = length

	return h, 1 + n, h.ValidateFlags()
}

// Size returns the encoded size of the fixed header in bytes.
func (h *FixedHeader) Size() int {
	return 1 + varintSize(h.RemainingLength)
}

// ValidateFlags checks the low nibble of the first header byte. PUBLISH
// carries DUP, QoS and RETAIN there; PUBREL, SUBSCRIBE and UNSUBSCRIBE must
// send 0010; every other type sends zero.
func (h *FixedHeader) ValidateFlags() error {
	if !h.PacketType.Valid() {
		return ErrInvalidPacketType
	}

	var want byte
	switch h.PacketType {
	case PacketPUBLISH:
		if h.QoS() == 3 {
			return ErrInvalidPacketFlags
		}
		return nil
	case PacketPUBREL, PacketSUBSCRIBE, PacketUNSUBSCRIBE:
		want = 0x02
	}

	if h.Flags != want {
		return ErrInvalidPacketFlags
	}
	return nil
}

// DUP returns the DUP flag from PUBLISH packet flags.
func (h *FixedHeader) DUP() bool {
	return h.Flags&publishFlagDUP != 0
}

// QoS returns the QoS level from PUBLISH packet flags.
func (h *FixedHeader) QoS() byte {
	return (h.Flags & publishFlagQoS) >> 1
}

// Retain returns the RETAIN flag from PUBLISH packet flags.
func (h *FixedHeader) Retain() bool {
	return h.Flags&publishFlagRetain != 0
}
