package mqtt311

import "io"

// Packet is the interface that all MQTT control packets implement.
type Packet interface {
	// Type returns the packet type.
	Type() PacketType

	// Encode writes the packet to the writer.
	// Returns the number of bytes written.
	Encode(w io.Writer) (int, error)

	// Decode reads the packet body from the reader.
	// The fixed header should already be decoded.
	// Returns the number of bytes read.
	Decode(r io.Reader, header FixedHeader) (int, error)

	// Validate validates the packet contents.
	Validate() error
}

// PacketWithID is implemented by packets that carry a packet identifier.
type PacketWithID interface {
	Packet

	// ID returns the packet identifier.
	ID() uint16
}

// Message represents an application message moving through the broker.
type Message struct {
	// Topic is the topic name the message was published to.
	Topic string

	// Payload is the application message payload.
	Payload []byte

	// QoS is the Quality of Service level the message was published with.
	QoS byte

	// Retain is the RETAIN flag of the originating PUBLISH.
	Retain bool

	// ClientID is the publishing client, empty for broker-originated messages.
	ClientID string
}

// Clone creates a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	clone := *m
	if m.Payload != nil {
		clone.Payload = make([]byte, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}

	return &clone
}

// encodeFramed writes the fixed header for body followed by body itself.
func encodeFramed(w io.Writer, packetType PacketType, flags byte, body []byte) (int, error) {
	header := FixedHeader{
		PacketType:      packetType,
		Flags:           flags,
		RemainingLength: uint32(len(body)),
	}

	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}
	if len(body) == 0 {
		return total, nil
	}

	n, err := w.Write(body)
	return total + n, err
}

func validatePacketID(id uint16) error {
	if id == 0 {
		return ErrPacketIDRequired
	}
	return nil
}
