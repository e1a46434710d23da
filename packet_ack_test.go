package mqtt311

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckPacketsEncodeDecode(t *testing.T) {
	tests := []struct {
		name    string
		packet  PacketWithID
		encoded []byte
	}{
		{"PUBACK", &PubackPacket{PacketID: 1}, []byte{0x40, 0x02, 0x00, 0x01}},
		{"PUBREC", &PubrecPacket{PacketID: 0x1234}, []byte{0x50, 0x02, 0x12, 0x34}},
		{"PUBREL", &PubrelPacket{PacketID: 2}, []byte{0x62, 0x02, 0x00, 0x02}},
		{"PUBCOMP", &PubcompPacket{PacketID: 65535}, []byte{0x70, 0x02, 0xFF, 0xFF}},
		{"UNSUBACK", &UnsubackPacket{PacketID: 9}, []byte{0xB0, 0x02, 0x00, 0x09}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := tt.packet.Encode(&buf)
			require.NoError(t, err)
			assert.Equal(t, 4, n)
			assert.Equal(t, tt.encoded, buf.Bytes())

			decoded := decodeEncoded(t, tt.packet).(PacketWithID)
			assert.Equal(t, tt.packet.ID(), decoded.ID())
			assert.Equal(t, tt.packet, decoded)
		})
	}
}

func TestAckPacketsRequireID(t *testing.T) {
	packets := []Packet{
		&PubackPacket{},
		&PubrecPacket{},
		&PubrelPacket{},
		&PubcompPacket{},
		&UnsubackPacket{},
	}

	for _, p := range packets {
		t.Run(p.Type().String(), func(t *testing.T) {
			assert.ErrorIs(t, p.Validate(), ErrPacketIDRequired)

			var buf bytes.Buffer
			_, err := p.Encode(&buf)
			assert.ErrorIs(t, err, ErrPacketIDRequired)
		})
	}
}

func TestAckPacketsDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"PUBACK zero id", []byte{0x40, 0x02, 0x00, 0x00}, ErrPacketIDRequired},
		{"PUBACK short", []byte{0x40, 0x01, 0x00}, ErrInvalidRemainingLength},
		{"PUBREC long", []byte{0x50, 0x03, 0x00, 0x01, 0x00}, ErrInvalidRemainingLength},
		{"PUBREL wrong flags", []byte{0x60, 0x02, 0x00, 0x01}, ErrInvalidPacketFlags},
		{"UNSUBACK empty", []byte{0xB0, 0x00}, ErrInvalidRemainingLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodePacket(tt.data, 0)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEmptyPackets(t *testing.T) {
	tests := []struct {
		name    string
		packet  Packet
		encoded []byte
	}{
		{"PINGREQ", &PingreqPacket{}, []byte{0xC0, 0x00}},
		{"PINGRESP", &PingrespPacket{}, []byte{0xD0, 0x00}},
		{"DISCONNECT", &DisconnectPacket{}, []byte{0xE0, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, tt.packet.Validate())

			var buf bytes.Buffer
			n, err := tt.packet.Encode(&buf)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			assert.Equal(t, tt.encoded, buf.Bytes())

			decoded := decodeEncoded(t, tt.packet)
			assert.Equal(t, tt.packet, decoded)

			// A body is not allowed.
			withBody := []byte{tt.encoded[0], 0x01, 0x00}
			_, _, err = DecodePacket(withBody, 0)
			assert.ErrorIs(t, err, ErrInvalidRemainingLength)
		})
	}
}
