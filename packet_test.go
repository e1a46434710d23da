package mqtt311

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeEncoded encodes p and decodes the bytes back through DecodePacket.
func decodeEncoded(t *testing.T, p Packet) Packet {
	t.Helper()

	var buf bytes.Buffer
	n, err := p.Encode(&buf)
	require.NoError(t, err)
	require.Equal(t, buf.Len(), n)

	decoded, consumed, err := DecodePacket(buf.Bytes(), 0)
	require.NoError(t, err)
	require.Equal(t, buf.Len(), consumed)
	require.Equal(t, p.Type(), decoded.Type())
	return decoded
}

func TestMessageClone(t *testing.T) {
	t.Run("deep copy", func(t *testing.T) {
		msg := &Message{
			Topic:    "a/b",
			Payload:  []byte("hello"),
			QoS:      1,
			Retain:   true,
			ClientID: "c1",
		}

		clone := msg.Clone()
		require.NotNil(t, clone)
		assert.Equal(t, msg, clone)

		clone.Payload[0] = 'H'
		assert.Equal(t, []byte("hello"), msg.Payload)
	})

	t.Run("nil payload", func(t *testing.T) {
		clone := (&Message{Topic: "a"}).Clone()
		assert.Nil(t, clone.Payload)
	})

	t.Run("nil message", func(t *testing.T) {
		var msg *Message
		assert.Nil(t, msg.Clone())
	})
}

func TestPacketWithIDImplementations(t *testing.T) {
	packets := []PacketWithID{
		&PublishPacket{PacketID: 7},
		&PubackPacket{PacketID: 7},
		&PubrecPacket{PacketID: 7},
		&PubrelPacket{PacketID: 7},
		&PubcompPacket{PacketID: 7},
		&SubscribePacket{PacketID: 7},
		&SubackPacket{PacketID: 7},
		&UnsubscribePacket{PacketID: 7},
		&UnsubackPacket{PacketID: 7},
	}

	for _, p := range packets {
		t.Run(p.Type().String(), func(t *testing.T) {
			assert.Equal(t, uint16(7), p.ID())
		})
	}
}

func TestValidatePacketID(t *testing.T) {
	assert.ErrorIs(t, validatePacketID(0), ErrPacketIDRequired)
	assert.NoError(t, validatePacketID(1))
	assert.NoError(t, validatePacketID(65535))
}
