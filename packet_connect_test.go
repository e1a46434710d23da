package mqtt311

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectPacketType(t *testing.T) {
	p := &ConnectPacket{}
	assert.Equal(t, PacketCONNECT, p.Type())
}

func TestConnectPacketEncodeDecode(t *testing.T) {
	tests := []struct {
		name   string
		packet ConnectPacket
	}{
		{
			name: "minimal",
			packet: ConnectPacket{
				ClientID:     "test-client",
				CleanSession: true,
				KeepAlive:    60,
			},
		},
		{
			name: "empty client id",
			packet: ConnectPacket{
				CleanSession: true,
			},
		},
		{
			name: "with username and password",
			packet: ConnectPacket{
				ClientID:  "client-1",
				KeepAlive: 120,
				Username:  "user",
				Password:  []byte("secret"),
			},
		},
		{
			name: "username only",
			packet: ConnectPacket{
				ClientID: "client-1",
				Username: "user",
			},
		},
		{
			name: "with will message",
			packet: ConnectPacket{
				ClientID:    "client-2",
				KeepAlive:   30,
				WillFlag:    true,
				WillTopic:   "client/status",
				WillPayload: []byte("offline"),
				WillQoS:     1,
				WillRetain:  true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded := decodeEncoded(t, &tt.packet).(*ConnectPacket)

			assert.Equal(t, ProtocolName, decoded.ProtocolName)
			assert.Equal(t, byte(ProtocolLevel), decoded.ProtocolLevel)
			assert.True(t, decoded.SupportedProtocol())
			assert.Equal(t, tt.packet.ClientID, decoded.ClientID)
			assert.Equal(t, tt.packet.CleanSession, decoded.CleanSession)
			assert.Equal(t, tt.packet.KeepAlive, decoded.KeepAlive)
			assert.Equal(t, tt.packet.Username, decoded.Username)
			assert.Equal(t, tt.packet.Password, decoded.Password)
			assert.Equal(t, tt.packet.WillFlag, decoded.WillFlag)
			assert.Equal(t, tt.packet.WillTopic, decoded.WillTopic)
			assert.Equal(t, tt.packet.WillPayload, decoded.WillPayload)
			assert.Equal(t, tt.packet.WillQoS, decoded.WillQoS)
			assert.Equal(t, tt.packet.WillRetain, decoded.WillRetain)
		})
	}
}

func TestConnectPacketWireFormat(t *testing.T) {
	p := &ConnectPacket{ClientID: "c", CleanSession: true, KeepAlive: 10}

	var buf bytes.Buffer
	_, err := p.Encode(&buf)
	require.NoError(t, err)

	want := []byte{
		0x10, 0x0D,
		0x00, 0x04, 'M', 'Q', 'T', 'T',
		0x04,
		0x02,
		0x00, 0x0A,
		0x00, 0x01, 'c',
	}
	assert.Equal(t, want, buf.Bytes())
}

func TestConnectPacketDecodeErrors(t *testing.T) {
	body := func(name string, level, flags byte, rest ...byte) []byte {
		b := []byte{0x00, byte(len(name))}
		b = append(b, name...)
		b = append(b, level, flags, 0x00, 0x3C)
		return append(b, rest...)
	}

	tests := []struct {
		name    string
		body    []byte
		wantErr error
	}{
		{
			name:    "unknown protocol name",
			body:    body("MQTX", 4, 0x02, 0x00, 0x00),
			wantErr: ErrInvalidProtocolName,
		},
		{
			name:    "reserved flag set",
			body:    body("MQTT", 4, 0x03, 0x00, 0x00),
			wantErr: ErrInvalidConnectFlags,
		},
		{
			name:    "will qos without will flag",
			body:    body("MQTT", 4, 0x08, 0x00, 0x00),
			wantErr: ErrInvalidConnectFlags,
		},
		{
			name:    "will qos 3",
			body:    body("MQTT", 4, 0x1C, 0x00, 0x00),
			wantErr: ErrInvalidConnectFlags,
		},
		{
			name:    "will retain without will flag",
			body:    body("MQTT", 4, 0x20, 0x00, 0x00),
			wantErr: ErrInvalidWillRetain,
		},
		{
			name:    "password without username",
			body:    body("MQTT", 4, 0x40, 0x00, 0x00),
			wantErr: ErrPasswordWithoutUsername,
		},
		{
			name:    "missing client id",
			body:    body("MQTT", 4, 0x02),
			wantErr: ErrFieldTruncated,
		},
		{
			name:    "username flag without username",
			body:    body("MQTT", 4, 0x80, 0x00, 0x00),
			wantErr: ErrFieldTruncated,
		},
		{
			name:    "will topic with wildcard",
			body:    body("MQTT", 4, 0x06, 0x00, 0x00, 0x00, 0x03, 'a', '/', '+', 0x00, 0x00),
			wantErr: ErrInvalidTopicName,
		},
		{
			name:    "will topic with multi level wildcard",
			body:    body("MQTT", 4, 0x06, 0x00, 0x00, 0x00, 0x01, '#', 0x00, 0x00),
			wantErr: ErrInvalidTopicName,
		},
		{
			name:    "empty will topic",
			body:    body("MQTT", 4, 0x06, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00),
			wantErr: ErrEmptyTopic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := FixedHeader{PacketType: PacketCONNECT, RemainingLength: uint32(len(tt.body))}

			var p ConnectPacket
			_, err := p.Decode(bytes.NewReader(tt.body), header)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestConnectPacketEmptyCredentials(t *testing.T) {
	// Username and password flags set, both fields zero length.
	wire := []byte{
		0x10, 0x11,
		0x00, 0x04, 'M', 'Q', 'T', 'T',
		0x04,
		0xC2,
		0x00, 0x0A,
		0x00, 0x01, 'a',
		0x00, 0x00,
		0x00, 0x00,
	}

	pkt, n, err := DecodePacket(wire, 0)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)

	p := pkt.(*ConnectPacket)
	assert.True(t, p.HasUsername())
	assert.True(t, p.HasPassword())
	assert.Empty(t, p.Username)
	assert.Empty(t, p.Password)

	var buf bytes.Buffer
	_, err = p.Encode(&buf)
	require.NoError(t, err)
	assert.Equal(t, wire, buf.Bytes())

	t.Run("absent stays absent", func(t *testing.T) {
		p := &ConnectPacket{ClientID: "a", CleanSession: true, KeepAlive: 10}
		decoded := decodeEncoded(t, p).(*ConnectPacket)
		assert.False(t, decoded.HasUsername())
		assert.False(t, decoded.HasPassword())
	})

	t.Run("password flag needs username", func(t *testing.T) {
		p := &ConnectPacket{ClientID: "a", PasswordFlag: true}
		assert.ErrorIs(t, p.Validate(), ErrPasswordWithoutUsername)
	})
}

func TestConnectPacketLegacyProtocol(t *testing.T) {
	body := []byte{
		0x00, 0x06, 'M', 'Q', 'I', 's', 'd', 'p',
		0x03,
		0x02,
		0x00, 0x3C,
		0x00, 0x01, 'c',
	}
	header := FixedHeader{PacketType: PacketCONNECT, RemainingLength: uint32(len(body))}

	var p ConnectPacket
	n, err := p.Decode(bytes.NewReader(body), header)
	require.NoError(t, err)
	assert.Equal(t, len(body), n)
	assert.Equal(t, "MQIsdp", p.ProtocolName)
	assert.Equal(t, byte(3), p.ProtocolLevel)
	assert.False(t, p.SupportedProtocol())
}

func TestConnectPacketSupportedProtocol(t *testing.T) {
	tests := []struct {
		name   string
		packet ConnectPacket
		want   bool
	}{
		{"defaults", ConnectPacket{}, true},
		{"explicit 3.1.1", ConnectPacket{ProtocolName: "MQTT", ProtocolLevel: 4}, true},
		{"level 5", ConnectPacket{ProtocolName: "MQTT", ProtocolLevel: 5}, false},
		{"level 3", ConnectPacket{ProtocolName: "MQTT", ProtocolLevel: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.packet.SupportedProtocol())
		})
	}
}

func TestConnectPacketValidate(t *testing.T) {
	tests := []struct {
		name    string
		packet  ConnectPacket
		wantErr error
	}{
		{"valid", ConnectPacket{ClientID: "c"}, nil},
		{"will qos without flag", ConnectPacket{WillQoS: 1}, ErrInvalidConnectFlags},
		{"will qos 3", ConnectPacket{WillFlag: true, WillTopic: "a", WillQoS: 3}, ErrInvalidConnectFlags},
		{"will retain without flag", ConnectPacket{WillRetain: true}, ErrInvalidWillRetain},
		{"will topic with wildcard", ConnectPacket{WillFlag: true, WillTopic: "a/#"}, ErrInvalidTopicName},
		{"will topic empty", ConnectPacket{WillFlag: true}, ErrEmptyTopic},
		{"password without username", ConnectPacket{Password: []byte("x")}, ErrPasswordWithoutUsername},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.packet.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
