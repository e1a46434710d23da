package mqtt311

import (
	"bytes"
	"io"
)

// CONNECT protocol identification.
const (
	ProtocolName      = "MQTT"
	ProtocolLevel     = 4
	legacyProtocol    = "MQIsdp"
	legacyLevel       = 3
	connectFlagsReset = 0x01
)

// Connect flag bit positions.
const (
	connectFlagCleanSession = 0x02
	connectFlagWillFlag     = 0x04
	connectFlagWillRetain   = 0x20
	connectFlagPasswordFlag = 0x40
	connectFlagUsernameFlag = 0x80
)

// CONNECT packet errors.
var (
	ErrInvalidProtocolName     = malformed("invalid protocol name")
	ErrInvalidConnectFlags     = malformed("invalid connect flags")
	ErrInvalidWillRetain       = malformed("will retain set without will flag")
	ErrPasswordWithoutUsername = malformed("password flag set without username flag")
	ErrClientIDTooLong         = malformed("client identifier too long")
)

// ConnectPacket represents an MQTT CONNECT packet.
type ConnectPacket struct {
	// ProtocolName is "MQTT" for 3.1.1 clients. Empty encodes as "MQTT".
	ProtocolName string

	// ProtocolLevel is 4 for 3.1.1 clients. Zero encodes as 4.
	ProtocolLevel byte

	// ClientID is the client identifier.
	ClientID string

	// CleanSession asks the broker to discard any prior session state.
	CleanSession bool

	// KeepAlive is the keep alive interval in seconds.
	KeepAlive uint16

	// Username for authentication. UsernameFlag marks it present even when
	// empty; a non-empty Username is always sent.
	Username     string
	UsernameFlag bool

	// Password for authentication, with the same presence rule.
	Password     []byte
	PasswordFlag bool

	// Will message configuration.
	WillFlag    bool
	WillRetain  bool
	WillQoS     byte
	WillTopic   string
	WillPayload []byte
}

// Type returns the packet type.
func (p *ConnectPacket) Type() PacketType {
	return PacketCONNECT
}

func (p *ConnectPacket) protocol() (string, byte) {
	name, level := p.ProtocolName, p.ProtocolLevel
	if name == "" {
		name = ProtocolName
	}
	if level == 0 {
		level = ProtocolLevel
	}
	return name, level
}

// SupportedProtocol reports whether the protocol name and level identify
// MQTT 3.1.1.
func (p *ConnectPacket) SupportedProtocol() bool {
	name, level := p.protocol()
	return name == ProtocolName && level == ProtocolLevel
}

// connectFlags returns the connect flags byte.
func (p *ConnectPacket) connectFlags() byte {
	var flags byte

	if p.CleanSession {
		flags |= connectFlagCleanSession
	}

	if p.WillFlag {
		flags |= connectFlagWillFlag
		flags |= (p.WillQoS & 0x03) << 3
		if p.WillRetain {
			flags |= connectFlagWillRetain
		}
	}

	if p.HasPassword() {
		flags |= connectFlagPasswordFlag
	}

	if p.HasUsername() {
		flags |= connectFlagUsernameFlag
	}

	return flags
}

// HasUsername reports whether the username field is present.
func (p *ConnectPacket) HasUsername() bool {
	return p.UsernameFlag || p.Username != ""
}

// HasPassword reports whether the password field is present.
func (p *ConnectPacket) HasPassword() bool {
	return p.PasswordFlag || len(p.Password) > 0
}

// setConnectFlags parses the connect flags byte.
func (p *ConnectPacket) setConnectFlags(flags byte) error {
	if flags&connectFlagsReset != 0 {
		return ErrInvalidConnectFlags
	}

	p.CleanSession = flags&connectFlagCleanSession != 0
	p.WillFlag = flags&connectFlagWillFlag != 0
	p.WillQoS = (flags >> 3) & 0x03
	p.WillRetain = flags&connectFlagWillRetain != 0

	if p.WillQoS > 2 || (!p.WillFlag && p.WillQoS != 0) {
		return ErrInvalidConnectFlags
	}
	if !p.WillFlag && p.WillRetain {
		return ErrInvalidWillRetain
	}
	if flags&connectFlagPasswordFlag != 0 && flags&connectFlagUsernameFlag == 0 {
		return ErrPasswordWithoutUsername
	}

	return nil
}

// Encode writes the packet to the writer.
func (p *ConnectPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	name, level := p.protocol()

	if _, err := encodeString(&buf, name); err != nil {
		return 0, err
	}
	buf.WriteByte(level)
	buf.WriteByte(p.connectFlags())
	encodeUint16(&buf, p.KeepAlive)

	if _, err := encodeString(&buf, p.ClientID); err != nil {
		return 0, err
	}

	if p.WillFlag {
		if _, err := encodeString(&buf, p.WillTopic); err != nil {
			return 0, err
		}
		if _, err := encodeBinary(&buf, p.WillPayload); err != nil {
			return 0, err
		}
	}

	if p.HasUsername() {
		if _, err := encodeString(&buf, p.Username); err != nil {
			return 0, err
		}
	}

	if p.HasPassword() {
		if _, err := encodeBinary(&buf, p.Password); err != nil {
			return 0, err
		}
	}

	return encodeFramed(w, PacketCONNECT, 0x00, buf.Bytes())
}

// Decode reads the packet from the reader.
func (p *ConnectPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNECT {
		return 0, ErrInvalidPacketType
	}

	f := fieldReader{r: r}

	p.ProtocolName = f.readString()
	if f.err == nil && p.ProtocolName != ProtocolName && p.ProtocolName != legacyProtocol {
		return f.n, ErrInvalidProtocolName
	}
	p.ProtocolLevel = f.readByte()
	flags := f.readByte()
	if f.err != nil {
		return f.n, f.err
	}
	if err := p.setConnectFlags(flags); err != nil {
		return f.n, err
	}

	p.KeepAlive = f.readUint16()
	p.ClientID = f.readString()
	if p.WillFlag {
		p.WillTopic = f.readString()
		p.WillPayload = f.readBinary()
	}
	p.UsernameFlag = flags&connectFlagUsernameFlag != 0
	if p.UsernameFlag {
		p.Username = f.readString()
	}
	p.PasswordFlag = flags&connectFlagPasswordFlag != 0
	if p.PasswordFlag {
		p.Password = f.readBinary()
	}

	if f.err != nil {
		return f.n, f.err
	}
	if p.WillFlag {
		if err := ValidateTopicName(p.WillTopic); err != nil {
			return f.n, err
		}
	}
	return f.n, nil
}

// Validate validates the packet contents.
func (p *ConnectPacket) Validate() error {
	if len(p.ClientID) > maxUint16 {
		return ErrClientIDTooLong
	}

	if p.WillQoS > 2 || (!p.WillFlag && p.WillQoS != 0) {
		return ErrInvalidConnectFlags
	}
	if !p.WillFlag && p.WillRetain {
		return ErrInvalidWillRetain
	}
	if p.WillFlag {
		if err := ValidateTopicName(p.WillTopic); err != nil {
			return err
		}
	}

	if p.HasPassword() && !p.HasUsername() {
		return ErrPasswordWithoutUsername
	}

	return nil
}
