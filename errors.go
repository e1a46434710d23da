package mqtt311

import "errors"

// Error kinds. Every error produced while decoding or handling packets
// unwraps to exactly one of these.
var (
	// ErrIncomplete reports that more bytes are needed before a packet can be
	// decoded. It is not a protocol error.
	ErrIncomplete = errors.New("incomplete packet")

	// ErrMalformedPacket reports a syntax violation in the wire encoding.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrProtocolViolation reports a well-formed packet sent in an invalid
	// sequence or with semantically invalid content.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrPolicyRejection reports a request refused by broker policy
	// (authentication, authorization, identifier rules or limits).
	ErrPolicyRejection = errors.New("policy rejection")
)

// PacketError is a classified protocol error.
type PacketError struct {
	Kind   error
	Reason string
}

func (e *PacketError) Error() string {
	return e.Kind.Error() + ": " + e.Reason
}

// Unwrap returns the error kind.
func (e *PacketError) Unwrap() error {
	return e.Kind
}

func malformed(reason string) error {
	return &PacketError{Kind: ErrMalformedPacket, Reason: reason}
}

func violation(reason string) error {
	return &PacketError{Kind: ErrProtocolViolation, Reason: reason}
}

func rejection(reason string) error {
	return &PacketError{Kind: ErrPolicyRejection, Reason: reason}
}

// ErrorKind returns the kind sentinel err belongs to, or nil when err is not
// a classified protocol error.
func ErrorKind(err error) error {
	for _, kind := range []error{ErrIncomplete, ErrMalformedPacket, ErrProtocolViolation, ErrPolicyRejection} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
