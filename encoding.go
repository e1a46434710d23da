package mqtt311

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

// Encoding errors.
var (
	ErrStringTooLong      = malformed("string exceeds maximum length of 65535 bytes")
	ErrBinaryTooLong      = malformed("binary data exceeds maximum length of 65535 bytes")
	ErrInvalidUTF8        = malformed("invalid UTF-8 string")
	ErrStringContainsNull = malformed("string contains null character")
	ErrFieldTruncated     = malformed("field length exceeds remaining bytes")
	ErrVarintTooLarge     = malformed("remaining length exceeds maximum value")
	ErrVarintMalformed    = malformed("remaining length uses more than four bytes")
)

const (
	maxUint16         = 65535
	maxVarint         = 268435455 // 0x0FFFFFFF
	maxVarintBytes    = 4
	varintContinueBit = 0x80
	varintValueMask   = 0x7F
)

// readFull reads exactly len(buf) bytes. Running out of input inside a packet
// body means a field overruns the declared remaining length.
func readFull(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return n, ErrFieldTruncated
	}
	return n, err
}

func validateString(s string) error {
	if len(s) > maxUint16 {
		return ErrStringTooLong
	}
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	for i := range len(s) {
		if s[i] == 0 {
			return ErrStringContainsNull
		}
	}
	return nil
}

// encodeString writes a UTF-8 string with 2-byte length prefix to w.
func encodeString(w io.Writer, s string) (int, error) {
	if err := validateString(s); err != nil {
		return 0, err
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))

	n, err := w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}

	n2, err := io.WriteString(w, s)
	return n + n2, err
}

// decodeString reads a UTF-8 string with 2-byte length prefix from r.
func decodeString(r io.Reader) (string, int, error) {
	data, n, err := decodeBinary(r)
	if err != nil {
		return "", n, err
	}

	if !utf8.Valid(data) {
		return "", n, ErrInvalidUTF8
	}
	for i := range len(data) {
		if data[i] == 0 {
			return "", n, ErrStringContainsNull
		}
	}

	return string(data), n, nil
}

// encodeBinary writes binary data with 2-byte length prefix to w.
func encodeBinary(w io.Writer, data []byte) (int, error) {
	if len(data) > maxUint16 {
		return 0, ErrBinaryTooLong
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))

	n, err := w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}

	n2, err := w.Write(data)
	return n + n2, err
}

// decodeBinary reads binary data with 2-byte length prefix from r.
func decodeBinary(r io.Reader) ([]byte, int, error) {
	length, n, err := decodeUint16(r)
	if err != nil {
		return nil, n, err
	}
	if length == 0 {
		return nil, n, nil
	}

	buf := make([]byte, length)
	n2, err := readFull(r, buf)
	return buf, n + n2, err
}

func encodeUint16(w io.Writer, v uint16) (int, error) {
	return w.Write([]byte{byte(v >> 8), byte(v)})
}

func decodeUint16(r io.Reader) (uint16, int, error) {
	var buf [2]byte
	n, err := readFull(r, buf[:])
	if err != nil {
		return 0, n, err
	}
	return binary.BigEndian.Uint16(buf[:]), n, nil
}

func decodeByte(r io.Reader) (byte, int, error) {
	var buf [1]byte
	n, err := readFull(r, buf[:])
	return buf[0], n, err
}

// fieldReader decodes consecutive fields of a packet body. It counts the
// bytes consumed and keeps the first error; reads after a failure return
// zero values.
type fieldReader struct {
	r   io.Reader
	n   int
	err error
}

func (f *fieldReader) track(n int, err error) {
	f.n += n
	if f.err == nil {
		f.err = err
	}
}

func (f *fieldReader) readByte() byte {
	if f.err != nil {
		return 0
	}
	v, n, err := decodeByte(f.r)
	f.track(n, err)
	return v
}

func (f *fieldReader) readUint16() uint16 {
	if f.err != nil {
		return 0
	}
	v, n, err := decodeUint16(f.r)
	f.track(n, err)
	return v
}

func (f *fieldReader) readString() string {
	if f.err != nil {
		return ""
	}
	v, n, err := decodeString(f.r)
	f.track(n, err)
	return v
}

func (f *fieldReader) readBinary() []byte {
	if f.err != nil {
		return nil
	}
	v, n, err := decodeBinary(f.r)
	f.track(n, err)
	return v
}

// readRest reads what is left of a body of the given length. It returns nil
// when nothing is left.
func (f *fieldReader) readRest(length uint32) []byte {
	left := f.left(length)
	if f.err != nil || left == 0 {
		return nil
	}
	if left < 0 {
		f.err = ErrFieldTruncated
		return nil
	}
	buf := make([]byte, left)
	n, err := readFull(f.r, buf)
	f.track(n, err)
	return buf
}

// left returns the bytes of a body of the given length not yet consumed.
func (f *fieldReader) left(length uint32) int {
	return int(length) - f.n
}

// more reports whether decoding may continue within a body of the given
// length.
func (f *fieldReader) more(length uint32) bool {
	return f.err == nil && f.left(length) > 0
}

// appendVarint appends value as a remaining-length varint.
func appendVarint(dst []byte, value uint32) ([]byte, error) {
	if value > maxVarint {
		return dst, ErrVarintTooLarge
	}

	for {
		encodedByte := byte(value & varintValueMask)
		value >>= 7
		if value > 0 {
			encodedByte |= varintContinueBit
		}
		dst = append(dst, encodedByte)
		if value == 0 {
			return dst, nil
		}
	}
}

// encodeVarint writes a remaining-length varint to w.
func encodeVarint(w io.Writer, value uint32) (int, error) {
	var buf [maxVarintBytes]byte
	out, err := appendVarint(buf[:0], value)
	if err != nil {
		return 0, err
	}
	return w.Write(out)
}

// parseVarint reads a remaining-length varint from the front of data.
// It returns ErrIncomplete when data ends inside the varint.
func parseVarint(data []byte) (uint32, int, error) {
	var value uint32
	var multiplier uint32 = 1

	for i := range maxVarintBytes {
		if i >= len(data) {
			return 0, i, ErrIncomplete
		}

		encodedByte := data[i]
		value += uint32(encodedByte&varintValueMask) * multiplier
		if encodedByte&varintContinueBit == 0 {
			return value, i + 1, nil
		}
		multiplier *= 128
	}

	return 0, maxVarintBytes, ErrVarintMalformed
}

// decodeVarint reads a remaining-length varint from r one byte at a time.
func decodeVarint(r io.Reader) (uint32, int, error) {
	var value uint32
	var multiplier uint32 = 1
	var buf [1]byte

	for i := range maxVarintBytes {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if i > 0 && errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return 0, i, err
		}

		value += uint32(buf[0]&varintValueMask) * multiplier
		if buf[0]&varintContinueBit == 0 {
			return value, i + 1, nil
		}
		multiplier *= 128
	}

	return 0, maxVarintBytes, ErrVarintMalformed
}

// varintSize returns the number of bytes needed to encode a remaining length.
func varintSize(value uint32) int {
	switch {
	case value < 128:
		return 1
	case value < 16384:
		return 2
	case value < 2097152:
		return 3
	default:
		return 4
	}
}
