package mqtt311

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name:  "empty string",
			input: "",
		},
		{
			name:  "simple ASCII",
			input: "hello",
		},
		{
			name:  "UTF-8 characters",
			input: "hello 世界 🌍",
		},
		{
			name:  "max length string",
			input: strings.Repeat("a", 65535),
		},
		{
			name:    "string too long",
			input:   strings.Repeat("a", 65536),
			wantErr: ErrStringTooLong,
		},
		{
			name:    "string with null",
			input:   "hello\x00world",
			wantErr: ErrStringContainsNull,
		},
		{
			name:    "invalid UTF-8",
			input:   string([]byte{0xFF, 0xFE, 0xFD}),
			wantErr: ErrInvalidUTF8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer

			n, err := encodeString(&buf, tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, ErrMalformedPacket)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, 2+len(tt.input), n)
			assert.Equal(t, 2+len(tt.input), buf.Len())

			decoded, n2, err := decodeString(&buf)
			require.NoError(t, err)
			assert.Equal(t, 2+len(tt.input), n2)
			assert.Equal(t, tt.input, decoded)
		})
	}
}

func TestDecodeStringErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"invalid UTF-8", []byte{0x00, 0x03, 0xFF, 0xFE, 0xFD}, ErrInvalidUTF8},
		{"null character", []byte{0x00, 0x03, 'a', 0x00, 'b'}, ErrStringContainsNull},
		{"length past end", []byte{0x00, 0x05, 'a', 'b'}, ErrFieldTruncated},
		{"missing length", []byte{0x00}, ErrFieldTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := decodeString(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestEncodeDecodeBinary(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"empty", nil, nil},
		{"bytes with null", []byte{0x00, 0x01, 0xFF}, nil},
		{"max length", bytes.Repeat([]byte{0xAB}, 65535), nil},
		{"too long", bytes.Repeat([]byte{0xAB}, 65536), ErrBinaryTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer

			n, err := encodeBinary(&buf, tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 2+len(tt.input), n)

			decoded, n2, err := decodeBinary(&buf)
			require.NoError(t, err)
			assert.Equal(t, n, n2)
			if len(tt.input) == 0 {
				assert.Empty(t, decoded)
			} else {
				assert.Equal(t, tt.input, decoded)
			}
		})
	}
}

func TestEncodeDecodeVarint(t *testing.T) {
	tests := []struct {
		name    string
		value   uint32
		encoded []byte
	}{
		{"zero", 0, []byte{0x00}},
		{"one byte max", 127, []byte{0x7F}},
		{"two bytes min", 128, []byte{0x80, 0x01}},
		{"two bytes max", 16383, []byte{0xFF, 0x7F}},
		{"three bytes min", 16384, []byte{0x80, 0x80, 0x01}},
		{"three bytes max", 2097151, []byte{0xFF, 0xFF, 0x7F}},
		{"four bytes min", 2097152, []byte{0x80, 0x80, 0x80, 0x01}},
		{"four bytes max", 268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := encodeVarint(&buf, tt.value)
			require.NoError(t, err)
			assert.Equal(t, len(tt.encoded), n)
			assert.Equal(t, tt.encoded, buf.Bytes())
			assert.Equal(t, len(tt.encoded), varintSize(tt.value))

			value, n, err := decodeVarint(bytes.NewReader(tt.encoded))
			require.NoError(t, err)
			assert.Equal(t, tt.value, value)
			assert.Equal(t, len(tt.encoded), n)

			value, n, err = parseVarint(tt.encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.value, value)
			assert.Equal(t, len(tt.encoded), n)
		})
	}
}

func TestEncodeVarintTooLarge(t *testing.T) {
	var buf bytes.Buffer
	_, err := encodeVarint(&buf, maxVarint+1)
	assert.ErrorIs(t, err, ErrVarintTooLarge)
	assert.Zero(t, buf.Len())
}

func TestVarintMalformed(t *testing.T) {
	// A continuation bit on the fourth byte would need a fifth.
	data := []byte{0x80, 0x80, 0x80, 0x80, 0x01}

	_, _, err := decodeVarint(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrVarintMalformed)
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, _, err = parseVarint(data)
	assert.ErrorIs(t, err, ErrVarintMalformed)
}

func TestParseVarintIncomplete(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"one continuation byte", []byte{0x80}},
		{"three continuation bytes", []byte{0xFF, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseVarint(tt.data)
			assert.ErrorIs(t, err, ErrIncomplete)
		})
	}
}

func TestDecodeUint16(t *testing.T) {
	v, n, err := decodeUint16(bytes.NewReader([]byte{0x12, 0x34}))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v)
	assert.Equal(t, 2, n)

	_, _, err = decodeUint16(bytes.NewReader([]byte{0x12}))
	assert.ErrorIs(t, err, ErrFieldTruncated)
}

func TestFieldReader(t *testing.T) {
	t.Run("sequence", func(t *testing.T) {
		body := []byte{0x00, 0x01, 'a', 0x07, 0x00, 0x2A, 0x00, 0x02, 0x01, 0x02, 'x', 'y'}
		f := fieldReader{r: bytes.NewReader(body)}

		assert.Equal(t, "a", f.readString())
		assert.Equal(t, byte(7), f.readByte())
		assert.Equal(t, uint16(42), f.readUint16())
		assert.Equal(t, []byte{1, 2}, f.readBinary())
		assert.True(t, f.more(uint32(len(body))))
		assert.Equal(t, []byte("xy"), f.readRest(uint32(len(body))))

		require.NoError(t, f.err)
		assert.Equal(t, len(body), f.n)
		assert.False(t, f.more(uint32(len(body))))
		assert.Nil(t, f.readRest(uint32(len(body))))
	})

	t.Run("first error sticks", func(t *testing.T) {
		f := fieldReader{r: bytes.NewReader([]byte{0x00, 0x05, 'a'})}

		assert.Empty(t, f.readString())
		assert.ErrorIs(t, f.err, ErrFieldTruncated)
		consumed := f.n

		assert.Zero(t, f.readUint16())
		assert.Zero(t, f.readByte())
		assert.Nil(t, f.readBinary())
		assert.Equal(t, consumed, f.n)
		assert.False(t, f.more(100))
	})

	t.Run("rest beyond length", func(t *testing.T) {
		f := fieldReader{r: bytes.NewReader([]byte{0x00, 0x01})}
		f.readUint16()

		assert.Nil(t, f.readRest(1))
		assert.ErrorIs(t, f.err, ErrFieldTruncated)
	})
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"incomplete", ErrIncomplete, ErrIncomplete},
		{"malformed sentinel", ErrVarintMalformed, ErrMalformedPacket},
		{"violation sentinel", ErrSecondConnect, ErrProtocolViolation},
		{"rejection sentinel", ErrIdentifierRejected, ErrPolicyRejection},
		{"unclassified", assert.AnError, nil},
		{"nil", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorKind(tt.err))
		})
	}
}
