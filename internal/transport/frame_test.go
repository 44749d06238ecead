package transport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		body       []byte
		threshold  int
		compressed bool
	}{
		{name: "small", body: []byte(`{"kind":"ACK"}`), threshold: 1024},
		{name: "empty", body: []byte{}, threshold: 1024},
		{name: "compressed", body: []byte(strings.Repeat("hello ", 500)), threshold: 1024, compressed: true},
		{name: "compression disabled", body: []byte(strings.Repeat("hello ", 500)), threshold: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := EncodeFrame(7, tt.body, tt.threshold)
			assert.Equal(t, tt.compressed, frame[3]&flagCompressed != 0)
			if tt.compressed {
				assert.Less(t, len(frame), len(tt.body))
			}

			source, body, err := DecodeFrame(frame, maxDecodedBody)
			require.NoError(t, err)
			assert.Equal(t, 7, source)
			assert.Equal(t, string(tt.body), string(body))
		})
	}
}

func TestDecodeFrameRejects(t *testing.T) {
	good := EncodeFrame(1, []byte("payload"), 0)
	mutate := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), good...)
		return f(b)
	}

	tests := map[string][]byte{
		"short":        good[:FrameHeaderSize-1],
		"magic":        mutate(func(b []byte) []byte { b[0] = 'X'; return b }),
		"version":      mutate(func(b []byte) []byte { b[2] = 9; return b }),
		"unknown flag": mutate(func(b []byte) []byte { b[3] = 0x80; return b }),
		"corrupt body": mutate(func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b }),
		"truncated":    good[:len(good)-2],
	}

	for name, frame := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := DecodeFrame(frame, maxDecodedBody)
			assert.ErrorIs(t, err, ErrBadFrame)
		})
	}
}

func TestDecodeFrameLimitsDecompressedSize(t *testing.T) {
	frame := EncodeFrame(1, []byte(strings.Repeat("a", 4096)), 1)
	_, _, err := DecodeFrame(frame, 1024)
	assert.ErrorIs(t, err, ErrBadFrame)
}
