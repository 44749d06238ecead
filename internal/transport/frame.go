package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash"
	"github.com/klauspost/compress/s2"
)

// Datagram layout:
//
//	0..1   magic "LM"
//	2      version
//	3      flags
//	4..7   source process id, big endian
//	8..15  xxhash64 of the body as transmitted
//	16..   body
const (
	frameVersion = 1

	// FrameHeaderSize is the fixed per-datagram overhead.
	FrameHeaderSize = 16

	flagCompressed = 1 << 0
	knownFlags     = flagCompressed
)

var frameMagic = []byte("LM")

// EncodeFrame wraps body for the wire. Bodies of at least compressThreshold
// bytes are s2-compressed when that makes them smaller; a threshold <= 0
// disables compression.
func EncodeFrame(source int, body []byte, compressThreshold int) []byte {
	var flags byte
	if compressThreshold > 0 && len(body) >= compressThreshold {
		if packed := s2.Encode(nil, body); len(packed) < len(body) {
			body = packed
			flags |= flagCompressed
		}
	}

	buf := make([]byte, FrameHeaderSize+len(body))
	copy(buf, frameMagic)
	buf[2] = frameVersion
	buf[3] = flags
	binary.BigEndian.PutUint32(buf[4:8], uint32(source))
	binary.BigEndian.PutUint64(buf[8:16], xxhash.Sum64(body))
	copy(buf[FrameHeaderSize:], body)
	return buf
}

// DecodeFrame validates a datagram and returns its source id and body.
// Decompressed bodies larger than maxBody are rejected.
func DecodeFrame(frame []byte, maxBody int) (int, []byte, error) {
	if len(frame) < FrameHeaderSize {
		return 0, nil, fmt.Errorf("%w: %d byte datagram", ErrBadFrame, len(frame))
	}
	if !bytes.Equal(frame[:2], frameMagic) {
		return 0, nil, fmt.Errorf("%w: bad magic", ErrBadFrame)
	}
	if frame[2] != frameVersion {
		return 0, nil, fmt.Errorf("%w: unsupported version %d", ErrBadFrame, frame[2])
	}
	flags := frame[3]
	if flags&^knownFlags != 0 {
		return 0, nil, fmt.Errorf("%w: unknown flags %#x", ErrBadFrame, flags)
	}

	source := binary.BigEndian.Uint32(frame[4:8])
	body := frame[FrameHeaderSize:]
	if sum := binary.BigEndian.Uint64(frame[8:16]); sum != xxhash.Sum64(body) {
		return 0, nil, fmt.Errorf("%w: checksum mismatch", ErrBadFrame)
	}

	if flags&flagCompressed != 0 {
		n, err := s2.DecodedLen(body)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		if maxBody > 0 && n > maxBody {
			return 0, nil, fmt.Errorf("%w: decompressed body of %d bytes", ErrBadFrame, n)
		}
		body, err = s2.Decode(nil, body)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
	} else {
		body = append([]byte(nil), body...)
	}
	return int(source), body, nil
}
