// Package transport carries encoded multicast frames between processes,
// over UDP datagrams or over an in-memory network for tests.
package transport

import "errors"

var (
	// ErrUnknownPeer is returned when no address is known for a destination.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrRateLimited is returned when the outbound token bucket is empty.
	ErrRateLimited = errors.New("send rate exceeded")
	// ErrBadFrame marks a datagram that failed framing checks.
	ErrBadFrame = errors.New("bad frame")
	// ErrFrameTooLarge is returned when a frame exceeds the datagram size.
	ErrFrameTooLarge = errors.New("frame exceeds datagram size")
)
