package multicast

import "context"

// Channel is the networking collaborator. Send is best-effort: an error is a
// transient failure the core absorbs, and a nil error does not imply
// delivery. Inbound frames are fed back through ReliableMulticast.OnReceive.
type Channel interface {
	Send(ctx context.Context, destination int, frame []byte) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, destination int, frame []byte) error

// Send calls f.
func (f ChannelFunc) Send(ctx context.Context, destination int, frame []byte) error {
	return f(ctx, destination, frame)
}
