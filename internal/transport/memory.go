package transport

import (
	"context"
	"fmt"
	"sync"
)

// Handler consumes one inbound frame.
type Handler func(frame []byte) error

// DropFunc decides whether the in-memory network loses a frame.
type DropFunc func(from, to int, frame []byte) bool

// Link identifies a directed sender/receiver pair.
type Link struct {
	From, To int
}

// Network is an in-memory, synchronous network connecting processes in one
// address space. A Send runs the receiver's handler before returning.
type Network struct {
	mu       sync.Mutex
	handlers map[int]Handler
	drop     DropFunc
	sent     map[Link]int
	dropped  map[Link]int
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[int]Handler),
		sent:     make(map[Link]int),
		dropped:  make(map[Link]int),
	}
}

// Register attaches the inbound handler of process id, replacing any
// previous one.
func (n *Network) Register(id int, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Unregister detaches process id. Frames sent to it fail with ErrUnknownPeer.
func (n *Network) Unregister(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, id)
}

// SetDrop installs the loss policy. nil makes the network lossless.
func (n *Network) SetDrop(f DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = f
}

// Sent returns how many frames from attempted to send to to, dropped ones
// included.
func (n *Network) Sent(from, to int) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[Link{from, to}]
}

// Dropped returns how many frames on the link were lost.
func (n *Network) Dropped(from, to int) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped[Link{from, to}]
}

// Endpoint returns the sending side of process id.
func (n *Network) Endpoint(id int) *Endpoint {
	return &Endpoint{network: n, id: id}
}

func (n *Network) deliver(ctx context.Context, from, to int, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	h, ok := n.handlers[to]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownPeer, to)
	}
	link := Link{from, to}
	n.sent[link]++
	if n.drop != nil && n.drop(from, to, frame) {
		n.dropped[link]++
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	buf := make([]byte, len(frame))
	copy(buf, frame)
	// Receiver errors stay with the receiver, as they would on a real wire.
	_ = h(buf)
	return nil
}

// Endpoint sends frames into a Network on behalf of one process.
type Endpoint struct {
	network *Network
	id      int
}

func (e *Endpoint) ID() int { return e.id }

func (e *Endpoint) Send(ctx context.Context, destination int, frame []byte) error {
	return e.network.deliver(ctx, e.id, destination, frame)
}
