// Package clock implements the process-local Lamport logical clock.
//
// Two rules drive the clock: every local event (including a send) ticks it,
// and every inbound message moves it to max(local, received) + 1. Tick, Update
// and Peek share one critical section so concurrent callers observe a strictly
// increasing sequence of values.
package clock

import (
	"fmt"
	"math"
	"sync"
)

// Clock is a goroutine-safe Lamport clock.
type Clock struct {
	mu sync.Mutex
	ts uint64
}

// New returns a clock starting at zero.
func New() *Clock {
	return &Clock{}
}

// Tick advances the clock for a local event and returns the new value.
func (c *Clock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ts = next(c.ts)
	return c.ts
}

// Update merges a received timestamp and returns the new local value.
func (c *Clock) Update(received uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if received > c.ts {
		c.ts = received
	}
	c.ts = next(c.ts)
	return c.ts
}

// Peek returns the current value without advancing the clock.
func (c *Clock) Peek() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts
}

// String implements fmt.Stringer.
func (c *Clock) String() string {
	return fmt.Sprintf("LamportClock(time=%d)", c.Peek())
}

// next never wraps: a uint64 Lamport counter cannot be exhausted by a real
// process, so reaching the ceiling means state corruption.
func next(ts uint64) uint64 {
	if ts == math.MaxUint64 {
		panic("clock: lamport timestamp overflow")
	}
	return ts + 1
}

// Less reports whether event (tsA, senderA) precedes (tsB, senderB) in the
// Lamport total order: smaller timestamp first, ties broken by ascending
// sender id.
func Less(tsA uint64, senderA int, tsB uint64, senderB int) bool {
	if tsA != tsB {
		return tsA < tsB
	}
	return senderA < senderB
}
