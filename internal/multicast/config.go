package multicast

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lamport-multicast/internal/metrics"
)

const (
	DefaultAckTimeout    = 5 * time.Second
	DefaultSweepInterval = time.Second
	DefaultMaxRetries    = 3
	DefaultShutdownGrace = 2 * time.Second

	outcomeHistorySize = 1024
)

// Ordering selects the delivery policy.
type Ordering int

const (
	// OrderingTotal delivers in (timestamp, sender) order once no known live
	// peer can still produce an earlier message.
	OrderingTotal Ordering = iota
	// OrderingFIFO keeps per-sender gap-freedom and the tie-break among the
	// messages currently available, without waiting for stability.
	OrderingFIFO
)

func (o Ordering) String() string {
	switch o {
	case OrderingTotal:
		return "total"
	case OrderingFIFO:
		return "fifo"
	default:
		return fmt.Sprintf("Ordering(%d)", int(o))
	}
}

// ParseOrdering maps a configuration string onto an Ordering.
func ParseOrdering(s string) (Ordering, error) {
	switch strings.ToLower(s) {
	case "", "total":
		return OrderingTotal, nil
	case "fifo":
		return OrderingFIFO, nil
	default:
		return 0, fmt.Errorf("unknown ordering: %q (valid: total, fifo)", s)
	}
}

// Config tunes acknowledgement tracking and retransmission.
type Config struct {
	// AckTimeout is how long a destination may stay silent before the
	// sweep re-sends to it. Zero means DefaultAckTimeout.
	AckTimeout time.Duration
	// SweepInterval is the period of the retransmission sweep. Zero means
	// DefaultSweepInterval.
	SweepInterval time.Duration
	// MaxRetries is the number of re-sends after the first attempt. Zero
	// is taken literally: one attempt, no retries.
	MaxRetries int
	// ShutdownGrace bounds how long Close waits for outstanding acks. Zero
	// is taken literally: Close discards pending sends at once.
	ShutdownGrace time.Duration
	Ordering      Ordering
}

// DefaultConfig returns the stock protocol settings.
func DefaultConfig() Config {
	return Config{
		AckTimeout:    DefaultAckTimeout,
		SweepInterval: DefaultSweepInterval,
		MaxRetries:    DefaultMaxRetries,
		ShutdownGrace: DefaultShutdownGrace,
		Ordering:      OrderingTotal,
	}
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ShutdownGrace < 0 {
		c.ShutdownGrace = 0
	}
	return c
}

// Option customizes a ReliableMulticast.
type Option func(*ReliableMulticast)

// WithConfig replaces the protocol settings. Only a zero AckTimeout or
// SweepInterval falls back to its default; start from DefaultConfig to keep
// the default retries and grace.
func WithConfig(cfg Config) Option {
	return func(rm *ReliableMulticast) {
		rm.cfg = cfg.withDefaults()
	}
}

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(rm *ReliableMulticast) {
		if logger != nil {
			rm.logger = logger
		}
	}
}

// WithMetrics attaches protocol instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(rm *ReliableMulticast) {
		rm.metrics = m
	}
}

// WithPeers seeds the known-peer set with the configured group.
func WithPeers(ids ...int) Option {
	return func(rm *ReliableMulticast) {
		for _, id := range ids {
			rm.addPeerLocked(id)
		}
	}
}

// WithNow overrides the wall clock used for retransmission deadlines.
func WithNow(now func() time.Time) Option {
	return func(rm *ReliableMulticast) {
		if now != nil {
			rm.now = now
		}
	}
}
