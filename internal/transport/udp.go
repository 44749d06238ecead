package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"lamport-multicast/internal/metrics"
	"lamport-multicast/internal/peers"
)

const (
	DefaultMaxDatagramSize   = 56 * 1024
	DefaultCompressThreshold = 1024
	DefaultBreakerFailures   = 5
	DefaultBreakerReset      = 10 * time.Second
	DefaultReadTimeout       = 500 * time.Millisecond

	maxDecodedBody = 1 << 20
)

// UDPConfig tunes the datagram transport.
type UDPConfig struct {
	MaxDatagramSize   int
	CompressThreshold int
	// SendRate is the sustained datagrams per second; 0 disables pacing.
	SendRate  float64
	SendBurst int
	// BreakerFailures consecutive write errors to one peer open its breaker
	// for BreakerReset.
	BreakerFailures uint32
	BreakerReset    time.Duration
	ReadTimeout     time.Duration
}

func (c UDPConfig) withDefaults() UDPConfig {
	if c.MaxDatagramSize <= 0 {
		c.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = DefaultCompressThreshold
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = DefaultBreakerFailures
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = DefaultBreakerReset
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	return c
}

// UDPOption customizes a UDP transport.
type UDPOption func(*UDP)

// WithUDPConfig replaces the transport settings; zero fields take defaults.
func WithUDPConfig(cfg UDPConfig) UDPOption {
	return func(u *UDP) { u.cfg = cfg.withDefaults() }
}

// WithUDPLogger sets the logger; nil keeps slog.Default().
func WithUDPLogger(log *slog.Logger) UDPOption {
	return func(u *UDP) {
		if log != nil {
			u.log = log
		}
	}
}

// WithUDPMetrics counts frames that fail to decode on m.
func WithUDPMetrics(m *metrics.Metrics) UDPOption {
	return func(u *UDP) { u.metrics = m }
}

// UDP sends frames as datagrams to the addresses held in a peers.Directory.
type UDP struct {
	self    int
	conn    *net.UDPConn
	dir     *peers.Directory
	cfg     UDPConfig
	log     *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	mu       sync.Mutex
	breakers map[int]*gobreaker.CircuitBreaker
}

// ListenUDP binds addr with SO_REUSEADDR and SO_REUSEPORT set.
func ListenUDP(ctx context.Context, self int, addr string, dir *peers.Directory, opts ...UDPOption) (*UDP, error) {
	u := &UDP{
		self:     self,
		dir:      dir,
		cfg:      UDPConfig{}.withDefaults(),
		log:      slog.Default(),
		breakers: make(map[int]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.log = u.log.With("component", "udp", "process", self)
	if u.cfg.SendRate > 0 {
		u.limiter = rate.NewLimiter(rate.Limit(u.cfg.SendRate), u.cfg.SendBurst)
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if opErr != nil {
					return
				}
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}
	u.conn = conn
	return u, nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

// Send frames body and writes it to destination. Every error is transient
// from the caller's point of view.
func (u *UDP) Send(ctx context.Context, destination int, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr, ok := u.dir.Addr(destination)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, destination)
	}
	if u.limiter != nil && !u.limiter.Allow() {
		return ErrRateLimited
	}

	frame := EncodeFrame(u.self, body, u.cfg.CompressThreshold)
	if len(frame) > u.cfg.MaxDatagramSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), u.cfg.MaxDatagramSize)
	}

	_, err := u.breaker(destination).Execute(func() (interface{}, error) {
		_, err := u.conn.WriteToUDP(frame, addr)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("send to %d at %s: %w", destination, addr, err)
	}
	return nil
}

func (u *UDP) breaker(destination int) *gobreaker.CircuitBreaker {
	u.mu.Lock()
	defer u.mu.Unlock()

	cb, ok := u.breakers[destination]
	if ok {
		return cb
	}
	threshold := u.cfg.BreakerFailures
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("peer-%d", destination),
		MaxRequests: 1,
		Timeout:     u.cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			u.log.Warn("peer breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	u.breakers[destination] = cb
	return cb
}

// Serve reads datagrams until ctx is done or the socket is closed, passing
// each valid frame body to handler.
func (u *UDP) Serve(ctx context.Context, handler Handler) error {
	buf := make([]byte, u.cfg.MaxDatagramSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := u.conn.SetReadDeadline(time.Now().Add(u.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, remote, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			u.log.Error("failed to read datagram", "error", err)
			continue
		}

		source, body, err := DecodeFrame(buf[:n], maxDecodedBody)
		if err != nil {
			u.metrics.Malformed()
			u.log.Warn("dropping datagram", "from", remote, "error", err)
			continue
		}
		if source == u.self {
			continue
		}
		u.dir.Touch(source, remote)

		if err := handler(body); err != nil {
			u.log.Debug("frame rejected", "source", source, "error", err)
		}
	}
}

// Close releases the socket, which also ends Serve.
func (u *UDP) Close() error {
	return u.conn.Close()
}
