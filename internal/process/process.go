// Package process runs one group member: UDP transport, reliable multicast
// core, delivery pump and event history.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"lamport-multicast/internal/clock"
	"lamport-multicast/internal/config"
	"lamport-multicast/internal/message"
	"lamport-multicast/internal/metrics"
	"lamport-multicast/internal/multicast"
	"lamport-multicast/internal/netutil"
	"lamport-multicast/internal/peers"
	"lamport-multicast/internal/transport"
)

// Stats aggregates protocol and process state.
type Stats struct {
	multicast.Stats
	ID          int
	Addr        string
	LamportTime uint64
	Uptime      time.Duration
	EventCount  int
}

// Option customizes a Process.
type Option func(*Process)

func WithLogger(log *slog.Logger) Option {
	return func(p *Process) {
		if log != nil {
			p.log = log
		}
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(p *Process) { p.meter = meter }
}

// WithOnDeliver registers a callback run for every delivered message, in
// delivery order, on the pump goroutine.
func WithOnDeliver(fn func(*message.Data)) Option {
	return func(p *Process) { p.onDeliver = fn }
}

// WithOnFailure registers a callback run for every permanent delivery
// failure of a message this process sent.
func WithOnFailure(fn func(multicast.Failure)) Option {
	return func(p *Process) { p.onFailure = fn }
}

// Process wires the clock, the peer directory, the UDP transport and the
// multicast core of one group member.
type Process struct {
	id        int
	cfg       *config.Config
	log       *slog.Logger
	meter     metric.Meter
	onDeliver func(*message.Data)
	onFailure func(multicast.Failure)

	clock   *clock.Clock
	dir     *peers.Directory
	udp     *transport.UDP
	rm      *multicast.ReliableMulticast
	metrics *metrics.Metrics
	events  *EventLog
	started time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New binds the listen socket and builds the protocol stack described by
// cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	p := &Process{
		id:     cfg.Process.ID,
		cfg:    cfg,
		log:    slog.Default(),
		clock:  clock.New(),
		events: NewEventLog(defaultEventLogSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	m, err := metrics.New(p.meter, p.id)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	p.metrics = m

	p.dir = peers.NewDirectory(p.id, p.log)
	for _, peer := range cfg.Peers {
		addr, err := netutil.ResolveUDP4(peer.Addr)
		if err != nil {
			return nil, fmt.Errorf("peer %d: %w", peer.ID, err)
		}
		p.dir.Add(peer.ID, addr)
	}

	p.udp, err = transport.ListenUDP(ctx, p.id, cfg.ListenAddr(), p.dir,
		transport.WithUDPConfig(cfg.UDPOptions()),
		transport.WithUDPLogger(p.log),
		transport.WithUDPMetrics(p.metrics),
	)
	if err != nil {
		return nil, err
	}

	mc, err := cfg.MulticastOptions()
	if err != nil {
		p.udp.Close()
		return nil, err
	}
	p.rm = multicast.New(p.id, p.clock, p.udp,
		multicast.WithConfig(mc),
		multicast.WithLogger(p.log),
		multicast.WithMetrics(p.metrics),
		multicast.WithPeers(cfg.PeerIDs()...),
	)
	return p, nil
}

func (p *Process) ID() int { return p.id }

// Addr returns the bound UDP address.
func (p *Process) Addr() *net.UDPAddr { return p.udp.LocalAddr() }

// Start launches the receive loop, the retransmission sweep and the
// delivery pump.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("process already started")
	}
	p.running = true
	p.started = time.Now()

	ctx, p.cancel = context.WithCancel(ctx)
	p.rm.Start()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		if err := p.udp.Serve(ctx, p.rm.OnReceive); err != nil {
			p.log.Error("receive loop stopped", "error", err)
		}
	}()
	go func() {
		defer p.wg.Done()
		p.pump(ctx)
	}()

	p.record(EventSystem, fmt.Sprintf("process %d listening on %s", p.id, p.Addr()))
	p.log.Info("process started", "id", p.id, "addr", p.Addr().String(), "peers", p.dir.IDs())
	return nil
}

func (p *Process) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case <-p.rm.Ready():
			p.drain()
		}
	}
}

func (p *Process) drain() {
	for _, m := range p.rm.PollDelivered() {
		p.record(EventDeliver, fmt.Sprintf("from %d: %s (ts=%d seq=%d)", m.Sender, m.Payload, m.Timestamp, m.Seq))
		if p.onDeliver != nil {
			p.onDeliver(m)
		}
	}
	for _, f := range p.rm.PollFailures() {
		p.record(EventFailed, f.String())
		if p.onFailure != nil {
			p.onFailure(f)
		}
	}
}

func (p *Process) record(kind EventKind, text string) {
	p.events.Add(Event{
		Time:    time.Now(),
		Kind:    kind,
		Lamport: p.clock.Peek(),
		Text:    text,
	})
}

// Multicast sends payload to every known peer and to this process.
func (p *Process) Multicast(payload string) (string, error) {
	return p.MulticastTo(payload, append(p.rm.Peers(), p.id))
}

// MulticastTo sends payload to the given process ids.
func (p *Process) MulticastTo(payload string, destinations []int) (string, error) {
	id, err := p.rm.Multicast(payload, destinations)
	if err != nil {
		return "", err
	}
	p.record(EventSend, fmt.Sprintf("%s to %v: %s", id, destinations, payload))
	return id, nil
}

// AddPeer makes addr the address of process id and adds it to the group.
func (p *Process) AddPeer(id int, addr *net.UDPAddr) {
	p.dir.Add(id, addr)
	p.rm.AddPeer(id)
}

// Peers returns the directory records, ordered by id.
func (p *Process) Peers() []peers.Record { return p.dir.Records() }

// Suspected reports whether id was marked suspect after a failed delivery.
func (p *Process) Suspected(id int) bool { return p.rm.Suspected(id) }

// Status reports the acknowledgement state of a message sent by this process.
func (p *Process) Status(messageID string) (multicast.Status, bool) { return p.rm.Status(messageID) }

// Events returns up to n of the newest events, oldest first.
func (p *Process) Events(n int) []Event { return p.events.Recent(n) }

// Stats snapshots the protocol counters together with process identity.
func (p *Process) Stats() Stats {
	s := Stats{
		Stats:       p.rm.Stats(),
		ID:          p.id,
		Addr:        p.Addr().String(),
		LamportTime: p.clock.Peek(),
		EventCount:  p.events.Len(),
	}
	p.mu.Lock()
	if p.running {
		s.Uptime = time.Since(p.started)
	}
	p.mu.Unlock()
	return s
}

// Close stops the protocol, waiting for in-flight acknowledgements up to the
// configured grace, then releases the socket.
func (p *Process) Close(ctx context.Context) error {
	discarded, err := p.rm.Close(ctx)
	if err != nil && !errors.Is(err, multicast.ErrStopped) {
		return err
	}
	if discarded > 0 {
		p.record(EventSystem, fmt.Sprintf("discarded %d unacknowledged multicasts", discarded))
	}

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.running = false
	p.mu.Unlock()

	closeErr := p.udp.Close()
	p.wg.Wait()
	p.log.Info("process stopped", "id", p.id, "discarded", discarded)
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return closeErr
	}
	return nil
}
