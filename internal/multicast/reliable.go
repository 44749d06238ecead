// Package multicast implements reliable, ordered multicast over an
// unreliable Channel using Lamport timestamps, per-destination
// acknowledgements and a hold-back queue.
package multicast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"lamport-multicast/internal/clock"
	"lamport-multicast/internal/message"
	"lamport-multicast/internal/metrics"
)

var (
	// ErrNoDestinations is returned by Multicast for an empty destination list.
	ErrNoDestinations = errors.New("multicast needs at least one destination")
	// ErrInvalidDestination is returned for a negative destination id.
	ErrInvalidDestination = errors.New("invalid destination")
	// ErrStopped is returned once Close has been called.
	ErrStopped = errors.New("multicast instance stopped")
)

// Stats is a point-in-time view of the protocol state.
type Stats struct {
	PendingSends       int
	HoldBackBufferSize int
	DeliveredCount     int
	KnownPeerCount     int
}

type peerState struct {
	suspect bool
	// lastHeard is when the peer last sent us anything.
	lastHeard time.Time
	// blockingSince is when the hold-back head started waiting on the
	// peer; zero while it is not blocking.
	blockingSince time.Time
}

type outgoing struct {
	destination int
	frame       []byte
}

// ReliableMulticast owns the pending-send table, the seen set and the
// hold-back queue of one process. Multicast, OnReceive and the periodic
// sweep may be called concurrently.
type ReliableMulticast struct {
	self        int
	incarnation string
	clock       *clock.Clock
	channel     Channel
	cfg         Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	mu        sync.Mutex
	nextSeq   uint64
	pending   map[string]*PendingSend
	outcomes  *outcomeHistory
	seen      map[string]struct{}
	hold      *holdBack
	peers     map[int]*peerState
	outbox    []*message.Data
	failures  []Failure
	delivered int

	// Clock evidence re-broadcast by the sweep after new DATA arrives.
	lastReceived   string
	evidenceRounds int

	running bool
	stopped bool

	ready  chan struct{}
	quit   chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the multicast core for process self. clk is shared with the
// rest of the process; ch carries encoded frames to peers.
func New(self int, clk *clock.Clock, ch Channel, opts ...Option) *ReliableMulticast {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	rm := &ReliableMulticast{
		self:        self,
		incarnation: message.NewIncarnation(),
		clock:       clk,
		channel:     ch,
		cfg:         DefaultConfig(),
		logger:      slog.Default(),
		now:         time.Now,
		pending:     make(map[string]*PendingSend),
		outcomes:    newOutcomeHistory(outcomeHistorySize),
		seen:        make(map[string]struct{}),
		peers:       make(map[int]*peerState),
		ready:       make(chan struct{}, 1),
		quit:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(rm)
	}
	rm.hold = newHoldBack(rm.cfg.Ordering)
	rm.logger = rm.logger.With("component", "multicast", "process", self)
	return rm
}

// ID returns the local process id.
func (rm *ReliableMulticast) ID() int { return rm.self }

// Clock returns the Lamport clock shared with the process.
func (rm *ReliableMulticast) Clock() *clock.Clock { return rm.clock }

// Multicast sends payload to every destination and returns the new message
// id without waiting for acknowledgements.
func (rm *ReliableMulticast) Multicast(payload string, destinations []int) (string, error) {
	if err := message.ValidatePayload(payload); err != nil {
		return "", err
	}
	if len(destinations) == 0 {
		return "", ErrNoDestinations
	}
	for _, d := range destinations {
		if d < 0 {
			return "", fmt.Errorf("%w: %d", ErrInvalidDestination, d)
		}
	}

	rm.mu.Lock()
	if rm.stopped {
		rm.mu.Unlock()
		return "", ErrStopped
	}

	ts := rm.clock.Tick()
	rm.nextSeq++
	m := &message.Data{
		ID:        message.NewID(rm.self, rm.incarnation, rm.nextSeq),
		Sender:    rm.self,
		Seq:       rm.nextSeq,
		Timestamp: ts,
		Payload:   payload,
	}

	local := false
	remote := make([]int, 0, len(destinations))
	dedup := make(map[int]struct{}, len(destinations))
	for _, d := range destinations {
		if _, ok := dedup[d]; ok {
			continue
		}
		dedup[d] = struct{}{}
		if d == rm.self {
			local = true
			continue
		}
		rm.addPeerLocked(d)
		remote = append(remote, d)
	}
	sort.Ints(remote)

	var out []outgoing
	if len(remote) == 0 {
		rm.outcomes.record(m.ID, StatusComplete)
	} else {
		frame, err := message.Encode(m)
		if err != nil {
			rm.mu.Unlock()
			return "", err
		}
		rm.pending[m.ID] = newPendingSend(m, frame, remote, rm.now().Add(rm.cfg.AckTimeout))
		rm.metrics.PendingDelta(1)
		for _, d := range remote {
			out = append(out, outgoing{destination: d, frame: frame})
		}
	}

	signal := false
	if local {
		rm.seen[m.ID] = struct{}{}
		rm.hold.add(m)
		signal = rm.flushLocked() > 0
	}
	rm.mu.Unlock()

	rm.logger.Debug("multicast", "id", m.ID, "ts", ts, "seq", m.Seq, "destinations", remote)
	rm.metrics.DataSent(len(out))
	rm.dispatch(out)
	if signal {
		rm.notify()
	}
	return m.ID, nil
}

// MulticastAll sends payload to every known peer.
func (rm *ReliableMulticast) MulticastAll(payload string) (string, error) {
	return rm.Multicast(payload, rm.Peers())
}

// AddPeer registers id as a member of the group.
func (rm *ReliableMulticast) AddPeer(id int) {
	rm.mu.Lock()
	rm.addPeerLocked(id)
	rm.mu.Unlock()
}

func (rm *ReliableMulticast) addPeerLocked(id int) *peerState {
	if id < 0 || id == rm.self {
		return nil
	}
	p, ok := rm.peers[id]
	if !ok {
		p = &peerState{}
		rm.peers[id] = p
	}
	return p
}

// touchPeerLocked records that id is alive.
func (rm *ReliableMulticast) touchPeerLocked(id int) {
	p := rm.addPeerLocked(id)
	if p == nil {
		return
	}
	p.lastHeard = rm.now()
	if p.suspect {
		p.suspect = false
		rm.logger.Info("peer recovered", "peer", id)
	}
}

// Peers returns the known peers in ascending order, suspects included.
func (rm *ReliableMulticast) Peers() []int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	ids := make([]int, 0, len(rm.peers))
	for id := range rm.peers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Suspected reports whether id has been marked suspect, either after a
// permanent delivery failure or after blocking delivery while silent.
func (rm *ReliableMulticast) Suspected(id int) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	p, ok := rm.peers[id]
	return ok && p.suspect
}

func (rm *ReliableMulticast) liveMembersLocked() []int {
	ids := make([]int, 0, len(rm.peers))
	for id, p := range rm.peers {
		if !p.suspect {
			ids = append(ids, id)
		}
	}
	return ids
}

// OnReceive handles one inbound frame. A malformed frame is logged, counted
// and returned as an error; it never affects protocol state.
func (rm *ReliableMulticast) OnReceive(raw []byte) error {
	msg, err := message.Decode(raw)
	if err != nil {
		rm.logger.Warn("dropping malformed frame", "error", err, "size", len(raw))
		rm.metrics.Malformed()
		return err
	}
	if msg.From() == rm.self {
		rm.logger.Warn("dropping frame that claims to be from this process", "msg", msg)
		return nil
	}

	rm.mu.Lock()
	if rm.stopped {
		rm.mu.Unlock()
		return nil
	}
	rm.clock.Update(msg.Clock())

	var (
		out    []outgoing
		signal bool
	)
	switch m := msg.(type) {
	case *message.Data:
		out, signal = rm.receiveDataLocked(m)
	case *message.Ack:
		signal = rm.receiveAckLocked(m)
	}
	rm.mu.Unlock()

	if len(out) > 0 {
		rm.metrics.AcksSent(len(out))
	}
	rm.dispatch(out)
	if signal {
		rm.notify()
	}
	return nil
}

func (rm *ReliableMulticast) receiveDataLocked(m *message.Data) ([]outgoing, bool) {
	rm.touchPeerLocked(m.Sender)

	if _, dup := rm.seen[m.ID]; dup {
		rm.metrics.Duplicate()
		rm.logger.Debug("duplicate data, re-acking", "id", m.ID, "sender", m.Sender)
		return rm.ackLocked(m, false), false
	}
	rm.seen[m.ID] = struct{}{}

	if !rm.hold.add(m) {
		rm.logger.Warn("stale seq from sender", "id", m.ID, "sender", m.Sender, "seq", m.Seq)
	} else {
		rm.logger.Debug("data received", "id", m.ID, "sender", m.Sender, "ts", m.Timestamp, "seq", m.Seq)
	}
	rm.lastReceived = m.ID
	rm.evidenceRounds = rm.cfg.MaxRetries + 1

	out := rm.ackLocked(m, true)
	return out, rm.flushLocked() > 0
}

// ackLocked builds the ACK for m. The clock tick and the acker_seq snapshot
// happen under rm.mu so that no DATA with a smaller timestamp can be
// multicast by this process after the ACK claims otherwise.
func (rm *ReliableMulticast) ackLocked(m *message.Data, fanOut bool) []outgoing {
	frame := rm.encodeAckLocked(m.ID)
	if frame == nil {
		return nil
	}
	out := []outgoing{{destination: m.Sender, frame: frame}}
	if !fanOut {
		return out
	}
	for id := range rm.peers {
		if id != m.Sender {
			out = append(out, outgoing{destination: id, frame: frame})
		}
	}
	return out
}

// evidenceLocked re-announces the local clock to every live peer so that a
// lost fan-out ACK cannot stall their total-order delivery.
func (rm *ReliableMulticast) evidenceLocked() []outgoing {
	frame := rm.encodeAckLocked(rm.lastReceived)
	if frame == nil {
		return nil
	}
	var out []outgoing
	for id, p := range rm.peers {
		if !p.suspect {
			out = append(out, outgoing{destination: id, frame: frame})
		}
	}
	return out
}

func (rm *ReliableMulticast) encodeAckLocked(ackOf string) []byte {
	ack := &message.Ack{
		AckOf:     ackOf,
		Acker:     rm.self,
		Timestamp: rm.clock.Tick(),
		AckerSeq:  rm.nextSeq,
	}
	frame, err := message.Encode(ack)
	if err != nil {
		rm.logger.Error("encoding ack", "error", err, "ack_of", ackOf)
		return nil
	}
	return frame
}

func (rm *ReliableMulticast) receiveAckLocked(a *message.Ack) bool {
	rm.touchPeerLocked(a.Acker)
	rm.hold.observeAck(a.Acker, a.Timestamp, a.AckerSeq)
	rm.metrics.AckReceived()

	if p, ok := rm.pending[a.AckOf]; ok {
		if p.acknowledge(a.Acker) {
			delete(rm.pending, a.AckOf)
			rm.outcomes.record(a.AckOf, StatusComplete)
			rm.metrics.PendingDelta(-1)
			rm.logger.Debug("multicast complete", "id", a.AckOf, "retries", p.RetryCount)
		}
	}
	return rm.flushLocked() > 0
}

// flushLocked moves every deliverable message to the outbox in order.
func (rm *ReliableMulticast) flushLocked() int {
	members := rm.liveMembersLocked()
	n := 0
	for {
		m := rm.hold.pop(members)
		if m == nil {
			break
		}
		rm.outbox = append(rm.outbox, m)
		rm.delivered++
		n++
		rm.logger.Debug("delivered", "id", m.ID, "sender", m.Sender, "ts", m.Timestamp, "seq", m.Seq)
	}
	rm.metrics.Delivered(n)
	return n
}

// sweep retransmits every overdue PendingSend, retires the ones that have
// used up their retries and suspects members that silently stall delivery.
func (rm *ReliableMulticast) sweep(now time.Time) {
	rm.mu.Lock()
	var (
		out     []outgoing
		failed  []Failure
		retried int
	)
	ids := make([]string, 0, len(rm.pending))
	for id := range rm.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := rm.pending[id]
		if now.Before(p.Deadline) {
			continue
		}
		if p.RetryCount < rm.cfg.MaxRetries {
			p.RetryCount++
			p.Deadline = now.Add(rm.cfg.AckTimeout)
			for _, d := range p.outstanding() {
				out = append(out, outgoing{destination: d, frame: p.Frame})
			}
			retried++
			rm.logger.Debug("retransmitting", "id", id, "attempt", p.RetryCount+1, "outstanding", p.outstanding())
			continue
		}

		p.Status = StatusFailed
		for _, d := range p.outstanding() {
			failed = append(failed, Failure{MessageID: id, Destination: d, Attempts: p.RetryCount + 1})
			if peer, ok := rm.peers[d]; ok && !peer.suspect {
				peer.suspect = true
				rm.logger.Warn("peer suspected", "peer", d)
			}
		}
		delete(rm.pending, id)
		rm.outcomes.record(id, StatusFailed)
		rm.metrics.PendingDelta(-1)
		rm.logger.Warn("multicast failed", "id", id, "attempts", p.RetryCount+1, "outstanding", p.outstanding())
	}

	var evidence []outgoing
	if rm.evidenceRounds > 0 && rm.lastReceived != "" {
		rm.evidenceRounds--
		evidence = rm.evidenceLocked()
	}

	silent := rm.suspectSilentLocked(now)

	rm.failures = append(rm.failures, failed...)
	signal := len(failed) > 0
	if len(failed) > 0 || silent > 0 {
		// Suspects leave the stability set, which may unblock delivery.
		if rm.flushLocked() > 0 {
			signal = true
		}
	}
	rm.mu.Unlock()

	if retried > 0 {
		rm.metrics.Retransmitted(len(out))
	}
	rm.metrics.PermanentFailures(len(failed))
	rm.metrics.AcksSent(len(evidence))
	rm.dispatch(out)
	rm.dispatch(evidence)
	if signal {
		rm.notify()
	}
}

// suspectSilentLocked marks members that have held up the ready head for
// (MaxRetries+1)*AckTimeout without being heard from. It covers members
// this process never sent to, so a crash is noticed by every survivor and
// not only by the senders.
func (rm *ReliableMulticast) suspectSilentLocked(now time.Time) int {
	blocking := make(map[int]struct{})
	for _, id := range rm.hold.blockers(rm.liveMembersLocked()) {
		blocking[id] = struct{}{}
	}
	limit := time.Duration(rm.cfg.MaxRetries+1) * rm.cfg.AckTimeout

	var n int
	for id, p := range rm.peers {
		if _, ok := blocking[id]; !ok {
			p.blockingSince = time.Time{}
			continue
		}
		if p.blockingSince.IsZero() {
			p.blockingSince = now
		}
		since := p.blockingSince
		if p.lastHeard.After(since) {
			since = p.lastHeard
		}
		if now.Sub(since) < limit {
			continue
		}
		p.suspect = true
		p.blockingSince = time.Time{}
		n++
		rm.logger.Warn("peer suspected", "peer", id, "reason", "silent while blocking delivery", "silent_for", now.Sub(since))
	}
	return n
}

// dispatch hands frames to the Channel. It must not be called with rm.mu
// held.
func (rm *ReliableMulticast) dispatch(out []outgoing) {
	if rm.channel == nil {
		return
	}
	for _, o := range out {
		if err := rm.channel.Send(rm.ctx, o.destination, o.frame); err != nil {
			rm.metrics.SendFailed()
			rm.logger.Debug("send failed", "destination", o.destination, "error", err)
		}
	}
}

func (rm *ReliableMulticast) notify() {
	select {
	case rm.ready <- struct{}{}:
	default:
	}
}

// Ready returns a channel that receives a value whenever new deliveries or
// failures become available. Signals coalesce.
func (rm *ReliableMulticast) Ready() <-chan struct{} { return rm.ready }

// PollDelivered drains the messages delivered since the last call, in
// delivery order.
func (rm *ReliableMulticast) PollDelivered() []*message.Data {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := rm.outbox
	rm.outbox = nil
	return out
}

// PollFailures drains the permanent delivery failures reported since the
// last call.
func (rm *ReliableMulticast) PollFailures() []Failure {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := rm.failures
	rm.failures = nil
	return out
}

// Status reports the state of a message this process multicast. The second
// result is false for unknown ids and for outcomes that have aged out.
func (rm *ReliableMulticast) Status(id string) (Status, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if p, ok := rm.pending[id]; ok {
		return p.Status, true
	}
	return rm.outcomes.lookup(id)
}

// Stats returns a snapshot of the protocol counters.
func (rm *ReliableMulticast) Stats() Stats {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return Stats{
		PendingSends:       len(rm.pending),
		HoldBackBufferSize: rm.hold.size(),
		DeliveredCount:     rm.delivered,
		KnownPeerCount:     len(rm.peers),
	}
}

// Start launches the retransmission sweep. It is a no-op when already
// running or stopped.
func (rm *ReliableMulticast) Start() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.running || rm.stopped {
		return
	}
	rm.running = true
	rm.wg.Add(1)
	go rm.sweepLoop()
}

func (rm *ReliableMulticast) sweepLoop() {
	defer rm.wg.Done()
	ticker := time.NewTicker(rm.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rm.quit:
			return
		case <-ticker.C:
			rm.sweep(rm.now())
		}
	}
}

// Close stops the sweep, waits up to the shutdown grace (or until ctx is
// done) for outstanding acks, then discards whatever is still pending and
// returns how many sends were dropped.
func (rm *ReliableMulticast) Close(ctx context.Context) (int, error) {
	rm.mu.Lock()
	if rm.stopped {
		rm.mu.Unlock()
		return 0, ErrStopped
	}
	if rm.running {
		close(rm.quit)
		rm.running = false
	}
	rm.mu.Unlock()
	rm.wg.Wait()

	rm.awaitAcks(ctx)

	rm.mu.Lock()
	rm.stopped = true
	discarded := len(rm.pending)
	for id := range rm.pending {
		rm.outcomes.record(id, StatusFailed)
	}
	rm.metrics.PendingDelta(-discarded)
	rm.pending = make(map[string]*PendingSend)
	rm.mu.Unlock()

	rm.cancel()
	if discarded > 0 {
		rm.logger.Info("discarded in-flight multicasts on shutdown", "count", discarded)
	}
	return discarded, nil
}

func (rm *ReliableMulticast) awaitAcks(ctx context.Context) {
	if rm.cfg.ShutdownGrace <= 0 {
		return
	}
	timeout := time.NewTimer(rm.cfg.ShutdownGrace)
	defer timeout.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		rm.mu.Lock()
		left := len(rm.pending)
		rm.mu.Unlock()
		if left == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-timeout.C:
			return
		case <-ticker.C:
		}
	}
}
