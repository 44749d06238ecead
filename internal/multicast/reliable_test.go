package multicast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lamport-multicast/internal/clock"
	"lamport-multicast/internal/message"
)

var timeZero time.Time

type sent struct {
	destination int
	msg         message.Message
}

// recorder is a Channel that keeps every frame instead of sending it.
type recorder struct {
	mu     sync.Mutex
	frames []sent
	err    error
}

func (r *recorder) Send(_ context.Context, destination int, frame []byte) error {
	msg, err := message.Decode(frame)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, sent{destination: destination, msg: msg})
	return r.err
}

func (r *recorder) data() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, f := range r.frames {
		if f.msg.Kind() == message.KindData {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) acks() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, f := range r.frames {
		if f.msg.Kind() == message.KindAck {
			out = append(out, f)
		}
	}
	return out
}

func encode(t *testing.T, m message.Message) []byte {
	t.Helper()
	b, err := message.Encode(m)
	require.NoError(t, err)
	return b
}

func ack(of string, acker int, ts, ackerSeq uint64) *message.Ack {
	return &message.Ack{AckOf: of, Acker: acker, Timestamp: ts, AckerSeq: ackerSeq}
}

func payloads(ms []*message.Data) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Payload
	}
	return out
}

func TestMulticastBuildsAndDispatches(t *testing.T) {
	rec := &recorder{}
	rm := New(0, clock.New(), rec, WithPeers(1, 2))

	id, err := rm.Multicast("hello", []int{1, 2})
	require.NoError(t, err)

	frames := rec.data()
	require.Len(t, frames, 2)
	for i, f := range frames {
		d := f.msg.(*message.Data)
		assert.Equal(t, i+1, f.destination)
		assert.Equal(t, id, d.ID)
		assert.Equal(t, uint64(1), d.Timestamp)
		assert.Equal(t, uint64(1), d.Seq)
		assert.Equal(t, "hello", d.Payload)
	}

	status, ok := rm.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusInFlight, status)
	assert.Equal(t, 1, rm.Stats().PendingSends)
}

func TestMulticastRejectsBadInput(t *testing.T) {
	rm := New(0, clock.New(), &recorder{})

	_, err := rm.Multicast("x", nil)
	assert.ErrorIs(t, err, ErrNoDestinations)

	_, err = rm.Multicast("x", []int{1, -1})
	assert.ErrorIs(t, err, ErrInvalidDestination)

	big := make([]byte, message.MaxPayloadSize+1)
	for i := range big {
		big[i] = 'a'
	}
	_, err = rm.Multicast(string(big), []int{1})
	assert.ErrorIs(t, err, message.ErrPayloadTooLarge)

	assert.Equal(t, uint64(0), rm.Clock().Peek(), "rejected calls must not tick")
}

func TestAcksCompletePendingSend(t *testing.T) {
	rm := New(0, clock.New(), &recorder{}, WithPeers(1, 2))
	id, err := rm.Multicast("hello", []int{1, 2})
	require.NoError(t, err)

	require.NoError(t, rm.OnReceive(encode(t, ack(id, 1, 3, 0))))
	status, _ := rm.Status(id)
	assert.Equal(t, StatusInFlight, status)

	require.NoError(t, rm.OnReceive(encode(t, ack(id, 1, 4, 0))), "duplicate ack is harmless")
	require.NoError(t, rm.OnReceive(encode(t, ack(id, 2, 3, 0))))

	status, ok := rm.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusComplete, status)
	assert.Zero(t, rm.Stats().PendingSends)
	assert.Greater(t, rm.Clock().Peek(), uint64(4))
}

func TestTotalOrderAcrossSenders(t *testing.T) {
	rec := &recorder{}
	rm := New(2, clock.New(), rec, WithPeers(0, 1))

	m1 := &message.Data{ID: "m1", Sender: 0, Seq: 1, Timestamp: 1, Payload: "M1"}
	m2 := &message.Data{ID: "m2", Sender: 1, Seq: 1, Timestamp: 1, Payload: "M2"}
	m3 := &message.Data{ID: "m3", Sender: 0, Seq: 2, Timestamp: 2, Payload: "M3"}

	require.NoError(t, rm.OnReceive(encode(t, m3)))
	require.NoError(t, rm.OnReceive(encode(t, m1)))
	assert.Empty(t, rm.PollDelivered(), "process 1 may still send an earlier message")

	require.NoError(t, rm.OnReceive(encode(t, m2)))
	assert.Equal(t, []string{"M1", "M2"}, payloads(rm.PollDelivered()))

	// Process 1 acknowledges after its first multicast with a later clock.
	require.NoError(t, rm.OnReceive(encode(t, ack("m3", 1, 3, 1))))
	assert.Equal(t, []string{"M3"}, payloads(rm.PollDelivered()))

	assert.Equal(t, 3, rm.Stats().DeliveredCount)
	assert.Zero(t, rm.Stats().HoldBackBufferSize)
	assert.Len(t, rec.acks(), 3*2, "each data is acked to its sender and fanned out")
}

func TestFIFOOrderingDoesNotWaitForStability(t *testing.T) {
	rm := New(2, clock.New(), &recorder{}, WithPeers(0, 1), WithConfig(Config{Ordering: OrderingFIFO}))

	m1 := &message.Data{ID: "m1", Sender: 0, Seq: 1, Timestamp: 1, Payload: "M1"}
	m2 := &message.Data{ID: "m2", Sender: 1, Seq: 1, Timestamp: 1, Payload: "M2"}
	m3 := &message.Data{ID: "m3", Sender: 0, Seq: 2, Timestamp: 2, Payload: "M3"}

	require.NoError(t, rm.OnReceive(encode(t, m3)))
	assert.Empty(t, rm.PollDelivered())
	require.NoError(t, rm.OnReceive(encode(t, m1)))
	assert.Equal(t, []string{"M1", "M3"}, payloads(rm.PollDelivered()))
	require.NoError(t, rm.OnReceive(encode(t, m2)))
	assert.Equal(t, []string{"M2"}, payloads(rm.PollDelivered()))
}

func TestHeldBackUntilGapFilled(t *testing.T) {
	rm := New(2, clock.New(), &recorder{}, WithPeers(1))

	msgs := make([]*message.Data, 5)
	for i := range msgs {
		seq := uint64(i + 1)
		msgs[i] = &message.Data{ID: message.NewID(1, "x", seq), Sender: 1, Seq: seq, Timestamp: seq * 2, Payload: string(rune('a' + i))}
	}

	require.NoError(t, rm.OnReceive(encode(t, msgs[4])))
	for i := 3; i > 0; i-- {
		require.NoError(t, rm.OnReceive(encode(t, msgs[i])))
	}
	assert.Empty(t, rm.PollDelivered())
	assert.Equal(t, 4, rm.Stats().HoldBackBufferSize)

	require.NoError(t, rm.OnReceive(encode(t, msgs[0])))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, payloads(rm.PollDelivered()))
}

func TestDuplicateDataIsReackedNotRedelivered(t *testing.T) {
	rec := &recorder{}
	rm := New(2, clock.New(), rec, WithPeers(1))
	d := &message.Data{ID: "d1", Sender: 1, Seq: 1, Timestamp: 1, Payload: "once"}

	require.NoError(t, rm.OnReceive(encode(t, d)))
	require.NoError(t, rm.OnReceive(encode(t, d)))

	assert.Equal(t, []string{"once"}, payloads(rm.PollDelivered()))
	acks := rec.acks()
	require.Len(t, acks, 2)
	for _, a := range acks {
		assert.Equal(t, 1, a.destination)
		assert.Equal(t, "d1", a.msg.(*message.Ack).AckOf)
	}
}

func TestRetransmitThenFail(t *testing.T) {
	rec := &recorder{}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rm := New(0, clock.New(), rec,
		WithPeers(1),
		WithNow(func() time.Time { return start }),
		WithConfig(Config{AckTimeout: time.Second, MaxRetries: 3}),
	)

	id, err := rm.Multicast("lost", []int{1})
	require.NoError(t, err)
	assert.Len(t, rec.data(), 1)

	rm.sweep(start.Add(500 * time.Millisecond))
	assert.Len(t, rec.data(), 1, "not yet overdue")

	for i := 1; i <= 3; i++ {
		rm.sweep(start.Add(time.Duration(i) * time.Second))
		assert.Len(t, rec.data(), 1+i)
	}
	assert.Empty(t, rm.PollFailures())

	rm.sweep(start.Add(4 * time.Second))
	assert.Len(t, rec.data(), 4, "total sends never exceed max retries + 1")

	failures := rm.PollFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, Failure{MessageID: id, Destination: 1, Attempts: 4}, failures[0])

	status, ok := rm.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, status)
	assert.True(t, rm.Suspected(1))
	assert.Zero(t, rm.Stats().PendingSends)

	select {
	case <-rm.Ready():
	default:
		t.Fatal("failure did not signal readiness")
	}

	rm.sweep(start.Add(10 * time.Second))
	assert.Len(t, rec.data(), 4)

	require.NoError(t, rm.OnReceive(encode(t, &message.Data{ID: "back", Sender: 1, Seq: 1, Timestamp: 9, Payload: "hi"})))
	assert.False(t, rm.Suspected(1))
}

func TestRetransmitOnlyToSilentDestinations(t *testing.T) {
	rec := &recorder{}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rm := New(0, clock.New(), rec,
		WithPeers(1, 2),
		WithNow(func() time.Time { return start }),
		WithConfig(Config{AckTimeout: time.Second, MaxRetries: 1}),
	)
	id, err := rm.Multicast("x", []int{1, 2})
	require.NoError(t, err)
	require.NoError(t, rm.OnReceive(encode(t, ack(id, 1, 2, 0))))

	rm.sweep(start.Add(time.Second))
	frames := rec.data()
	require.Len(t, frames, 3)
	assert.Equal(t, 2, frames[2].destination)
}

func TestSendErrorsAreTransient(t *testing.T) {
	rec := &recorder{err: errors.New("connection refused")}
	rm := New(0, clock.New(), rec, WithPeers(1))

	id, err := rm.Multicast("x", []int{1})
	require.NoError(t, err)
	status, _ := rm.Status(id)
	assert.Equal(t, StatusInFlight, status)
}

func TestConcurrentMulticastsGetDistinctTimestamps(t *testing.T) {
	rec := &recorder{}
	rm := New(0, clock.New(), rec, WithPeers(1))

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rm.Multicast("c", []int{1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	frames := rec.data()
	require.Len(t, frames, n)
	var stamps, seqs []int
	for _, f := range frames {
		d := f.msg.(*message.Data)
		stamps = append(stamps, int(d.Timestamp))
		seqs = append(seqs, int(d.Seq))
	}
	sort.Ints(stamps)
	sort.Ints(seqs)
	for i := 0; i < n; i++ {
		assert.Equal(t, i+1, stamps[i])
		assert.Equal(t, i+1, seqs[i])
	}
}

func TestMalformedFrameIsNonFatal(t *testing.T) {
	rm := New(2, clock.New(), &recorder{}, WithPeers(1))

	err := rm.OnReceive([]byte(`{"kind":"DATA","id":`))
	assert.ErrorIs(t, err, message.ErrMalformed)
	err = rm.OnReceive([]byte(`{"kind":"NOPE","sender":1,"timestamp":1}`))
	assert.ErrorIs(t, err, message.ErrMalformed)
	assert.Equal(t, uint64(0), rm.Clock().Peek())

	require.NoError(t, rm.OnReceive(encode(t, &message.Data{ID: "ok", Sender: 1, Seq: 1, Timestamp: 1, Payload: "fine"})))
	assert.Equal(t, []string{"fine"}, payloads(rm.PollDelivered()))
}

func TestSelfDelivery(t *testing.T) {
	t.Run("self only", func(t *testing.T) {
		rec := &recorder{}
		rm := New(0, clock.New(), rec)
		id, err := rm.Multicast("me", []int{0})
		require.NoError(t, err)

		assert.Equal(t, []string{"me"}, payloads(rm.PollDelivered()))
		assert.Empty(t, rec.frames)
		status, ok := rm.Status(id)
		require.True(t, ok)
		assert.Equal(t, StatusComplete, status)
	})

	t.Run("self and peer", func(t *testing.T) {
		rec := &recorder{}
		rm := New(0, clock.New(), rec)
		id, err := rm.Multicast("us", []int{0, 1, 0})
		require.NoError(t, err)

		require.Len(t, rec.data(), 1, "no frame to self")
		assert.Empty(t, rm.PollDelivered(), "process 1 may still send ts 1")

		require.NoError(t, rm.OnReceive(encode(t, ack(id, 1, 2, 0))))
		assert.Equal(t, []string{"us"}, payloads(rm.PollDelivered()))
		status, _ := rm.Status(id)
		assert.Equal(t, StatusComplete, status)
	})
}

func TestCloseDiscardsPending(t *testing.T) {
	rm := New(0, clock.New(), &recorder{}, WithPeers(1), WithConfig(Config{ShutdownGrace: 30 * time.Millisecond}))
	rm.Start()
	id, err := rm.Multicast("x", []int{1})
	require.NoError(t, err)

	discarded, err := rm.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, discarded)

	status, _ := rm.Status(id)
	assert.Equal(t, StatusFailed, status)

	_, err = rm.Multicast("y", []int{1})
	assert.ErrorIs(t, err, ErrStopped)
	_, err = rm.Close(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoError(t, rm.OnReceive(encode(t, ack(id, 1, 5, 0))))
}

func TestCloseWaitsForOutstandingAcks(t *testing.T) {
	rm := New(0, clock.New(), &recorder{}, WithPeers(1), WithConfig(Config{ShutdownGrace: 5 * time.Second}))
	id, err := rm.Multicast("x", []int{1})
	require.NoError(t, err)

	frame := encode(t, ack(id, 1, 2, 0))
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = rm.OnReceive(frame)
	}()

	discarded, err := rm.Close(context.Background())
	require.NoError(t, err)
	assert.Zero(t, discarded)
	status, _ := rm.Status(id)
	assert.Equal(t, StatusComplete, status)
}

func TestCloseHonorsContext(t *testing.T) {
	rm := New(0, clock.New(), &recorder{}, WithPeers(1), WithConfig(Config{ShutdownGrace: time.Minute}))
	_, err := rm.Multicast("x", []int{1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	began := time.Now()
	discarded, err := rm.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, discarded)
	assert.Less(t, time.Since(began), 5*time.Second)
}

func TestParseOrdering(t *testing.T) {
	for in, want := range map[string]Ordering{"": OrderingTotal, "total": OrderingTotal, "FIFO": OrderingFIFO} {
		got, err := ParseOrdering(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseOrdering("causal")
	assert.Error(t, err)
}

func TestWithConfigDefaultsOnlyDurations(t *testing.T) {
	rm := New(0, clock.New(), nil, WithConfig(Config{}))
	assert.Equal(t, DefaultAckTimeout, rm.cfg.AckTimeout)
	assert.Equal(t, DefaultSweepInterval, rm.cfg.SweepInterval)
	assert.Zero(t, rm.cfg.MaxRetries)
	assert.Zero(t, rm.cfg.ShutdownGrace)

	rm = New(0, clock.New(), nil, WithConfig(Config{MaxRetries: -1, ShutdownGrace: -time.Second}))
	assert.Zero(t, rm.cfg.MaxRetries)
	assert.Zero(t, rm.cfg.ShutdownGrace)

	rm = New(0, clock.New(), nil)
	assert.Equal(t, DefaultConfig(), rm.cfg)
}

func TestSweepRebroadcastsClockEvidence(t *testing.T) {
	rec := &recorder{}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rm := New(2, clock.New(), rec, WithPeers(0, 1), WithConfig(Config{AckTimeout: time.Second, MaxRetries: 1}))

	require.NoError(t, rm.OnReceive(encode(t, &message.Data{ID: "d", Sender: 0, Seq: 1, Timestamp: 1, Payload: "x"})))
	require.Len(t, rec.acks(), 2)

	rm.sweep(start)
	rm.sweep(start)
	rm.sweep(start)

	acks := rec.acks()
	require.Len(t, acks, 2+2*2, "two rounds of evidence, one frame per live peer")
	last := acks[len(acks)-1].msg.(*message.Ack)
	assert.Equal(t, "d", last.AckOf)
	assert.Equal(t, rm.Clock().Peek(), last.Timestamp)
}
