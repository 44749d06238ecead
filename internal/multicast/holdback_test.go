package multicast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lamport-multicast/internal/message"
)

func data(sender int, seq, ts uint64) *message.Data {
	return &message.Data{
		ID:        message.NewID(sender, "test", seq),
		Sender:    sender,
		Seq:       seq,
		Timestamp: ts,
		Payload:   "p",
	}
}

func drain(h *holdBack, members []int) []*message.Data {
	var out []*message.Data
	for m := h.pop(members); m != nil; m = h.pop(members) {
		out = append(out, m)
	}
	return out
}

func TestHoldBackWaitsForGap(t *testing.T) {
	h := newHoldBack(OrderingTotal)
	members := []int{1}

	require.True(t, h.add(data(1, 3, 30)))
	require.True(t, h.add(data(1, 2, 20)))
	assert.Nil(t, h.pop(members))
	assert.Equal(t, 2, h.size())

	require.True(t, h.add(data(1, 1, 10)))
	got := drain(h, members)
	require.Len(t, got, 3)
	for i, m := range got {
		assert.Equal(t, uint64(i+1), m.Seq)
	}
	assert.Zero(t, h.size())
}

func TestHoldBackRejectsStaleAndBuffered(t *testing.T) {
	h := newHoldBack(OrderingFIFO)

	require.True(t, h.add(data(1, 2, 2)))
	assert.False(t, h.add(data(1, 2, 2)), "already buffered")

	require.True(t, h.add(data(1, 1, 1)))
	drain(h, nil)
	assert.False(t, h.add(data(1, 1, 1)), "already consumed")
}

func TestHoldBackStabilityNeedsEveryMember(t *testing.T) {
	h := newHoldBack(OrderingTotal)
	members := []int{0, 1}

	require.True(t, h.add(data(0, 1, 4)))
	assert.Nil(t, h.pop(members), "nothing known about process 1 yet")

	h.observeAck(1, 3, 0)
	assert.Nil(t, h.pop(members), "process 1 may still send ts 4")

	h.observeAck(1, 4, 0)
	m := h.pop(members)
	require.NotNil(t, m)
	assert.Equal(t, 0, m.Sender)
}

func TestHoldBackBlockers(t *testing.T) {
	h := newHoldBack(OrderingTotal)
	members := []int{0, 1, 2}
	assert.Empty(t, h.blockers(members), "nothing ready")

	require.True(t, h.add(data(0, 1, 4)))
	assert.Equal(t, []int{1, 2}, h.blockers(members))

	h.observeAck(2, 5, 0)
	assert.Equal(t, []int{1}, h.blockers(members))
	assert.Empty(t, h.blockers([]int{0, 2}), "suspects are not waited on")

	fifo := newHoldBack(OrderingFIFO)
	require.True(t, fifo.add(data(0, 1, 4)))
	assert.Empty(t, fifo.blockers(members))
}

func TestHoldBackDefersAckEvidence(t *testing.T) {
	h := newHoldBack(OrderingTotal)

	// Process 1 acked after multicasting two messages we have not seen.
	h.observeAck(1, 10, 2)
	assert.Zero(t, h.senders[1].floor)

	require.True(t, h.add(data(1, 1, 3)))
	assert.Equal(t, uint64(3), h.senders[1].floor)

	require.True(t, h.add(data(1, 2, 5)))
	assert.Equal(t, uint64(10), h.senders[1].floor)
}

func TestHoldBackTieBreakBySender(t *testing.T) {
	h := newHoldBack(OrderingFIFO)
	require.True(t, h.add(data(2, 1, 7)))
	require.True(t, h.add(data(0, 1, 7)))
	require.True(t, h.add(data(1, 1, 6)))

	got := drain(h, nil)
	require.Len(t, got, 3)
	assert.Equal(t, []int{1, 0, 2}, []int{got[0].Sender, got[1].Sender, got[2].Sender})
}

func TestPendingSendAcknowledge(t *testing.T) {
	p := newPendingSend(data(0, 1, 1), nil, []int{1, 2}, timeZero)

	assert.False(t, p.acknowledge(3), "not a destination")
	assert.False(t, p.acknowledge(1))
	assert.False(t, p.acknowledge(1), "duplicate ack")
	assert.Equal(t, []int{2}, p.outstanding())
	assert.True(t, p.acknowledge(2))
	assert.Equal(t, StatusComplete, p.Status)
}

func TestOutcomeHistoryEvictsOldest(t *testing.T) {
	h := newOutcomeHistory(2)
	h.record("a", StatusComplete)
	h.record("b", StatusFailed)
	h.record("c", StatusComplete)

	_, ok := h.lookup("a")
	assert.False(t, ok)
	s, ok := h.lookup("b")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, s)
}
