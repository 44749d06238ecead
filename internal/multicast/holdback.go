package multicast

import (
	"sort"

	"lamport-multicast/internal/clock"
	"lamport-multicast/internal/message"
)

// senderLog is the hold-back state for one sender.
type senderLog struct {
	// next is the seq expected to extend the gap-free run.
	next uint64
	// held buffers arrivals that are ahead of a gap.
	held map[uint64]*message.Data
	// ready is the gap-free run awaiting its turn in the global order.
	ready []*message.Data
	// floor: no DATA this sender produces in the future can carry a
	// timestamp <= floor.
	floor uint64

	// ACK evidence that cannot be applied until the run reaches ackSeq.
	ackTS  uint64
	ackSeq uint64
}

func newSenderLog() *senderLog {
	return &senderLog{
		next: 1,
		held: make(map[uint64]*message.Data),
	}
}

func (l *senderLog) advance() {
	for {
		m, ok := l.held[l.next]
		if !ok {
			break
		}
		delete(l.held, l.next)
		l.ready = append(l.ready, m)
		if m.Timestamp > l.floor {
			l.floor = m.Timestamp
		}
		l.next++
	}

	if l.ackTS > 0 && l.ackSeq < l.next {
		if l.ackTS > l.floor {
			l.floor = l.ackTS
		}
		l.ackTS, l.ackSeq = 0, 0
	}
}

// holdBack delays DATA until per-sender gap-freedom and the global
// (timestamp, sender) order allow it to be delivered.
type holdBack struct {
	ordering Ordering
	senders  map[int]*senderLog
}

func newHoldBack(ordering Ordering) *holdBack {
	return &holdBack{
		ordering: ordering,
		senders:  make(map[int]*senderLog),
	}
}

func (h *holdBack) log(sender int) *senderLog {
	l, ok := h.senders[sender]
	if !ok {
		l = newSenderLog()
		h.senders[sender] = l
	}
	return l
}

// add buffers m and extends the sender's gap-free run. It returns false when
// m's seq has already been consumed or is already buffered.
func (h *holdBack) add(m *message.Data) bool {
	l := h.log(m.Sender)
	if m.Seq < l.next {
		return false
	}
	if _, ok := l.held[m.Seq]; ok {
		return false
	}
	l.held[m.Seq] = m
	l.advance()
	return true
}

// observeAck folds an ACK's timestamp into the acker's floor once every DATA
// the acker had sent before acking has joined its gap-free run.
func (h *holdBack) observeAck(acker int, ts, ackerSeq uint64) {
	l := h.log(acker)
	if ackerSeq < l.next {
		if ts > l.floor {
			l.floor = ts
		}
		return
	}
	if ts > l.ackTS {
		l.ackTS, l.ackSeq = ts, ackerSeq
	}
}

// pop removes and returns the next deliverable message, or nil. members is
// the set of live peers (excluding the local process) that could still
// produce an earlier message under OrderingTotal.
func (h *holdBack) pop(members []int) *message.Data {
	head := h.head()
	if head == nil {
		return nil
	}

	if h.ordering == OrderingTotal && len(h.unstable(head, members)) > 0 {
		return nil
	}

	l := h.senders[head.Sender]
	l.ready[0] = nil
	l.ready = l.ready[1:]
	return head
}

// head is the lowest (timestamp, sender) among the ready messages.
func (h *holdBack) head() *message.Data {
	var head *message.Data
	for _, l := range h.senders {
		if len(l.ready) == 0 {
			continue
		}
		m := l.ready[0]
		if head == nil || clock.Less(m.Timestamp, m.Sender, head.Timestamp, head.Sender) {
			head = m
		}
	}
	return head
}

// blockers lists the members the ready head is waiting on, in ascending
// order. It is empty when nothing is ready or the head is deliverable.
func (h *holdBack) blockers(members []int) []int {
	if h.ordering != OrderingTotal {
		return nil
	}
	head := h.head()
	if head == nil {
		return nil
	}
	ids := h.unstable(head, members)
	sort.Ints(ids)
	return ids
}

// unstable returns the members that may still send something ordered
// before m.
func (h *holdBack) unstable(m *message.Data, members []int) []int {
	var ids []int
	for _, q := range members {
		if q == m.Sender {
			continue
		}
		l, ok := h.senders[q]
		if !ok {
			ids = append(ids, q)
			continue
		}
		// q's own head sorts after m, and so does everything behind it.
		if len(l.ready) > 0 {
			continue
		}
		if l.floor < m.Timestamp {
			ids = append(ids, q)
		}
	}
	return ids
}

// size counts buffered messages not yet delivered.
func (h *holdBack) size() int {
	n := 0
	for _, l := range h.senders {
		n += len(l.held) + len(l.ready)
	}
	return n
}
