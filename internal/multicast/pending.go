package multicast

import (
	"fmt"
	"sort"
	"time"

	"lamport-multicast/internal/message"
)

// Status is the lifecycle state of a PendingSend.
type Status int

const (
	StatusInFlight Status = iota
	StatusComplete
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInFlight:
		return "in_flight"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Failure reports that Destination never acknowledged MessageID within the
// retry budget.
type Failure struct {
	MessageID   string
	Destination int
	Attempts    int
}

func (f Failure) String() string {
	return fmt.Sprintf("message %s to process %d failed after %d attempts", f.MessageID, f.Destination, f.Attempts)
}

// PendingSend tracks which destinations of one multicast have not
// acknowledged it yet.
type PendingSend struct {
	Message     *message.Data
	Frame       []byte
	Outstanding map[int]struct{}
	RetryCount  int
	Deadline    time.Time
	Status      Status
}

func newPendingSend(m *message.Data, frame []byte, destinations []int, deadline time.Time) *PendingSend {
	p := &PendingSend{
		Message:     m,
		Frame:       frame,
		Outstanding: make(map[int]struct{}, len(destinations)),
		Deadline:    deadline,
		Status:      StatusInFlight,
	}
	for _, d := range destinations {
		p.Outstanding[d] = struct{}{}
	}
	return p
}

// acknowledge removes acker and reports whether the send is now complete.
func (p *PendingSend) acknowledge(acker int) bool {
	if p.Status != StatusInFlight {
		return false
	}
	if _, ok := p.Outstanding[acker]; !ok {
		return false
	}
	delete(p.Outstanding, acker)
	if len(p.Outstanding) == 0 {
		p.Status = StatusComplete
		return true
	}
	return false
}

// outstanding returns the unacknowledged destinations in ascending order.
func (p *PendingSend) outstanding() []int {
	ids := make([]int, 0, len(p.Outstanding))
	for id := range p.Outstanding {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// outcomeHistory remembers the final status of the most recent retired
// sends, evicting the oldest first.
type outcomeHistory struct {
	limit  int
	order  []string
	status map[string]Status
}

func newOutcomeHistory(limit int) *outcomeHistory {
	return &outcomeHistory{
		limit:  limit,
		status: make(map[string]Status, limit),
	}
}

func (h *outcomeHistory) record(id string, s Status) {
	if _, ok := h.status[id]; !ok {
		h.order = append(h.order, id)
	}
	h.status[id] = s
	for len(h.order) > h.limit {
		delete(h.status, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *outcomeHistory) lookup(id string) (Status, bool) {
	s, ok := h.status[id]
	return s, ok
}
