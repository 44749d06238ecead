package process

import (
	"fmt"
	"sync"
	"time"
)

const defaultEventLogSize = 1000

type EventKind string

const (
	EventSystem  EventKind = "SYSTEM"
	EventSend    EventKind = "SEND"
	EventDeliver EventKind = "DELIVER"
	EventFailed  EventKind = "FAILED"
)

// Event is one line of the process history.
type Event struct {
	Time    time.Time
	Kind    EventKind
	Lamport uint64
	Text    string
}

func (e Event) String() string {
	return fmt.Sprintf("%s [%s] L=%d %s", e.Time.Format("15:04:05.000"), e.Kind, e.Lamport, e.Text)
}

// EventLog keeps the most recent events in a fixed-size ring.
type EventLog struct {
	mu     sync.Mutex
	events []Event
	start  int
	count  int
}

func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = defaultEventLogSize
	}
	return &EventLog{events: make([]Event, size)}
}

func (l *EventLog) Add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := (l.start + l.count) % len(l.events)
	l.events[idx] = e
	if l.count < len(l.events) {
		l.count++
	} else {
		l.start = (l.start + 1) % len(l.events)
	}
}

// Recent returns up to n of the newest events, oldest first. n <= 0 returns
// everything retained.
func (l *EventLog) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > l.count {
		n = l.count
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = l.events[(l.start+l.count-n+i)%len(l.events)]
	}
	return out
}

func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
