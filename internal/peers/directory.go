package peers

import (
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"
)

// Record stores what is known about one peer process.
type Record struct {
	ID           int
	Addr         *net.UDPAddr
	LastSeen     time.Time
	DiscoveredAt time.Time
}

// Directory maps process ids to their datagram addresses.
type Directory struct {
	self    int
	mu      sync.RWMutex
	log     *slog.Logger
	records map[int]*Record // process id -> Record
	now     func() time.Time
}

// NewDirectory creates an empty directory for process self.
func NewDirectory(self int, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{
		self:    self,
		log:     log.With("component", "peers"),
		records: make(map[int]*Record),
		now:     time.Now,
	}
}

// Add registers or re-addresses a peer. The local process is ignored.
func (d *Directory) Add(id int, addr *net.UDPAddr) {
	if id == d.self {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if record, exists := d.records[id]; exists {
		if addr != nil && !sameAddr(record.Addr, addr) {
			d.log.Info("peer address changed", "peer", id, "from", record.Addr, "to", addr)
			record.Addr = addr
		}
		return
	}
	d.records[id] = &Record{
		ID:           id,
		Addr:         addr,
		DiscoveredAt: now,
	}
	d.log.Debug("peer added", "peer", id, "addr", addr)
}

// Touch records traffic from id. A peer that was not configured is learned
// from the datagram's source address.
func (d *Directory) Touch(id int, from *net.UDPAddr) {
	if id == d.self {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	record, exists := d.records[id]
	if !exists {
		d.records[id] = &Record{ID: id, Addr: from, LastSeen: now, DiscoveredAt: now}
		d.log.Info("discovered peer", "peer", id, "addr", from)
		return
	}
	record.LastSeen = now
	if record.Addr == nil {
		record.Addr = from
	}
}

// Addr returns the address frames for id are sent to.
func (d *Directory) Addr(id int) (*net.UDPAddr, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	record, ok := d.records[id]
	if !ok || record.Addr == nil {
		return nil, false
	}
	return record.Addr, true
}

// Get returns a copy of the record for id.
func (d *Directory) Get(id int) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	record, ok := d.records[id]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// IDs returns the known peer ids in ascending order.
func (d *Directory) IDs() []int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]int, 0, len(d.records))
	for id := range d.records {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Records returns copies of all records ordered by id.
func (d *Directory) Records() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Record, 0, len(d.records))
	for _, r := range d.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
