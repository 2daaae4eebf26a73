// Package presence holds the set of open connections and fans every change
// out to attached observers.
//
// All mutations go through a single mutex. The snapshot for a mutation is
// built and delivered to observers before the lock is released, so every
// observer sees snapshots in mutation order and never two at once.
package presence

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/clock"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/geo"
)

// ErrDuplicateIdentity is returned by Open when the id is already present.
var ErrDuplicateIdentity = errors.New("presence: duplicate connection identity")

// ConnectionRecord describes one open connection. Records are never
// modified after Open.
type ConnectionRecord struct {
	ID          string        `json:"id"`
	RemoteAddr  string        `json:"ip"`
	UserAgent   string        `json:"userAgent"`
	ConnectedAt time.Time     `json:"connectedAt"`
	Location    *geo.Location `json:"location,omitempty"`
}

// Snapshot is the directory state right after mutation Seq. Connections is
// shared between observers and must be treated as read-only.
type Snapshot struct {
	Seq         uint64             `json:"seq"`
	Connections []ConnectionRecord `json:"connections"`
}

// Visitor is the broadcast view of a connection.
type Visitor struct {
	IP        string        `json:"ip"`
	UserAgent string        `json:"userAgent"`
	Location  *geo.Location `json:"location,omitempty"`
}

// Visitors projects the snapshot to its broadcast payload. Location is
// included only when withLocation is set.
func (s Snapshot) Visitors(withLocation bool) []Visitor {
	out := make([]Visitor, len(s.Connections))
	for i, c := range s.Connections {
		out[i] = Visitor{IP: c.RemoteAddr, UserAgent: c.UserAgent}
		if withLocation {
			out[i].Location = c.Location
		}
	}
	return out
}

// Observer receives a snapshot after every Open and Close. Observe runs
// while the directory lock is held: it must not block and must not call
// back into the Directory.
type Observer interface {
	Observe(Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Snapshot)

func (f ObserverFunc) Observe(s Snapshot) { f(s) }

type attached struct {
	id  uint64
	obs Observer
}

// Directory maps connection ids to their records.
type Directory struct {
	clock clock.Clock

	mu        sync.Mutex
	conns     map[string]ConnectionRecord
	observers []attached
	nextObs   uint64
	seq       uint64
}

// NewDirectory creates an empty directory. c stamps ConnectedAt.
func NewDirectory(c clock.Clock) *Directory {
	if c == nil {
		c = clock.NewRealClock()
	}
	return &Directory{
		clock: c,
		conns: make(map[string]ConnectionRecord),
	}
}

// Open registers a connection and broadcasts the new snapshot.
func (d *Directory) Open(id, remoteAddr, userAgent string, loc *geo.Location) (ConnectionRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.conns[id]; ok {
		return ConnectionRecord{}, fmt.Errorf("open %q: %w", id, ErrDuplicateIdentity)
	}
	if loc != nil {
		l := *loc
		loc = &l
	}
	rec := ConnectionRecord{
		ID:          id,
		RemoteAddr:  remoteAddr,
		UserAgent:   userAgent,
		ConnectedAt: d.clock.Now(),
		Location:    loc,
	}
	d.conns[id] = rec
	d.broadcastLocked()
	return rec, nil
}

// Close removes a connection and broadcasts the new snapshot. Closing an
// unknown id is a no-op that broadcasts nothing; the result reports whether
// the id was present.
func (d *Directory) Close(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.conns[id]; !ok {
		return false
	}
	delete(d.conns, id)
	d.broadcastLocked()
	return true
}

// Get returns the record for id.
func (d *Directory) Get(id string) (ConnectionRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.conns[id]
	return rec, ok
}

// Len returns the number of open connections.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Snapshot returns a copy of the current state.
func (d *Directory) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// Attach registers obs for every mutation from now on. Nothing is replayed.
// The returned func detaches it and is safe to call more than once.
func (d *Directory) Attach(obs Observer) (detach func()) {
	d.mu.Lock()
	d.nextObs++
	id := d.nextObs
	d.observers = append(d.observers, attached{id: id, obs: obs})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, a := range d.observers {
				if a.id == id {
					d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Observers returns the number of attached observers.
func (d *Directory) Observers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers)
}

func (d *Directory) snapshotLocked() Snapshot {
	conns := make([]ConnectionRecord, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
	})
	return Snapshot{Seq: d.seq, Connections: conns}
}

// broadcastLocked must be called with d.mu held, after the mutation.
func (d *Directory) broadcastLocked() {
	d.seq++
	snap := d.snapshotLocked()
	for _, a := range d.observers {
		a.obs.Observe(snap)
	}
}
