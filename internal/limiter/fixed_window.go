package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/clock"
)

// FixedWindow is the in-memory fixed window counter.
//
// Time is cut into windows aligned to the epoch. Each key has one counter
// per window; every hit increments it, and a hit that takes the counter
// past the limit is denied. Crossing a window boundary resets all
// counters to zero rather than sliding.
type FixedWindow struct {
	clock  clock.Clock
	limit  int
	window time.Duration

	mu      sync.Mutex
	current int64 // window the counts map belongs to
	counts  map[string]int
}

// NewFixedWindow creates a fixed window limiter allowing limit hits per key
// in each window.
func NewFixedWindow(limit int, window time.Duration, c clock.Clock) *FixedWindow {
	return &FixedWindow{
		clock:  c,
		limit:  limit,
		window: window,
		counts: make(map[string]int),
	}
}

func (fw *FixedWindow) Allow(_ context.Context, key string) (Decision, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	id := windowID(fw.clock.Now(), fw.window)
	if id != fw.current {
		// Every key shares the boundary, so the whole table is stale.
		fw.current = id
		clear(fw.counts)
	}

	fw.counts[key]++
	return decide(fw.counts[key], fw.limit, windowEnd(id, fw.window)), nil
}

// Len returns the number of keys tracked in the current window.
func (fw *FixedWindow) Len() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.counts)
}
