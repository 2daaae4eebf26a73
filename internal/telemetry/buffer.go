// Package telemetry decouples visit logging from the durable store. Request
// and connection handlers Append into a Buffer; a single Flusher drains it
// on a fixed interval and writes each drain as one batch.
package telemetry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
)

// ErrBufferFull is returned by Append when a bounded buffer using the
// reject policy is at capacity.
var ErrBufferFull = errors.New("telemetry: buffer full")

// OverflowPolicy decides what a full buffer does with a new entry.
type OverflowPolicy string

const (
	// OverflowReject refuses the new entry with ErrBufferFull.
	OverflowReject OverflowPolicy = "reject"
	// OverflowDropOldest evicts the oldest pending entry.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// ParseOverflowPolicy validates s.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case OverflowReject, OverflowDropOldest:
		return OverflowPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q, must be reject or drop_oldest", s)
	}
}

// Buffer is the pending visit queue. Many goroutines may Append
// concurrently; Drain takes everything in one step, so an Append racing a
// Drain lands wholly in the drained batch or wholly in the fresh buffer.
type Buffer struct {
	mu       sync.Mutex
	entries  []storage.Visit
	capacity int
	policy   OverflowPolicy
	dropped  uint64
}

// NewBuffer creates a buffer. capacity <= 0 means unbounded.
func NewBuffer(capacity int, policy OverflowPolicy) *Buffer {
	if policy == "" {
		policy = OverflowReject
	}
	return &Buffer{capacity: capacity, policy: policy}
}

// Append enqueues v. It never blocks; it fails only when the buffer is
// bounded, full, and configured to reject.
func (b *Buffer) Append(v storage.Visit) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity > 0 && len(b.entries) >= b.capacity {
		if b.policy == OverflowReject {
			b.dropped++
			return ErrBufferFull
		}
		b.entries[0] = storage.Visit{}
		b.entries = b.entries[1:]
		b.dropped++
	}
	b.entries = append(b.entries, v)
	return nil
}

// Drain removes and returns every pending entry in append order.
func (b *Buffer) Drain() []storage.Visit {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries
	b.entries = nil
	return out
}

// Len returns the number of pending entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped returns how many entries were rejected or evicted on overflow.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
