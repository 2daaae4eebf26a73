package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Nothing survives a restart; it backs
// tests and the "memory" driver for local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	visits   []Visit
	policies map[string]PolicyEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]PolicyEntry)}
}

func (s *MemoryStore) WriteBatch(_ context.Context, visits []Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range visits {
		s.nextID++
		v.ID = s.nextID
		s.visits = append(s.visits, v)
	}
	return nil
}

func (s *MemoryStore) RecentVisits(_ context.Context, limit int) ([]Visit, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	out := make([]Visit, len(s.visits))
	copy(out, s.visits)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PurgeVisits(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.visits[:0]
	var removed int64
	for _, v := range s.visits {
		if v.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	s.visits = kept
	return removed, nil
}

// VisitCount returns the number of stored visits.
func (s *MemoryStore) VisitCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.visits)
}

func (s *MemoryStore) SetPolicy(_ context.Context, e PolicyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[e.Address] = e
	return nil
}

func (s *MemoryStore) DeletePolicy(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[address]; !ok {
		return ErrNotFound
	}
	delete(s.policies, address)
	return nil
}

func (s *MemoryStore) Policies(_ context.Context, status PolicyStatus) ([]PolicyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PolicyEntry, 0, len(s.policies))
	for _, e := range s.policies {
		if status == "" || e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
