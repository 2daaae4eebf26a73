package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/clock"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/limiter"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
)

var (
	epoch   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx     = context.Background()
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func newGate(limit int) (*Gate, *clock.VirtualClock, *storage.MemoryStore) {
	clk := clock.NewVirtualClock(epoch)
	store := storage.NewMemoryStore()
	g := New(limiter.NewFixedWindow(limit, time.Minute, clk), store, clk, discard)
	return g, clk, store
}

func TestGate_CeilingUnderConcurrency(t *testing.T) {
	g, _, _ := newGate(3)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		limited int
	)
	start := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v := g.Evaluate(ctx, "1.2.3.4")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case v.Allowed:
				allowed++
			case v.Reason == ReasonRateLimited:
				limited++
			}
		}()
	}
	close(start)
	wg.Wait()

	if allowed != 3 || limited != 1 {
		t.Errorf("allowed=%d limited=%d, want 3 and 1", allowed, limited)
	}
}

func TestGate_BlacklistAfterAllowInSameWindow(t *testing.T) {
	g, _, _ := newGate(100)

	if v := g.Evaluate(ctx, "6.6.6.6"); !v.Allowed {
		t.Fatalf("first Evaluate() = %+v, want allowed", v)
	}
	if err := g.SetStatus(ctx, "6.6.6.6", storage.StatusBlacklisted); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	v := g.Evaluate(ctx, "6.6.6.6")
	if v.Allowed || v.Reason != ReasonBlacklisted {
		t.Fatalf("Evaluate() after blacklist = %+v, want blacklisted", v)
	}
	if !errors.Is(v.Err(), ErrBlacklisted) {
		t.Errorf("Err() = %v, want ErrBlacklisted", v.Err())
	}
	var denied *DeniedError
	if !errors.As(v.Err(), &denied) || denied.Address != "6.6.6.6" {
		t.Errorf("Err() = %#v, want *DeniedError for 6.6.6.6", v.Err())
	}
}

func TestGate_BlacklistDoesNotIncrement(t *testing.T) {
	g, _, _ := newGate(1)
	g.SetStatus(ctx, "6.6.6.6", storage.StatusBlacklisted)
	for i := 0; i < 5; i++ {
		g.Evaluate(ctx, "6.6.6.6")
	}
	g.ClearStatus(ctx, "6.6.6.6")

	if v := g.Evaluate(ctx, "6.6.6.6"); !v.Allowed {
		t.Errorf("first hit after clearing = %+v, want allowed", v)
	}
}

func TestGate_WhitelistDoesNotBypassLimiter(t *testing.T) {
	g, _, _ := newGate(2)
	g.SetStatus(ctx, "1.1.1.1", storage.StatusWhitelisted)

	g.Evaluate(ctx, "1.1.1.1")
	g.Evaluate(ctx, "1.1.1.1")
	v := g.Evaluate(ctx, "1.1.1.1")
	if v.Allowed || v.Reason != ReasonRateLimited {
		t.Fatalf("third hit = %+v, want rate limited", v)
	}
	if !errors.Is(v.Err(), ErrRateLimited) {
		t.Errorf("Err() = %v, want ErrRateLimited", v.Err())
	}
	if v.Decision.RetryAt.IsZero() {
		t.Error("rate limited verdict should carry RetryAt")
	}
}

func TestGate_WindowBoundaryResets(t *testing.T) {
	g, clk, _ := newGate(1)

	g.Evaluate(ctx, "2.2.2.2")
	if v := g.Evaluate(ctx, "2.2.2.2"); v.Allowed {
		t.Fatal("second hit in window should be denied")
	}
	clk.Advance(time.Minute)
	if v := g.Evaluate(ctx, "2.2.2.2"); !v.Allowed {
		t.Errorf("hit in next window = %+v, want allowed", v)
	}
}

func TestGate_LoadAndWriteThrough(t *testing.T) {
	g, _, store := newGate(10)
	store.SetPolicy(ctx, storage.PolicyEntry{Address: "9.9.9.9", Status: storage.StatusBlacklisted, UpdatedAt: epoch})

	if v := g.Evaluate(ctx, "9.9.9.9"); !v.Allowed {
		t.Fatal("table should be empty before Load")
	}
	if err := g.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if v := g.Evaluate(ctx, "9.9.9.9"); v.Reason != ReasonBlacklisted {
		t.Errorf("Evaluate() after Load = %+v, want blacklisted", v)
	}

	g.SetStatus(ctx, "5.5.5.5", storage.StatusWhitelisted)
	listed, err := g.List(ctx, storage.StatusWhitelisted)
	if err != nil || len(listed) != 1 || listed[0].Address != "5.5.5.5" {
		t.Errorf("List(whitelisted) = %+v, %v", listed, err)
	}
	if !listed[0].UpdatedAt.Equal(epoch) {
		t.Errorf("UpdatedAt = %v, want clock time %v", listed[0].UpdatedAt, epoch)
	}

	if err := g.ClearStatus(ctx, "nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ClearStatus(nobody) error = %v, want ErrNotFound", err)
	}
}

type failingPolicyStore struct{ storage.PolicyStore }

func (failingPolicyStore) SetPolicy(context.Context, storage.PolicyEntry) error {
	return errors.New("disk full")
}

func TestGate_SetStatusStoreFailureLeavesTable(t *testing.T) {
	clk := clock.NewVirtualClock(epoch)
	g := New(limiter.NewFixedWindow(10, time.Minute, clk), failingPolicyStore{storage.NewMemoryStore()}, clk, discard)

	if err := g.SetStatus(ctx, "6.6.6.6", storage.StatusBlacklisted); err == nil {
		t.Fatal("SetStatus() should fail when the store does")
	}
	if _, ok := g.Status("6.6.6.6"); ok {
		t.Error("table changed despite failed store write")
	}
	if err := g.SetStatus(ctx, "6.6.6.6", "greylisted"); err == nil {
		t.Error("SetStatus() should reject an unknown status")
	}
}

// pausingPolicyStore blocks the first SetPolicy after it has written,
// until release is closed.
type pausingPolicyStore struct {
	*storage.MemoryStore
	once    sync.Once
	written chan struct{}
	release chan struct{}
}

func (s *pausingPolicyStore) SetPolicy(ctx context.Context, e storage.PolicyEntry) error {
	if err := s.MemoryStore.SetPolicy(ctx, e); err != nil {
		return err
	}
	s.once.Do(func() {
		close(s.written)
		<-s.release
	})
	return nil
}

func TestGate_ConcurrentWritesKeepTableInStep(t *testing.T) {
	clk := clock.NewVirtualClock(epoch)
	store := &pausingPolicyStore{
		MemoryStore: storage.NewMemoryStore(),
		written:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	g := New(limiter.NewFixedWindow(10, time.Minute, clk), store, clk, discard)

	setDone := make(chan error, 1)
	go func() { setDone <- g.SetStatus(ctx, "6.6.6.6", storage.StatusBlacklisted) }()
	<-store.written

	clearDone := make(chan error, 1)
	go func() { clearDone <- g.ClearStatus(ctx, "6.6.6.6") }()

	select {
	case err := <-clearDone:
		t.Fatalf("ClearStatus() returned %v while SetStatus was still writing", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)

	if err := <-setDone; err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := <-clearDone; err != nil {
		t.Fatalf("ClearStatus() error = %v", err)
	}

	stored, _ := store.Policies(ctx, "")
	_, inTable := g.Status("6.6.6.6")
	if len(stored) != 0 || inTable {
		t.Errorf("store entries = %d, table has entry = %v; want both cleared", len(stored), inTable)
	}
	if v := g.Evaluate(ctx, "6.6.6.6"); !v.Allowed {
		t.Errorf("Evaluate() after clear = %+v, want allowed", v)
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (limiter.Decision, error) {
	return limiter.Decision{}, errors.New("connection refused")
}

func (brokenLimiter) Ping(context.Context) error { return errors.New("connection refused") }

func TestGate_LimiterFailureAdmitsDegraded(t *testing.T) {
	clk := clock.NewVirtualClock(epoch)
	g := New(brokenLimiter{}, storage.NewMemoryStore(), clk, discard)

	v := g.Evaluate(ctx, "3.3.3.3")
	if !v.Allowed || !v.Degraded {
		t.Errorf("Evaluate() = %+v, want allowed and degraded", v)
	}
	if v.Err() != nil {
		t.Errorf("Err() = %v, want nil", v.Err())
	}
	if g.Ping(ctx) == nil {
		t.Error("Ping() should surface the limiter failure")
	}
}
