package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/clock"
)

var (
	epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx   = context.Background()
)

func allow(t *testing.T, l Limiter, key string) Decision {
	t.Helper()
	d, err := l.Allow(ctx, key)
	if err != nil {
		t.Fatalf("Allow(%q) error = %v", key, err)
	}
	return d
}

func TestFixedWindow_BasicAllow(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	fw := NewFixedWindow(5, time.Minute, vc)

	d := allow(t, fw, "1.2.3.4")
	if !d.Allowed {
		t.Error("first request should be allowed")
	}
	if d.Remaining != 4 {
		t.Errorf("Remaining = %d, want 4", d.Remaining)
	}
	if d.Limit != 5 {
		t.Errorf("Limit = %d, want 5", d.Limit)
	}
	if !d.ResetAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, epoch.Add(time.Minute))
	}
}

func TestFixedWindow_FourthRequestDenied(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	fw := NewFixedWindow(3, time.Minute, vc)

	for i := 0; i < 3; i++ {
		if d := allow(t, fw, "1.2.3.4"); !d.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	d := allow(t, fw, "1.2.3.4")
	if d.Allowed {
		t.Fatal("4th request should be denied")
	}
	if d.Count != 4 {
		t.Errorf("Count = %d, want 4", d.Count)
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}
	if !d.RetryAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("RetryAt = %v, want next window start", d.RetryAt)
	}
}

func TestFixedWindow_ResetsAtBoundaryNotSliding(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	fw := NewFixedWindow(2, time.Minute, vc)

	// Two hits late in the first window.
	vc.Advance(50 * time.Second)
	allow(t, fw, "1.2.3.4")
	allow(t, fw, "1.2.3.4")
	if d := allow(t, fw, "1.2.3.4"); d.Allowed {
		t.Fatal("should be denied in the first window")
	}

	// Ten seconds later a new window has started, so the counter is zero
	// even though a sliding window would still see the earlier hits.
	vc.Advance(10 * time.Second)
	d := allow(t, fw, "1.2.3.4")
	if !d.Allowed {
		t.Fatal("should be allowed in the new window")
	}
	if d.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1", d.Remaining)
	}
}

func TestFixedWindow_SeparateKeys(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	fw := NewFixedWindow(1, time.Minute, vc)

	allow(t, fw, "10.0.0.1")
	if d := allow(t, fw, "10.0.0.1"); d.Allowed {
		t.Error("10.0.0.1 should be denied")
	}
	if d := allow(t, fw, "10.0.0.2"); !d.Allowed {
		t.Error("10.0.0.2 should be allowed (separate counter)")
	}
}

func TestFixedWindow_DropsStaleKeys(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	fw := NewFixedWindow(10, time.Minute, vc)

	allow(t, fw, "a")
	allow(t, fw, "b")
	if fw.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", fw.Len())
	}

	vc.Advance(3 * time.Minute)
	allow(t, fw, "c")
	if fw.Len() != 1 {
		t.Errorf("Len() after boundary = %d, want 1", fw.Len())
	}
}

func TestFixedWindow_ConcurrentCeiling(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	fw := NewFixedWindow(3, time.Minute, vc)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		denied  int
	)
	start := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, _ := fw.Allow(ctx, "1.2.3.4")
			mu.Lock()
			defer mu.Unlock()
			if d.Allowed {
				allowed++
			} else {
				denied++
			}
		}()
	}
	close(start)
	wg.Wait()

	if allowed != 3 || denied != 1 {
		t.Errorf("allowed=%d denied=%d, want 3 and 1", allowed, denied)
	}
}

func TestConfig_Validate(t *testing.T) {
	good := Config{Backend: BackendMemory, Limit: 100, Window: time.Minute}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	bad := []Config{
		{Backend: BackendMemory, Limit: 0, Window: time.Minute},
		{Backend: BackendMemory, Limit: 1, Window: 0},
		{Backend: "etcd", Limit: 1, Window: time.Minute},
	}
	for _, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("Validate(%+v) should fail", c)
		}
	}
}

func TestFixedWindow_ImplementsLimiter(t *testing.T) {
	var _ Limiter = NewFixedWindow(10, time.Minute, clock.NewVirtualClock(epoch))
}
