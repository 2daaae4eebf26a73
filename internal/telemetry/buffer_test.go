package telemetry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func visit(addr string) storage.Visit {
	return storage.Visit{RemoteAddr: addr, UserAgent: "ua", Timestamp: epoch, Kind: storage.KindHTTP, Path: "/"}
}

func TestBuffer_AppendDrain(t *testing.T) {
	b := NewBuffer(0, OverflowReject)
	b.Append(visit("1.1.1.1"))
	b.Append(visit("2.2.2.2"))

	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}
	got := b.Drain()
	if len(got) != 2 || got[0].RemoteAddr != "1.1.1.1" || got[1].RemoteAddr != "2.2.2.2" {
		t.Errorf("Drain() = %+v, want append order", got)
	}
	if b.Len() != 0 {
		t.Errorf("Len() after Drain = %d, want 0", b.Len())
	}
	if again := b.Drain(); len(again) != 0 {
		t.Errorf("second Drain() = %d entries, want 0", len(again))
	}
}

func TestBuffer_ConcurrentAppendsAllLand(t *testing.T) {
	b := NewBuffer(0, OverflowReject)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		drained []storage.Visit
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				b.Append(visit(fmt.Sprintf("%d.%d", i, j)))
				if j%7 == 0 {
					d := b.Drain()
					mu.Lock()
					drained = append(drained, d...)
					mu.Unlock()
				}
			}
		}(i)
	}
	wg.Wait()
	drained = append(drained, b.Drain()...)

	if len(drained) != 1000 {
		t.Fatalf("drained %d visits, want 1000", len(drained))
	}
	seen := make(map[string]bool, len(drained))
	for _, v := range drained {
		if seen[v.RemoteAddr] {
			t.Fatalf("visit %s drained twice", v.RemoteAddr)
		}
		seen[v.RemoteAddr] = true
	}
}

func TestBuffer_OverflowReject(t *testing.T) {
	b := NewBuffer(2, OverflowReject)
	b.Append(visit("a"))
	b.Append(visit("b"))

	if err := b.Append(visit("c")); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("Append() on full buffer error = %v, want ErrBufferFull", err)
	}
	got := b.Drain()
	if len(got) != 2 || got[1].RemoteAddr != "b" {
		t.Errorf("Drain() = %+v, want a and b", got)
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
	if err := b.Append(visit("d")); err != nil {
		t.Errorf("Append() after drain error = %v", err)
	}
}

func TestBuffer_OverflowDropOldest(t *testing.T) {
	b := NewBuffer(2, OverflowDropOldest)
	for _, a := range []string{"a", "b", "c", "d"} {
		if err := b.Append(visit(a)); err != nil {
			t.Fatalf("Append(%s) error = %v", a, err)
		}
	}
	got := b.Drain()
	if len(got) != 2 || got[0].RemoteAddr != "c" || got[1].RemoteAddr != "d" {
		t.Errorf("Drain() = %+v, want c and d", got)
	}
	if b.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", b.Dropped())
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	for _, s := range []string{"reject", "drop_oldest"} {
		if p, err := ParseOverflowPolicy(s); err != nil || string(p) != s {
			t.Errorf("ParseOverflowPolicy(%q) = %q, %v", s, p, err)
		}
	}
	if _, err := ParseOverflowPolicy("block"); err == nil {
		t.Error("ParseOverflowPolicy(block) should fail")
	}
}
