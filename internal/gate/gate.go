// Package gate makes the admission decision for an inbound address: the
// policy table is consulted first, then the fixed window rate limiter.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/clock"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/limiter"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
)

var (
	// ErrBlacklisted means the address is on the blacklist.
	ErrBlacklisted = errors.New("address is blacklisted")
	// ErrRateLimited means the address exceeded the ceiling for the
	// current window.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Reason says why a verdict denied admission.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonBlacklisted Reason = "blacklisted"
	ReasonRateLimited Reason = "rate_limited"
)

// Verdict is the outcome of Evaluate.
type Verdict struct {
	Address string `json:"address"`
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	// Decision is the limiter result. It is zero for blacklist denials,
	// which never touch the counter.
	Decision limiter.Decision `json:"decision"`
	// Degraded is set when the limiter failed and the address was
	// admitted without a rate check.
	Degraded bool `json:"degraded,omitempty"`
}

// Err returns nil for an allowed verdict and a *DeniedError otherwise.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return &DeniedError{Address: v.Address, Reason: v.Reason, RetryAt: v.Decision.RetryAt}
}

// DeniedError is a user-visible admission rejection. It unwraps to
// ErrBlacklisted or ErrRateLimited.
type DeniedError struct {
	Address string
	Reason  Reason
	RetryAt time.Time
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Address, e.Unwrap())
}

func (e *DeniedError) Unwrap() error {
	if e.Reason == ReasonBlacklisted {
		return ErrBlacklisted
	}
	return ErrRateLimited
}

// Gate holds the in-memory policy table and the rate limiter. The table
// is a write-through cache of the PolicyStore.
type Gate struct {
	limiter limiter.Limiter
	store   storage.PolicyStore
	clock   clock.Clock
	logger  *slog.Logger

	// writeMu serializes policy writes across the store call and the
	// table update, so the table always matches the last store write.
	writeMu sync.Mutex

	mu       sync.RWMutex
	policies map[string]storage.PolicyEntry
}

// New creates a gate with an empty policy table. Call Load to populate it
// from the store.
func New(lim limiter.Limiter, store storage.PolicyStore, c clock.Clock, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		limiter:  lim,
		store:    store,
		clock:    c,
		logger:   logger,
		policies: make(map[string]storage.PolicyEntry),
	}
}

// Load replaces the in-memory table with the store's contents.
func (g *Gate) Load(ctx context.Context) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	entries, err := g.store.Policies(ctx, "")
	if err != nil {
		return fmt.Errorf("loading policies: %w", err)
	}
	table := make(map[string]storage.PolicyEntry, len(entries))
	for _, e := range entries {
		table[e.Address] = e
	}
	g.mu.Lock()
	g.policies = table
	g.mu.Unlock()
	g.logger.Info("policy table loaded", "entries", len(table))
	return nil
}

// Evaluate decides whether addr is admitted. A blacklisted address is
// denied without incrementing its counter. Whitelisted addresses are still
// rate limited.
//
// If the limiter itself fails, the address is admitted and the verdict is
// marked Degraded.
func (g *Gate) Evaluate(ctx context.Context, addr string) Verdict {
	g.mu.RLock()
	entry, listed := g.policies[addr]
	g.mu.RUnlock()

	if listed && entry.Status == storage.StatusBlacklisted {
		return Verdict{Address: addr, Reason: ReasonBlacklisted}
	}

	d, err := g.limiter.Allow(ctx, addr)
	if err != nil {
		g.logger.Warn("rate limiter unavailable, admitting", "addr", addr, "error", err)
		return Verdict{Address: addr, Allowed: true, Degraded: true}
	}
	if !d.Allowed {
		return Verdict{Address: addr, Reason: ReasonRateLimited, Decision: d}
	}
	return Verdict{Address: addr, Allowed: true, Decision: d}
}

// SetStatus records status for addr. The store is written first; the
// table only changes once the write succeeded, and the next Evaluate sees
// it. Open connections are not affected.
func (g *Gate) SetStatus(ctx context.Context, addr string, status storage.PolicyStatus) error {
	if addr == "" {
		return errors.New("address is required")
	}
	if _, err := storage.ParsePolicyStatus(string(status)); err != nil {
		return err
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	entry := storage.PolicyEntry{Address: addr, Status: status, UpdatedAt: g.clock.Now().UTC()}
	if err := g.store.SetPolicy(ctx, entry); err != nil {
		return fmt.Errorf("saving policy for %s: %w", addr, err)
	}

	g.mu.Lock()
	g.policies[addr] = entry
	g.mu.Unlock()
	g.logger.Info("policy updated", "addr", addr, "status", status)
	return nil
}

// ClearStatus removes any policy for addr. It returns an error wrapping
// storage.ErrNotFound if there was none.
func (g *Gate) ClearStatus(ctx context.Context, addr string) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := g.store.DeletePolicy(ctx, addr); err != nil {
		return fmt.Errorf("clearing policy for %s: %w", addr, err)
	}
	g.mu.Lock()
	delete(g.policies, addr)
	g.mu.Unlock()
	g.logger.Info("policy cleared", "addr", addr)
	return nil
}

// Status returns the in-memory policy entry for addr.
func (g *Gate) Status(addr string) (storage.PolicyEntry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.policies[addr]
	return e, ok
}

// List returns policy entries with the given status, or all of them when
// status is empty, as recorded in the store.
func (g *Gate) List(ctx context.Context, status storage.PolicyStatus) ([]storage.PolicyEntry, error) {
	return g.store.Policies(ctx, status)
}

// Ping reports whether the limiter backend is reachable. In-memory
// limiters are always healthy.
func (g *Gate) Ping(ctx context.Context) error {
	if hc, ok := g.limiter.(limiter.HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}
