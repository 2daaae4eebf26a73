// Package limiter implements fixed window rate limiting keyed by client
// address, with an in-memory backend and a Redis backend.
package limiter

import (
	"context"
	"fmt"
	"time"
)

// Backend identifies where window counters live.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Limiter counts hits per key in non-overlapping fixed windows.
type Limiter interface {
	// Allow records one hit for key in the current window and reports
	// whether the hit stayed within the ceiling. The increment and the
	// comparison are a single atomic step per key.
	Allow(ctx context.Context, key string) (Decision, error)
}

// HealthChecker is implemented by limiters backed by an external service.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Decision captures the result of one hit.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Count     int       `json:"count"`     // Hits recorded in the current window, this one included
	Limit     int       `json:"limit"`     // Ceiling per window
	Remaining int       `json:"remaining"` // Hits left before denial
	ResetAt   time.Time `json:"reset_at"`  // Start of the next window
	RetryAt   time.Time `json:"retry_at,omitempty"`
}

// Config holds the parameters for creating a limiter.
type Config struct {
	Backend Backend       `yaml:"backend"`
	Limit   int           `yaml:"limit"`  // Hits allowed per window
	Window  time.Duration `yaml:"window"` // Fixed window length
}

// Validate checks that the window and ceiling are usable.
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	switch c.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown limiter backend %q, must be one of: memory, redis", c.Backend)
	}
	return nil
}

// windowID returns a numeric identifier for the fixed window containing t.
// Windows are aligned to the Unix epoch so every key shares boundaries.
func windowID(t time.Time, window time.Duration) int64 {
	return t.UnixNano() / int64(window)
}

func windowEnd(id int64, window time.Duration) time.Time {
	return time.Unix(0, (id+1)*int64(window))
}

func decide(count, limit int, resetAt time.Time) Decision {
	d := Decision{
		Allowed: count <= limit,
		Count:   count,
		Limit:   limit,
		ResetAt: resetAt,
	}
	if d.Allowed {
		d.Remaining = limit - count
	} else {
		d.RetryAt = resetAt
	}
	return d
}
