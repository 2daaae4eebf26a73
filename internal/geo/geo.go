// Package geo resolves a client address to a coarse location. Lookups are
// best effort: callers go through Enrich, which bounds the call by a
// timeout and substitutes Unknown on any failure.
package geo

import (
	"context"
	"log/slog"
	"net"
	"time"
)

const unknown = "Unknown"

// Location is the enrichment attached to a connection and a visit.
type Location struct {
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
	Org     string `json:"org"`
}

// Unknown is the sentinel used whenever a lookup fails or times out.
var Unknown = Location{City: unknown, Region: unknown, Country: unknown, Org: unknown}

// IsUnknown reports whether l carries no information.
func (l Location) IsUnknown() bool {
	return l == Unknown || l == Location{}
}

// Lookuper resolves an address to a location.
type Lookuper interface {
	Lookup(ctx context.Context, addr string) (Location, error)
}

// LookupFunc adapts a function to Lookuper.
type LookupFunc func(ctx context.Context, addr string) (Location, error)

func (f LookupFunc) Lookup(ctx context.Context, addr string) (Location, error) {
	return f(ctx, addr)
}

// Enrich looks addr up with at most timeout of latency. Errors, timeouts,
// a nil Lookuper and non-routable addresses all yield Unknown. A lookup
// abandoned on timeout delivers into a buffered channel nobody reads.
func Enrich(ctx context.Context, l Lookuper, addr string, timeout time.Duration, logger *slog.Logger) Location {
	if l == nil || !Routable(addr) {
		return Unknown
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		loc Location
		err error
	}
	done := make(chan result, 1)
	go func() {
		loc, err := l.Lookup(ctx, addr)
		done <- result{loc, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if logger != nil {
				logger.Warn("geolocation lookup failed", "addr", addr, "error", r.err)
			}
			return Unknown
		}
		return fill(r.loc)
	case <-ctx.Done():
		if logger != nil {
			logger.Warn("geolocation lookup timed out", "addr", addr, "timeout", timeout)
		}
		return Unknown
	}
}

// Routable reports whether addr is a public IP worth looking up.
func Routable(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast())
}

// fill replaces empty fields with "Unknown".
func fill(l Location) Location {
	if l.City == "" {
		l.City = unknown
	}
	if l.Region == "" {
		l.Region = unknown
	}
	if l.Country == "" {
		l.Country = unknown
	}
	if l.Org == "" {
		l.Org = unknown
	}
	return l
}
