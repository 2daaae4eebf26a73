package replay

import (
	"slices"
	"strings"
	"time"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
)

// Filter selects which stored visits a replay feeds to the gate.
type Filter struct {
	Addrs  []string  // only these client addresses (empty = all)
	Kinds  []string  // only these visit kinds (empty = all)
	Paths  []string  // path substrings (empty = all)
	After  time.Time // only visits after this time (zero = no limit)
	Before time.Time // only visits before this time (zero = no limit)
}

// Match reports whether v passes the filter.
func (f *Filter) Match(v storage.Visit) bool {
	if len(f.Addrs) > 0 && !slices.Contains(f.Addrs, v.RemoteAddr) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, v.Kind) {
		return false
	}
	if len(f.Paths) > 0 && !matchPath(f.Paths, v.Path) {
		return false
	}
	if !f.After.IsZero() && !v.Timestamp.After(f.After) {
		return false
	}
	if !f.Before.IsZero() && !v.Timestamp.Before(f.Before) {
		return false
	}
	return true
}

func matchPath(patterns []string, path string) bool {
	for _, p := range patterns {
		if p == path || strings.Contains(path, p) {
			return true
		}
	}
	return false
}
