// Package replay feeds logged visits back through an admission gate on a
// virtual clock, answering "who would a different limit have turned away".
package replay

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/clock"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/gate"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
)

// ErrNoVisits is returned by Run when it is given nothing to replay.
var ErrNoVisits = errors.New("replay: no visits to replay")

// Replayer replays visits through a gate. The gate must be built on the
// same virtual clock so that window boundaries follow the visit timestamps.
type Replayer struct {
	gate   *gate.Gate
	clock  *clock.VirtualClock
	filter Filter
}

// Result is the verdict one visit received during replay.
type Result struct {
	Visit   storage.Visit `json:"visit"`
	Verdict gate.Verdict  `json:"verdict"`
}

// Summary aggregates a replay.
type Summary struct {
	TotalVisits int                    `json:"total_visits"`
	Filtered    int                    `json:"filtered"`
	Replayed    int                    `json:"replayed"`
	Allowed     int                    `json:"allowed"`
	RateLimited int                    `json:"rate_limited"`
	Blacklisted int                    `json:"blacklisted"`
	Span        time.Duration          `json:"span"`
	PerAddr     map[string]AddrSummary `json:"per_addr"`
}

// AddrSummary has per-address counts.
type AddrSummary struct {
	Allowed     int `json:"allowed"`
	RateLimited int `json:"rate_limited"`
	Blacklisted int `json:"blacklisted"`
}

func New(g *gate.Gate, vc *clock.VirtualClock, filter Filter) *Replayer {
	return &Replayer{gate: g, clock: vc, filter: filter}
}

// Run replays visits in timestamp order, moving the virtual clock to each
// visit's timestamp before evaluating it. cb, if non-nil, sees every
// result. The input slice is not modified.
func (r *Replayer) Run(ctx context.Context, visits []storage.Visit, cb func(Result)) (*Summary, error) {
	if len(visits) == 0 {
		return nil, ErrNoVisits
	}

	sorted := make([]storage.Visit, len(visits))
	copy(sorted, visits)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var selected []storage.Visit
	for _, v := range sorted {
		if r.filter.Match(v) {
			selected = append(selected, v)
		}
	}

	summary := &Summary{
		TotalVisits: len(sorted),
		Filtered:    len(selected),
		PerAddr:     make(map[string]AddrSummary),
	}
	if len(selected) == 0 {
		return summary, nil
	}

	for _, v := range selected {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if v.Timestamp.After(r.clock.Now()) {
			r.clock.Set(v.Timestamp)
		}

		verdict := r.gate.Evaluate(ctx, v.RemoteAddr)
		summary.Replayed++
		as := summary.PerAddr[v.RemoteAddr]
		switch verdict.Reason {
		case gate.ReasonNone:
			summary.Allowed++
			as.Allowed++
		case gate.ReasonRateLimited:
			summary.RateLimited++
			as.RateLimited++
		case gate.ReasonBlacklisted:
			summary.Blacklisted++
			as.Blacklisted++
		}
		summary.PerAddr[v.RemoteAddr] = as

		if cb != nil {
			cb(Result{Visit: v, Verdict: verdict})
		}
	}

	summary.Span = selected[len(selected)-1].Timestamp.Sub(selected[0].Timestamp)
	return summary, nil
}
