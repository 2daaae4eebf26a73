package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/clock"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/gate"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/limiter"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
)

func newSimulateCmd() *cobra.Command {
	var (
		limit       int
		window      time.Duration
		requests    int
		addrs       []string
		blacklist   []string
		fastForward time.Duration
		outputJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Dry-run the admission gate against a virtual clock",
		Long: `Sends requests from a set of addresses through the admission gate
without a server, using a virtual clock so window resets happen instantly.

A first batch is evaluated, time is optionally fast-forwarded, then a second
batch shows whether the window reset.`,
		Example: `  trafficmon simulate --limit 3 --requests 4
  trafficmon simulate --limit 100 --window 1m --requests 120 --fast-forward 1m
  trafficmon simulate --addrs 203.0.113.1,203.0.113.2 --blacklist 203.0.113.2 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(addrs) == 0 {
				addrs = []string{"203.0.113.1"}
			}
			if err := (limiter.Config{Backend: limiter.BackendMemory, Limit: limit, Window: window}).Validate(); err != nil {
				return err
			}

			vc := clock.NewVirtualClock(time.Now().Truncate(window))
			g := gate.New(limiter.NewFixedWindow(limit, window, vc), storage.NewMemoryStore(), vc,
				slog.New(slog.NewTextHandler(io.Discard, nil)))
			for _, a := range blacklist {
				if err := g.SetStatus(cmd.Context(), a, storage.StatusBlacklisted); err != nil {
					return err
				}
			}

			result := runSimulation(cmd.Context(), vc, g, addrs, requests, fastForward)
			result.Limit = limit
			result.Window = window.String()

			if outputJSON {
				return printJSON(cmd.OutOrStdout(), result)
			}
			printSimulation(cmd.OutOrStdout(), &result)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "requests allowed per address per window")
	cmd.Flags().DurationVar(&window, "window", time.Minute, "fixed window length")
	cmd.Flags().IntVar(&requests, "requests", 5, "requests per address per batch")
	cmd.Flags().StringSliceVar(&addrs, "addrs", nil, "comma-separated client addresses")
	cmd.Flags().StringSliceVar(&blacklist, "blacklist", nil, "addresses to blacklist before the run")
	cmd.Flags().DurationVar(&fastForward, "fast-forward", 0, "virtual time to skip between batches")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")

	return cmd
}

// SimulationResult captures the full output of a simulation run.
type SimulationResult struct {
	Limit       int                `json:"limit"`
	Window      string             `json:"window"`
	FastForward string             `json:"fast_forward,omitempty"`
	Batches     []BatchResult      `json:"batches"`
	Summary     map[string]Summary `json:"summary"`
}

// BatchResult captures the verdicts of one batch.
type BatchResult struct {
	Label    string          `json:"label"`
	Time     string          `json:"time"`
	Verdicts []VerdictRecord `json:"verdicts"`
}

// VerdictRecord is one admission decision.
type VerdictRecord struct {
	Addr      string `json:"addr"`
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Remaining int    `json:"remaining"`
}

// Summary aggregates verdicts per address.
type Summary struct {
	Total       int `json:"total"`
	Allowed     int `json:"allowed"`
	RateLimited int `json:"rate_limited"`
	Blacklisted int `json:"blacklisted"`
}

func runSimulation(ctx context.Context, vc *clock.VirtualClock, g *gate.Gate, addrs []string, requests int, fastForward time.Duration) SimulationResult {
	result := SimulationResult{Summary: make(map[string]Summary)}

	batch := func(label string) BatchResult {
		b := BatchResult{Label: label, Time: vc.Now().Format(time.RFC3339)}
		for i := 0; i < requests; i++ {
			for _, a := range addrs {
				v := g.Evaluate(ctx, a)
				b.Verdicts = append(b.Verdicts, VerdictRecord{
					Addr:      a,
					Allowed:   v.Allowed,
					Reason:    string(v.Reason),
					Remaining: v.Decision.Remaining,
				})
				s := result.Summary[a]
				s.Total++
				switch v.Reason {
				case gate.ReasonNone:
					s.Allowed++
				case gate.ReasonRateLimited:
					s.RateLimited++
				case gate.ReasonBlacklisted:
					s.Blacklisted++
				}
				result.Summary[a] = s
			}
		}
		return b
	}

	result.Batches = append(result.Batches, batch("Initial requests"))
	if fastForward > 0 {
		vc.Advance(fastForward)
		result.FastForward = fastForward.String()
		result.Batches = append(result.Batches, batch(fmt.Sprintf("After fast-forward %s", fastForward)))
	}
	return result
}

func printSimulation(w io.Writer, r *SimulationResult) {
	fmt.Fprintf(w, "=== Admission simulation: %d per %s ===\n\n", r.Limit, r.Window)

	for _, b := range r.Batches {
		fmt.Fprintf(w, "--- %s (at %s) ---\n", b.Label, b.Time)
		for i, v := range b.Verdicts {
			status := "ALLOW"
			if !v.Allowed {
				status = "DENY "
			}
			line := fmt.Sprintf("  #%03d [%s] addr=%s", i+1, status, v.Addr)
			if v.Reason != "" {
				line += " reason=" + v.Reason
			} else {
				line += fmt.Sprintf(" remaining=%d", v.Remaining)
			}
			fmt.Fprintln(w, line)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "--- Summary ---")
	for addr, s := range r.Summary {
		fmt.Fprintf(w, "  %s: %d total, %d allowed, %d rate limited, %d blacklisted\n",
			addr, s.Total, s.Allowed, s.RateLimited, s.Blacklisted)
	}
	if r.FastForward != "" {
		fmt.Fprintf(w, "\n%s\nfast-forwarded %s\n", strings.Repeat("=", 40), r.FastForward)
	}
}
