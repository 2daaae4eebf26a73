package cli

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/clock"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/config"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/gate"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/limiter"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/replay"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
)

func newVisitsReplayCmd(o *adminOptions) *cobra.Command {
	var (
		limit           int
		window          time.Duration
		maxVisits       int
		addrs           []string
		kinds           []string
		paths           []string
		after           string
		before          string
		ignorePolicy    bool
		verbose         bool
		credentialsFile string
		generate        = replay.DefaultGenerateOptions()
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay stored visits through the gate with a candidate limit",
		Long: `Reads visits from the store named by $` + config.CredentialsEnv + ` (or
--credentials-file) and feeds them, in timestamp order, through an admission
gate running on a virtual clock. The output shows which addresses the given
limit and window would have rate limited.

The store's IP policies apply unless --ignore-policy is set.

With --pattern the visits are synthesized instead (steady, burst or ramp)
and no store is needed.`,
		Example: `  trafficmon visits replay --limit 30 --window 1m
  trafficmon visits replay --limit 10 --addrs 203.0.113.7 --verbose
  trafficmon visits replay --kinds socket --after 2024-01-01T00:00:00Z --json
  trafficmon visits replay --pattern burst --count 400 --duration 2m --limit 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (limiter.Config{Backend: limiter.BackendMemory, Limit: limit, Window: window}).Validate(); err != nil {
				return err
			}
			filter := replay.Filter{Addrs: addrs, Kinds: kinds, Paths: paths}
			var err error
			if filter.After, err = parseTimeFlag("after", after); err != nil {
				return err
			}
			if filter.Before, err = parseTimeFlag("before", before); err != nil {
				return err
			}

			var (
				visits   []storage.Visit
				policies storage.PolicyStore = storage.NewMemoryStore()
			)
			if generate.Pattern != "" {
				if visits, err = replay.GenerateVisits(generate); err != nil {
					return err
				}
			} else {
				creds, err := config.LoadCredentials(credentialsFile)
				if err != nil {
					return err
				}
				store, err := storage.Open(cmd.Context(), creds)
				if err != nil {
					return fmt.Errorf("opening store: %w", err)
				}
				defer store.Close()

				if visits, err = store.RecentVisits(cmd.Context(), maxVisits); err != nil {
					return fmt.Errorf("reading visits: %w", err)
				}
				if !ignorePolicy {
					policies = store
				}
			}
			if len(visits) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no visits stored")
				return nil
			}

			// Start the clock at the oldest visit so its window is the first one.
			start := visits[0].Timestamp
			for _, v := range visits {
				if v.Timestamp.Before(start) {
					start = v.Timestamp
				}
			}
			vc := clock.NewVirtualClock(start)

			g := gate.New(limiter.NewFixedWindow(limit, window, vc), policies, vc,
				slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err := g.Load(cmd.Context()); err != nil {
				return err
			}

			var results []replay.Result
			summary, err := replay.New(g, vc, filter).Run(cmd.Context(), visits, func(r replay.Result) {
				if verbose {
					results = append(results, r)
				}
			})
			if err != nil {
				return err
			}

			if o.asJSON {
				out := struct {
					Limit   int             `json:"limit"`
					Window  string          `json:"window"`
					Summary *replay.Summary `json:"summary"`
					Results []replay.Result `json:"results,omitempty"`
				}{limit, window.String(), summary, results}
				return printJSON(cmd.OutOrStdout(), out)
			}
			printReplay(cmd.OutOrStdout(), limit, window, summary, results)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "candidate requests per address per window")
	cmd.Flags().DurationVar(&window, "window", time.Minute, "candidate window length")
	cmd.Flags().IntVar(&maxVisits, "max-visits", 10000, "most recent visits to load")
	cmd.Flags().StringSliceVar(&addrs, "addrs", nil, "only replay these addresses")
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "only replay these visit kinds (http, socket)")
	cmd.Flags().StringSliceVar(&paths, "paths", nil, "only replay visits whose path contains one of these")
	cmd.Flags().StringVar(&after, "after", "", "only replay visits after this RFC3339 time")
	cmd.Flags().StringVar(&before, "before", "", "only replay visits before this RFC3339 time")
	cmd.Flags().BoolVar(&ignorePolicy, "ignore-policy", false, "replay without the stored whitelist and blacklist")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print every verdict")
	cmd.Flags().StringVar(&credentialsFile, "credentials-file", "", "JSON store credentials file")
	cmd.Flags().StringVar(&generate.Pattern, "pattern", "", "synthesize visits with this pattern instead of reading the store")
	cmd.Flags().IntVar(&generate.Count, "count", generate.Count, "synthetic visits to generate")
	cmd.Flags().IntVar(&generate.Addrs, "addr-count", generate.Addrs, "distinct synthetic client addresses")
	cmd.Flags().DurationVar(&generate.Duration, "duration", generate.Duration, "time span of the synthetic visits")
	cmd.Flags().Int64Var(&generate.Seed, "seed", 0, "random seed for synthetic visits (0 = time based)")
	return cmd
}

func parseTimeFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

func printReplay(w io.Writer, limit int, window time.Duration, s *replay.Summary, results []replay.Result) {
	fmt.Fprintf(w, "=== Replay: %d per %s ===\n", limit, window)
	fmt.Fprintf(w, "visits: %d loaded, %d matched, %d replayed over %s\n",
		s.TotalVisits, s.Filtered, s.Replayed, s.Span)
	fmt.Fprintf(w, "verdicts: %d allowed, %d rate limited, %d blacklisted\n\n",
		s.Allowed, s.RateLimited, s.Blacklisted)

	for _, r := range results {
		status := "ALLOW"
		if !r.Verdict.Allowed {
			status = "DENY "
		}
		line := fmt.Sprintf("  %s [%s] addr=%s kind=%s", r.Visit.Timestamp.Format(time.RFC3339), status, r.Visit.RemoteAddr, r.Visit.Kind)
		if r.Verdict.Reason != gate.ReasonNone {
			line += " reason=" + string(r.Verdict.Reason)
		}
		fmt.Fprintln(w, line)
	}
	if len(results) > 0 {
		fmt.Fprintln(w)
	}

	addrs := make([]string, 0, len(s.PerAddr))
	for a := range s.PerAddr {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	fmt.Fprintln(w, "--- Per address ---")
	for _, a := range addrs {
		as := s.PerAddr[a]
		fmt.Fprintf(w, "  %s: %d allowed, %d rate limited, %d blacklisted\n", a, as.Allowed, as.RateLimited, as.Blacklisted)
	}
}
