package cli

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/config"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/telemetry"
)

func newVisitsCmd() *cobra.Command {
	o := &adminOptions{}
	cmd := &cobra.Command{
		Use:   "visits",
		Short: "Inspect and maintain the visit log",
		Example: `  trafficmon visits recent --limit 20
  trafficmon visits purge
  trafficmon visits flush
  trafficmon visits replay-deadletter deadletter.ndjson
  trafficmon visits replay --limit 30 --window 1m`,
	}
	o.addFlags(cmd)

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recent stored visits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			var visits []storage.Visit
			if err := c.do(cmd.Context(), http.MethodGet, "/admin/visits?limit="+strconv.Itoa(limit), nil, &visits); err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), visits)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tKIND\tIP\tLOCATION\tUSER AGENT")
			for _, v := range visits {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s, %s\t%s\n",
					v.Timestamp.Format(time.RFC3339), v.Kind, v.RemoteAddr,
					v.Location.City, v.Location.Country, v.UserAgent)
			}
			return tw.Flush()
		},
	}
	recent.Flags().IntVar(&limit, "limit", 50, "number of visits to show (max 500)")

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete visits older than the server's retention horizon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			var out struct {
				Removed int64     `json:"removed"`
				Before  time.Time `json:"before"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/admin/visits/purge", nil, &out); err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d visits older than %s\n", out.Removed, out.Before.Format(time.RFC3339))
			return nil
		},
	}

	flush := &cobra.Command{
		Use:   "flush",
		Short: "Write buffered visits to the store now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			var out struct {
				Telemetry telemetry.Stats `json:"telemetry"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/admin/flush", nil, &out); err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "flushed; %d visits stored in %d batches so far\n", out.Telemetry.Flushed, out.Telemetry.Batches)
			return nil
		},
	}

	var credentialsFile string
	replay := &cobra.Command{
		Use:   "replay-deadletter FILE",
		Short: "Write dead-lettered visit batches back into the store",
		Long: `Reads an NDJSON dead-letter file written by the flusher and writes each
batch to the store named by $` + config.CredentialsEnv + ` (or
--credentials-file). Run it once the store is healthy again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			letters, err := telemetry.ReadDeadLetters(f)
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}

			creds, err := config.LoadCredentials(credentialsFile)
			if err != nil {
				return err
			}
			store, err := storage.Open(cmd.Context(), creds)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer store.Close()

			total := 0
			for i, dl := range letters {
				if err := store.WriteBatch(cmd.Context(), dl.Visits); err != nil {
					return fmt.Errorf("batch %d: %w (%d visits already written)", i+1, err, total)
				}
				total += len(dl.Visits)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d batches, %d visits\n", len(letters), total)
			return nil
		},
	}
	replay.Flags().StringVar(&credentialsFile, "credentials-file", "", "JSON store credentials file")

	cmd.AddCommand(recent, purge, flush, replay, newVisitsReplayCmd(o))
	return cmd
}

func newStatsCmd() *cobra.Command {
	o := &adminOptions{}
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show presence and telemetry counters of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			var out map[string]any
			if err := c.do(cmd.Context(), http.MethodGet, "/admin/stats", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	o.addFlags(cmd)
	return cmd
}
