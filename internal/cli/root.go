package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/config"
)

// NewRootCmd creates the root trafficmon command.
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "trafficmon",
		Short: "Live visitor presence, visit logging and IP admission control",
		Long: `trafficmon tracks who is connected to a service, pushes presence
changes to every WebSocket observer, records each visit into a durable store
in batches, and gates inbound traffic by IP policy and a fixed window rate
limit.`,
		SilenceUsage: true,
	}
	g.addFlags(root)

	root.AddCommand(
		newServeCmd(g),
		newPolicyCmd(),
		newVisitsCmd(),
		newStatsCmd(),
		newConfigCmd(g),
		newSimulateCmd(),
	)

	return root
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func (g *globalOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "log format (text, json)")
}

// load reads the config file if one was given and applies the log flags
// that were set explicitly.
func (g *globalOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.LoadFile(g.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = g.logFormat
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg.
func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
