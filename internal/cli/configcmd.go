package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/config"
)

func newConfigCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with trafficmon config files",
	}

	example := &cobra.Command{
		Use:   "example [PATH]",
		Short: "Write an annotated example config",
		Long:  "Writes the example config to PATH, or to stdout when PATH is omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				_, err := fmt.Fprint(cmd.OutOrStdout(), config.Example)
				return err
			}
			if err := config.WriteExample(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load --config over the defaults and validate the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return nil
		},
	}

	cmd.AddCommand(example, validate)
	return cmd
}
