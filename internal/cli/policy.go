package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
)

func newPolicyCmd() *cobra.Command {
	o := &adminOptions{}
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage IP whitelist and blacklist entries on a running server",
		Example: `  trafficmon policy set 203.0.113.7 blacklisted
  trafficmon policy clear 203.0.113.7
  trafficmon policy list --status blacklisted`,
	}
	o.addFlags(cmd)

	set := &cobra.Command{
		Use:   "set ADDRESS STATUS",
		Short: "Set an address to whitelisted or blacklisted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := storage.ParsePolicyStatus(args[1])
			if err != nil {
				return err
			}
			c, err := o.client()
			if err != nil {
				return err
			}
			var entry storage.PolicyEntry
			body := map[string]string{"status": string(status)}
			if err := c.do(cmd.Context(), http.MethodPut, "/admin/policy/"+url.PathEscape(args[0]), body, &entry); err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), entry)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", entry.Address, entry.Status)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear ADDRESS",
		Short: "Remove the policy for an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodDelete, "/admin/policy/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared policy for %s\n", args[0])
			return nil
		},
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List policy entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/admin/policy"
			if status != "" {
				if _, err := storage.ParsePolicyStatus(status); err != nil {
					return err
				}
				path += "?status=" + url.QueryEscape(status)
			}
			c, err := o.client()
			if err != nil {
				return err
			}
			var entries []storage.PolicyEntry
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &entries); err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ADDRESS\tSTATUS\tUPDATED")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Address, e.Status, e.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "", "only list whitelisted or blacklisted entries")

	cmd.AddCommand(set, clearCmd, list)
	return cmd
}
