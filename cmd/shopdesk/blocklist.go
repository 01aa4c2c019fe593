package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newBlocklistCmd(opts *rootOptions) *cobra.Command {
	blockCmd := &cobra.Command{
		Use:   "blocklist",
		Short: "Manage senders whose mail never becomes a ticket",
	}

	var reason string
	addCmd := &cobra.Command{
		Use:   "add <address|@domain>",
		Short: "Block an address or a whole domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				if err := a.blocked.Add(cmd.Context(), args[0], reason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "blocked %s\n", args[0])
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&reason, "reason", "", "Note stored with the entry")

	removeCmd := &cobra.Command{
		Use:   "remove <address|@domain>",
		Short: "Unblock an address or domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				if err := a.blocked.Remove(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("unblock %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unblocked %s\n", args[0])
				return nil
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored and configured blocks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(a *app) error {
				entries, err := a.blocked.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SENDER\tSOURCE\tREASON")
				for _, s := range a.cfg.Support.BlockedSenders {
					fmt.Fprintf(tw, "%s\tconfig\t\n", s)
				}
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\tdatabase\t%s\n", e.Email, e.Reason)
				}
				return tw.Flush()
			})
		},
	}

	blockCmd.AddCommand(addCmd, removeCmd, listCmd)
	return blockCmd
}
