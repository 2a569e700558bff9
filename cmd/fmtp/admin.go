package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newGCCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Purge deleted messages past the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, name, err := g.server()
			if err != nil {
				return err
			}
			n, err := srv.CollectGarbage(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d message(s) from %s\n", n, name)
			return nil
		},
	}
}

func newInspectCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show every stored message of a queue, acknowledged ones included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, name, err := g.server()
			if err != nil {
				return err
			}
			entries, err := srv.Summary(cmd.Context(), name)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "GUID\tCREATED\tDELETED\tCONTENT TYPE")
			for _, e := range entries {
				deleted := "-"
				if e.DeletedAt != nil {
					deleted = e.DeletedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.GUID, e.CreatedAt.Format(time.RFC3339), deleted, e.ContentType)
			}
			return tw.Flush()
		},
	}
}
