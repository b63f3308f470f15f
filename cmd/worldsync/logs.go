package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/worldsync/internal/api"
)

func newLogsCommand(a *app) *cobra.Command {
	var limit int
	var clear bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List recent sync runs, or clear finished ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 || limit > api.MaxLogLimit {
				return fmt.Errorf("--limit must be between 1 and %d", api.MaxLogLimit)
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if clear {
				deleted, err := store.ClearSyncLogs(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "cleared %d entries\n", deleted)
				return nil
			}

			entries, err := store.ListSyncLogs(ctx, limit)
			if err != nil {
				return err
			}

			t := newTable(out)
			t.AppendHeader(table.Row{"Started", "Adapter", "Status", "Duration", "Fetched", "Upserted", "Error"})
			for _, e := range entries {
				duration := "-"
				if e.CompletedAt != nil {
					duration = e.CompletedAt.Sub(e.StartedAt).Round(time.Second).String()
				}
				t.AppendRow(table.Row{
					e.StartedAt.Local().Format(time.DateTime),
					e.Adapter,
					e.Status,
					duration,
					e.RecordsFetched,
					e.RecordsUpserted,
					errorText(&e),
				})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of entries to show")
	cmd.Flags().BoolVar(&clear, "clear", false, "Delete every finished entry")
	return cmd
}
