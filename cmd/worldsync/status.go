package main

import (
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/worldsync/internal/db"
	"github.com/livinlefevreloca/worldsync/internal/scheduler"
)

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the latest run of every adapter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.newEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			statuses, err := e.scheduler.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
}

// newTable returns a light-styled table writer that renders to w
func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func printStatus(w io.Writer, statuses []scheduler.AdapterStatus) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Adapter", "State", "Started", "Fetched", "Upserted", "Error"})

	for _, st := range statuses {
		if st.Latest == nil {
			t.AppendRow(table.Row{st.Adapter, "never", "-", "-", "-", ""})
			continue
		}
		t.AppendRow(table.Row{
			st.Adapter,
			st.Latest.Status,
			st.Latest.StartedAt.Local().Format(time.DateTime),
			st.Latest.RecordsFetched,
			st.Latest.RecordsUpserted,
			errorText(st.Latest),
		})
	}

	t.Render()
}

func errorText(e *db.SyncLogEntry) string {
	if e.ErrorMessage == nil {
		return ""
	}
	return *e.ErrorMessage
}
