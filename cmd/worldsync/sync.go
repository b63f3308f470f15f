package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/worldsync/internal/progress"
)

func newSyncCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [adapter]",
		Short: "Run every adapter, or a single one, and wait for completion",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := a.newEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			events, cancel := e.events.Subscribe()
			done := make(chan struct{})
			go func() {
				defer close(done)
				printProgress(cmd.OutOrStdout(), events)
			}()

			var started bool
			if len(args) == 0 {
				started = e.scheduler.SyncAll(ctx)
			} else {
				started, err = e.scheduler.SyncOne(ctx, args[0])
			}
			cancel()
			<-done

			if err != nil {
				return err
			}
			if !started {
				return fmt.Errorf("a sync is already in progress")
			}

			statuses, err := e.scheduler.Status(ctx)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
}

func printProgress(w io.Writer, events <-chan progress.Event) {
	for ev := range events {
		switch ev.Status {
		case progress.StatusSyncing:
			fmt.Fprintf(w, "%-14s syncing\n", ev.Adapter)
		case progress.StatusIdle:
			fmt.Fprintf(w, "%-14s done (%d records)\n", ev.Adapter, ev.RecordCount)
		case progress.StatusError:
			fmt.Fprintf(w, "%-14s failed: %s\n", ev.Adapter, ev.ErrorMessage)
		}
	}
}
