package main

import (
	"context"
	"fmt"

	"github.com/dispatchlab/taskdispatcher/internal/task"
	"github.com/spf13/cobra"
)

func newDrainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Report in-progress tasks left behind by a prior dispatcher process",
		Long: `Drain lists every task currently in_progress. These are tasks a
previous dispatcher process admitted but never committed closed or
blocked before exiting. The store never auto-recovers them on its own;
drain exists so an operator can inspect them and decide whether to
re-open them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(cmd.Context(), configPath)
		},
	}
}

func runDrain(ctx context.Context, configPath string) error {
	a, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ready, err := a.Store.ReadyTasks(ctx, 0)
	if err != nil {
		return fmt.Errorf("list ready tasks: %w", err)
	}
	fmt.Printf("%s %d ready task(s) remain queued\n", gray("info:"), len(ready))

	stats, err := a.Store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	inProgress := stats[task.StatusInProgress]
	if inProgress == 0 {
		fmt.Printf("%s no in_progress tasks left behind\n", green("ok:"))
		return nil
	}

	fmt.Printf("%s %d task(s) still in_progress from a prior run:\n", red("warn:"), inProgress)
	audit, err := a.Store.Audit(ctx, "", 0)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	// Audit is most recent first, so the first in_progress entry seen per
	// task is its latest; tasks that have since moved on are skipped.
	seen := make(map[string]bool)
	for _, entry := range audit {
		if entry.ToStatus != task.StatusInProgress || seen[entry.TaskID] {
			continue
		}
		seen[entry.TaskID] = true
		current, err := a.Store.Get(ctx, entry.TaskID)
		if err != nil || current.Status != task.StatusInProgress {
			continue
		}
		fmt.Printf("  - %s (last transition at %s)\n", entry.TaskID, entry.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}
