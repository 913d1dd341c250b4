package main

import (
	"context"
	"fmt"

	"github.com/dispatchlab/taskdispatcher/internal/task"
	"github.com/spf13/cobra"
)

func newStatsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print task counts by status and recent audit transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), configPath, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "recent", 20, "number of recent audit transitions to print (0 for all)")
	return cmd
}

var statusOrder = []task.Status{
	task.StatusOpen,
	task.StatusInProgress,
	task.StatusClosed,
	task.StatusBlocked,
}

func runStats(ctx context.Context, configPath string, limit int) error {
	a, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	snapshot, err := a.Store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	fmt.Println(gray("task counts by status:"))
	for _, status := range statusOrder {
		fmt.Printf("  %-12s %d\n", status, snapshot[status])
	}

	audit, err := a.Store.Audit(ctx, "", limit)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	if len(audit) == 0 {
		return nil
	}

	fmt.Printf("\n%s\n", gray("recent transitions:"))
	for _, entry := range audit {
		line := fmt.Sprintf("  %s  %s -> %s  %s", entry.Timestamp.Format("2006-01-02T15:04:05Z07:00"), entry.FromStatus, entry.ToStatus, entry.TaskID)
		if entry.ToStatus == task.StatusBlocked {
			fmt.Println(red(line))
		} else {
			fmt.Println(line)
		}
	}
	return nil
}
