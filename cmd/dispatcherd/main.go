// Command dispatcherd runs the task dispatcher: a cooperative loop that
// pulls ready tasks from a durable store and fans them out to a cluster
// of heterogeneous LLM-serving compute hosts.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

var configPath string

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dispatcherd",
		Short: "Distributed task dispatcher for a cluster of LLM-serving hosts",
		Long: fmt.Sprintf(`%s

Routes tasks from a durable store to capability-matched compute hosts,
enforcing per-host concurrency limits, retry with backoff, and
per-host circuit breaking.`, gray("dispatcherd")),
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to dispatcher.yaml (defaults to built-in config)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newDrainCommand())
	root.AddCommand(newStatsCommand())
	root.AddCommand(newExportCommand())
	root.AddCommand(newImportCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dispatcherd %s\n", version)
		},
	}
}

const version = "0.1.0"
