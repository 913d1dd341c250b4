package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newImportCommand() *cobra.Command {
	var inPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import tasks from a JSON-Lines file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), configPath, inPath)
		},
	}
	cmd.Flags().StringVarP(&inPath, "in", "i", "", "input file (defaults to stdin)")
	return cmd
}

func runImport(ctx context.Context, configPath, inPath string) error {
	a, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	r := os.Stdin
	if inPath != "" {
		f, err := os.Open(inPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", inPath, err)
		}
		defer f.Close()
		if err := a.Store.Import(ctx, f); err != nil {
			return fmt.Errorf("import: %w", err)
		}
		fmt.Printf("%s imported from %s\n", green("ok:"), inPath)
		return nil
	}

	if err := a.Store.Import(ctx, r); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	fmt.Printf("%s imported from stdin\n", green("ok:"))
	return nil
}
