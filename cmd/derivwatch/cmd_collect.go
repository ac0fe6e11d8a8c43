package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func collectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Run a single collection pass and exit",
		RunE:  runCollect,
	}
}

func runCollect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stats := a.collector.RunPass(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
