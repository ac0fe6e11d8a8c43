package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/derivwatch/derivwatch/internal/provider"
)

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured providers and their health",
		RunE:  runProviders,
	}
}

func runProviders(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	type row struct {
		ID           string                  `json:"id"`
		Enabled      bool                    `json:"enabled"`
		Priority     int                     `json:"priority"`
		Capabilities provider.Capabilities   `json:"capabilities"`
		Health       provider.HealthSnapshot `json:"health"`
	}
	var rows []row
	for _, e := range a.resolver.Registry().All() {
		rows = append(rows, row{
			ID:           e.Provider.ID(),
			Enabled:      e.Config.Enabled,
			Priority:     e.Config.Priority,
			Capabilities: e.Provider.Capabilities(),
			Health:       e.Provider.Health(),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}
