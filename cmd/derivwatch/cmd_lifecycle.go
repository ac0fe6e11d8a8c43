package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func lifecycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lifecycle",
		Short: "Run one promotion and rollback evaluation pass",
		RunE:  runLifecycle,
	}
	cmd.Flags().Bool("promotion", true, "Evaluate shadow promotion")
	cmd.Flags().Bool("rollback", true, "Evaluate active-model rollback")
	return cmd
}

func runLifecycle(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	promotion, _ := cmd.Flags().GetBool("promotion")
	rollback, _ := cmd.Flags().GetBool("rollback")

	out := map[string]any{}
	if rollback {
		res, err := a.controller.RollbackPass(ctx)
		if err != nil {
			return err
		}
		out["rollback"] = res
	}
	if promotion {
		res, err := a.controller.PromotionPass(ctx)
		if err != nil {
			return err
		}
		out["promotion"] = res
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
