package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/derivwatch/derivwatch/internal/dataset"
	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/store"
	"github.com/derivwatch/derivwatch/internal/train"
)

func trainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Build the dataset and run one training pass",
		RunE:  runTrain,
	}
	cmd.Flags().String("horizon", "1D", "Prediction horizon (1D|7D|30D)")
	cmd.Flags().Int("days", 90, "Days of rows to train over")
	cmd.Flags().Bool("build-dataset", true, "Resolve pending observation pairs into rows first")
	cmd.Flags().String("timeframe", "1h", "Observation timeframe for dataset building")
	cmd.Flags().Bool("force", false, "Ignore the retrain budget and interval guardrails")
	return cmd
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	horizonStr, _ := cmd.Flags().GetString("horizon")
	horizon := model.Horizon(horizonStr)
	if !horizon.Valid() {
		return fmt.Errorf("unknown horizon %q", horizonStr)
	}
	days, _ := cmd.Flags().GetInt("days")
	buildFirst, _ := cmd.Flags().GetBool("build-dataset")
	tf, _ := cmd.Flags().GetString("timeframe")
	force, _ := cmd.Flags().GetBool("force")

	if !force {
		if v := a.guards.CanRetrain(); !v.Allowed {
			return fmt.Errorf("retrain blocked: %s", v.Reason)
		}
	}

	now := time.Now().UTC()
	tr := store.TimeRange{From: now.AddDate(0, 0, -days), To: now}

	if buildFirst {
		builder := dataset.NewBuilder(a.st.Observations, a.st.MLRows, dataset.BuilderConfig{
			Timeframe: market.Timeframe(tf),
		})
		for _, symbol := range a.cfg.Collector.Symbols {
			res, err := builder.Build(ctx, symbol, horizon, tr)
			if err != nil {
				return fmt.Errorf("build dataset for %s: %w", symbol, err)
			}
			log.Info().
				Str("symbol", symbol).
				Int("emitted", res.Emitted).
				Int("pending", res.Pending).
				Int("sparse", res.Sparse).
				Msg("dataset rows built")
		}
	}

	run, err := a.trainer.Train(ctx, horizon, tr, train.DefaultConfig())
	if err != nil {
		return err
	}
	a.guards.MarkRetrainExecuted()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}
