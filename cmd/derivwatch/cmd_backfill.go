package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/derivwatch/derivwatch/internal/backfill"
	"github.com/derivwatch/derivwatch/internal/market"
)

func backfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Reconstruct historical observations from provider candles",
		RunE:  runBackfill,
	}
	cmd.Flags().StringSlice("symbols", nil, "Symbols to backfill (defaults to collector symbols)")
	cmd.Flags().Int("days", 90, "Days of history to fetch")
	cmd.Flags().String("timeframe", "1h", "Candle timeframe (5m|15m|1h|4h|1d)")
	cmd.Flags().String("provider", "", "Pin a single provider (empty resolves per symbol)")
	cmd.Flags().Int("horizon-bars", 24, "Forward bars used for ML row labels")
	cmd.Flags().Bool("dry-run", false, "Fetch and compute without writing")
	return cmd
}

func runBackfill(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	symbols, _ := cmd.Flags().GetStringSlice("symbols")
	if len(symbols) == 0 {
		symbols = a.cfg.Collector.Symbols
	}
	days, _ := cmd.Flags().GetInt("days")
	tf, _ := cmd.Flags().GetString("timeframe")
	pin, _ := cmd.Flags().GetString("provider")
	horizonBars, _ := cmd.Flags().GetInt("horizon-bars")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	req := backfill.Request{
		Symbols:     symbols,
		Days:        days,
		Timeframe:   market.Timeframe(tf),
		Provider:    pin,
		HorizonBars: horizonBars,
		DryRun:      dryRun,
	}
	if err := req.Validate(); err != nil {
		return err
	}

	prog, err := a.backfill.Run(ctx, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(prog)
}
