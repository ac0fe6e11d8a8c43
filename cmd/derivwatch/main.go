package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "derivwatch"
	version = "v0.4.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Derivatives market intelligence and model lifecycle daemon",
		Version: version,
		Long: `derivwatch collects derivatives market observations from exchange
providers, computes the indicator catalog, trains predictive models and
manages their promotion lifecycle.

Run 'derivwatch serve' for the long-running daemon; the other subcommands
are one-shot operations over the same configuration.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config (defaults + env when empty)")

	rootCmd.AddCommand(serveCmd())     // daemon: API + collector + lifecycle
	rootCmd.AddCommand(collectCmd())   // one collection pass
	rootCmd.AddCommand(backfillCmd())  // historical reconstruction
	rootCmd.AddCommand(trainCmd())     // dataset build + training run
	rootCmd.AddCommand(lifecycleCmd()) // one promotion/rollback pass
	rootCmd.AddCommand(providersCmd()) // provider health listing

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
