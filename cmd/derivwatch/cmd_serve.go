package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/derivwatch/derivwatch/internal/httpapi"
	"github.com/derivwatch/derivwatch/internal/lifecycle"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, collector and lifecycle scheduler",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.collector.Run(ctx)
	go a.runMetricsBridge(ctx)

	sched := lifecycle.NewScheduler(a.controller)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := httpapi.New(httpapi.Config{
		Addr:         a.cfg.Server.Addr,
		ReadTimeout:  a.cfg.Server.ReadTimeout.Std(),
		WriteTimeout: a.cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  60 * time.Second,
	}, httpapi.Deps{
		Store:      a.st,
		Resolver:   a.resolver,
		Collector:  a.collector,
		Backfill:   a.backfill,
		Registry:   a.registry,
		Controller: a.controller,
		Guards:     a.guards,
		Metrics:    a.metrics.Handler(),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
