package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VsevolodSauta/backfila"
	"github.com/VsevolodSauta/backfila/backends/static"
	"github.com/spf13/cobra"
)

const (
	demoServiceName  = "backfila-demo"
	demoBackfillName = "demo_numbers"
)

func serveCommand() *cobra.Command {
	var demo bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backfila server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := backfila.FromContext(cmd.Context())
			if cfg == nil {
				return fmt.Errorf("no config found in context")
			}
			return serveRun(cmd.Context(), cfg, demo)
		},
	}
	cmd.Flags().BoolVar(&demo, "demo", false, "register an embedded demo service")
	return cmd
}

func serveRun(ctx context.Context, cfg *backfila.Config, demo bool) error {
	logger := commonRun(cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing {
		shutdown, err := backfila.SetupTracing(ctx, programName, cfg.TracingStdout)
		if err != nil {
			return fmt.Errorf("setting up tracing: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	var registry *backfila.Registry
	if demo {
		registry = demoRegistry(logger)
	}
	server, err := backfila.NewServer(backfila.ServerOptions{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
	})
	if err != nil {
		return err
	}
	if demo {
		_, err := server.API().ConfigureService(ctx, &backfila.ConfigureServiceRequest{
			ServiceName:   demoServiceName,
			ConnectorType: backfila.ConnectorEmbedded,
			Backfills:     []backfila.BackfillData{{Name: demoBackfillName}},
		})
		if err != nil {
			return fmt.Errorf("configuring demo service: %w", err)
		}
	}
	if err := server.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down", "component", programName)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

// demoRegistry registers a backfill over the numbers 0..9999 that only logs its batches.
func demoRegistry(logger *slog.Logger) *backfila.Registry {
	numbers := make([]string, 10000)
	for i := range numbers {
		numbers[i] = strconv.Itoa(i)
	}
	demo := &static.Backfill[string, struct{}]{
		Items: numbers,
		RunBatch: func(_ context.Context, items []string, _ struct{}, dryRun bool) error {
			logger.Debug("demo batch", "component", "demo", "first", items[0], "size", len(items), "dryRun", dryRun)
			return nil
		},
	}
	registry := backfila.NewRegistry()
	registry.MustRegister(demoBackfillName, demo.Factory())
	return registry
}
