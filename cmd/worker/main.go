package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/workflow-core/internal/artifacts"
	"github.com/adiadia/workflow-core/internal/config"
	"github.com/adiadia/workflow-core/internal/logging"
	"github.com/adiadia/workflow-core/internal/persistence/postgres"
	"github.com/adiadia/workflow-core/internal/worker"
	"github.com/adiadia/workflow-core/internal/worker/executors"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.Component(logging.NewLogger(cfg.Env), "worker")

	// One connection per loop plus one for heartbeats and log appends.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.WorkerConcurrency+1)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema bootstrap failed: %v", err)
		}
	}

	store, err := artifacts.New(cfg.ArtifactRoot)
	if err != nil {
		log.Fatalf("artifact root unavailable: %v", err)
	}
	defer store.Close()

	var converter worker.Converter
	if cfg.ConverterCommand == "copy" {
		converter = &executors.CopyConverter{Store: store}
	} else {
		converter = &executors.CommandConverter{Command: cfg.ConverterCommand, Store: store}
	}

	w := worker.New(worker.Deps{
		Pool:      pool,
		Logger:    logger,
		Converter: converter,
	})

	logger.Info("worker started",
		"concurrency", cfg.WorkerConcurrency,
		"converter", cfg.ConverterCommand,
		"artifact_root", store.Root(),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		loop := i
		g.Go(func() error {
			ticker := time.NewTicker(800 * time.Millisecond)
			defer ticker.Stop()

			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				}

				if err := w.ProcessOnce(gctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("worker process failed", "loop", loop, "error", err)
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
