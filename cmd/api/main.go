// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/workflow-core/internal/artifacts"
	"github.com/adiadia/workflow-core/internal/config"
	"github.com/adiadia/workflow-core/internal/logging"
	"github.com/adiadia/workflow-core/internal/persistence/postgres"
	"github.com/adiadia/workflow-core/internal/repository"
	httptransport "github.com/adiadia/workflow-core/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, 0)
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

	handler := httptransport.NewRouter(httptransport.Deps{
		Runs:        repository.NewRunRepository(pool, logger),
		Checkpoints: repository.NewCheckpointRepository(pool, logger),
		Jobs:        repository.NewConversionJobRepository(pool, logger),
		Templates:   repository.NewTemplateRepository(pool, logger),
		Artifacts:   store,
		Health:      postgres.NewSchemaHealthChecker(pool),
		Logger:      logger,

		AdminToken:         cfg.AdminToken,
		RequireIdentity:    cfg.RequireIdentity,
		ConversionsPerMin:  cfg.ConversionsPerMin,
		DefaultEnvironment: cfg.DeployEnv,

		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"artifact_root", store.Root(),
			"environment", cfg.DeployEnv,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
