//go:build integration

// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/adiadia/workflow-core/internal/domain"
	"github.com/adiadia/workflow-core/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestEnsureSchemaBootstrapsEmptyDatabase(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	baseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if baseURL == "" {
		t.Skip("set DATABASE_URL to run integration tests")
	}

	adminPool, err := pgxpool.New(ctx, baseURL)
	if err != nil {
		t.Skipf("skip integration test: cannot create admin pool (%v)", err)
	}
	defer adminPool.Close()

	if err := adminPool.Ping(ctx); err != nil {
		t.Skipf("skip integration test: cannot reach database (%v)", err)
	}

	testDBName := "bootstrap_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := adminPool.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{testDBName}.Sanitize()); err != nil {
		t.Skipf("skip integration test: cannot create database (%v)", err)
	}

	defer func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cleanupCancel()

		_, _ = adminPool.Exec(cleanupCtx, `
			SELECT pg_terminate_backend(pid)
			FROM pg_stat_activity
			WHERE datname = $1
			  AND pid <> pg_backend_pid()
		`, testDBName)
		if _, err := adminPool.Exec(cleanupCtx, "DROP DATABASE "+pgx.Identifier{testDBName}.Sanitize()); err != nil {
			t.Logf("cleanup warning: drop temp database failed (%v)", err)
		}
	}()

	poolCfg, err := pgxpool.ParseConfig(baseURL)
	if err != nil {
		t.Fatalf("parse DATABASE_URL: %v", err)
	}
	poolCfg.ConnConfig.Database = testDBName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		t.Fatalf("create temp database pool: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("ping temp database: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := EnsureSchema(ctx, pool, logger); err != nil {
		t.Fatalf("ensure schema first run: %v", err)
	}
	if err := EnsureSchema(ctx, pool, logger); err != nil {
		t.Fatalf("ensure schema second run: %v", err)
	}
	if err := SchemaReady(ctx, pool); err != nil {
		t.Fatalf("schema ready check: %v", err)
	}

	runs := repository.NewRunRepository(pool, logger)
	created, err := runs.PutRun(ctx, domain.RunRecord{
		RunState: domain.RunState{
			RunID:   uuid.NewString(),
			RunType: domain.RunTemplateBuilder,
			Status:  domain.RunNew,
		},
	}, nil)
	if err != nil {
		t.Fatalf("create run after bootstrap: %v", err)
	}
	if created.RunState.Revision != 1 {
		t.Fatalf("expected first revision 1 got %d", created.RunState.Revision)
	}

	jobs := repository.NewConversionJobRepository(pool, logger)
	job, err := jobs.CreateJob(ctx, domain.CreateConversionParams{
		Template: domain.TemplateDescriptor{ID: "bootstrap", SourcePath: "sources/bootstrap.doc"},
	}, "converted/bootstrap.docx")
	if err != nil {
		t.Fatalf("create conversion job after bootstrap: %v", err)
	}
	if job.Status != domain.JobQueued {
		t.Fatalf("expected queued job got %s", job.Status)
	}

	if _, err := pool.Exec(ctx, `UPDATE schema_migrations SET checksum='stale' WHERE filename='001_runs.sql'`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := EnsureSchema(ctx, pool, logger); err == nil || !strings.Contains(err.Error(), "001_runs.sql changed") {
		t.Fatalf("expected changed migration to fail bootstrap, got %v", err)
	}

	if _, err := pool.Exec(ctx, `ALTER TABLE checkpoints DROP CONSTRAINT checkpoints_seq_key`); err != nil {
		t.Fatalf("drop seq constraint: %v", err)
	}
	if err := SchemaReady(ctx, pool); err == nil || !strings.Contains(err.Error(), "checkpoints.seq must be unique") {
		t.Fatalf("expected seq uniqueness violation, got %v", err)
	}
}
