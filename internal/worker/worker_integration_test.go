//go:build integration

// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adiadia/workflow-core/internal/domain"
	"github.com/adiadia/workflow-core/internal/persistence/postgres"
	"github.com/adiadia/workflow-core/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestWorkerConvertsQueuedJob(t *testing.T) {
	ctx := context.Background()
	pool := workerIntegrationPool(t, ctx)
	defer pool.Close()

	if err := workerTruncateAll(ctx, pool); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := repository.NewConversionJobRepository(pool, logger)
	job := workerCreateJob(t, ctx, jobs)

	conv := &fakeConverter{output: job.OutputPath, lines: []string{"loaded nda.doc", "wrote nda.docx"}}
	w := New(Deps{Pool: pool, Logger: logger, Converter: conv})

	if err := w.ProcessOnce(ctx); err != nil {
		t.Fatalf("process once: %v", err)
	}
	if !conv.called {
		t.Fatal("expected converter to run")
	}
	if conv.job.Attempts != 1 || conv.job.Status != domain.JobConverting {
		t.Fatalf("expected first converting attempt got %+v", conv.job)
	}

	got, err := jobs.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.JobSuccess {
		t.Fatalf("expected status %s got %s", domain.JobSuccess, got.Status)
	}
	if got.OutputFile != job.OutputPath {
		t.Fatalf("expected output %s got %s", job.OutputPath, got.OutputFile)
	}
	if got.FinishedAt == nil {
		t.Fatal("expected finished_at to be set")
	}
	if len(got.Log) != 4 || got.Log[1] != "loaded nda.doc" || got.Log[2] != "wrote nda.docx" {
		t.Fatalf("expected attempt, converter and completion lines got %v", got.Log)
	}

	// Queue is empty now.
	conv.called = false
	if err := w.ProcessOnce(ctx); err != nil {
		t.Fatalf("process once on empty queue: %v", err)
	}
	if conv.called {
		t.Fatal("expected no claim on empty queue")
	}
}

func TestWorkerSchedulesExponentialBackoffRetry(t *testing.T) {
	ctx := context.Background()
	pool := workerIntegrationPool(t, ctx)
	defer pool.Close()

	if err := workerTruncateAll(ctx, pool); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := repository.NewConversionJobRepository(pool, logger)
	job := workerCreateJob(t, ctx, jobs)

	w := New(Deps{
		Pool:           pool,
		Logger:         logger,
		Converter:      &fakeConverter{err: errors.New("boom")},
		MaxAttempts:    2,
		RetryBaseDelay: time.Second,
	})

	start := time.Now().UTC()
	if err := w.ProcessOnce(ctx); err != nil {
		t.Fatalf("process once #1: %v", err)
	}

	var (
		status    domain.JobStatus
		attempts  int
		nextRunAt time.Time
	)
	if err := pool.QueryRow(ctx, `
		SELECT status, attempts, next_run_at
		FROM conversion_jobs
		WHERE id=$1
	`, job.ID).Scan(&status, &attempts, &nextRunAt); err != nil {
		t.Fatalf("read retry state: %v", err)
	}
	if status != domain.JobQueued {
		t.Fatalf("expected requeued job got %s", status)
	}
	if attempts != 1 {
		t.Fatalf("expected attempts=1 got %d", attempts)
	}
	if !nextRunAt.After(start.Add(500 * time.Millisecond)) {
		t.Fatalf("expected next_run_at to be delayed by backoff, got %s", nextRunAt)
	}

	// Not due yet.
	if err := w.ProcessOnce(ctx); err != nil {
		t.Fatalf("process once before next_run_at: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT attempts FROM conversion_jobs WHERE id=$1`, job.ID).Scan(&attempts); err != nil {
		t.Fatalf("read attempts: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected attempts to remain 1 before next_run_at got %d", attempts)
	}

	if _, err := pool.Exec(ctx, `
		UPDATE conversion_jobs
		SET next_run_at=NOW() - INTERVAL '1 second'
		WHERE id=$1
	`, job.ID); err != nil {
		t.Fatalf("force next_run_at due: %v", err)
	}

	if err := w.ProcessOnce(ctx); err != nil {
		t.Fatalf("process once #2: %v", err)
	}

	got, err := jobs.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.JobError || got.ErrorMessage != "boom" {
		t.Fatalf("expected permanent error boom got %s %q", got.Status, got.ErrorMessage)
	}
	if got.Attempts != 2 {
		t.Fatalf("expected attempts=2 got %d", got.Attempts)
	}
}

func TestWorkerReclaimsStaleConvertingJob(t *testing.T) {
	ctx := context.Background()
	pool := workerIntegrationPool(t, ctx)
	defer pool.Close()

	if err := workerTruncateAll(ctx, pool); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := repository.NewConversionJobRepository(pool, logger)
	job := workerCreateJob(t, ctx, jobs)

	if _, err := pool.Exec(ctx, `
		UPDATE conversion_jobs
		SET status=$2, attempts=1, heartbeat_at=NOW() - INTERVAL '10 minutes'
		WHERE id=$1
	`, job.ID, domain.JobConverting); err != nil {
		t.Fatalf("simulate stale job: %v", err)
	}

	conv := &fakeConverter{output: job.OutputPath}
	w := New(Deps{Pool: pool, Logger: logger, Converter: conv, ReclaimAfter: time.Minute})

	if err := w.ProcessOnce(ctx); err != nil {
		t.Fatalf("process once: %v", err)
	}
	if !conv.called || conv.job.Attempts != 2 {
		t.Fatalf("expected reclaimed second attempt got called=%v attempts=%d", conv.called, conv.job.Attempts)
	}
}

// reclaimingConverter bumps the job to a later attempt while it converts,
// the way another worker reclaiming a stale heartbeat would.
type reclaimingConverter struct {
	pool   *pgxpool.Pool
	output string
	err    error
}

func (c *reclaimingConverter) Convert(ctx context.Context, job domain.ConversionRecord, _ func(string)) (string, error) {
	if _, err := c.pool.Exec(ctx, `
		UPDATE conversion_jobs SET attempts=attempts + 1, heartbeat_at=NOW() WHERE id=$1
	`, job.ID); err != nil {
		return "", err
	}
	return c.output, c.err
}

func TestWorkerSupersededAttemptLeavesJobAlone(t *testing.T) {
	ctx := context.Background()
	pool := workerIntegrationPool(t, ctx)
	defer pool.Close()

	cases := map[string]error{
		"success": nil,
		"retry":   errors.New("boom"),
	}
	for name, convErr := range cases {
		if err := workerTruncateAll(ctx, pool); err != nil {
			t.Skipf("skip integration test: database not reachable (%v)", err)
		}

		var hooks atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hooks.Add(1)
		}))

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		jobs := repository.NewConversionJobRepository(pool, logger)
		job, err := jobs.CreateJob(ctx, domain.CreateConversionParams{
			Template:    domain.TemplateDescriptor{ID: "nda", SourcePath: "sources/nda.doc"},
			CallbackURL: srv.URL,
		}, "converted/sources/nda.docx")
		if err != nil {
			srv.Close()
			t.Fatalf("%s: create job: %v", name, err)
		}

		conv := &reclaimingConverter{pool: pool, output: job.OutputPath, err: convErr}
		w := New(Deps{Pool: pool, Logger: logger, Converter: conv, MaxAttempts: 5})
		if err := w.ProcessOnce(ctx); err != nil {
			srv.Close()
			t.Fatalf("%s: process once: %v", name, err)
		}
		srv.Close()

		got, err := jobs.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("%s: get job: %v", name, err)
		}
		if got.Status != domain.JobConverting || got.Attempts != 2 {
			t.Fatalf("%s: expected job to stay with the reclaiming attempt, got %s attempts=%d", name, got.Status, got.Attempts)
		}
		if got.FinishedAt != nil || got.OutputFile != "" {
			t.Fatalf("%s: expected no terminal write, got finished=%v output=%q", name, got.FinishedAt, got.OutputFile)
		}
		if n := hooks.Load(); n != 0 {
			t.Fatalf("%s: expected no webhook for a superseded attempt, got %d", name, n)
		}
	}
}

func workerCreateJob(t *testing.T, ctx context.Context, jobs *repository.ConversionJobRepository) domain.ConversionRecord {
	t.Helper()

	job, err := jobs.CreateJob(ctx, domain.CreateConversionParams{
		Template: domain.TemplateDescriptor{ID: "nda", SourcePath: "sources/nda.doc"},
		Settings: domain.ConversionSettings{OutputFormat: "docx"},
	}, "converted/sources/nda.docx")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func workerTruncateAll(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE TABLE conversion_jobs RESTART IDENTITY CASCADE`)
	return err
}

func workerIntegrationPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DATABASE_URL to run integration tests")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		t.Skipf("skip integration test: cannot create pgx pool (%v)", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: cannot reach database (%v)", err)
	}

	if err := postgres.EnsureSchema(ctx, pool, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		pool.Close()
		t.Fatalf("ensure schema: %v", err)
	}

	return pool
}
