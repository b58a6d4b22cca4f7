package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/adiadia/workflow-core/internal/domain"
	"github.com/adiadia/workflow-core/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Deps struct {
	Pool           *pgxpool.Pool
	Logger         *slog.Logger
	Converter      Converter
	HTTPClient     *http.Client
	ReclaimAfter   time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	ConvertTimeout time.Duration
}

type Worker struct {
	pool           *pgxpool.Pool
	logger         *slog.Logger
	converter      Converter
	httpClient     *http.Client
	jobStatus      func(ctx context.Context, jobID string) (domain.JobStatus, error)
	reclaimAfter   time.Duration
	maxAttempts    int
	retryBaseDelay time.Duration
	convertTimeout time.Duration
}

func New(deps Deps) *Worker {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	reclaim := deps.ReclaimAfter
	if reclaim <= 0 {
		reclaim = 5 * time.Minute
	}

	maxAtt := deps.MaxAttempts
	if maxAtt <= 0 {
		maxAtt = 3
	}

	retryBase := deps.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = 2 * time.Second
	}

	timeout := deps.ConvertTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	w := &Worker{
		pool:           deps.Pool,
		logger:         l,
		converter:      deps.Converter,
		httpClient:     client,
		reclaimAfter:   reclaim,
		maxAttempts:    maxAtt,
		retryBaseDelay: retryBase,
		convertTimeout: timeout,
	}
	if w.pool != nil {
		w.jobStatus = w.lookupJobStatus
	}
	return w
}

type claimedJob struct {
	Record    domain.ConversionRecord
	Reclaimed bool
}

// ProcessOnce claims and converts at most one job. An empty queue is not an
// error.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	claimStarted := time.Now()
	job, err := w.claimOneJob(ctx)
	metrics.ObserveWorkerClaimLatency(time.Since(claimStarted))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		w.logger.Error("claim conversion job failed", "error", err)
		return err
	}

	rec := job.Record
	w.logger.Info("conversion job claimed",
		"job_id", rec.ID,
		"template_id", rec.TemplateID,
		"attempt", rec.Attempts,
		"reclaimed", job.Reclaimed,
	)

	started := time.Now()
	outputFile, convErr := w.convert(ctx, rec)
	metrics.ObserveConversionDuration(time.Since(started))

	if convErr != nil {
		w.logger.Error("conversion failed",
			"job_id", rec.ID,
			"template_id", rec.TemplateID,
			"attempt", rec.Attempts,
			"error", convErr,
		)
		return w.markJobFailed(ctx, rec, convErr)
	}

	if err := w.markJobSucceeded(ctx, rec, outputFile); err != nil {
		w.logger.Error("mark conversion succeeded failed",
			"job_id", rec.ID,
			"error", err,
		)
		return err
	}

	w.logger.Info("conversion completed",
		"job_id", rec.ID,
		"output_file", outputFile,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

// claimOneJob claims the oldest due queued job. It also reclaims converting
// jobs whose heartbeat is older than reclaimAfter.
func (w *Worker) claimOneJob(ctx context.Context) (claimedJob, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return claimedJob{}, err
	}
	defer tx.Rollback(ctx)

	reclaimBefore := time.Now().Add(-w.reclaimAfter)

	var (
		job      claimedJob
		settings []byte
		callback *string
		secret   *string
		prev     domain.JobStatus
	)
	err = tx.QueryRow(ctx, `
		SELECT id, template_id, source_path, output_path, settings, status,
		       callback_url, callback_secret, attempts, created_at
		FROM conversion_jobs
		WHERE (status = $1 AND next_run_at <= NOW())
		   OR (status = $2 AND heartbeat_at IS NOT NULL AND heartbeat_at < $3)
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`,
		domain.JobQueued,
		domain.JobConverting,
		reclaimBefore,
	).Scan(
		&job.Record.ID,
		&job.Record.TemplateID,
		&job.Record.SourcePath,
		&job.Record.OutputPath,
		&settings,
		&prev,
		&callback,
		&secret,
		&job.Record.Attempts,
		&job.Record.CreatedAt,
	)
	if err != nil {
		return claimedJob{}, err
	}

	if err := json.Unmarshal(settings, &job.Record.Settings); err != nil {
		return claimedJob{}, fmt.Errorf("decode settings for job %s: %w", job.Record.ID, err)
	}
	job.Record.CallbackURL = deref(callback)
	job.Record.CallbackSecret = deref(secret)
	job.Reclaimed = prev == domain.JobConverting

	// Every claim counts as an attempt.
	if err := tx.QueryRow(ctx, `
		UPDATE conversion_jobs
		SET status=$2,
		    started_at=COALESCE(started_at, NOW()),
		    heartbeat_at=NOW(),
		    attempts=attempts + 1
		WHERE id=$1
		RETURNING attempts
	`,
		job.Record.ID,
		domain.JobConverting,
	).Scan(&job.Record.Attempts); err != nil {
		return claimedJob{}, err
	}
	job.Record.Status = domain.JobConverting

	return job, tx.Commit(ctx)
}

func (w *Worker) convert(ctx context.Context, rec domain.ConversionRecord) (string, error) {
	if w.converter == nil {
		return "", errors.New("no converter configured")
	}

	convCtx, cancel := context.WithTimeout(ctx, w.convertTimeout)
	defer cancel()

	w.appendLog(ctx, rec, fmt.Sprintf("Attempt %d: converting %s", rec.Attempts, rec.SourcePath))
	return w.converter.Convert(convCtx, rec, func(line string) {
		w.appendLog(ctx, rec, line)
	})
}

// appendLog adds one line to the job log and refreshes its heartbeat while
// rec's attempt still holds the job. Failures are logged; a lost line does
// not fail the conversion.
func (w *Worker) appendLog(ctx context.Context, rec domain.ConversionRecord, line string) {
	if w.pool == nil {
		return
	}
	if _, err := w.pool.Exec(ctx, `
		UPDATE conversion_jobs
		SET log = log || jsonb_build_array($2::text),
		    heartbeat_at = NOW()
		WHERE id=$1 AND status=$3 AND attempts=$4
	`, rec.ID, line, domain.JobConverting, rec.Attempts); err != nil {
		w.logger.Warn("append conversion log failed", "job_id", rec.ID, "error", err)
	}
}

// superseded logs a terminal write that matched no row: the job was
// reclaimed by a later attempt or already finished.
func (w *Worker) superseded(rec domain.ConversionRecord, outcome domain.JobStatus) {
	w.logger.Warn("conversion attempt superseded",
		"job_id", rec.ID,
		"attempt", rec.Attempts,
		"outcome", outcome,
	)
}

func (w *Worker) markJobSucceeded(ctx context.Context, rec domain.ConversionRecord, outputFile string) error {
	var finishedAt time.Time
	if err := w.pool.QueryRow(ctx, `
		UPDATE conversion_jobs
		SET status=$2,
		    output_file=$3,
		    error_message=NULL,
		    log = log || jsonb_build_array($4::text),
		    finished_at=NOW()
		WHERE id=$1 AND status=$5 AND attempts=$6
		RETURNING finished_at
	`,
		rec.ID,
		domain.JobSuccess,
		outputFile,
		"Conversion complete: "+outputFile,
		domain.JobConverting,
		rec.Attempts,
	).Scan(&finishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			w.superseded(rec, domain.JobSuccess)
			return nil
		}
		return err
	}

	metrics.IncConversionJob(domain.JobSuccess)
	w.deliverTerminalWebhook(ctx, rec, domain.ConversionEvent{
		JobID:      rec.ID,
		Status:     domain.JobSuccess,
		OutputFile: outputFile,
		FinishedAt: finishedAt,
	})
	return nil
}

// markJobFailed requeues the job with exponential backoff while attempts
// remain, otherwise marks it error.
func (w *Worker) markJobFailed(ctx context.Context, rec domain.ConversionRecord, convErr error) error {
	message := convErr.Error()

	if rec.Attempts < w.maxAttempts {
		delay := w.retryDelay(rec.Attempts)
		w.logger.Warn("conversion failed - retrying",
			"job_id", rec.ID,
			"attempt", rec.Attempts,
			"max_attempts", w.maxAttempts,
			"retry_in_ms", delay.Milliseconds(),
		)

		tag, err := w.pool.Exec(ctx, `
			UPDATE conversion_jobs
			SET status=$2,
			    error_message=$3,
			    log = log || jsonb_build_array($4::text),
			    next_run_at=NOW() + make_interval(secs => $5)
			WHERE id=$1 AND status=$6 AND attempts=$7
		`,
			rec.ID,
			domain.JobQueued,
			message,
			fmt.Sprintf("Attempt %d failed: %s", rec.Attempts, message),
			delay.Seconds(),
			domain.JobConverting,
			rec.Attempts,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			w.superseded(rec, domain.JobQueued)
		}
		return nil
	}

	w.logger.Error("conversion permanently failed",
		"job_id", rec.ID,
		"attempts", rec.Attempts,
		"max_attempts", w.maxAttempts,
	)

	var finishedAt time.Time
	if err := w.pool.QueryRow(ctx, `
		UPDATE conversion_jobs
		SET status=$2,
		    error_message=$3,
		    log = log || jsonb_build_array($4::text),
		    finished_at=NOW()
		WHERE id=$1 AND status=$5 AND attempts=$6
		RETURNING finished_at
	`,
		rec.ID,
		domain.JobError,
		message,
		"Conversion failed: "+message,
		domain.JobConverting,
		rec.Attempts,
	).Scan(&finishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			w.superseded(rec, domain.JobError)
			return nil
		}
		return err
	}

	metrics.IncConversionJob(domain.JobError)
	w.deliverTerminalWebhook(ctx, rec, domain.ConversionEvent{
		JobID:      rec.ID,
		Status:     domain.JobError,
		Message:    message,
		FinishedAt: finishedAt,
	})
	return nil
}

func (w *Worker) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return w.retryBaseDelay * time.Duration(1<<(attempt-1))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
