// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adiadia/workflow-core/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ConversionJobRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewConversionJobRepository(pool *pgxpool.Pool, logger *slog.Logger) *ConversionJobRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConversionJobRepository{
		pool:   pool,
		logger: logger,
	}
}

// CreateJob queues a conversion of params.Template into outputPath.
func (r *ConversionJobRepository) CreateJob(ctx context.Context, params domain.CreateConversionParams, outputPath string) (domain.ConversionRecord, error) {
	settings, err := json.Marshal(params.Settings)
	if err != nil {
		return domain.ConversionRecord{}, fmt.Errorf("marshal settings: %w", err)
	}

	rec := domain.ConversionRecord{
		ID:             uuid.NewString(),
		TemplateID:     params.Template.ID,
		SourcePath:     params.Template.SourcePath,
		OutputPath:     outputPath,
		Settings:       params.Settings,
		Status:         domain.JobQueued,
		Log:            []string{},
		CallbackURL:    params.CallbackURL,
		CallbackSecret: params.CallbackSecret,
	}
	if actor := actorFromContext(ctx); actor != nil {
		rec.RequestedBy = *actor
	}

	if err := r.pool.QueryRow(ctx, `
		INSERT INTO conversion_jobs (id, template_id, source_path, output_path, settings, status, callback_url, callback_secret, requested_by)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''))
		RETURNING created_at
	`,
		rec.ID,
		rec.TemplateID,
		rec.SourcePath,
		rec.OutputPath,
		settings,
		rec.Status,
		rec.CallbackURL,
		rec.CallbackSecret,
		rec.RequestedBy,
	).Scan(&rec.CreatedAt); err != nil {
		r.logger.Error("insert conversion job failed", "template_id", rec.TemplateID, "error", err)
		return domain.ConversionRecord{}, err
	}

	r.logger.Info("conversion job queued", "job_id", rec.ID, "template_id", rec.TemplateID)
	return rec, nil
}

// GetJob loads a job. Unknown or malformed ids yield pgx.ErrNoRows.
func (r *ConversionJobRepository) GetJob(ctx context.Context, jobID string) (domain.ConversionRecord, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return domain.ConversionRecord{}, pgx.ErrNoRows
	}

	var (
		rec      domain.ConversionRecord
		settings []byte
		logLines []byte
		output   *string
		message  *string
		callback *string
	)
	err = r.pool.QueryRow(ctx, `
		SELECT id, template_id, source_path, output_path, settings, status, log,
		       output_file, error_message, callback_url, attempts, created_at, finished_at
		FROM conversion_jobs
		WHERE id=$1
	`, id).Scan(
		&rec.ID,
		&rec.TemplateID,
		&rec.SourcePath,
		&rec.OutputPath,
		&settings,
		&rec.Status,
		&logLines,
		&output,
		&message,
		&callback,
		&rec.Attempts,
		&rec.CreatedAt,
		&rec.FinishedAt,
	)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			r.logger.Error("get conversion job failed", "job_id", jobID, "error", err)
		}
		return domain.ConversionRecord{}, err
	}

	if err := json.Unmarshal(settings, &rec.Settings); err != nil {
		return domain.ConversionRecord{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := json.Unmarshal(logLines, &rec.Log); err != nil {
		return domain.ConversionRecord{}, fmt.Errorf("decode log: %w", err)
	}
	if rec.Log == nil {
		rec.Log = []string{}
	}
	rec.OutputFile = deref(output)
	rec.ErrorMessage = deref(message)
	rec.CallbackURL = deref(callback)
	return rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
