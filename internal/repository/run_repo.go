// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adiadia/workflow-core/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RunRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewRunRepository(pool *pgxpool.Pool, logger *slog.Logger) *RunRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &RunRepository{
		pool:   pool,
		logger: logger,
	}
}

// PutRun creates or overwrites the record under rec.RunState.RunID. With a
// non-nil expected revision the write only succeeds when the stored revision
// matches it; otherwise domain.ErrRevisionConflict is returned. The stored
// record is returned with its new revision.
func (r *RunRepository) PutRun(ctx context.Context, rec domain.RunRecord, expected *int64) (domain.RunRecord, error) {
	runID := strings.TrimSpace(rec.RunState.RunID)
	if runID == "" || !rec.RunState.RunType.Valid() {
		return domain.RunRecord{}, domain.ErrInvalidRunRecord
	}

	metadata, app, err := encodeRecord(rec)
	if err != nil {
		return domain.RunRecord{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return domain.RunRecord{}, err
	}
	defer tx.Rollback(ctx)

	var (
		current     int64
		currentType domain.RunType
		exists      = true
	)
	err = tx.QueryRow(ctx,
		`SELECT revision, run_type FROM runs WHERE id=$1 FOR UPDATE`,
		runID,
	).Scan(&current, &currentType)
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		r.logger.Error("read run revision failed", "run_id", runID, "error", err)
		return domain.RunRecord{}, err
	}

	if expected != nil && (!exists || current != *expected) {
		r.logger.Info("run write rejected (stale revision)",
			"run_id", runID,
			"expected", *expected,
			"current", current,
		)
		return domain.RunRecord{}, domain.ErrRevisionConflict
	}
	if exists && currentType != rec.RunState.RunType {
		return domain.RunRecord{}, domain.ErrRunTypeChanged
	}

	next := current + 1
	if exists {
		_, err = tx.Exec(ctx, `
			UPDATE runs
			SET status=$2,
			    sub_status=$3,
			    revision=$4,
			    owner=$5,
			    metadata=$6::jsonb,
			    application_state=$7::jsonb,
			    updated_by=$8,
			    updated_at=NOW()
			WHERE id=$1
		`,
			runID,
			rec.RunState.Status,
			rec.RunState.SubStatus,
			next,
			rec.Metadata.Owner,
			metadata,
			app,
			actorFromContext(ctx),
		)
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO runs (id, run_type, status, sub_status, revision, owner, metadata, application_state, updated_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9)
		`,
			runID,
			rec.RunState.RunType,
			rec.RunState.Status,
			rec.RunState.SubStatus,
			next,
			rec.Metadata.Owner,
			metadata,
			app,
			actorFromContext(ctx),
		)
	}
	if err != nil {
		r.logger.Error("write run failed", "run_id", runID, "error", err)
		return domain.RunRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit failed", "run_id", runID, "error", err)
		return domain.RunRecord{}, err
	}

	stored := rec.Clone()
	stored.RunState.RunID = runID
	stored.RunState.Revision = next
	r.logger.Info("run written",
		"run_id", runID,
		"status", stored.RunState.Status,
		"revision", next,
		"created", !exists,
	)
	return stored, nil
}

func (r *RunRepository) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, run_type, status, sub_status, revision, metadata, application_state
		FROM runs
		WHERE id=$1
	`, runID)

	rec, err := scanRun(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			r.logger.Error("get run failed", "run_id", runID, "error", err)
		}
		return domain.RunRecord{}, err
	}
	return rec, nil
}

// FindByCompanies lists merger control runs whose application state names
// buyer and target, most recently updated first.
func (r *RunRepository) FindByCompanies(ctx context.Context, buyer, target string) ([]domain.RunRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, run_type, status, sub_status, revision, metadata, application_state
		FROM runs
		WHERE run_type=$1
		  AND application_state->>'buyer' = $2
		  AND application_state->>'target' = $3
		ORDER BY updated_at DESC
	`,
		domain.RunMergerControl,
		buyer,
		target,
	)
	if err != nil {
		r.logger.Error("find runs by companies failed",
			"buyer", buyer,
			"target", target,
			"error", err,
		)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.RunRecord, 0, 4)
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			r.logger.Error("scan run row failed", "error", err)
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("runs rows iteration failed", "error", err)
		return nil, err
	}

	return out, nil
}

func encodeRecord(rec domain.RunRecord) ([]byte, []byte, error) {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}

	app := rec.ApplicationState
	if app == nil {
		if app, err = domain.NewApplicationState(rec.RunState.RunType); err != nil {
			return nil, nil, err
		}
	}
	if app.Kind() != rec.RunState.RunType {
		return nil, nil, fmt.Errorf("%w: %s state for %s run", domain.ErrStateKindMismatch, app.Kind(), rec.RunState.RunType)
	}
	state, err := json.Marshal(app)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal application state: %w", err)
	}
	return metadata, state, nil
}

func scanRun(row pgx.Row) (domain.RunRecord, error) {
	var (
		rec      domain.RunRecord
		metadata []byte
		state    []byte
	)
	if err := row.Scan(
		&rec.RunState.RunID,
		&rec.RunState.RunType,
		&rec.RunState.Status,
		&rec.RunState.SubStatus,
		&rec.RunState.Revision,
		&metadata,
		&state,
	); err != nil {
		return domain.RunRecord{}, err
	}

	if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
		return domain.RunRecord{}, fmt.Errorf("decode metadata: %w", err)
	}
	rec.Metadata.Normalize()

	app, err := domain.DecodeApplicationState(rec.RunState.RunType, state)
	if err != nil {
		return domain.RunRecord{}, err
	}
	rec.ApplicationState = app
	return rec, nil
}
