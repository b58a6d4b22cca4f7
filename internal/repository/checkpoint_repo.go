// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"

	"github.com/adiadia/workflow-core/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CheckpointRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewCheckpointRepository(pool *pgxpool.Pool, logger *slog.Logger) *CheckpointRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &CheckpointRepository{
		pool:   pool,
		logger: logger,
	}
}

// AppendCheckpoint stores a snapshot for an existing run. A missing run
// yields pgx.ErrNoRows.
func (r *CheckpointRepository) AppendCheckpoint(ctx context.Context, runID string, cp domain.Checkpoint) (domain.Checkpoint, error) {
	var exists int
	if err := r.pool.QueryRow(ctx,
		`SELECT 1 FROM runs WHERE id=$1`,
		runID,
	).Scan(&exists); err != nil {
		r.logger.Warn("checkpoint run lookup failed", "run_id", runID, "error", err)
		return domain.Checkpoint{}, err
	}

	state := []byte(cp.ApplicationState)
	if len(state) == 0 {
		state = []byte("{}")
	}

	out := domain.Checkpoint{
		ID:               uuid.NewString(),
		RunID:            runID,
		Status:           cp.Status,
		ApplicationState: state,
	}
	if err := r.pool.QueryRow(ctx, `
		INSERT INTO checkpoints (id, run_id, status, application_state, created_by)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		RETURNING seq, created_at
	`,
		out.ID,
		runID,
		cp.Status,
		state,
		actorFromContext(ctx),
	).Scan(&out.Seq, &out.CreatedAt); err != nil {
		r.logger.Error("insert checkpoint failed", "run_id", runID, "error", err)
		return domain.Checkpoint{}, err
	}

	r.logger.Info("checkpoint appended", "run_id", runID, "seq", out.Seq, "status", cp.Status)
	return out, nil
}

func (r *CheckpointRepository) ListCheckpointsAfter(ctx context.Context, runID string, afterSeq int64) ([]domain.Checkpoint, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, seq, run_id, status, application_state, created_at
		FROM checkpoints
		WHERE run_id=$1
		  AND seq > $2
		ORDER BY seq ASC
	`,
		runID,
		afterSeq,
	)
	if err != nil {
		r.logger.Error("list checkpoints query failed", "run_id", runID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Checkpoint, 0, 8)
	for rows.Next() {
		var (
			cp    domain.Checkpoint
			state []byte
		)
		if err := rows.Scan(
			&cp.ID,
			&cp.Seq,
			&cp.RunID,
			&cp.Status,
			&state,
			&cp.CreatedAt,
		); err != nil {
			r.logger.Error("scan checkpoint row failed", "run_id", runID, "error", err)
			return nil, err
		}
		cp.ApplicationState = state
		out = append(out, cp)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("checkpoint rows iteration failed", "run_id", runID, "error", err)
		return nil, err
	}

	return out, nil
}

func (r *CheckpointRepository) ResolveCursorByCheckpointID(ctx context.Context, runID string, checkpointID uuid.UUID) (int64, error) {
	var seq int64
	if err := r.pool.QueryRow(ctx, `
		SELECT seq
		FROM checkpoints
		WHERE id=$1
		  AND run_id=$2
	`,
		checkpointID,
		runID,
	).Scan(&seq); err != nil {
		r.logger.Error("resolve checkpoint cursor failed",
			"run_id", runID,
			"checkpoint_id", checkpointID,
			"error", err,
		)
		return 0, err
	}

	return seq, nil
}
