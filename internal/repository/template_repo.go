// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/adiadia/workflow-core/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TemplateRepository is the template registry, partitioned by deployment
// environment. Readiness flags are not stored; callers derive them from the
// artifact root.
type TemplateRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewTemplateRepository(pool *pgxpool.Pool, logger *slog.Logger) *TemplateRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &TemplateRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *TemplateRepository) ListTemplates(ctx context.Context, environment string) ([]domain.TemplateDescriptor, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, program, foundation, source_path, output_path, environment
		FROM templates
		WHERE environment=$1
		ORDER BY name ASC, id ASC
	`, environment)
	if err != nil {
		r.logger.Error("list templates query failed", "environment", environment, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.TemplateDescriptor, 0, 8)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			r.logger.Error("scan template row failed", "environment", environment, "error", err)
			return nil, err
		}
		out = append(out, t)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("template rows iteration failed", "environment", environment, "error", err)
		return nil, err
	}

	return out, nil
}

// GetTemplate returns domain.ErrTemplateNotFound for an unknown id.
func (r *TemplateRepository) GetTemplate(ctx context.Context, id, environment string) (domain.TemplateDescriptor, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, program, foundation, source_path, output_path, environment
		FROM templates
		WHERE id=$1 AND environment=$2
	`, id, environment)

	t, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TemplateDescriptor{}, domain.ErrTemplateNotFound
		}
		r.logger.Error("get template failed", "template_id", id, "environment", environment, "error", err)
		return domain.TemplateDescriptor{}, err
	}
	return t, nil
}

func (r *TemplateRepository) UpsertTemplate(ctx context.Context, t domain.TemplateDescriptor) (domain.TemplateDescriptor, error) {
	t.ID = strings.TrimSpace(t.ID)
	t.Name = strings.TrimSpace(t.Name)
	if t.Foundation == "" {
		t.Foundation = domain.FoundationTangible
	}
	if t.ID == "" || t.Name == "" || t.Environment == "" {
		return domain.TemplateDescriptor{}, domain.ErrInvalidTemplate
	}
	if t.Foundation != domain.FoundationTangible && t.Foundation != domain.FoundationCustom {
		return domain.TemplateDescriptor{}, domain.ErrInvalidTemplate
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO templates (id, environment, name, program, foundation, source_path, output_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id, environment) DO UPDATE
		SET name=EXCLUDED.name,
		    program=EXCLUDED.program,
		    foundation=EXCLUDED.foundation,
		    source_path=EXCLUDED.source_path,
		    output_path=EXCLUDED.output_path,
		    updated_at=NOW()
	`,
		t.ID,
		t.Environment,
		t.Name,
		t.Program,
		t.Foundation,
		t.SourcePath,
		t.OutputPath,
	)
	if err != nil {
		r.logger.Error("upsert template failed", "template_id", t.ID, "environment", t.Environment, "error", err)
		return domain.TemplateDescriptor{}, err
	}

	r.logger.Info("template registered", "template_id", t.ID, "environment", t.Environment)
	return t, nil
}

func scanTemplate(row pgx.Row) (domain.TemplateDescriptor, error) {
	var t domain.TemplateDescriptor
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Program,
		&t.Foundation,
		&t.SourcePath,
		&t.OutputPath,
		&t.Environment,
	)
	return t, err
}
