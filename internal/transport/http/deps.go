// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"io/fs"
	"os"

	"github.com/adiadia/workflow-core/internal/domain"
	"github.com/google/uuid"
)

type RunStore interface {
	PutRun(ctx context.Context, rec domain.RunRecord, expected *int64) (domain.RunRecord, error)
	GetRun(ctx context.Context, runID string) (domain.RunRecord, error)
	FindByCompanies(ctx context.Context, buyer, target string) ([]domain.RunRecord, error)
}

type CheckpointStore interface {
	AppendCheckpoint(ctx context.Context, runID string, cp domain.Checkpoint) (domain.Checkpoint, error)
	ListCheckpointsAfter(ctx context.Context, runID string, afterSeq int64) ([]domain.Checkpoint, error)
	ResolveCursorByCheckpointID(ctx context.Context, runID string, checkpointID uuid.UUID) (int64, error)
}

type ConversionQueue interface {
	CreateJob(ctx context.Context, params domain.CreateConversionParams, outputPath string) (domain.ConversionRecord, error)
	GetJob(ctx context.Context, jobID string) (domain.ConversionRecord, error)
}

type TemplateRegistry interface {
	ListTemplates(ctx context.Context, environment string) ([]domain.TemplateDescriptor, error)
	GetTemplate(ctx context.Context, id, environment string) (domain.TemplateDescriptor, error)
	UpsertTemplate(ctx context.Context, t domain.TemplateDescriptor) (domain.TemplateDescriptor, error)
}

// ArtifactStore is the read side of the artifact root.
type ArtifactStore interface {
	Exists(rel string) bool
	Open(rel string) (*os.File, fs.FileInfo, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
