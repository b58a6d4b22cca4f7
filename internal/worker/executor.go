// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"

	"github.com/adiadia/workflow-core/internal/domain"
)

// Converter turns job.SourcePath into job.OutputPath below the artifact root
// and returns the output file it produced. logf appends a line to the job log
// that pollers see.
type Converter interface {
	Convert(ctx context.Context, job domain.ConversionRecord, logf func(string)) (string, error)
}
