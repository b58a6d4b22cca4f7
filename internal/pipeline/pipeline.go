// SPDX-License-Identifier: Apache-2.0

// Package pipeline walks a template builder run through its stages. It owns
// the current stage, the needsConversion flag and the selected template, and
// checkpoints every transition through the run lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/adiadia/workflow-core/internal/conversion"
	"github.com/adiadia/workflow-core/internal/domain"
	"github.com/adiadia/workflow-core/internal/stage"
)

var (
	ErrNoTemplate         = errors.New("no template selected")
	ErrWrongStage         = errors.New("operation not allowed in current stage")
	ErrNoConversion       = errors.New("no conversion submitted")
	ErrConversionPending  = errors.New("conversion has not succeeded")
	ErrConversionFailed   = errors.New("conversion failed")
	ErrSelectionLocked    = errors.New("template selection is only possible in PROGRAM_SELECTION")
	ErrNotTemplateBuilder = errors.New("run is not a template builder run")
)

// Checkpointer persists partial application state. *lifecycle.Controller
// satisfies it.
type Checkpointer interface {
	UpdateApplicationState(ctx context.Context, patch domain.ApplicationState, clear ...string) error
}

// Conversions is the job runner. *conversion.Runner satisfies it.
type Conversions interface {
	Submit(ctx context.Context, tmpl domain.TemplateDescriptor, settings domain.ConversionSettings) (*conversion.Job, error)
	Watch(jobID string) *conversion.Job
	Stop(jobID string)
}

type State struct {
	Stage           stage.Stage
	NeedsConversion bool
	Template        *domain.TemplateDescriptor
	Job             *domain.ConversionJob
	Progress        stage.Progress
	Views           []stage.View
}

type Pipeline struct {
	runs   Checkpointer
	conv   Conversions
	logger *slog.Logger

	mu              sync.Mutex
	current         stage.Stage
	needsConversion bool
	template        *domain.TemplateDescriptor
	job             *conversion.Job
}

func New(runs Checkpointer, conv Conversions, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		runs:    runs,
		conv:    conv,
		logger:  logger,
		current: stage.ProgramSelection,
	}
}

// Resume rebuilds a pipeline from a checkpointed template builder state. A
// conversion that was still running when the checkpoint was taken is polled
// again.
func Resume(runs Checkpointer, conv Conversions, logger *slog.Logger, app domain.ApplicationState) (*Pipeline, error) {
	saved, ok := app.(*domain.TemplateBuilderState)
	if !ok {
		return nil, ErrNotTemplateBuilder
	}

	p := New(runs, conv, logger)
	if saved.Stage != "" {
		s, err := stage.Parse(saved.Stage)
		if err != nil {
			return nil, err
		}
		p.current = s
	}
	if saved.NeedsConversion != nil {
		p.needsConversion = *saved.NeedsConversion
	}
	if stage.Index(p.current, p.needsConversion) < 0 {
		return nil, fmt.Errorf("%w: %s with needsConversion=%v", stage.ErrUnknownStage, p.current, p.needsConversion)
	}
	if saved.TemplateID != "" {
		p.template = &domain.TemplateDescriptor{ID: saved.TemplateID, Foundation: saved.Foundation}
	}

	if p.current == stage.TemplateConversion && saved.ConversionJobID != "" && saved.ConvertedFile == "" {
		p.job = conv.Watch(saved.ConversionJobID)
		p.logger.Info("resumed conversion polling", "job_id", saved.ConversionJobID)
	}
	return p, nil
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := State{
		Stage:           p.current,
		NeedsConversion: p.needsConversion,
		Progress:        stage.ProgressOf(p.current, p.needsConversion),
		Views:           stage.Views(p.current, p.needsConversion),
	}
	if p.template != nil {
		t := *p.template
		s.Template = &t
	}
	if p.job != nil {
		j := p.job.Snapshot()
		s.Job = &j
	}
	return s
}

// ConfirmSelection records the chosen template and moves to the stage that
// stage.Decide picks for it.
func (p *Pipeline) ConfirmSelection(ctx context.Context, tmpl domain.TemplateDescriptor) (stage.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != stage.ProgramSelection {
		return stage.Decision{}, ErrSelectionLocked
	}
	decision, err := stage.Decide(stage.SelectionOf(tmpl))
	if err != nil {
		return stage.Decision{}, err
	}

	err = p.runs.UpdateApplicationState(ctx, &domain.TemplateBuilderState{
		Stage:           string(decision.Next),
		NeedsConversion: boolPtr(decision.NeedsConversion),
		TemplateID:      tmpl.ID,
		Foundation:      tmpl.Foundation,
	}, domain.FieldConversionJobID, domain.FieldConvertedFile, domain.FieldConversionLog)
	if err != nil {
		return stage.Decision{}, fmt.Errorf("checkpoint selection: %w", err)
	}

	p.template = &tmpl
	p.needsConversion = decision.NeedsConversion
	p.current = decision.Next
	p.job = nil
	p.logger.Info("template selected",
		"template_id", tmpl.ID,
		"needs_conversion", decision.NeedsConversion,
		"next_stage", decision.Next,
	)
	return decision, nil
}

// StartConversion submits the selected template. Any earlier poll for this
// pipeline is stopped first.
func (p *Pipeline) StartConversion(ctx context.Context, settings domain.ConversionSettings) (*conversion.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != stage.TemplateConversion {
		return nil, fmt.Errorf("%w: %s", ErrWrongStage, p.current)
	}
	if p.template == nil {
		return nil, ErrNoTemplate
	}
	if p.job != nil {
		if id := p.job.Snapshot().ID; id != "" {
			p.conv.Stop(id)
		}
	}

	job, err := p.conv.Submit(ctx, *p.template, settings)
	p.job = job
	if err != nil {
		return job, err
	}

	if id := job.Snapshot().ID; id != "" {
		err := p.runs.UpdateApplicationState(ctx, &domain.TemplateBuilderState{ConversionJobID: id},
			domain.FieldConvertedFile, domain.FieldConversionLog)
		if err != nil {
			// The job is running either way; only resume-after-restart is lost.
			p.logger.Warn("checkpoint conversion job failed", "job_id", id, "error", err)
		}
	}
	return job, nil
}

// AwaitConversion blocks until the current conversion is terminal. Success
// checkpoints the artifact and moves to TEMPLATE_SETUP; an error leaves the
// stage unchanged so the user can retry.
func (p *Pipeline) AwaitConversion(ctx context.Context) (domain.ConversionJob, error) {
	p.mu.Lock()
	job := p.job
	p.mu.Unlock()

	if job == nil {
		return domain.ConversionJob{}, ErrNoConversion
	}
	snap, err := job.Wait(ctx)
	if err != nil {
		return snap, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.job != job {
		return snap, ErrConversionPending
	}
	if p.current != stage.TemplateConversion {
		return snap, fmt.Errorf("%w: %s", ErrWrongStage, p.current)
	}

	if snap.Status != domain.JobSuccess {
		return snap, fmt.Errorf("%w: %s", ErrConversionFailed, snap.ErrorMessage)
	}

	err = p.runs.UpdateApplicationState(ctx, &domain.TemplateBuilderState{
		Stage:         string(stage.TemplateSetup),
		ConvertedFile: snap.OutputFile,
		ConversionLog: snap.Log,
	})
	if err != nil {
		return snap, fmt.Errorf("checkpoint conversion: %w", err)
	}
	p.current = stage.TemplateSetup
	p.logger.Info("conversion complete", "job_id", snap.ID, "output_file", snap.OutputFile)
	return snap, nil
}

// Advance moves one stage forward. TEMPLATE_CONVERSION can only be left once
// its job has succeeded.
func (p *Pipeline) Advance(ctx context.Context) (stage.Stage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.current {
	case stage.ProgramSelection:
		if p.template == nil {
			return p.current, ErrNoTemplate
		}
	case stage.TemplateConversion:
		if p.job == nil || p.job.Snapshot().Status != domain.JobSuccess {
			return p.current, ErrConversionPending
		}
	}

	next, err := stage.Next(p.current, p.needsConversion)
	if err != nil {
		return p.current, err
	}
	return p.move(ctx, next)
}

// Back moves one stage backward. Leaving TEMPLATE_CONVERSION stops a job
// that is still running.
func (p *Pipeline) Back(ctx context.Context) (stage.Stage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, err := stage.Prev(p.current, p.needsConversion)
	if err != nil {
		return p.current, err
	}
	return p.move(ctx, prev)
}

// Close stops polling for the pipeline's job.
func (p *Pipeline) Close() {
	p.mu.Lock()
	job := p.job
	p.mu.Unlock()

	if job == nil {
		return
	}
	if snap := job.Snapshot(); snap.ID != "" && !snap.Status.Terminal() {
		p.conv.Stop(snap.ID)
	}
}

func (p *Pipeline) move(ctx context.Context, to stage.Stage) (stage.Stage, error) {
	if to == p.current {
		return p.current, nil
	}
	var running string
	if p.current == stage.TemplateConversion && p.job != nil {
		if snap := p.job.Snapshot(); snap.ID != "" && !snap.Status.Terminal() {
			running = snap.ID
		}
	}

	var clear []string
	if running != "" {
		clear = append(clear, domain.FieldConversionJobID)
	}
	if err := p.runs.UpdateApplicationState(ctx, &domain.TemplateBuilderState{Stage: string(to)}, clear...); err != nil {
		return p.current, fmt.Errorf("checkpoint stage: %w", err)
	}
	if running != "" {
		p.conv.Stop(running)
		p.job = nil
		p.logger.Info("conversion abandoned", "job_id", running, "stage", to)
	}
	p.logger.Debug("stage changed", "from", p.current, "to", to)
	p.current = to
	return to, nil
}

func boolPtr(v bool) *bool {
	return &v
}
