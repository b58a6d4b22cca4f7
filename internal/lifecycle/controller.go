// SPDX-License-Identifier: Apache-2.0

// Package lifecycle owns the in-memory state of one workflow run and routes
// every mutation through the run record store.
//
// A Controller is the single writer for the run it holds. Operations are
// serialised; Snapshot may be called at any time, including while an
// operation is in flight, and reports the busy flag and last error.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/adiadia/workflow-core/internal/auth"
	"github.com/adiadia/workflow-core/internal/domain"
	"github.com/adiadia/workflow-core/internal/metrics"
	"github.com/adiadia/workflow-core/internal/runstore"
	"github.com/google/uuid"
)

var ErrRunNotFound = errors.New("run not found")

type Store interface {
	Create(ctx context.Context, runID string, rec domain.RunRecord) (domain.RunRecord, error)
	Load(ctx context.Context, runID string) (domain.RunRecord, error)
	Write(ctx context.Context, runID string, rec domain.RunRecord) (domain.RunRecord, error)
	AppendCheckpoint(ctx context.Context, runID string, cp domain.Checkpoint) error
}

type Deps struct {
	Store  Store
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

type Controller struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	// op serialises operations; mu guards the fields below it.
	op sync.Mutex

	mu      sync.Mutex
	run     *domain.RunState
	meta    *domain.Metadata
	app     domain.ApplicationState
	loading bool
	errMsg  string
}

// Snapshot is a copy of the controller state; mutating it has no effect.
type Snapshot struct {
	Run              *domain.RunState
	Metadata         *domain.Metadata
	ApplicationState domain.ApplicationState
	Loading          bool
	Err              string
}

type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

func New(deps Deps) *Controller {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	return &Controller{
		store:  deps.Store,
		logger: l,
		now:    now,
		newID:  newID,
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		ApplicationState: domain.CloneApplicationState(c.app),
		Loading:          c.loading,
		Err:              c.errMsg,
	}
	if c.run != nil {
		run := *c.run
		s.Run = &run
	}
	if c.meta != nil {
		meta := c.meta.Clone()
		s.Metadata = &meta
	}
	return s
}

// InitializeRun creates a fresh NEW run owned by ownerID and makes it the
// active run. It returns the new run id.
func (c *Controller) InitializeRun(ctx context.Context, runType domain.RunType, ownerID string, totalSteps int) (string, error) {
	c.begin()
	defer c.end()

	empty, err := domain.NewApplicationState(runType)
	if err != nil {
		return "", c.fail("initialize run", "", err)
	}
	if totalSteps < 0 {
		totalSteps = 0
	}

	now := c.now()
	runID := c.newID()
	rec := domain.RunRecord{
		RunState: domain.RunState{
			RunID:   runID,
			RunType: runType,
			Status:  domain.RunNew,
		},
		Metadata: domain.Metadata{
			Created:        now,
			LastModified:   now,
			LastAccessed:   now,
			Owner:          ownerID,
			Collaborators:  []string{},
			CompletedSteps: []string{},
			TotalSteps:     totalSteps,
			AccessHistory:  []domain.AccessEntry{},
		},
		ApplicationState: empty,
	}

	stored, err := c.store.Create(ctx, runID, rec)
	if err != nil {
		return "", c.fail("initialize run", runID, err)
	}

	// The payload of a new run is always empty, whatever the store echoed.
	stored.ApplicationState = empty
	c.apply(stored)
	metrics.IncRunStatus(domain.RunNew)
	c.logger.Info("run initialized",
		"run_id", runID,
		"run_type", runType,
		"owner", ownerID,
		"total_steps", totalSteps,
	)
	return runID, nil
}

// LoadRun fetches runID, stamps lastAccessed and makes it the active run.
// The status is left as stored.
func (c *Controller) LoadRun(ctx context.Context, runID string) error {
	c.begin()
	defer c.end()

	rec, err := c.store.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			return c.fail("load run", runID, fmt.Errorf("%w: %s", ErrRunNotFound, runID))
		}
		return c.fail("load run", runID, err)
	}

	stamped := rec.Clone()
	stamped.Metadata.RecordAccess(auth.UserIDFromContext(ctx), c.now())

	written, err := c.store.Write(ctx, runID, stamped)
	switch {
	case errors.Is(err, runstore.ErrConflict):
		// Another holder wrote between our read and the stamp. Their
		// record wins; take it as loaded without an access stamp.
		c.logger.Warn("access stamp lost to concurrent write", "run_id", runID)
		fresh, loadErr := c.store.Load(ctx, runID)
		if loadErr != nil {
			return c.fail("load run", runID, loadErr)
		}
		written = fresh
	case err != nil:
		return c.fail("load run", runID, err)
	}

	c.apply(written)
	c.logger.Info("run loaded",
		"run_id", runID,
		"status", written.RunState.Status,
		"revision", written.RunState.Revision,
	)
	return nil
}

// SaveCheckpoint replaces the application state with state and persists the
// run as IN_PROCESS. Without an active run it does nothing.
func (c *Controller) SaveCheckpoint(ctx context.Context, state domain.ApplicationState) error {
	c.begin()
	defer c.end()
	return c.saveCheckpoint(ctx, state)
}

// UpdateApplicationState shallow-merges patch into the current state, resets
// the fields named in clear and saves the result as a checkpoint. The
// persisted write is a full replace.
func (c *Controller) UpdateApplicationState(ctx context.Context, patch domain.ApplicationState, clear ...string) error {
	c.begin()
	defer c.end()

	rec, ok := c.current()
	if !ok {
		return nil
	}
	merged, err := domain.MergeApplicationState(rec.ApplicationState, patch, clear...)
	if err != nil {
		return c.fail("update application state", rec.RunState.RunID, err)
	}
	return c.saveCheckpoint(ctx, merged)
}

// CompleteRun marks the run COMPLETE/ACTIVE, records the "final" step and
// replaces the application state with finalState.
func (c *Controller) CompleteRun(ctx context.Context, finalState domain.ApplicationState) error {
	c.begin()
	defer c.end()

	rec, ok := c.current()
	if !ok {
		return nil
	}
	state, err := c.coerce(rec.RunState.RunType, finalState)
	if err != nil {
		return c.fail("complete run", rec.RunState.RunID, err)
	}

	rec.RunState.Status = domain.RunComplete
	rec.RunState.SubStatus = domain.SubStatusActive
	rec.Metadata.AddStep(domain.FinalStepID)
	rec.Metadata.LastModified = c.now()
	rec.ApplicationState = state

	written, err := c.store.Write(ctx, rec.RunState.RunID, rec)
	if err != nil {
		return c.fail("complete run", rec.RunState.RunID, err)
	}

	written.ApplicationState = state
	c.apply(written)
	metrics.IncRunStatus(domain.RunComplete)
	c.logger.Info("run completed", "run_id", rec.RunState.RunID)
	return nil
}

// CompleteStep adds stepID to the completed steps. Repeating a step, or
// calling without an active run, does nothing. Only metadata changes.
func (c *Controller) CompleteStep(ctx context.Context, stepID string) error {
	c.begin()
	defer c.end()

	rec, ok := c.current()
	if !ok || rec.Metadata.HasStep(stepID) {
		return nil
	}

	rec.Metadata.AddStep(stepID)
	rec.Metadata.LastModified = c.now()

	written, err := c.store.Write(ctx, rec.RunState.RunID, rec)
	if err != nil {
		return c.fail("complete step", rec.RunState.RunID, err)
	}

	c.mu.Lock()
	meta := written.Metadata.Clone()
	c.meta = &meta
	c.run.Revision = written.RunState.Revision
	c.mu.Unlock()

	c.logger.Debug("step completed", "run_id", rec.RunState.RunID, "step", stepID)
	return nil
}

// AddCollaborator grants userID access to the active run. Metadata only.
func (c *Controller) AddCollaborator(ctx context.Context, userID string) error {
	c.begin()
	defer c.end()

	rec, ok := c.current()
	if !ok || !rec.Metadata.AddCollaborator(userID) {
		return nil
	}
	rec.Metadata.LastModified = c.now()

	written, err := c.store.Write(ctx, rec.RunState.RunID, rec)
	if err != nil {
		return c.fail("add collaborator", rec.RunState.RunID, err)
	}

	c.mu.Lock()
	meta := written.Metadata.Clone()
	c.meta = &meta
	c.run.Revision = written.RunState.Revision
	c.mu.Unlock()
	return nil
}

func (c *Controller) IsStepCompleted(stepID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta != nil && c.meta.HasStep(stepID)
}

func (c *Controller) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.meta == nil {
		return Progress{}
	}
	return progressOf(len(c.meta.CompletedSteps), c.meta.TotalSteps)
}

func progressOf(completed, total int) Progress {
	p := Progress{Completed: completed, Total: total}
	if total > 0 {
		pct := math.Round(float64(completed) / float64(total) * 100)
		p.Percentage = int(min(max(pct, 0), 100))
	}
	return p
}

func (c *Controller) ClearError() {
	c.mu.Lock()
	c.errMsg = ""
	c.mu.Unlock()
}

func (c *Controller) saveCheckpoint(ctx context.Context, state domain.ApplicationState) error {
	rec, ok := c.current()
	if !ok {
		return nil
	}
	next, err := c.coerce(rec.RunState.RunType, state)
	if err != nil {
		return c.fail("save checkpoint", rec.RunState.RunID, err)
	}

	// COMPLETE is terminal; a late checkpoint keeps the status.
	if rec.RunState.Status != domain.RunComplete {
		rec.RunState.Status = domain.RunInProcess
	}
	rec.Metadata.LastModified = c.now()
	rec.ApplicationState = next

	written, err := c.store.Write(ctx, rec.RunState.RunID, rec)
	if err != nil {
		return c.fail("save checkpoint", rec.RunState.RunID, err)
	}

	written.ApplicationState = next
	c.apply(written)
	metrics.IncRunStatus(written.RunState.Status)

	c.appendCheckpoint(ctx, written)
	return nil
}

// appendCheckpoint adds the snapshot to the checkpoint log. The record is
// already persisted, so a failure here is logged and not surfaced.
func (c *Controller) appendCheckpoint(ctx context.Context, rec domain.RunRecord) {
	raw, err := json.Marshal(rec.ApplicationState)
	if err != nil {
		c.logger.Warn("checkpoint snapshot marshal failed", "run_id", rec.RunState.RunID, "error", err)
		return
	}

	err = c.store.AppendCheckpoint(ctx, rec.RunState.RunID, domain.Checkpoint{
		RunID:            rec.RunState.RunID,
		Status:           rec.RunState.Status,
		ApplicationState: raw,
		CreatedAt:        rec.Metadata.LastModified,
	})
	if err != nil {
		c.logger.Warn("append checkpoint failed", "run_id", rec.RunState.RunID, "error", err)
	}
}

func (c *Controller) coerce(kind domain.RunType, state domain.ApplicationState) (domain.ApplicationState, error) {
	if state == nil {
		return domain.NewApplicationState(kind)
	}
	if state.Kind() != kind {
		return nil, fmt.Errorf("%w: %s state for %s run", domain.ErrStateKindMismatch, state.Kind(), kind)
	}
	return domain.CloneApplicationState(state), nil
}

// current returns a private copy of the active run.
func (c *Controller) current() (domain.RunRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run == nil || c.meta == nil {
		return domain.RunRecord{}, false
	}
	return domain.RunRecord{
		RunState:         *c.run,
		Metadata:         c.meta.Clone(),
		ApplicationState: domain.CloneApplicationState(c.app),
	}, true
}

func (c *Controller) apply(rec domain.RunRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run := rec.RunState
	meta := rec.Metadata.Clone()
	c.run = &run
	c.meta = &meta
	c.app = domain.CloneApplicationState(rec.ApplicationState)
}

func (c *Controller) begin() {
	c.op.Lock()
	c.mu.Lock()
	c.loading = true
	c.mu.Unlock()
}

func (c *Controller) end() {
	c.mu.Lock()
	c.loading = false
	c.mu.Unlock()
	c.op.Unlock()
}

// fail records a user-facing message for err and returns it wrapped. runID
// is the run op was working on, which need not be the active run.
func (c *Controller) fail(op, runID string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)

	c.mu.Lock()
	c.errMsg = "failed to " + wrapped.Error()
	c.mu.Unlock()

	c.logger.Error("run operation failed", "op", op, "run_id", runID, "error", err)
	return wrapped
}
