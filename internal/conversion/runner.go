// SPDX-License-Identifier: Apache-2.0

// Package conversion submits template conversion jobs and polls them to a
// terminal state.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adiadia/workflow-core/internal/domain"
	"github.com/adiadia/workflow-core/internal/metrics"
)

const DefaultPollInterval = 2 * time.Second

// ErrPollingStopped is returned by Job.Wait when polling ended before the
// job reached a terminal state.
var ErrPollingStopped = errors.New("conversion polling stopped")

type API interface {
	Submit(ctx context.Context, tmpl domain.TemplateDescriptor, settings domain.ConversionSettings) (SubmitResult, error)
	Status(ctx context.Context, jobID string) (StatusResult, error)
}

// Job is the local handle for one conversion attempt. Its log only grows.
type Job struct {
	mu      sync.Mutex
	state   domain.ConversionJob
	started time.Time

	done     chan struct{}
	doneOnce sync.Once
}

func newJob(started time.Time) *Job {
	return &Job{
		state:   domain.ConversionJob{Status: domain.JobIdle, Log: []string{}},
		started: started,
		done:    make(chan struct{}),
	}
}

func (j *Job) Snapshot() domain.ConversionJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Clone()
}

// Done is closed once the job is terminal or its polling has stopped.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until Done and returns the final snapshot.
func (j *Job) Wait(ctx context.Context) (domain.ConversionJob, error) {
	select {
	case <-ctx.Done():
		return j.Snapshot(), ctx.Err()
	case <-j.done:
	}

	snap := j.Snapshot()
	if !snap.Status.Terminal() {
		return snap, ErrPollingStopped
	}
	return snap, nil
}

func (j *Job) close() {
	j.doneOnce.Do(func() { close(j.done) })
}

func (j *Job) appendLog(line string) {
	j.mu.Lock()
	j.state.Log = append(j.state.Log, line)
	j.mu.Unlock()
}

// finish moves the job to a terminal status and reports whether it did so.
func (j *Job) finish(status domain.JobStatus, outputFile, message string) bool {
	j.mu.Lock()
	if j.state.Status.Terminal() {
		j.mu.Unlock()
		return false
	}
	j.state.Status = status
	if status == domain.JobSuccess {
		j.state.OutputFile = outputFile
	} else {
		j.state.ErrorMessage = message
	}
	j.mu.Unlock()

	j.close()
	return true
}

// observe folds one status response into the job and reports whether the
// job is now terminal. The log delta is taken against the job's current log,
// read under the same lock that appends to it.
func (j *Job) observe(res StatusResult) (domain.JobStatus, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if known := len(j.state.Log); len(res.Log) > known {
		j.state.Log = append(j.state.Log, res.Log[known:]...)
	}

	if res.Status == "" || res.Status == j.state.Status {
		return j.state.Status, false
	}

	switch res.Status {
	case domain.JobSuccess:
		j.state.OutputFile = res.OutputFile
	case domain.JobError:
		j.state.ErrorMessage = res.Message
		if j.state.ErrorMessage == "" {
			j.state.ErrorMessage = "conversion failed"
		}
	case domain.JobIdle, domain.JobConverting:
	default:
		return j.state.Status, false
	}
	j.state.Status = res.Status
	return res.Status, res.Status.Terminal()
}

type Runner struct {
	api      API
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	polls map[string]*poll
}

type poll struct {
	job    *Job
	cancel context.CancelFunc
}

func NewRunner(api API, interval time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	root, cancel := context.WithCancel(context.Background())
	return &Runner{
		api:      api,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		root:     root,
		cancel:   cancel,
		polls:    make(map[string]*poll),
	}
}

// Submit starts a conversion for tmpl. The returned job is already terminal
// when the server answered synchronously; otherwise it is being polled. A
// transport failure leaves the job in error and is also returned.
func (r *Runner) Submit(ctx context.Context, tmpl domain.TemplateDescriptor, settings domain.ConversionSettings) (*Job, error) {
	job := newJob(r.now())
	job.mu.Lock()
	job.state.Status = domain.JobConverting
	job.state.Log = append(job.state.Log, fmt.Sprintf("Starting conversion of %s...", templateLabel(tmpl)))
	job.mu.Unlock()

	res, err := r.api.Submit(ctx, tmpl, settings)
	if err != nil {
		r.complete(job, domain.JobError, "", err.Error())
		r.logger.Error("conversion submit failed", "template_id", tmpl.ID, "error", err)
		return job, fmt.Errorf("submit conversion: %w", err)
	}

	if !res.Started() {
		if res.Success {
			r.complete(job, domain.JobSuccess, res.Path, "")
		} else {
			msg := res.Error
			if msg == "" {
				msg = "conversion failed"
			}
			r.complete(job, domain.JobError, "", msg)
		}
		r.logger.Info("conversion finished synchronously",
			"template_id", tmpl.ID,
			"status", job.Snapshot().Status,
		)
		return job, nil
	}

	job.mu.Lock()
	job.state.ID = res.JobID
	job.mu.Unlock()

	r.logger.Info("conversion job started", "template_id", tmpl.ID, "job_id", res.JobID)
	return r.track(res.JobID, job), nil
}

// Watch polls an already-submitted job, e.g. one resumed from a checkpoint.
// Watching a job that is already polled returns the existing handle.
func (r *Runner) Watch(jobID string) *Job {
	job := newJob(r.now())
	job.state.ID = jobID
	job.state.Status = domain.JobConverting
	return r.track(jobID, job)
}

// Stop ends polling for jobID without changing its status.
func (r *Runner) Stop(jobID string) {
	r.mu.Lock()
	p, ok := r.polls[jobID]
	r.mu.Unlock()
	if ok {
		p.cancel()
	}
}

// Active reports whether jobID currently has a poll loop.
func (r *Runner) Active(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.polls[jobID]
	return ok
}

// Close stops every poll loop and waits for them to exit.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) track(jobID string, job *Job) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.polls[jobID]; ok {
		return existing.job
	}

	ctx, cancel := context.WithCancel(r.root)
	r.polls[jobID] = &poll{job: job, cancel: cancel}
	r.wg.Add(1)
	go r.loop(ctx, jobID, job)
	return job
}

func (r *Runner) loop(ctx context.Context, jobID string, job *Job) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if p, ok := r.polls[jobID]; ok && p.job == job {
			p.cancel()
			delete(r.polls, jobID)
		}
		r.mu.Unlock()
		job.close()
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("conversion polling stopped", "job_id", jobID)
			return
		case <-ticker.C:
			if r.tick(ctx, jobID, job) {
				return
			}
		}
	}
}

// tick issues one status request and reports whether polling should end.
func (r *Runner) tick(ctx context.Context, jobID string, job *Job) bool {
	res, err := r.api.Status(ctx, jobID)
	switch {
	case errors.Is(err, ErrJobNotFound):
		metrics.IncConversionPoll(metrics.PollNotFound)
		return false
	case err != nil:
		if ctx.Err() != nil {
			return true
		}
		metrics.IncConversionPoll(metrics.PollFailed)
		r.logger.Warn("conversion status failed", "job_id", jobID, "error", err)
		return false
	case !res.Success:
		metrics.IncConversionPoll(metrics.PollFailed)
		r.logger.Warn("conversion status unsuccessful", "job_id", jobID, "message", res.Message)
		return false
	}
	metrics.IncConversionPoll(metrics.PollOK)

	status, terminal := job.observe(res)
	if !terminal {
		return false
	}

	job.close()
	r.record(job, status)
	r.logger.Info("conversion job finished", "job_id", jobID, "status", status)
	return true
}

func (r *Runner) complete(job *Job, status domain.JobStatus, outputFile, message string) {
	if job.finish(status, outputFile, message) {
		r.record(job, status)
	}
}

func (r *Runner) record(job *Job, status domain.JobStatus) {
	metrics.IncConversionJob(status)
	metrics.ObserveConversionDuration(r.now().Sub(job.started))
}

func templateLabel(t domain.TemplateDescriptor) string {
	if t.Name != "" {
		return t.Name
	}
	if t.ID != "" {
		return t.ID
	}
	return "template"
}
