package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/veilworks/veil/pkg/types"
)

// Task carries one delivery of a job through its stage processor. It owns
// the cancellable context, monotonic progress reporting, and the
// cancellation checks processors run at every suspension point.
type Task struct {
	job    *types.Job
	ctx    context.Context
	p      *Pipeline
	logger zerolog.Logger
}

func newTask(ctx context.Context, p *Pipeline, job *types.Job, logger zerolog.Logger) *Task {
	return &Task{job: job, ctx: ctx, p: p, logger: logger}
}

// Context is the per-job cancellable context. Every external call the
// processor makes must take it.
func (t *Task) Context() context.Context {
	return t.ctx
}

// Job returns the job under processing.
func (t *Task) Job() *types.Job {
	return t.job
}

// CheckCancel returns a cancelled-kind error when the job's context is
// done. Processors call it before each I/O and at each progress emission.
func (t *Task) CheckCancel() error {
	if err := t.ctx.Err(); err != nil {
		return types.E(types.KindCancelled, "stage."+string(t.job.Type), err)
	}
	return nil
}

// Progress records and publishes job progress. Values are clamped so the
// emitted sequence is non-decreasing regardless of processor behavior.
func (t *Task) Progress(pct int, message string) {
	if pct < t.job.Progress {
		pct = t.job.Progress
	}
	if pct > 100 {
		pct = 100
	}
	if pct == t.job.Progress && message == "" {
		return
	}
	t.job.Progress = pct

	if _, err := t.p.store.TransitionJob(t.job.ID,
		[]types.JobStatus{types.JobStatusRunning},
		func(j *types.Job) {
			if pct > j.Progress {
				j.Progress = pct
			}
		}); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to persist progress")
	}

	t.p.publishJobStatus(t.job, message)
}

// StageResult is what a successful processor hands back to the runtime.
type StageResult struct {
	// DatasetStatus advances the dataset when set.
	DatasetStatus types.DatasetStatus
	// DatasetMutate applies extra dataset changes in the same transaction
	// as the status advance.
	DatasetMutate func(*types.Dataset)
	// Next is the successor job to enqueue, nil for the last stage.
	Next *types.Job
	// Message annotates the completion frame.
	Message string
}

// successor builds the next-stage job inheriting the correlation fields.
func successor(job *types.Job, next types.JobType, id string) *types.Job {
	s := &types.Job{
		ID:        id,
		Type:      next,
		Status:    types.JobStatusQueued,
		Priority:  job.Priority,
		DatasetID: job.DatasetID,
		PolicyID:  job.PolicyID,
		UserID:    job.UserID,
		ProjectID: job.ProjectID,
		CreatedAt: time.Now(),
	}
	for k, v := range job.Metadata {
		s.SetMeta(k, v)
	}
	return s
}
