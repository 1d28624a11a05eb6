package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/veilworks/veil/pkg/log"
	"github.com/veilworks/veil/pkg/metrics"
	"github.com/veilworks/veil/pkg/queue"
	"github.com/veilworks/veil/pkg/types"
)

// Retention limits for terminal job records.
const (
	keepCompleted = 100
	keepFailed    = 50
)

// RuntimeConfig tunes the worker pools.
type RuntimeConfig struct {
	// Concurrency is the worker pool size per queue.
	Concurrency int
	// Visibility is the reservation window; a silent worker loses the job
	// to the stall reaper after it passes.
	Visibility time.Duration
	// JobTimeout is the per-job hard ceiling.
	JobTimeout time.Duration
	// PollInterval is the idle reserve backoff.
	PollInterval time.Duration
}

func (c *RuntimeConfig) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

// Runtime runs the stage processors against their queues: one worker pool
// per queue plus a stall reaper and a retention sweep.
type Runtime struct {
	p   *Pipeline
	cfg RuntimeConfig
	id  string
}

// NewRuntime creates a worker runtime for p.
func NewRuntime(p *Pipeline, cfg RuntimeConfig) *Runtime {
	cfg.defaults()
	return &Runtime{
		p:   p,
		cfg: cfg,
		id:  uuid.New().String()[:8],
	}
}

// processor maps each stage to its handler.
func (r *Runtime) processor(t types.JobType) func(*Task) (*StageResult, error) {
	switch t {
	case types.JobTypeFileProcessing:
		return r.p.processFileProcessing
	case types.JobTypeTextExtraction:
		return r.p.processTextExtraction
	case types.JobTypePIIAnalysis:
		return r.p.processPIIAnalysis
	case types.JobTypeAnonymization:
		return r.p.processAnonymization
	}
	return nil
}

// Run blocks until ctx is cancelled, operating every queue the pipeline
// was wired with.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for stage := range r.p.queues {
		stage := stage
		for i := 0; i < r.cfg.Concurrency; i++ {
			workerID := fmt.Sprintf("%s-%s-%d", r.id, stage, i)
			g.Go(func() error {
				r.workerLoop(ctx, stage, workerID)
				return nil
			})
		}
		g.Go(func() error {
			r.reaperLoop(ctx, stage)
			return nil
		})
	}

	g.Go(func() error {
		r.maintenanceLoop(ctx)
		return nil
	})

	return g.Wait()
}

// workerLoop reserves and processes jobs from one queue until shutdown.
func (r *Runtime) workerLoop(ctx context.Context, stage types.JobType, workerID string) {
	q := r.p.queues[stage]
	logger := log.WithWorkerID(workerID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := q.Reserve(ctx, workerID, r.cfg.Visibility)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("Reserve failed")
			}
			sleepCtx(ctx, r.cfg.PollInterval)
			continue
		}
		if job == nil {
			sleepCtx(ctx, r.cfg.PollInterval)
			continue
		}

		r.runJob(ctx, stage, job, workerID)
	}
}

// runJob executes one delivery end to end: transition, process, settle.
func (r *Runtime) runJob(ctx context.Context, stage types.JobType, job *types.Job, workerID string) {
	q := r.p.queues[stage]
	logger := log.WithJobID(job.ID)

	// The store record is canonical; the queue payload can lag it.
	if stored, err := r.p.store.GetJob(job.ID); err == nil {
		if stored.Status.Terminal() {
			_ = q.Ack(ctx, job.ID)
			return
		}
		stored.Attempt = job.Attempt
		stored.StallCount = job.StallCount
		job = stored
	} else if cerr := r.p.store.CreateJob(job); cerr != nil {
		logger.Error().Err(cerr).Msg("Failed to persist reserved job")
	}

	applied, err := r.p.store.TransitionJob(job.ID, []types.JobStatus{types.JobStatusQueued},
		func(j *types.Job) {
			j.Status = types.JobStatusRunning
			j.StartedAt = time.Now()
			j.Attempt = job.Attempt
			j.Error = ""
			j.ErrorKind = ""
			*job = *j
		})
	if err != nil || !applied {
		// Already running elsewhere or gone; surrender the reservation.
		_ = q.Ack(ctx, job.ID)
		return
	}

	r.p.audit.JobTransition(r.p.cfg.Actor, job.ID, types.JobStatusQueued, types.JobStatusRunning,
		map[string]string{"attempt": fmt.Sprintf("%d", job.Attempt)})
	r.p.publishJobStatus(job, "processing started")

	jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	watchDone := make(chan struct{})
	go r.watchJob(jobCtx, cancel, q, job.ID, watchDone)

	timer := metrics.NewTimer()
	task := newTask(jobCtx, r.p, job, logger)
	result, procErr := r.processor(stage)(task)
	cancel()
	<-watchDone
	timer.ObserveDuration(metrics.StageDuration.WithLabelValues(string(stage)))

	if ctx.Err() != nil && procErr != nil {
		// Shutdown: leave the reservation for stall recovery instead of
		// misclassifying the interruption as a user cancel.
		return
	}

	if procErr == nil {
		r.completeJob(ctx, stage, job, result)
		return
	}

	kind := types.KindOf(procErr)
	if kind == types.KindCancelled {
		_ = q.Ack(context.WithoutCancel(ctx), job.ID)
		r.p.markCancelled(job, "cancelled during processing")
		metrics.JobsProcessed.WithLabelValues(string(stage), "cancelled").Inc()
		return
	}
	if errors.Is(procErr, context.DeadlineExceeded) || jobCtx.Err() == context.DeadlineExceeded {
		kind = types.KindTimeout
	}

	redeliver, nerr := q.Nack(context.WithoutCancel(ctx), job.ID, kind.Retriable())
	if nerr != nil {
		logger.Error().Err(nerr).Msg("Nack failed")
	}
	if redeliver {
		metrics.JobsRetried.WithLabelValues(string(stage)).Inc()
		if _, err := r.p.store.TransitionJob(job.ID, []types.JobStatus{types.JobStatusRunning},
			func(j *types.Job) {
				j.Status = types.JobStatusQueued
				j.Error = procErr.Error()
				j.ErrorKind = kind
			}); err != nil {
			logger.Error().Err(err).Msg("Failed to requeue job record")
		}
		logger.Warn().Err(procErr).Str("kind", string(kind)).Int("attempt", job.Attempt).
			Msg("Stage failed, retry scheduled")
		return
	}

	r.failJob(job, kind, procErr)
	metrics.JobsProcessed.WithLabelValues(string(stage), "failed").Inc()
}

// watchJob cancels the job context when a cooperative cancel marker
// appears, and heartbeats the reservation while the processor runs.
func (r *Runtime) watchJob(ctx context.Context, cancel context.CancelFunc, q queue.Queue, jobID string, done chan<- struct{}) {
	defer close(done)

	heartbeat := time.NewTicker(r.cfg.Visibility / 3)
	defer heartbeat.Stop()
	cancelPoll := time.NewTicker(250 * time.Millisecond)
	defer cancelPoll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := q.Heartbeat(ctx, jobID, r.cfg.Visibility); err != nil && ctx.Err() == nil {
				jl := log.WithJobID(jobID)
				jl.Warn().Err(err).Msg("Heartbeat failed")
			}
		case <-cancelPoll.C:
			if cancelled, err := q.Cancelled(ctx, jobID); err == nil && cancelled {
				cancel()
				return
			}
		}
	}
}

// completeJob settles a successful delivery: terminal job write, dataset
// advance, successor enqueue, audit, events, notification.
func (r *Runtime) completeJob(ctx context.Context, stage types.JobType, job *types.Job, result *StageResult) {
	q := r.p.queues[stage]
	if err := q.Ack(context.WithoutCancel(ctx), job.ID); err != nil {
		jl := log.WithJobID(job.ID)
		jl.Warn().Err(err).Msg("Ack failed")
	}

	applied, err := r.p.store.TransitionJob(job.ID, []types.JobStatus{types.JobStatusRunning},
		func(j *types.Job) {
			j.Status = types.JobStatusCompleted
			j.Progress = 100
			j.EndedAt = time.Now()
			*job = *j
		})
	if err != nil || !applied {
		return
	}

	if result.DatasetStatus != "" {
		if _, err := r.p.store.AdvanceDataset(job.DatasetID, result.DatasetStatus, result.DatasetMutate); err != nil {
			jl := log.WithJobID(job.ID)
			jl.Error().Err(err).Msg("Failed to advance dataset")
		}
	} else if result.DatasetMutate != nil {
		if ds, err := r.p.store.GetDataset(job.DatasetID); err == nil {
			result.DatasetMutate(ds)
			_ = r.p.store.UpdateDataset(ds)
		}
	}
	if ds, err := r.p.store.GetDataset(job.DatasetID); err == nil {
		r.p.publishDatasetUpdate(job.UserID, ds)

		if ds.Status == types.DatasetStatusCompleted && r.p.notify != nil {
			if _, err := r.p.notify.Notify(job.UserID, types.NotificationSuccess,
				"Processing complete",
				fmt.Sprintf("Dataset %s finished processing", ds.FileName)); err != nil {
				jl := log.WithJobID(job.ID)
				jl.Warn().Err(err).Msg("Failed to write completion notification")
			}
		}
	}

	if result.Next != nil {
		r.enqueueSuccessor(ctx, job, result.Next)
	}

	r.p.audit.JobTransition(r.p.cfg.Actor, job.ID, types.JobStatusRunning, types.JobStatusCompleted,
		map[string]string{"datasetId": job.DatasetID})
	r.p.publishJobStatus(job, result.Message)
	metrics.JobsProcessed.WithLabelValues(string(stage), "completed").Inc()
}

// enqueueSuccessor persists and enqueues the next-stage job. Successor ids
// are deterministic, so a re-executed attempt finds the record already
// present and skips the duplicate enqueue.
func (r *Runtime) enqueueSuccessor(ctx context.Context, job *types.Job, next *types.Job) {
	if existing, err := r.p.store.GetJob(next.ID); err == nil {
		if !existing.Status.Terminal() {
			return // already in flight from a replayed completion
		}
		// Terminal successor from an earlier run (a retried predecessor
		// re-completing): reset it and run the stage again.
	}
	if err := r.p.store.CreateJob(next); err != nil {
		jl := log.WithJobID(job.ID)
		jl.Error().Err(err).Msg("Failed to persist successor job")
		return
	}
	if err := r.p.queues[next.Type].Enqueue(context.WithoutCancel(ctx), next); err != nil {
		jl := log.WithJobID(job.ID)
		jl.Error().Err(err).Str("successor", next.ID).Msg("Failed to enqueue successor")
		r.failJob(next, types.KindOf(err), err)
		return
	}
	r.p.publishJobStatus(next, "queued")
}

// failJob settles a terminal failure and absorbs the dataset unless a
// sibling job is still active.
func (r *Runtime) failJob(job *types.Job, kind types.Kind, cause error) {
	applied, err := r.p.store.TransitionJob(job.ID,
		[]types.JobStatus{types.JobStatusQueued, types.JobStatusRunning},
		func(j *types.Job) {
			j.Status = types.JobStatusFailed
			j.Error = cause.Error()
			j.ErrorKind = kind
			j.EndedAt = time.Now()
			*job = *j
		})
	if err != nil || !applied {
		return
	}

	siblingActive := false
	if jobs, err := r.p.store.ListJobsByDataset(job.DatasetID); err == nil {
		for _, sibling := range jobs {
			if sibling.ID != job.ID && !sibling.Status.Terminal() {
				siblingActive = true
				break
			}
		}
	}
	if !siblingActive {
		if _, err := r.p.store.AdvanceDataset(job.DatasetID, types.DatasetStatusFailed, nil); err == nil {
			if ds, err := r.p.store.GetDataset(job.DatasetID); err == nil {
				r.p.publishDatasetUpdate(job.UserID, ds)
			}
		}
	}

	r.p.audit.JobTransition(r.p.cfg.Actor, job.ID, types.JobStatusRunning, types.JobStatusFailed,
		map[string]string{"kind": string(kind), "error": cause.Error()})
	r.p.publishJobStatus(job, cause.Error())

	if r.p.notify != nil {
		if _, err := r.p.notify.Notify(job.UserID, types.NotificationError,
			"Processing failed",
			fmt.Sprintf("Job %s failed: %s", job.ID, kind)); err != nil {
			jl := log.WithJobID(job.ID)
			jl.Warn().Err(err).Msg("Failed to write failure notification")
		}
	}
}

// reaperLoop recovers stalled reservations for one queue.
func (r *Runtime) reaperLoop(ctx context.Context, stage types.JobType) {
	q := r.p.queues[stage]
	interval := r.cfg.Visibility / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			outcomes, err := q.RecoverStalled(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.p.logger.Error().Err(err).Str("queue", string(stage)).Msg("Stall recovery failed")
				}
				continue
			}
			for _, o := range outcomes {
				metrics.JobsStalled.WithLabelValues(string(stage)).Inc()
				if o.Failed {
					r.failJob(o.Job, types.KindStalled,
						errors.New("worker heartbeat lost twice"))
					continue
				}
				if _, err := r.p.store.TransitionJob(o.Job.ID, []types.JobStatus{types.JobStatusRunning},
					func(j *types.Job) {
						j.Status = types.JobStatusQueued
						j.StallCount = o.Job.StallCount
					}); err != nil {
					r.p.logger.Error().Err(err).Str("job_id", o.Job.ID).Msg("Failed to requeue stalled job")
				}
			}
		}
	}
}

// maintenanceLoop purges old terminal jobs, refreshes queue depth metrics,
// and sweeps old notifications.
func (r *Runtime) maintenanceLoop(ctx context.Context) {
	purge := time.NewTicker(time.Minute)
	defer purge.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-purge.C:
			if _, err := r.p.store.PurgeJobs(keepCompleted, keepFailed); err != nil {
				r.p.logger.Error().Err(err).Msg("Job purge failed")
			}
			for stage, q := range r.p.queues {
				if counts, err := q.Counts(ctx); err == nil {
					metrics.QueueDepth.WithLabelValues(string(stage), "ready").Set(float64(counts.Ready))
					metrics.QueueDepth.WithLabelValues(string(stage), "delayed").Set(float64(counts.Delayed))
					metrics.QueueDepth.WithLabelValues(string(stage), "reserved").Set(float64(counts.Reserved))
				}
			}
		case <-cleanup.C:
			if r.p.notify != nil {
				if _, err := r.p.notify.CleanupOld(); err != nil {
					r.p.logger.Error().Err(err).Msg("Notification cleanup failed")
				}
			}
		}
	}
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
