package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veilworks/veil/pkg/anonymize"
	"github.com/veilworks/veil/pkg/audit"
	"github.com/veilworks/veil/pkg/detect"
	"github.com/veilworks/veil/pkg/events"
	"github.com/veilworks/veil/pkg/extract"
	"github.com/veilworks/veil/pkg/log"
	"github.com/veilworks/veil/pkg/notify"
	"github.com/veilworks/veil/pkg/policy"
	"github.com/veilworks/veil/pkg/queue"
	"github.com/veilworks/veil/pkg/storage"
	"github.com/veilworks/veil/pkg/types"
)

// Detector abstracts the PII analyzer client for the analysis stage.
type Detector interface {
	Analyze(ctx context.Context, req detect.Request) ([]detect.Detection, error)
}

// Config carries the pipeline-wide knobs.
type Config struct {
	// OutputDir receives anonymized artifacts.
	OutputDir string
	// MaxFileSize is the global accept ceiling; a policy may lower it for
	// its own scope but never raise it.
	MaxFileSize int64
	// Actor identifies this process in audit entries.
	Actor string
}

// Pipeline owns the stage processors and the collaborators they share. It
// is the single composition point: every dependency is explicit, nothing is
// reached through globals.
type Pipeline struct {
	store      storage.Store
	queues     map[types.JobType]queue.Queue
	policies   *policy.Engine
	router     *extract.Router
	detector   Detector
	anonymizer anonymize.Anonymizer
	broker     *events.Broker
	audit      *audit.Recorder
	notify     *notify.Service
	cfg        Config
	logger     zerolog.Logger
}

// New wires a pipeline. queues must contain one queue per stage.
func New(
	store storage.Store,
	queues map[types.JobType]queue.Queue,
	policies *policy.Engine,
	router *extract.Router,
	detector Detector,
	anonymizer anonymize.Anonymizer,
	broker *events.Broker,
	auditRec *audit.Recorder,
	notifySvc *notify.Service,
	cfg Config,
) *Pipeline {
	if cfg.Actor == "" {
		cfg.Actor = "pipeline"
	}
	return &Pipeline{
		store:      store,
		queues:     queues,
		policies:   policies,
		router:     router,
		detector:   detector,
		anonymizer: anonymizer,
		broker:     broker,
		audit:      auditRec,
		notify:     notifySvc,
		cfg:        cfg,
		logger:     log.WithComponent("pipeline"),
	}
}

// Queue returns the queue for a stage.
func (p *Pipeline) Queue(t types.JobType) queue.Queue {
	return p.queues[t]
}

// Store exposes the durable store for read paths (API handlers).
func (p *Pipeline) Store() storage.Store {
	return p.store
}

// SetMaxFileSize adjusts the accept ceiling at runtime (config reload).
func (p *Pipeline) SetMaxFileSize(n int64) {
	p.cfg.MaxFileSize = n
}

// EnqueueFileProcessing is the inbound contract from the API: it creates
// the first-stage job for a dataset and enqueues it. A full queue fails
// fast with kind queue_full; the job record already written is kept and
// marked Failed with that kind.
func (p *Pipeline) EnqueueFileProcessing(ctx context.Context, req types.EnqueueRequest) (*types.Job, error) {
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	job := &types.Job{
		ID:        jobID,
		Type:      types.JobTypeFileProcessing,
		Status:    types.JobStatusQueued,
		Priority:  req.Priority,
		DatasetID: req.DatasetID,
		PolicyID:  req.PolicyID,
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		CreatedAt: time.Now(),
	}

	if err := p.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	if err := p.queues[types.JobTypeFileProcessing].Enqueue(ctx, job); err != nil {
		// Mark the record Failed so a rejected enqueue leaves no job stuck in Queued.
		if _, derr := p.store.TransitionJob(job.ID, []types.JobStatus{types.JobStatusQueued}, func(j *types.Job) {
			j.Status = types.JobStatusFailed
			j.Error = "enqueue rejected"
			j.ErrorKind = types.KindOf(err)
			j.EndedAt = time.Now()
		}); derr != nil {
			p.logger.Error().Err(derr).Str("job_id", job.ID).Msg("Failed to mark rejected job")
		}
		return nil, err
	}

	p.audit.Record(req.UserID, "job.enqueued", audit.ResourceJob, job.ID, map[string]string{
		"datasetId": req.DatasetID,
		"fileName":  req.FileName,
	})
	p.publishJobStatus(job, "queued")
	return job, nil
}

// Cancel requests cancellation of a job. Queued jobs cancel immediately;
// running jobs are marked for cooperative cancellation and reach Cancelled
// when the processor observes the marker.
func (p *Pipeline) Cancel(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	q, ok := p.queues[job.Type]
	if !ok {
		return fmt.Errorf("no queue for job type %s", job.Type)
	}

	removed, err := q.Cancel(ctx, jobID)
	if err != nil {
		return err
	}
	if removed {
		p.markCancelled(job, "cancelled while queued")
	}
	// A reserved job finishes cancellation cooperatively in the runtime.
	return nil
}

// Retry clones a failed job into a fresh one and enqueues it. The dataset
// status resets to Pending only when the dataset is currently Failed.
func (p *Pipeline) Retry(ctx context.Context, jobID string) (*types.Job, error) {
	orig, err := p.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if orig.Status != types.JobStatusFailed {
		return nil, fmt.Errorf("job %s is %s, only failed jobs can be retried", jobID, orig.Status)
	}

	retryAttempt := 1
	if prev, ok := orig.Metadata[types.MetaRetryAttempt]; ok {
		fmt.Sscanf(prev, "%d", &retryAttempt)
		retryAttempt++
	}

	job := &types.Job{
		ID:        uuid.New().String(),
		Type:      orig.Type,
		Status:    types.JobStatusQueued,
		Priority:  orig.Priority,
		DatasetID: orig.DatasetID,
		PolicyID:  orig.PolicyID,
		UserID:    orig.UserID,
		ProjectID: orig.ProjectID,
		CreatedAt: time.Now(),
	}
	job.SetMeta(types.MetaIsRetry, "true")
	job.SetMeta(types.MetaOriginalJobID, orig.ID)
	job.SetMeta(types.MetaRetryAttempt, fmt.Sprintf("%d", retryAttempt))

	if ds, err := p.store.GetDataset(orig.DatasetID); err == nil && ds.Status == types.DatasetStatusFailed {
		ds.Status = types.DatasetStatusPending
		ds.UpdatedAt = time.Now()
		if err := p.store.UpdateDataset(ds); err != nil {
			return nil, fmt.Errorf("failed to reset dataset status: %w", err)
		}
	}

	if err := p.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("failed to persist retry job: %w", err)
	}
	if err := p.queues[job.Type].Enqueue(ctx, job); err != nil {
		return nil, err
	}

	p.audit.Record(p.cfg.Actor, "job.retried", audit.ResourceJob, job.ID, map[string]string{
		"originalJobId": orig.ID,
		"retryAttempt":  fmt.Sprintf("%d", retryAttempt),
	})
	p.publishJobStatus(job, "retry of "+orig.ID)
	return job, nil
}

// publishJobStatus pushes a job_status frame to the job owner.
func (p *Pipeline) publishJobStatus(job *types.Job, message string) {
	if p.broker == nil {
		return
	}
	p.broker.PublishToUser(job.UserID, events.NewJobStatus(job.ID, job.Status, job.Progress, message))
}

// publishDatasetUpdate pushes a dataset_update frame to the dataset owner.
func (p *Pipeline) publishDatasetUpdate(userID string, ds *types.Dataset) {
	if p.broker == nil {
		return
	}
	ev := events.NewDatasetUpdate(ds.ID, ds.Status, ds.FindingsCount)
	if ds.Metadata["pdfCoordinatesUnavailable"] == "true" {
		ev.Ext = map[string]any{"pdfCoordinatesUnavailable": true}
	}
	p.broker.PublishToUser(userID, ev)
}

// markCancelled finalizes a cancelled job and absorbs the dataset.
func (p *Pipeline) markCancelled(job *types.Job, reason string) {
	prev := job.Status
	applied, err := p.store.TransitionJob(job.ID,
		[]types.JobStatus{types.JobStatusQueued, types.JobStatusRunning},
		func(j *types.Job) {
			prev = j.Status
			j.Status = types.JobStatusCancelled
			j.ErrorKind = types.KindCancelled
			j.Error = reason
			j.EndedAt = time.Now()
			*job = *j
		})
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job cancelled")
		return
	}
	if !applied {
		return
	}

	if _, err := p.store.AdvanceDataset(job.DatasetID, types.DatasetStatusCancelled, nil); err == nil {
		if ds, err := p.store.GetDataset(job.DatasetID); err == nil {
			p.publishDatasetUpdate(job.UserID, ds)
		}
	}

	p.audit.JobTransition(p.cfg.Actor, job.ID, prev, types.JobStatusCancelled,
		map[string]string{"reason": reason})
	p.publishJobStatus(job, reason)
}
