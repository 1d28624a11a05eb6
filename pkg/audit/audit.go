package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veilworks/veil/pkg/log"
	"github.com/veilworks/veil/pkg/storage"
	"github.com/veilworks/veil/pkg/types"
)

// Resource names used in audit entries.
const (
	ResourceJob     = "job"
	ResourceDataset = "dataset"
	ResourcePolicy  = "policy"
)

// Recorder appends audit entries for stage transitions and administrative
// actions. Failures are logged, never propagated: an audit miss must not
// fail a stage.
type Recorder struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewRecorder creates an audit recorder.
func NewRecorder(store storage.Store) *Recorder {
	return &Recorder{
		store:  store,
		logger: log.WithComponent("audit"),
	}
}

// Record appends one audit entry.
func (r *Recorder) Record(actor, action, resource, resourceID string, details map[string]string) {
	entry := &types.AuditEntry{
		ID:         uuid.New().String(),
		Actor:      actor,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Details:    details,
		CreatedAt:  time.Now(),
	}
	if err := r.store.AppendAudit(entry); err != nil {
		r.logger.Error().Err(err).
			Str("action", action).
			Str("resource_id", resourceID).
			Msg("Failed to append audit entry")
	}
}

// JobTransition records a job status change.
func (r *Recorder) JobTransition(actor, jobID string, from, to types.JobStatus, details map[string]string) {
	if details == nil {
		details = make(map[string]string, 2)
	}
	details["from"] = string(from)
	details["to"] = string(to)
	r.Record(actor, "job."+string(to), ResourceJob, jobID, details)
}
