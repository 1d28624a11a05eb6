package storage

import (
	"time"

	"github.com/veilworks/veil/pkg/types"
)

// PolicyRecord is a stored policy document. Document holds the raw YAML or
// JSON body; Version is stored as given by the writer. A new version does not
// by itself refresh the policy engine's parsed cache; that takes
// policy.Engine.Invalidate.
type PolicyRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Document  []byte    `json:"document"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the durable status contract between the worker and the API.
// All job, dataset, and finding state is updated via transactions scoped to
// a single stage transition.
type Store interface {
	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	UpdateJob(job *types.Job) error
	// TransitionJob applies mutate to the job only if its current status is
	// one of from, inside a single transaction. It returns false (and no
	// error) when the transition has already occurred, making retried
	// transitions no-ops.
	TransitionJob(id string, from []types.JobStatus, mutate func(*types.Job)) (bool, error)
	ListJobs() ([]*types.Job, error)
	ListJobsByDataset(datasetID string) ([]*types.Job, error)
	// PurgeJobs removes old terminal jobs beyond the retention limits,
	// keeping the most recent keepCompleted completed and keepFailed failed
	// jobs per queue. It returns the number purged.
	PurgeJobs(keepCompleted, keepFailed int) (int, error)

	// Datasets
	CreateDataset(ds *types.Dataset) error
	GetDataset(id string) (*types.Dataset, error)
	UpdateDataset(ds *types.Dataset) error
	// AdvanceDataset moves the dataset to next only when the transition is
	// legal per types.DatasetStatus.Advances; illegal moves are no-ops.
	AdvanceDataset(id string, next types.DatasetStatus, mutate func(*types.Dataset)) (bool, error)

	// Findings
	// ReplaceFindings atomically replaces the findings of a dataset with the
	// given batch, stored in ascending (start, end) order. Re-executing the
	// same attempt writes an identical set.
	ReplaceFindings(datasetID string, findings []*types.Finding) error
	ListFindings(datasetID string) ([]*types.Finding, error)
	FindingsSummary(datasetID string) (*types.FindingsSummary, error)

	// Extracted text artifacts (transient)
	PutExtractedText(et *types.ExtractedText) error
	GetExtractedText(datasetID string) (*types.ExtractedText, error)
	DeleteExtractedText(datasetID string) error

	// Policies
	PutPolicy(rec *PolicyRecord) error
	GetPolicy(id string) (*PolicyRecord, error)
	ListPolicies() ([]*PolicyRecord, error)

	// Audit log
	AppendAudit(entry *types.AuditEntry) error
	ListAuditByResource(resourceID string) ([]*types.AuditEntry, error)

	// Notifications
	CreateNotification(n *types.Notification) error
	ListNotificationsByUser(userID string) ([]*types.Notification, error)
	MarkNotificationRead(id string) error
	// CleanupOldNotifications deletes notifications created before cutoff.
	CleanupOldNotifications(cutoff time.Time) (int, error)

	Close() error
}
