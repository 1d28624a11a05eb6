package types

import (
	"time"
)

// JobType identifies the pipeline stage a job belongs to.
type JobType string

const (
	JobTypeFileProcessing JobType = "file_processing"
	JobTypeTextExtraction JobType = "text_extraction"
	JobTypePIIAnalysis    JobType = "pii_analysis"
	JobTypeAnonymization  JobType = "anonymization"
)

// StageOrder lists the pipeline stages in execution order.
var StageOrder = []JobType{
	JobTypeFileProcessing,
	JobTypeTextExtraction,
	JobTypePIIAnalysis,
	JobTypeAnonymization,
}

// NextStage returns the stage that follows t, or "" for the last stage.
func NextStage(t JobType) JobType {
	for i, s := range StageOrder {
		if s == t && i+1 < len(StageOrder) {
			return StageOrder[i+1]
		}
	}
	return ""
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is a terminal job status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job metadata keys with contractual meaning.
const (
	MetaIsRetry       = "isRetry"
	MetaOriginalJobID = "originalJobId"
	MetaRetryAttempt  = "retryAttempt"
)

// Job is a unit of work for one pipeline stage on one dataset.
// A terminal job takes no further status transitions; its record is only
// purged, or overwritten when the pipeline re-creates it as the successor of
// a re-completed stage.
type Job struct {
	ID         string            `json:"id"`
	Type       JobType           `json:"type"`
	Status     JobStatus         `json:"status"`
	Priority   int               `json:"priority"`
	Progress   int               `json:"progress"`
	Attempt    int               `json:"attempt"`
	StallCount int               `json:"stallCount,omitempty"`
	DatasetID  string            `json:"datasetId"`
	PolicyID   string            `json:"policyId,omitempty"`
	UserID     string            `json:"userId"`
	ProjectID  string            `json:"projectId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorKind  Kind              `json:"errorKind,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	StartedAt  time.Time         `json:"startedAt,omitzero"`
	EndedAt    time.Time         `json:"endedAt,omitzero"`
}

// AttemptID identifies one execution attempt of a job, used as the
// idempotence scope for persisted artifacts.
func (j *Job) AttemptID() string {
	return j.ID + "-" + itoa(j.Attempt)
}

// SetMeta sets a metadata key, allocating the map on first use.
func (j *Job) SetMeta(key, value string) {
	if j.Metadata == nil {
		j.Metadata = make(map[string]string)
	}
	j.Metadata[key] = value
}

func itoa(n int) string {
	if n <= 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// DatasetStatus is the stage-derived status of a dataset. It advances
// monotonically along the pipeline except on Failed/Cancelled, which absorb.
type DatasetStatus string

const (
	DatasetStatusPending     DatasetStatus = "pending"
	DatasetStatusExtracting  DatasetStatus = "extracting"
	DatasetStatusAnalyzing   DatasetStatus = "analyzing"
	DatasetStatusAnonymizing DatasetStatus = "anonymizing"
	DatasetStatusCompleted   DatasetStatus = "completed"
	DatasetStatusFailed      DatasetStatus = "failed"
	DatasetStatusCancelled   DatasetStatus = "cancelled"
)

var datasetRank = map[DatasetStatus]int{
	DatasetStatusPending:     0,
	DatasetStatusExtracting:  1,
	DatasetStatusAnalyzing:   2,
	DatasetStatusAnonymizing: 3,
	DatasetStatusCompleted:   4,
}

// Advances reports whether moving from s to next is a legal dataset status
// transition. Failed and Cancelled are absorbing; only forward moves are legal.
func (s DatasetStatus) Advances(next DatasetStatus) bool {
	if s == DatasetStatusFailed || s == DatasetStatusCancelled {
		return false
	}
	if next == DatasetStatusFailed || next == DatasetStatusCancelled {
		return true
	}
	return datasetRank[next] > datasetRank[s]
}

// Dataset is a single user-uploaded file tracked through the pipeline.
type Dataset struct {
	ID            string            `json:"id"`
	FileName      string            `json:"fileName"`
	FileType      string            `json:"fileType"`
	MimeType      string            `json:"mimeType,omitempty"`
	SizeBytes     int64             `json:"sizeBytes"`
	Status        DatasetStatus     `json:"status"`
	SourcePath    string            `json:"sourcePath"`
	OutputPaths   map[string]string `json:"outputPaths,omitempty"`
	ProjectID     string            `json:"projectId,omitempty"`
	UserID        string            `json:"userId"`
	PolicyID      string            `json:"policyId,omitempty"`
	FindingsCount int               `json:"findingsCount"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// SetMeta sets a metadata key, allocating the map on first use.
func (d *Dataset) SetMeta(key, value string) {
	if d.Metadata == nil {
		d.Metadata = make(map[string]string)
	}
	d.Metadata[key] = value
}

// SetOutput records an output artifact path under the given tag.
func (d *Dataset) SetOutput(tag, path string) {
	if d.OutputPaths == nil {
		d.OutputPaths = make(map[string]string)
	}
	d.OutputPaths[tag] = path
}

// AnonymizeAction is the operator chosen for a detected range.
type AnonymizeAction string

const (
	ActionRedact  AnonymizeAction = "redact"
	ActionMask    AnonymizeAction = "mask"
	ActionReplace AnonymizeAction = "replace"
	ActionHash    AnonymizeAction = "hash"
	ActionEncrypt AnonymizeAction = "encrypt"
)

// Finding is one detected PII instance located by byte offsets [Start, End)
// into the extracted text. Findings for a dataset form an ordered sequence
// by (Start, End).
type Finding struct {
	ID            string          `json:"id"`
	DatasetID     string          `json:"datasetId"`
	AttemptID     string          `json:"attemptId"`
	EntityType    string          `json:"entityType"`
	Start         int             `json:"start"`
	End           int             `json:"end"`
	Confidence    float64         `json:"confidence"`
	Line          int             `json:"line,omitempty"`
	Column        int             `json:"column,omitempty"`
	ColumnName    string          `json:"columnName,omitempty"`
	ContextBefore string          `json:"contextBefore,omitempty"`
	ContextAfter  string          `json:"contextAfter,omitempty"`
	Action        AnonymizeAction `json:"action"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// FindingsSummary aggregates the findings of one dataset.
type FindingsSummary struct {
	DatasetID     string         `json:"datasetId"`
	Total         int            `json:"total"`
	ByEntityType  map[string]int `json:"byEntityType"`
	MaxConfidence float64        `json:"maxConfidence"`
}

// ExtractedText is the transient per-job extraction artifact. Its lifetime
// ends when analysis completes.
type ExtractedText struct {
	DatasetID  string            `json:"datasetId"`
	Text       string            `json:"text"`
	Encoding   string            `json:"encoding"`
	Method     string            `json:"method"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AuditEntry records one stage transition or administrative action.
type AuditEntry struct {
	ID         string            `json:"id"`
	Actor      string            `json:"actor"`
	Action     string            `json:"action"`
	Resource   string            `json:"resource"`
	ResourceID string            `json:"resourceId"`
	Details    map[string]string `json:"details,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// NotificationType classifies a notification for display.
type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationSuccess NotificationType = "success"
	NotificationWarning NotificationType = "warning"
	NotificationError   NotificationType = "error"
)

// Notification is a persisted per-user message. It is written to the store
// before any push delivery so a missed push can be recovered by a pull.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
}

// EnqueueRequest is the inbound contract from the API to the pipeline.
type EnqueueRequest struct {
	JobID     string `json:"jobId,omitempty"`
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId,omitempty"`
	DatasetID string `json:"datasetId"`
	FilePath  string `json:"filePath"`
	FileName  string `json:"fileName"`
	FileSize  int64  `json:"fileSize"`
	MimeType  string `json:"mimeType"`
	PolicyID  string `json:"policyId,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}
