package events

import (
	"encoding/json"
	"time"

	"github.com/veilworks/veil/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventJobStatus     EventType = "job_status"
	EventDatasetUpdate EventType = "dataset_update"
	EventNotification  EventType = "notification"
	EventHeartbeat     EventType = "heartbeat"
	EventSystemStatus  EventType = "system_status"
)

// JobStatusData is the payload of a job_status event.
type JobStatusData struct {
	JobID    string          `json:"jobId"`
	Status   types.JobStatus `json:"status"`
	Progress int             `json:"progress"`
	Message  string          `json:"message,omitempty"`
}

// DatasetUpdateData is the payload of a dataset_update event.
type DatasetUpdateData struct {
	DatasetID     string              `json:"datasetId"`
	Status        types.DatasetStatus `json:"status"`
	FindingsCount int                 `json:"findingsCount"`
}

// NotificationData is the payload of a notification event.
type NotificationData struct {
	ID      string                 `json:"id"`
	Title   string                 `json:"title"`
	Message string                 `json:"message"`
	Type    types.NotificationType `json:"type"`
}

// HeartbeatData is the payload of a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time `json:"timestamp"`
}

// SystemStatusData is the payload of a system_status event.
type SystemStatusData struct {
	Component string `json:"component"`
	Healthy   bool   `json:"healthy"`
	Message   string `json:"message,omitempty"`
}

// Event is one frame pushed to subscribers: a tagged sum over the finite
// event kinds. Exactly one payload field is set, matching Type. Ext carries
// free-form extensions.
type Event struct {
	Type      EventType
	Timestamp time.Time

	JobStatus     *JobStatusData
	DatasetUpdate *DatasetUpdateData
	Notification  *NotificationData
	Heartbeat     *HeartbeatData
	SystemStatus  *SystemStatusData

	Ext map[string]any
}

// frame is the wire shape: {type, data, timestamp}.
type frame struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalJSON serializes the event as its wire frame.
func (e *Event) MarshalJSON() ([]byte, error) {
	var data any
	switch e.Type {
	case EventJobStatus:
		data = e.JobStatus
	case EventDatasetUpdate:
		data = e.DatasetUpdate
	case EventNotification:
		data = e.Notification
	case EventHeartbeat:
		data = e.Heartbeat
	case EventSystemStatus:
		data = e.SystemStatus
	}
	if len(e.Ext) > 0 {
		merged := make(map[string]any, len(e.Ext)+1)
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		var base map[string]any
		if err := json.Unmarshal(raw, &base); err == nil {
			for k, v := range base {
				merged[k] = v
			}
		}
		for k, v := range e.Ext {
			merged[k] = v
		}
		data = merged
	}
	return json.Marshal(frame{Type: e.Type, Data: data, Timestamp: e.Timestamp})
}

// NewJobStatus builds a job_status event.
func NewJobStatus(jobID string, status types.JobStatus, progress int, message string) *Event {
	return &Event{
		Type:      EventJobStatus,
		Timestamp: time.Now(),
		JobStatus: &JobStatusData{JobID: jobID, Status: status, Progress: progress, Message: message},
	}
}

// NewDatasetUpdate builds a dataset_update event.
func NewDatasetUpdate(datasetID string, status types.DatasetStatus, findingsCount int) *Event {
	return &Event{
		Type:          EventDatasetUpdate,
		Timestamp:     time.Now(),
		DatasetUpdate: &DatasetUpdateData{DatasetID: datasetID, Status: status, FindingsCount: findingsCount},
	}
}

// NewNotification builds a notification event from a persisted record.
func NewNotification(n *types.Notification) *Event {
	return &Event{
		Type:      EventNotification,
		Timestamp: time.Now(),
		Notification: &NotificationData{
			ID:      n.ID,
			Title:   n.Title,
			Message: n.Message,
			Type:    n.Type,
		},
	}
}

// NewHeartbeat builds a heartbeat event.
func NewHeartbeat() *Event {
	now := time.Now()
	return &Event{
		Type:      EventHeartbeat,
		Timestamp: now,
		Heartbeat: &HeartbeatData{Timestamp: now},
	}
}
