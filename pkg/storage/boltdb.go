package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/veilworks/veil/pkg/types"
)

var (
	// Bucket names
	bucketJobs          = []byte("jobs")
	bucketDatasets      = []byte("datasets")
	bucketFindings      = []byte("findings")
	bucketExtracted     = []byte("extracted_text")
	bucketPolicies      = []byte("policies")
	bucketAudit         = []byte("audit")
	bucketNotifications = []byte("notifications")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "veil.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketDatasets,
			bucketFindings,
			bucketExtracted,
			bucketPolicies,
			bucketAudit,
			bucketNotifications,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Job operations

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.CreateJob(job) // upsert
}

func (s *BoltStore) TransitionJob(id string, from []types.JobStatus, mutate func(*types.Job)) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}

		ok := false
		for _, f := range from {
			if job.Status == f {
				ok = true
				break
			}
		}
		if !ok {
			// Transition already occurred (or job moved elsewhere): no-op.
			return nil
		}

		mutate(&job)
		applied = true

		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	return applied, err
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListJobsByDataset(datasetID string) ([]*types.Job, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Job
	for _, job := range jobs {
		if job.DatasetID == datasetID {
			filtered = append(filtered, job)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
	})
	return filtered, nil
}

func (s *BoltStore) PurgeJobs(keepCompleted, keepFailed int) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)

		// Group terminal jobs by queue (job type).
		completed := make(map[types.JobType][]*types.Job)
		failed := make(map[types.JobType][]*types.Job)
		if err := b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			switch job.Status {
			case types.JobStatusCompleted:
				completed[job.Type] = append(completed[job.Type], &job)
			case types.JobStatusFailed, types.JobStatusCancelled:
				failed[job.Type] = append(failed[job.Type], &job)
			}
			return nil
		}); err != nil {
			return err
		}

		drop := func(jobs []*types.Job, keep int) error {
			if len(jobs) <= keep {
				return nil
			}
			sort.Slice(jobs, func(i, j int) bool {
				return jobs[i].EndedAt.After(jobs[j].EndedAt)
			})
			for _, job := range jobs[keep:] {
				if err := b.Delete([]byte(job.ID)); err != nil {
					return err
				}
				purged++
			}
			return nil
		}

		for _, jobs := range completed {
			if err := drop(jobs, keepCompleted); err != nil {
				return err
			}
		}
		for _, jobs := range failed {
			if err := drop(jobs, keepFailed); err != nil {
				return err
			}
		}
		return nil
	})
	return purged, err
}

// Dataset operations

func (s *BoltStore) CreateDataset(ds *types.Dataset) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatasets)
		data, err := json.Marshal(ds)
		if err != nil {
			return err
		}
		return b.Put([]byte(ds.ID), data)
	})
}

func (s *BoltStore) GetDataset(id string) (*types.Dataset, error) {
	var ds types.Dataset
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatasets)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("dataset not found: %s", id)
		}
		return json.Unmarshal(data, &ds)
	})
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

func (s *BoltStore) UpdateDataset(ds *types.Dataset) error {
	return s.CreateDataset(ds)
}

func (s *BoltStore) AdvanceDataset(id string, next types.DatasetStatus, mutate func(*types.Dataset)) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatasets)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("dataset not found: %s", id)
		}
		var ds types.Dataset
		if err := json.Unmarshal(data, &ds); err != nil {
			return err
		}

		if !ds.Status.Advances(next) {
			return nil
		}

		ds.Status = next
		ds.UpdatedAt = time.Now()
		if mutate != nil {
			mutate(&ds)
		}
		applied = true

		out, err := json.Marshal(&ds)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	return applied, err
}

// Finding operations
//
// Findings live in a nested bucket per dataset, keyed by zero-padded
// (start, end) plus entity type so a cursor walk yields ascending offset
// order and re-writing the same finding overwrites in place.

func findingKey(f *types.Finding) []byte {
	return []byte(fmt.Sprintf("%012d-%012d/%s", f.Start, f.End, f.EntityType))
}

func (s *BoltStore) ReplaceFindings(datasetID string, findings []*types.Finding) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketFindings)
		if b := root.Bucket([]byte(datasetID)); b != nil {
			if err := root.DeleteBucket([]byte(datasetID)); err != nil {
				return err
			}
		}
		b, err := root.CreateBucket([]byte(datasetID))
		if err != nil {
			return err
		}
		for _, f := range findings {
			data, err := json.Marshal(f)
			if err != nil {
				return err
			}
			if err := b.Put(findingKey(f), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListFindings(datasetID string) ([]*types.Finding, error) {
	var findings []*types.Finding
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFindings).Bucket([]byte(datasetID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var f types.Finding
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			findings = append(findings, &f)
		}
		return nil
	})
	return findings, err
}

func (s *BoltStore) FindingsSummary(datasetID string) (*types.FindingsSummary, error) {
	findings, err := s.ListFindings(datasetID)
	if err != nil {
		return nil, err
	}

	summary := &types.FindingsSummary{
		DatasetID:    datasetID,
		ByEntityType: make(map[string]int),
	}
	for _, f := range findings {
		summary.Total++
		summary.ByEntityType[f.EntityType]++
		if f.Confidence > summary.MaxConfidence {
			summary.MaxConfidence = f.Confidence
		}
	}
	return summary, nil
}

// Extracted text operations

func (s *BoltStore) PutExtractedText(et *types.ExtractedText) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExtracted)
		data, err := json.Marshal(et)
		if err != nil {
			return err
		}
		return b.Put([]byte(et.DatasetID), data)
	})
}

func (s *BoltStore) GetExtractedText(datasetID string) (*types.ExtractedText, error) {
	var et types.ExtractedText
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExtracted)
		data := b.Get([]byte(datasetID))
		if data == nil {
			return fmt.Errorf("extracted text not found: %s", datasetID)
		}
		return json.Unmarshal(data, &et)
	})
	if err != nil {
		return nil, err
	}
	return &et, nil
}

func (s *BoltStore) DeleteExtractedText(datasetID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExtracted)
		return b.Delete([]byte(datasetID))
	})
}

// Policy operations

func (s *BoltStore) PutPolicy(rec *PolicyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ID), data)
	})
}

func (s *BoltStore) GetPolicy(id string) (*PolicyRecord, error) {
	var rec PolicyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("policy not found: %s", id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListPolicies() ([]*PolicyRecord, error) {
	var recs []*PolicyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		return b.ForEach(func(k, v []byte) error {
			var rec PolicyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// Audit operations
//
// Audit keys are timestamp-prefixed so a cursor walk is chronological.

func (s *BoltStore) AppendAudit(entry *types.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		key := fmt.Sprintf("%020d/%s", entry.CreatedAt.UnixNano(), entry.ID)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) ListAuditByResource(resourceID string) ([]*types.AuditEntry, error) {
	var entries []*types.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		return b.ForEach(func(k, v []byte) error {
			var entry types.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.ResourceID == resourceID {
				entries = append(entries, &entry)
			}
			return nil
		})
	})
	return entries, err
}

// Notification operations

func (s *BoltStore) CreateNotification(n *types.Notification) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return b.Put([]byte(n.ID), data)
	})
}

func (s *BoltStore) ListNotificationsByUser(userID string) ([]*types.Notification, error) {
	var notifications []*types.Notification
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		return b.ForEach(func(k, v []byte) error {
			var n types.Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if n.UserID == userID {
				notifications = append(notifications, &n)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(notifications, func(i, j int) bool {
		return notifications[i].CreatedAt.After(notifications[j].CreatedAt)
	})
	return notifications, nil
}

func (s *BoltStore) MarkNotificationRead(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("notification not found: %s", id)
		}
		var n types.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		n.Read = true
		out, err := json.Marshal(&n)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) CleanupOldNotifications(cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var n types.Notification
			if err := json.Unmarshal(v, &n); err != nil {
				continue
			}
			if n.CreatedAt.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}
