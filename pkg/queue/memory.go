package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/veilworks/veil/pkg/types"
)

// Memory is an in-process Queue used in embedded single-binary mode and in
// tests. Semantics match the Redis implementation.
type Memory struct {
	mu        sync.Mutex
	name      string
	maxDepth  int
	retry     RetryPolicy
	seq       int64
	ready     []*memEntry
	delayed   []*memEntry
	reserved  map[string]*memEntry
	cancelled map[string]bool
	now       func() time.Time
}

type memEntry struct {
	job      *types.Job
	seq      int64
	readyAt  time.Time // zero for immediately ready
	deadline time.Time // reservation deadline
}

// NewMemory creates an in-process queue.
func NewMemory(name string, maxDepth int, retry RetryPolicy) *Memory {
	return &Memory{
		name:      name,
		maxDepth:  maxDepth,
		retry:     retry,
		reserved:  make(map[string]*memEntry),
		cancelled: make(map[string]bool),
		now:       time.Now,
	}
}

func (q *Memory) Enqueue(ctx context.Context, job *types.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxDepth > 0 && len(q.ready)+len(q.delayed) >= q.maxDepth {
		return types.ErrQueueFull
	}

	q.seq++
	cp := *job
	q.ready = append(q.ready, &memEntry{job: &cp, seq: q.seq})
	return nil
}

// promote moves due delayed entries to the ready set. Caller holds the lock.
func (q *Memory) promote() {
	now := q.now()
	kept := q.delayed[:0]
	for _, e := range q.delayed {
		if !e.readyAt.After(now) {
			q.ready = append(q.ready, e)
		} else {
			kept = append(kept, e)
		}
	}
	q.delayed = kept
}

func (q *Memory) Reserve(ctx context.Context, workerID string, visibility time.Duration) (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promote()
	if len(q.ready) == 0 {
		return nil, nil
	}

	sort.SliceStable(q.ready, func(i, j int) bool {
		if q.ready[i].job.Priority != q.ready[j].job.Priority {
			return q.ready[i].job.Priority > q.ready[j].job.Priority
		}
		return q.ready[i].seq < q.ready[j].seq
	})

	e := q.ready[0]
	q.ready = q.ready[1:]

	e.job.Attempt++
	e.deadline = q.now().Add(visibility)
	q.reserved[e.job.ID] = e

	cp := *e.job
	return &cp, nil
}

func (q *Memory) Heartbeat(ctx context.Context, jobID string, visibility time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.reserved[jobID]; ok {
		e.deadline = q.now().Add(visibility)
	}
	return nil
}

func (q *Memory) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.reserved, jobID)
	delete(q.cancelled, jobID)
	return nil
}

func (q *Memory) Nack(ctx context.Context, jobID string, retriable bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.reserved[jobID]
	if !ok {
		return false, nil
	}
	delete(q.reserved, jobID)

	if !retriable || e.job.Attempt >= q.retry.MaxAttempts {
		delete(q.cancelled, jobID)
		return false, nil
	}

	e.readyAt = q.now().Add(q.retry.Backoff(e.job.Attempt))
	q.delayed = append(q.delayed, e)
	return true, nil
}

func (q *Memory) Cancel(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.ready {
		if e.job.ID == jobID {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			return true, nil
		}
	}
	for i, e := range q.delayed {
		if e.job.ID == jobID {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			return true, nil
		}
	}
	if _, ok := q.reserved[jobID]; ok {
		q.cancelled[jobID] = true
	}
	return false, nil
}

func (q *Memory) Cancelled(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[jobID], nil
}

func (q *Memory) RecoverStalled(ctx context.Context) ([]StallOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var outcomes []StallOutcome
	for id, e := range q.reserved {
		if e.deadline.After(now) {
			continue
		}
		delete(q.reserved, id)
		e.job.StallCount++
		cp := *e.job
		if e.job.StallCount > maxStalls {
			delete(q.cancelled, id)
			outcomes = append(outcomes, StallOutcome{Job: &cp, Failed: true})
			continue
		}
		// Attempt counter unchanged on stall recovery: the delivery never
		// reported a result. Reserve will re-increment it.
		e.job.Attempt--
		e.readyAt = time.Time{}
		e.deadline = time.Time{}
		q.ready = append(q.ready, e)
		outcomes = append(outcomes, StallOutcome{Job: &cp, Failed: false})
	}
	return outcomes, nil
}

func (q *Memory) Counts(ctx context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Counts{
		Ready:    len(q.ready),
		Delayed:  len(q.delayed),
		Reserved: len(q.reserved),
	}, nil
}
