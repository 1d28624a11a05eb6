package queue

import (
	"context"
	"math/rand"
	"time"

	"github.com/veilworks/veil/pkg/types"
)

// Counts reports queue depth by state.
type Counts struct {
	Ready    int `json:"ready"`
	Delayed  int `json:"delayed"`
	Reserved int `json:"reserved"`
}

// Waiting is the number of jobs not yet reserved.
func (c Counts) Waiting() int {
	return c.Ready + c.Delayed
}

// StallOutcome describes what the reaper did with one stalled reservation.
type StallOutcome struct {
	Job *types.Job
	// Failed is true when the job exceeded its stall budget and was dropped
	// from the queue with reason stalled; false when it was returned to the
	// ready set for another delivery.
	Failed bool
}

// Queue is one durable typed work queue (one per pipeline stage).
//
// Delivery is at-least-once: a reservation that is neither acked, nacked,
// nor heartbeat-extended past its visibility deadline is re-delivered, so
// processors must be idempotent on (jobID, attempt).
type Queue interface {
	// Enqueue adds a job to the ready set. Jobs dispatch highest priority
	// first, FIFO within a priority. Returns types.ErrQueueFull at capacity.
	Enqueue(ctx context.Context, job *types.Job) error

	// Reserve claims the next ready job for workerID with the given
	// visibility timeout. Returns (nil, nil) when the queue is empty.
	// The returned job's Attempt is already incremented for this delivery.
	Reserve(ctx context.Context, workerID string, visibility time.Duration) (*types.Job, error)

	// Heartbeat extends the visibility deadline of a reserved job.
	Heartbeat(ctx context.Context, jobID string, visibility time.Duration) error

	// Ack removes a completed job from the queue.
	Ack(ctx context.Context, jobID string) error

	// Nack reports a failed delivery. Retriable failures below the attempt
	// limit are re-scheduled with backoff; everything else is dropped from
	// the queue. Returns true when the job will be re-delivered.
	Nack(ctx context.Context, jobID string, retriable bool) (bool, error)

	// Cancel removes a waiting job immediately (returns removed=true), or
	// marks a reserved job for cooperative cancellation (removed=false).
	Cancel(ctx context.Context, jobID string) (removed bool, err error)

	// Cancelled reports whether a cooperative cancel is pending for jobID.
	Cancelled(ctx context.Context, jobID string) (bool, error)

	// RecoverStalled returns reservations whose deadline has passed to the
	// ready set (attempt counter unchanged), or fails them once their stall
	// budget is spent. Called periodically by the worker runtime.
	RecoverStalled(ctx context.Context) ([]StallOutcome, error)

	// Counts scans queue depth by state.
	Counts(ctx context.Context) (Counts, error)
}

// RetryPolicy controls re-delivery of retriable failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// JitterFrac bounds the random jitter applied to each backoff delay,
	// as a fraction of the delay. 0.2 means ±20%.
	JitterFrac float64
}

// DefaultRetryPolicy matches the pipeline defaults: 3 attempts, exponential
// backoff from 5s, ±20% jitter.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   5 * time.Second,
	JitterFrac:  0.2,
}

// Backoff returns the delay before re-delivering attempt (1-based: the
// attempt that just failed). The delay doubles per attempt with bounded
// jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay << (attempt - 1)
	if p.JitterFrac > 0 {
		j := 1 + p.JitterFrac*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * j)
	}
	return d
}

// maxStalls is the number of stall recoveries a single job tolerates before
// it fails with reason stalled.
const maxStalls = 1
