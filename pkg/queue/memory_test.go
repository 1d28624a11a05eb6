package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilworks/veil/pkg/types"
)

func testJob(id string, priority int) *types.Job {
	return &types.Job{
		ID:       id,
		Type:     types.JobTypeFileProcessing,
		Status:   types.JobStatusQueued,
		Priority: priority,
	}
}

func TestMemoryPriorityFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemory("file_processing", 100, DefaultRetryPolicy)

	require.NoError(t, q.Enqueue(ctx, testJob("low-1", 0)))
	require.NoError(t, q.Enqueue(ctx, testJob("low-2", 0)))
	require.NoError(t, q.Enqueue(ctx, testJob("high-1", 5)))
	require.NoError(t, q.Enqueue(ctx, testJob("high-2", 5)))

	var order []string
	for {
		job, err := q.Reserve(ctx, "w1", 30*time.Second)
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
		require.NoError(t, q.Ack(ctx, job.ID))
	}

	assert.Equal(t, []string{"high-1", "high-2", "low-1", "low-2"}, order)
}

func TestMemoryReserveIncrementsAttempt(t *testing.T) {
	ctx := context.Background()
	q := NewMemory("file_processing", 100, DefaultRetryPolicy)

	require.NoError(t, q.Enqueue(ctx, testJob("j1", 0)))

	job, err := q.Reserve(ctx, "w1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempt)
}

func TestMemoryNackRetriesWithBackoffThenDrops(t *testing.T) {
	ctx := context.Background()
	q := NewMemory("pii_analysis", 100, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second})

	clock := time.Now()
	q.now = func() time.Time { return clock }

	require.NoError(t, q.Enqueue(ctx, testJob("j1", 0)))

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.Reserve(ctx, "w1", 30*time.Second)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		assert.Equal(t, attempt, job.Attempt)

		redeliver, err := q.Nack(ctx, job.ID, true)
		require.NoError(t, err)
		if attempt < 3 {
			assert.True(t, redeliver)
			// Not ready until backoff elapses.
			early, err := q.Reserve(ctx, "w1", 30*time.Second)
			require.NoError(t, err)
			assert.Nil(t, early)
			clock = clock.Add(time.Duration(1<<attempt) * 2 * time.Second)
		} else {
			assert.False(t, redeliver, "attempt limit exhausts redelivery")
		}
	}

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Waiting()+counts.Reserved)
}

func TestMemoryNackNonRetriableDropsImmediately(t *testing.T) {
	ctx := context.Background()
	q := NewMemory("file_processing", 100, DefaultRetryPolicy)

	require.NoError(t, q.Enqueue(ctx, testJob("j1", 0)))
	job, err := q.Reserve(ctx, "w1", 30*time.Second)
	require.NoError(t, err)

	redeliver, err := q.Nack(ctx, job.ID, false)
	require.NoError(t, err)
	assert.False(t, redeliver)
}

func TestMemoryCancelWaitingAndReserved(t *testing.T) {
	ctx := context.Background()
	q := NewMemory("text_extraction", 100, DefaultRetryPolicy)

	require.NoError(t, q.Enqueue(ctx, testJob("waiting", 0)))
	require.NoError(t, q.Enqueue(ctx, testJob("running", 0)))

	// Waiting jobs are removed immediately.
	removed, err := q.Cancel(ctx, "waiting")
	require.NoError(t, err)
	assert.True(t, removed)

	job, err := q.Reserve(ctx, "w1", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, "running", job.ID)

	// Reserved jobs get a cooperative marker.
	removed, err = q.Cancel(ctx, "running")
	require.NoError(t, err)
	assert.False(t, removed)

	cancelled, err := q.Cancelled(ctx, "running")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestMemoryStallRecovery(t *testing.T) {
	ctx := context.Background()
	q := NewMemory("pii_analysis", 100, DefaultRetryPolicy)

	clock := time.Now()
	q.now = func() time.Time { return clock }

	require.NoError(t, q.Enqueue(ctx, testJob("j1", 0)))

	// First stall: back to ready, attempt counter unchanged.
	job, err := q.Reserve(ctx, "w1", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, job.Attempt)

	clock = clock.Add(time.Minute)
	outcomes, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Failed)

	job, err = q.Reserve(ctx, "w2", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempt, "stall recovery does not consume an attempt")

	// Second stall: job fails with reason stalled.
	clock = clock.Add(time.Minute)
	outcomes, err = q.RecoverStalled(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Failed)
	assert.Equal(t, "j1", outcomes[0].Job.ID)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Waiting()+counts.Reserved)
}

func TestMemoryHeartbeatExtendsDeadline(t *testing.T) {
	ctx := context.Background()
	q := NewMemory("anonymization", 100, DefaultRetryPolicy)

	clock := time.Now()
	q.now = func() time.Time { return clock }

	require.NoError(t, q.Enqueue(ctx, testJob("j1", 0)))
	_, err := q.Reserve(ctx, "w1", 30*time.Second)
	require.NoError(t, err)

	clock = clock.Add(25 * time.Second)
	require.NoError(t, q.Heartbeat(ctx, "j1", 30*time.Second))

	clock = clock.Add(20 * time.Second) // past the original deadline
	outcomes, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, outcomes, "heartbeat keeps the reservation alive")
}

func TestMemoryQueueFull(t *testing.T) {
	ctx := context.Background()
	q := NewMemory("file_processing", 2, DefaultRetryPolicy)

	require.NoError(t, q.Enqueue(ctx, testJob("a", 0)))
	require.NoError(t, q.Enqueue(ctx, testJob("b", 0)))

	err := q.Enqueue(ctx, testJob("c", 0))
	require.Error(t, err)
	assert.Equal(t, types.KindQueueFull, types.KindOf(err))
}

func TestBackoffDoublesWithJitterBounds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second, JitterFrac: 0.2}

	for attempt := 1; attempt <= 3; attempt++ {
		base := 5 * time.Second << (attempt - 1)
		lo := time.Duration(float64(base) * 0.8)
		hi := time.Duration(float64(base) * 1.2)
		for i := 0; i < 50; i++ {
			d := p.Backoff(attempt)
			assert.GreaterOrEqual(t, d, lo)
			assert.LessOrEqual(t, d, hi)
		}
	}
}
