package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilworks/veil/pkg/types"
)

func newTestRedis(t *testing.T, retry RetryPolicy) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, "test_stage", 100, retry)
}

func TestRedisEnqueueReserveAck(t *testing.T) {
	ctx := context.Background()
	q := newTestRedis(t, DefaultRetryPolicy)

	require.NoError(t, q.Enqueue(ctx, testJob("j1", 0)))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Ready)

	job, err := q.Reserve(ctx, "w1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, 1, job.Attempt)

	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Ready)
	assert.Equal(t, 1, counts.Reserved)

	require.NoError(t, q.Ack(ctx, job.ID))
	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Reserved)
}

func TestRedisPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	q := newTestRedis(t, DefaultRetryPolicy)

	require.NoError(t, q.Enqueue(ctx, testJob("low-1", 0)))
	require.NoError(t, q.Enqueue(ctx, testJob("high", 3)))
	require.NoError(t, q.Enqueue(ctx, testJob("low-2", 0)))

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

	assert.Equal(t, []string{"high", "low-1", "low-2"}, order)
}

func TestRedisNackSchedulesDelayedRedelivery(t *testing.T) {
	ctx := context.Background()
	q := newTestRedis(t, RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second})

	clock := time.Now()
	q.now = func() time.Time { return clock }

	require.NoError(t, q.Enqueue(ctx, testJob("j1", 0)))

	job, err := q.Reserve(ctx, "w1", 30*time.Second)
	require.NoError(t, err)

	redeliver, err := q.Nack(ctx, job.ID, true)
	require.NoError(t, err)
	assert.True(t, redeliver)

	// Still delayed: nothing to reserve.
	early, err := q.Reserve(ctx, "w1", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, early)

	clock = clock.Add(3 * time.Second)
	job, err = q.Reserve(ctx, "w1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempt)

	// Attempt limit reached: dropped.
	redeliver, err = q.Nack(ctx, job.ID, true)
	require.NoError(t, err)
	assert.False(t, redeliver)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Waiting()+counts.Reserved)
}

func TestRedisCancelSemantics(t *testing.T) {
	ctx := context.Background()
	q := newTestRedis(t, DefaultRetryPolicy)

	require.NoError(t, q.Enqueue(ctx, testJob("waiting", 0)))
	require.NoError(t, q.Enqueue(ctx, testJob("running", 0)))

	removed, err := q.Cancel(ctx, "waiting")
	require.NoError(t, err)
	assert.True(t, removed)

	job, err := q.Reserve(ctx, "w1", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, "running", job.ID)

	removed, err = q.Cancel(ctx, "running")
	require.NoError(t, err)
	assert.False(t, removed)

	cancelled, err := q.Cancelled(ctx, "running")
	require.NoError(t, err)
	assert.True(t, cancelled)

	// Ack clears the cancellation marker.
	require.NoError(t, q.Ack(ctx, "running"))
	cancelled, err = q.Cancelled(ctx, "running")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestRedisStallRecovery(t *testing.T) {
	ctx := context.Background()
	q := newTestRedis(t, DefaultRetryPolicy)

	clock := time.Now()
	q.now = func() time.Time { return clock }

	require.NoError(t, q.Enqueue(ctx, testJob("j1", 0)))

	_, err := q.Reserve(ctx, "w1", 30*time.Second)
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	outcomes, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Failed)

	job, err := q.Reserve(ctx, "w2", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempt)

	clock = clock.Add(time.Minute)
	outcomes, err = q.RecoverStalled(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Failed)
	assert.Equal(t, 2, outcomes[0].Job.StallCount)
}

func TestRedisQueueFull(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := NewRedis(client, "tiny", 1, DefaultRetryPolicy)

	require.NoError(t, q.Enqueue(ctx, testJob("a", 0)))
	err := q.Enqueue(ctx, testJob("b", 0))
	require.Error(t, err)
	assert.Equal(t, types.KindQueueFull, types.KindOf(err))
}
