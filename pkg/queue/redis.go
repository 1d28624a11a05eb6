package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veilworks/veil/pkg/types"
)

// priorityStride separates priority bands in the ready-set score. One band
// is ~115 days of microseconds, so FIFO order within a band holds for any
// realistic queue age while higher priorities always score lower.
const priorityStride = int64(1e13)

// Redis is a Queue backed by Redis sorted sets. One instance manages one
// stage queue; all instances may share a single client.
type Redis struct {
	client   *redis.Client
	name     string
	maxDepth int
	retry    RetryPolicy
	now      func() time.Time
}

// NewRedis creates a Redis-backed queue named name.
func NewRedis(client *redis.Client, name string, maxDepth int, retry RetryPolicy) *Redis {
	return &Redis{
		client:   client,
		name:     name,
		maxDepth: maxDepth,
		retry:    retry,
		now:      time.Now,
	}
}

func (q *Redis) key(suffix string) string {
	return "veil:q:" + q.name + ":" + suffix
}

func (q *Redis) readyScore(priority int, at time.Time) float64 {
	return float64(at.UnixMicro() - int64(priority)*priorityStride)
}

func (q *Redis) putJob(ctx context.Context, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	return q.client.HSet(ctx, q.key("jobs"), job.ID, data).Err()
}

func (q *Redis) getJob(ctx context.Context, jobID string) (*types.Job, error) {
	data, err := q.client.HGet(ctx, q.key("jobs"), jobID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}
	return &job, nil
}

func (q *Redis) dropJob(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.key("jobs"), jobID)
	pipe.SRem(ctx, q.key("cancelled"), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *Redis) Enqueue(ctx context.Context, job *types.Job) error {
	ready, err := q.client.ZCard(ctx, q.key("ready")).Result()
	if err != nil {
		return fmt.Errorf("failed to check queue depth: %w", err)
	}
	delayed, err := q.client.ZCard(ctx, q.key("delayed")).Result()
	if err != nil {
		return fmt.Errorf("failed to check queue depth: %w", err)
	}
	if q.maxDepth > 0 && int(ready+delayed) >= q.maxDepth {
		return types.ErrQueueFull
	}

	if err := q.putJob(ctx, job); err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key("ready"), redis.Z{
		Score:  q.readyScore(job.Priority, q.now()),
		Member: job.ID,
	}).Err()
}

// promote moves due delayed jobs to the ready set.
func (q *Redis) promote(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMicro(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil || len(due) == 0 {
		return err
	}

	for _, jobID := range due {
		job, err := q.getJob(ctx, jobID)
		if err != nil {
			return err
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.key("delayed"), jobID)
		if job != nil {
			pipe.ZAdd(ctx, q.key("ready"), redis.Z{
				Score:  q.readyScore(job.Priority, q.now()),
				Member: jobID,
			})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (q *Redis) Reserve(ctx context.Context, workerID string, visibility time.Duration) (*types.Job, error) {
	if err := q.promote(ctx); err != nil {
		return nil, err
	}

	popped, err := q.client.ZPopMin(ctx, q.key("ready"), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop ready job: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	jobID := popped[0].Member.(string)
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Payload vanished (cancel raced the pop); skip the entry.
		return nil, nil
	}

	job.Attempt++
	if err := q.putJob(ctx, job); err != nil {
		return nil, err
	}
	err = q.client.ZAdd(ctx, q.key("reserved"), redis.Z{
		Score:  float64(q.now().Add(visibility).UnixMicro()),
		Member: jobID,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job %s: %w", jobID, err)
	}
	return job, nil
}

func (q *Redis) Heartbeat(ctx context.Context, jobID string, visibility time.Duration) error {
	return q.client.ZAddArgs(ctx, q.key("reserved"), redis.ZAddArgs{
		XX: true,
		Members: []redis.Z{{
			Score:  float64(q.now().Add(visibility).UnixMicro()),
			Member: jobID,
		}},
	}).Err()
}

func (q *Redis) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.key("reserved"), jobID)
	pipe.HDel(ctx, q.key("jobs"), jobID)
	pipe.SRem(ctx, q.key("cancelled"), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *Redis) Nack(ctx context.Context, jobID string, retriable bool) (bool, error) {
	removed, err := q.client.ZRem(ctx, q.key("reserved"), jobID).Result()
	if err != nil {
		return false, err
	}
	if removed == 0 {
		return false, nil
	}

	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	if !retriable || job.Attempt >= q.retry.MaxAttempts {
		return false, q.dropJob(ctx, jobID)
	}

	readyAt := q.now().Add(q.retry.Backoff(job.Attempt))
	err = q.client.ZAdd(ctx, q.key("delayed"), redis.Z{
		Score:  float64(readyAt.UnixMicro()),
		Member: jobID,
	}).Err()
	if err != nil {
		return false, err
	}
	return true, nil
}

func (q *Redis) Cancel(ctx context.Context, jobID string) (bool, error) {
	for _, set := range []string{"ready", "delayed"} {
		removed, err := q.client.ZRem(ctx, q.key(set), jobID).Result()
		if err != nil {
			return false, err
		}
		if removed > 0 {
			return true, q.dropJob(ctx, jobID)
		}
	}

	reserved, err := q.client.ZScore(ctx, q.key("reserved"), jobID).Result()
	if err == nil && reserved > 0 {
		return false, q.client.SAdd(ctx, q.key("cancelled"), jobID).Err()
	}
	if err != nil && err != redis.Nil {
		return false, err
	}
	return false, nil
}

func (q *Redis) Cancelled(ctx context.Context, jobID string) (bool, error) {
	return q.client.SIsMember(ctx, q.key("cancelled"), jobID).Result()
}

func (q *Redis) RecoverStalled(ctx context.Context) ([]StallOutcome, error) {
	now := strconv.FormatInt(q.now().UnixMicro(), 10)
	stalled, err := q.client.ZRangeByScore(ctx, q.key("reserved"), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return nil, err
	}

	var outcomes []StallOutcome
	for _, jobID := range stalled {
		removed, err := q.client.ZRem(ctx, q.key("reserved"), jobID).Result()
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			continue // another reaper won the race
		}

		job, err := q.getJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job == nil {
			continue
		}

		job.StallCount++
		if job.StallCount > maxStalls {
			cp := *job
			if err := q.dropJob(ctx, jobID); err != nil {
				return nil, err
			}
			outcomes = append(outcomes, StallOutcome{Job: &cp, Failed: true})
			continue
		}

		// The delivery never reported a result, so the attempt counter is
		// rolled back before the job returns to the ready set.
		job.Attempt--
		if err := q.putJob(ctx, job); err != nil {
			return nil, err
		}
		err = q.client.ZAdd(ctx, q.key("ready"), redis.Z{
			Score:  q.readyScore(job.Priority, q.now()),
			Member: jobID,
		}).Err()
		if err != nil {
			return nil, err
		}
		cp := *job
		outcomes = append(outcomes, StallOutcome{Job: &cp, Failed: false})
	}
	return outcomes, nil
}

func (q *Redis) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.TxPipeline()
	ready := pipe.ZCard(ctx, q.key("ready"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	reserved := pipe.ZCard(ctx, q.key("reserved"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}
	return Counts{
		Ready:    int(ready.Val()),
		Delayed:  int(delayed.Val()),
		Reserved: int(reserved.Val()),
	}, nil
}
