package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// dedupeTTL bounds how long a job id blocks re-enqueueing. Scheduler job
	// ids embed the tick timestamp, so an hour comfortably covers retries.
	dedupeTTL = time.Hour
	// maxAttempts bounds how often a failing job is retried.
	maxAttempts = 3
)

// Job is one unit of deferred work, typically a ping generation.
type Job struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	GameID        string            `json:"game_id"`
	ParticipantID string            `json:"participant_id"`
	Payload       map[string]string `json:"payload,omitempty"`
	Attempts      int               `json:"attempts"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
}

// Queue is a Redis-backed work queue with idempotent enqueue and bounded
// retries.
type Queue struct {
	client *redis.Client
	name   string
}

// New creates a queue on the given Redis client.
func New(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name}
}

func (q *Queue) listKey() string {
	return "queue:" + q.name
}

func (q *Queue) seenKey(jobID string) string {
	return "queue:" + q.name + ":seen:" + jobID
}

// Enqueue pushes a job. A job id that was already enqueued within the dedupe
// window is silently dropped, so scheduler retries cannot double-ping.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	ok, err := q.client.SetNX(ctx, q.seenKey(job.ID), 1, dedupeTTL).Result()
	if err != nil {
		return fmt.Errorf("marking job %s seen: %w", job.ID, err)
	}
	if !ok {
		return nil
	}
	job.EnqueuedAt = time.Now()
	return q.push(ctx, job)
}

// Dequeue pops the oldest job, blocking up to timeout. Returns (nil, nil)
// when the queue stays empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.client.BRPop(ctx, timeout, q.listKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("popping from %s: %w", q.listKey(), err)
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}

// Retry re-enqueues a failed job. Returns false when the attempt budget is
// exhausted and the job is dropped.
func (q *Queue) Retry(ctx context.Context, job Job) (bool, error) {
	job.Attempts++
	if job.Attempts >= maxAttempts {
		return false, nil
	}
	if err := q.push(ctx, job); err != nil {
		return false, err
	}
	return true, nil
}

// Len returns the number of queued jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.listKey()).Result()
}

func (q *Queue) push(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	if err := q.client.LPush(ctx, q.listKey(), data).Err(); err != nil {
		return fmt.Errorf("pushing job %s: %w", job.ID, err)
	}
	return nil
}
