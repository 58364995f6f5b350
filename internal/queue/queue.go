// Package queue implements durable Redis-backed job queues with retries,
// exponential backoff, and bounded failed-job retention.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names used by the dispatch layer
const (
	QueueTradingCycles    = "trading-cycles"
	QueueOnDemandAnalysis = "on-demand-analysis"
	QueueChatCommands     = "chat-commands"
	QueueMemoryAnalysis   = "memory-analysis"
)

// Job is a single unit of queued work. Payload is opaque to the queue;
// handlers unmarshal it into their own types.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// EnqueueOptions control job identity and scheduling.
type EnqueueOptions struct {
	// JobID overrides the generated UUID. A job whose ID is already
	// queued is not enqueued again, so recurring jobs (e.g. one
	// memory-analysis job per account) deduplicate naturally.
	JobID string
	// Delay defers the first execution.
	Delay time.Duration
}

// Store is the persistence contract for the queue. The Redis
// implementation is used in production; tests substitute an in-memory one.
type Store interface {
	// Push appends a job to the waiting list (or the delayed set when
	// runAt is in the future) and persists its body. A first enqueue
	// (Attempts == 0) whose ID already has a body is a no-op.
	Push(ctx context.Context, job *Job, runAt time.Time) error
	// Pop blocks up to timeout for the next waiting job on queue,
	// moving its ID to the queue's active list so a crashed worker's
	// job can be reclaimed. Returns nil when the timeout elapses with
	// no work.
	Pop(ctx context.Context, queue string, timeout time.Duration) (*Job, error)
	// MoveDue promotes delayed jobs whose run time has passed back onto
	// their waiting lists. Returns the number promoted.
	MoveDue(ctx context.Context, now time.Time) (int, error)
	// ReclaimActive moves every ID on the queue's active list back to
	// waiting. Called at startup, when active entries can only belong
	// to a previous crashed process.
	ReclaimActive(ctx context.Context, queue string) (int, error)
	// RecordFailure moves a permanently failed job to the bounded
	// failed list and clears its active entry.
	RecordFailure(ctx context.Context, job *Job, maxRetained int64) error
	// Remove deletes a job body and active entry after successful
	// completion.
	Remove(ctx context.Context, job *Job) error
	// GetJob loads a queued or retrying job's body. Returns nil when
	// no such job exists.
	GetJob(ctx context.Context, queue, id string) (*Job, error)
	// GetFailed finds a job on the queue's failed list. Returns nil
	// when the ID is not there.
	GetFailed(ctx context.Context, queue, id string) (*Job, error)
}

// redisStore persists jobs in Redis: waiting and active LISTs per queue,
// a shared delayed ZSET scored by run time, a job body per ID, and a
// bounded failed LIST per queue.
type redisStore struct {
	client *redis.Client
}

// NewRedisStore creates the production queue store.
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func waitingKey(queue string) string { return fmt.Sprintf("queue:%s:waiting", queue) }
func activeKey(queue string) string  { return fmt.Sprintf("queue:%s:active", queue) }
func failedKey(queue string) string  { return fmt.Sprintf("queue:%s:failed", queue) }
func jobKey(queue, id string) string { return fmt.Sprintf("queue:%s:job:%s", queue, id) }

const delayedKey = "queue:delayed"

const jobBodyTTL = 24 * time.Hour

func (s *redisStore) Push(ctx context.Context, job *Job, runAt time.Time) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	key := jobKey(job.Queue, job.ID)
	if job.Attempts == 0 {
		// First enqueue: a surviving body under the same ID means the
		// job is already queued, so a deterministic ID deduplicates.
		created, err := s.client.SetNX(ctx, key, body, jobBodyTTL).Result()
		if err != nil {
			return fmt.Errorf("failed to persist job %s: %w", job.ID, err)
		}
		if !created {
			return nil
		}
	} else {
		if err := s.client.Set(ctx, key, body, jobBodyTTL).Err(); err != nil {
			return fmt.Errorf("failed to persist job %s: %w", job.ID, err)
		}
	}

	member := job.Queue + "/" + job.ID
	pipe := s.client.TxPipeline()
	// A retry push moves the job out of the active list
	pipe.LRem(ctx, activeKey(job.Queue), 0, job.ID)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: member})
	} else {
		// Remove any stale delayed entry for the same ID before queueing
		pipe.ZRem(ctx, delayedKey, member)
		pipe.LPush(ctx, waitingKey(job.Queue), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (s *redisStore) Pop(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	id, err := s.client.BLMove(ctx, waitingKey(queue), activeKey(queue), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop from %s: %w", queue, err)
	}

	body, err := s.client.Get(ctx, jobKey(queue, id)).Result()
	if err != nil {
		if err == redis.Nil {
			// Body expired; drop the orphaned ID
			s.client.LRem(ctx, activeKey(queue), 0, id)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	job := &Job{}
	if err := json.Unmarshal([]byte(body), job); err != nil {
		s.client.LRem(ctx, activeKey(queue), 0, id)
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return job, nil
}

func (s *redisStore) MoveDue(ctx context.Context, now time.Time) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan delayed set: %w", err)
	}

	moved := 0
	for _, member := range members {
		// member is "<queue>/<jobID>"
		var queue, id string
		for i := 0; i < len(member); i++ {
			if member[i] == '/' {
				queue, id = member[:i], member[i+1:]
				break
			}
		}
		if queue == "" || id == "" {
			s.client.ZRem(ctx, delayedKey, member)
			continue
		}

		// ZRem first so a concurrent scheduler cannot double-promote
		removed, err := s.client.ZRem(ctx, delayedKey, member).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := s.client.LPush(ctx, waitingKey(queue), id).Err(); err != nil {
			return moved, fmt.Errorf("failed to promote job %s: %w", id, err)
		}
		moved++
	}
	return moved, nil
}

func (s *redisStore) ReclaimActive(ctx context.Context, queue string) (int, error) {
	moved := 0
	for {
		_, err := s.client.LMove(ctx, activeKey(queue), waitingKey(queue), "RIGHT", "LEFT").Result()
		if err != nil {
			if err == redis.Nil {
				return moved, nil
			}
			return moved, fmt.Errorf("failed to reclaim active jobs on %s: %w", queue, err)
		}
		moved++
	}
}

func (s *redisStore) RecordFailure(ctx context.Context, job *Job, maxRetained int64) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal failed job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, failedKey(job.Queue), body)
	pipe.LTrim(ctx, failedKey(job.Queue), 0, maxRetained-1)
	pipe.LRem(ctx, activeKey(job.Queue), 0, job.ID)
	pipe.Del(ctx, jobKey(job.Queue, job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record failure for job %s: %w", job.ID, err)
	}
	return nil
}

func (s *redisStore) Remove(ctx context.Context, job *Job) error {
	pipe := s.client.TxPipeline()
	pipe.LRem(ctx, activeKey(job.Queue), 0, job.ID)
	pipe.Del(ctx, jobKey(job.Queue, job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove job %s: %w", job.ID, err)
	}
	return nil
}

func (s *redisStore) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	body, err := s.client.Get(ctx, jobKey(queue, id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	job := &Job{}
	if err := json.Unmarshal([]byte(body), job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return job, nil
}

func (s *redisStore) GetFailed(ctx context.Context, queue, id string) (*Job, error) {
	bodies, err := s.client.LRange(ctx, failedKey(queue), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan failed list for %s: %w", queue, err)
	}
	for _, body := range bodies {
		job := &Job{}
		if err := json.Unmarshal([]byte(body), job); err != nil {
			continue
		}
		if job.ID == id {
			return job, nil
		}
	}
	return nil, nil
}

// NewJobID returns a fresh unique job identifier.
func NewJobID() string {
	return uuid.NewString()
}
