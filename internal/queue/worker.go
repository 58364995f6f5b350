package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"hive-trading-bot/config"
)

// Handler processes one job. A non-nil error triggers a retry until the
// job's attempt budget is exhausted.
type Handler func(ctx context.Context, job *Job) error

// Manager owns the worker pools for all registered queues plus the
// scheduler goroutine that promotes delayed jobs.
type Manager struct {
	store      Store
	cfg        config.QueueConfig
	popTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	workers  map[string]int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewManager creates a queue manager backed by the given store.
func NewManager(store Store, cfg config.QueueConfig) *Manager {
	return &Manager{
		store:      store,
		cfg:        cfg,
		popTimeout: 2 * time.Second,
		handlers:   make(map[string]Handler),
		workers:    make(map[string]int),
	}
}

// Register binds a handler and worker-pool size to a queue name.
// Must be called before Start.
func (m *Manager) Register(queue string, concurrency int, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[queue] = handler
	m.workers[queue] = concurrency
}

// Enqueue creates a job and pushes it onto the named queue.
// Returns the job ID.
func (m *Manager) Enqueue(ctx context.Context, queue, name string, payload interface{}, opts *EnqueueOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	job := &Job{
		ID:          NewJobID(),
		Queue:       queue,
		Name:        name,
		Payload:     data,
		Attempts:    0,
		MaxAttempts: m.cfg.MaxAttempts,
		CreatedAt:   time.Now(),
	}

	runAt := time.Now()
	if opts != nil {
		if opts.JobID != "" {
			job.ID = opts.JobID
		}
		if opts.Delay > 0 {
			runAt = runAt.Add(opts.Delay)
		}
	}

	if err := m.store.Push(ctx, job, runAt); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Job states reported by Lookup for jobs without a stored result.
const (
	StatePending  = "PENDING"
	StateFailed   = "FAILED"
	StateNotFound = "NOT_FOUND"
)

// Lookup reports the observable state of a job: still queued or
// retrying, permanently failed (with the job carrying its last error),
// or unknown.
func (m *Manager) Lookup(ctx context.Context, queue, id string) (string, *Job, error) {
	job, err := m.store.GetJob(ctx, queue, id)
	if err != nil {
		return "", nil, err
	}
	if job != nil {
		return StatePending, job, nil
	}

	job, err = m.store.GetFailed(ctx, queue, id)
	if err != nil {
		return "", nil, err
	}
	if job != nil {
		return StateFailed, job, nil
	}
	return StateNotFound, nil, nil
}

// Start launches the worker pools and the delayed-job scheduler. Jobs
// left on an active list by a crashed predecessor are requeued first.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for queue := range m.handlers {
		n, err := m.store.ReclaimActive(ctx, queue)
		if err != nil {
			log.Printf("[QUEUE] Failed to reclaim in-flight jobs on %s: %v", queue, err)
		} else if n > 0 {
			log.Printf("[QUEUE] Requeued %d in-flight jobs on %s", n, queue)
		}
	}

	for queue, handler := range m.handlers {
		concurrency := m.workers[queue]
		for i := 0; i < concurrency; i++ {
			m.wg.Add(1)
			go m.runWorker(ctx, queue, handler)
		}
		log.Printf("[QUEUE] Started %d workers for %s", concurrency, queue)
	}

	m.wg.Add(1)
	go m.runScheduler(ctx)
}

// Shutdown stops accepting work and waits for in-flight jobs, bounded
// by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[QUEUE] All workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown timed out: %w", ctx.Err())
	}
}

func (m *Manager) runWorker(ctx context.Context, queue string, handler Handler) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := m.store.Pop(ctx, queue, m.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[QUEUE] Pop failed on %s: %v", queue, err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		m.process(ctx, job, handler)
	}
}

func (m *Manager) process(ctx context.Context, job *Job, handler Handler) {
	job.Attempts++

	err := func() (jobErr error) {
		defer func() {
			if r := recover(); r != nil {
				jobErr = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, job)
	}()

	if err == nil {
		if rmErr := m.store.Remove(ctx, job); rmErr != nil {
			log.Printf("[QUEUE] Failed to remove completed job %s: %v", job.ID, rmErr)
		}
		return
	}

	job.LastError = err.Error()

	if job.Attempts >= job.MaxAttempts {
		log.Printf("[QUEUE] Job %s (%s) failed permanently after %d attempts: %v",
			job.ID, job.Name, job.Attempts, err)
		if ffErr := m.store.RecordFailure(ctx, job, int64(m.cfg.FailedRetention)); ffErr != nil {
			log.Printf("[QUEUE] Failed to record failure for job %s: %v", job.ID, ffErr)
		}
		return
	}

	delay := Backoff(m.cfg.BackoffBase, job.Attempts)
	log.Printf("[QUEUE] Job %s (%s) attempt %d/%d failed, retrying in %s: %v",
		job.ID, job.Name, job.Attempts, job.MaxAttempts, delay, err)

	if pushErr := m.store.Push(ctx, job, time.Now().Add(delay)); pushErr != nil {
		log.Printf("[QUEUE] Failed to schedule retry for job %s: %v", job.ID, pushErr)
	}
}

// runScheduler promotes delayed jobs whose backoff has elapsed.
func (m *Manager) runScheduler(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := m.store.MoveDue(ctx, now); err != nil && ctx.Err() == nil {
				log.Printf("[QUEUE] Scheduler sweep failed: %v", err)
			}
		}
	}
}

// Backoff returns the exponential retry delay for the given attempt
// (1-indexed): base * 2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
