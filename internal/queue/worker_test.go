package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"hive-trading-bot/config"
)

// ==================== In-memory store ====================

type memStore struct {
	mu      sync.Mutex
	bodies  map[string]*Job      // "<queue>/<id>"
	waiting map[string][]string  // queue -> job IDs
	active  map[string][]string  // queue -> in-flight job IDs
	delayed map[string]time.Time // "<queue>/<id>" -> runAt
	failed  map[string][]*Job    // queue -> failed jobs, newest first
}

func newMemStore() *memStore {
	return &memStore{
		bodies:  make(map[string]*Job),
		waiting: make(map[string][]string),
		active:  make(map[string][]string),
		delayed: make(map[string]time.Time),
		failed:  make(map[string][]*Job),
	}
}

func (s *memStore) member(queue, id string) string { return queue + "/" + id }

func (s *memStore) removeActive(queue, id string) {
	ids := s.active[queue]
	for i, v := range ids {
		if v == id {
			s.active[queue] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func (s *memStore) Push(ctx context.Context, job *Job, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	member := s.member(job.Queue, job.ID)
	if job.Attempts == 0 {
		if _, exists := s.bodies[member]; exists {
			return nil
		}
	}
	cp := *job
	s.bodies[member] = &cp
	s.removeActive(job.Queue, job.ID)
	if runAt.After(time.Now()) {
		s.delayed[member] = runAt
	} else {
		delete(s.delayed, member)
		s.waiting[job.Queue] = append(s.waiting[job.Queue], job.ID)
	}
	return nil
}

func (s *memStore) Pop(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.waiting[queue]
	if len(ids) == 0 {
		return nil, nil
	}
	id := ids[0]
	s.waiting[queue] = ids[1:]
	job, ok := s.bodies[s.member(queue, id)]
	if !ok {
		return nil, nil
	}
	s.active[queue] = append(s.active[queue], id)
	cp := *job
	return &cp, nil
}

func (s *memStore) ReclaimActive(ctx context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := len(s.active[queue])
	s.waiting[queue] = append(s.waiting[queue], s.active[queue]...)
	s.active[queue] = nil
	return moved, nil
}

func (s *memStore) MoveDue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := 0
	for member, runAt := range s.delayed {
		if runAt.After(now) {
			continue
		}
		delete(s.delayed, member)
		for i := 0; i < len(member); i++ {
			if member[i] == '/' {
				queue, id := member[:i], member[i+1:]
				s.waiting[queue] = append(s.waiting[queue], id)
				moved++
				break
			}
		}
	}
	return moved, nil
}

func (s *memStore) RecordFailure(ctx context.Context, job *Job, maxRetained int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.failed[job.Queue] = append([]*Job{&cp}, s.failed[job.Queue]...)
	if int64(len(s.failed[job.Queue])) > maxRetained {
		s.failed[job.Queue] = s.failed[job.Queue][:maxRetained]
	}
	s.removeActive(job.Queue, job.ID)
	delete(s.bodies, s.member(job.Queue, job.ID))
	return nil
}

func (s *memStore) Remove(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeActive(job.Queue, job.ID)
	delete(s.bodies, s.member(job.Queue, job.ID))
	return nil
}

func (s *memStore) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.bodies[s.member(queue, id)]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (s *memStore) GetFailed(ctx context.Context, queue, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.failed[queue] {
		if job.ID == id {
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) waitingCount(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting[queue])
}

func (s *memStore) activeCount(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active[queue])
}

func (s *memStore) delayedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delayed)
}

func (s *memStore) failedCount(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed[queue])
}

// ==================== Fixtures ====================

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		TradingConcurrency: 1,
		MaxAttempts:        3,
		BackoffBase:        5 * time.Second,
		FailedRetention:    2,
	}
}

// drain runs one pop+process round on the given queue.
func drain(t *testing.T, m *Manager, store *memStore, queue string, handler Handler) bool {
	t.Helper()
	job, err := store.Pop(context.Background(), queue, 0)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if job == nil {
		return false
	}
	m.process(context.Background(), job, handler)
	return true
}

// ==================== Tests ====================

func TestBackoffDoubles(t *testing.T) {
	base := 5 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second}, // clamped
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(base, tc.attempt); got != tc.want {
			t.Errorf("Backoff(%v, %d) = %v, want %v", base, tc.attempt, got, tc.want)
		}
	}
}

func TestEnqueueReturnsOverriddenJobID(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, testQueueConfig())

	id, err := m.Enqueue(context.Background(), QueueMemoryAnalysis, "memory-analysis",
		map[string]string{"account_id": "acct-1"},
		&EnqueueOptions{JobID: "mem-analysis-acct-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id != "mem-analysis-acct-1" {
		t.Errorf("job ID = %q, want the deterministic override", id)
	}

	job, err := store.Pop(context.Background(), QueueMemoryAnalysis, 0)
	if err != nil || job == nil {
		t.Fatalf("Pop: job=%v err=%v", job, err)
	}
	if job.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", job.MaxAttempts)
	}
}

func TestEnqueueGeneratesUniqueJobIDs(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, testQueueConfig())

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		id, err := m.Enqueue(context.Background(), QueueTradingCycles, "trading-cycle", nil, nil)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate job ID %q", id)
		}
		seen[id] = true
	}
}

func TestFailedJobRetriesWithBackoffThenLandsInFailedList(t *testing.T) {
	store := newMemStore()
	cfg := testQueueConfig()
	m := NewManager(store, cfg)

	if _, err := m.Enqueue(context.Background(), QueueTradingCycles, "trading-cycle", nil, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	attempts := 0
	failing := func(ctx context.Context, job *Job) error {
		attempts++
		return errors.New("downstream unavailable")
	}

	for round := 1; round <= cfg.MaxAttempts; round++ {
		if !drain(t, m, store, QueueTradingCycles, failing) {
			t.Fatalf("round %d: no job available", round)
		}
		if round < cfg.MaxAttempts {
			if store.delayedCount() != 1 {
				t.Fatalf("round %d: expected job parked in delayed set", round)
			}
			// The retry is due at base*2^(round-1); promote it.
			if _, err := store.MoveDue(context.Background(), time.Now().Add(time.Hour)); err != nil {
				t.Fatalf("MoveDue: %v", err)
			}
		}
	}

	if attempts != cfg.MaxAttempts {
		t.Errorf("attempts = %d, want %d", attempts, cfg.MaxAttempts)
	}
	if store.failedCount(QueueTradingCycles) != 1 {
		t.Errorf("failed list length = %d, want 1", store.failedCount(QueueTradingCycles))
	}
	if store.delayedCount() != 0 {
		t.Errorf("exhausted job must not be rescheduled")
	}
}

func TestFailedListIsBounded(t *testing.T) {
	store := newMemStore()
	cfg := testQueueConfig() // FailedRetention 2
	m := NewManager(store, cfg)

	failing := func(ctx context.Context, job *Job) error { return errors.New("always fails") }

	for i := 0; i < 4; i++ {
		if _, err := m.Enqueue(context.Background(), QueueTradingCycles, "trading-cycle", nil, nil); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		for round := 0; round < cfg.MaxAttempts; round++ {
			if !drain(t, m, store, QueueTradingCycles, failing) {
				t.Fatalf("job %d round %d: no job available", i, round)
			}
			store.MoveDue(context.Background(), time.Now().Add(time.Hour))
		}
	}

	if got := store.failedCount(QueueTradingCycles); got != 2 {
		t.Errorf("failed list length = %d, want retention bound 2", got)
	}
}

func TestHandlerPanicCountsAsFailure(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, testQueueConfig())

	if _, err := m.Enqueue(context.Background(), QueueTradingCycles, "trading-cycle", nil, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	panicking := func(ctx context.Context, job *Job) error { panic("boom") }
	if !drain(t, m, store, QueueTradingCycles, panicking) {
		t.Fatal("no job available")
	}

	if store.delayedCount() != 1 {
		t.Fatal("expected the job rescheduled after panic")
	}
	store.MoveDue(context.Background(), time.Now().Add(time.Hour))
	job, err := store.Pop(context.Background(), QueueTradingCycles, 0)
	if err != nil || job == nil {
		t.Fatalf("Pop: job=%v err=%v", job, err)
	}
	if job.LastError == "" || job.Attempts != 1 {
		t.Errorf("retried job should carry the panic error and attempt count, got attempts=%d lastError=%q",
			job.Attempts, job.LastError)
	}
}

func TestSuccessfulJobIsRemoved(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, testQueueConfig())

	id, err := m.Enqueue(context.Background(), QueueTradingCycles, "trading-cycle",
		map[string]string{"account_id": "acct-1"}, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var gotPayload string
	ok := func(ctx context.Context, job *Job) error {
		var p map[string]string
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return err
		}
		gotPayload = p["account_id"]
		return nil
	}
	if !drain(t, m, store, QueueTradingCycles, ok) {
		t.Fatal("no job available")
	}

	if gotPayload != "acct-1" {
		t.Errorf("payload account_id = %q", gotPayload)
	}
	store.mu.Lock()
	_, exists := store.bodies[store.member(QueueTradingCycles, id)]
	store.mu.Unlock()
	if exists {
		t.Error("completed job body should be removed")
	}
}

func TestDelayedJobInvisibleUntilDue(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, testQueueConfig())

	if _, err := m.Enqueue(context.Background(), QueueTradingCycles, "trading-cycle", nil,
		&EnqueueOptions{Delay: time.Minute}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := store.Pop(context.Background(), QueueTradingCycles, 0)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if job != nil {
		t.Fatal("delayed job must not be visible before its run time")
	}

	moved, err := store.MoveDue(context.Background(), time.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("MoveDue: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved = %d, want 1", moved)
	}
	job, err = store.Pop(context.Background(), QueueTradingCycles, 0)
	if err != nil || job == nil {
		t.Fatalf("Pop after promotion: job=%v err=%v", job, err)
	}
}

func TestManagerRunsRegisteredHandlers(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, testQueueConfig())
	m.popTimeout = 10 * time.Millisecond

	done := make(chan string, 1)
	m.Register(QueueTradingCycles, 1, func(ctx context.Context, job *Job) error {
		done <- job.Name
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	if _, err := m.Enqueue(ctx, QueueTradingCycles, "trading-cycle", nil, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case name := <-done:
		if name != "trading-cycle" {
			t.Errorf("handler got job %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	shutdownCtx, sc := context.WithTimeout(context.Background(), 2*time.Second)
	defer sc()
	if err := m.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestDuplicateJobIDEnqueuesOnce(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, testQueueConfig())

	opts := &EnqueueOptions{JobID: "mem-analysis-acct-1"}
	for i := 0; i < 2; i++ {
		if _, err := m.Enqueue(context.Background(), QueueMemoryAnalysis, "memory-analysis",
			map[string]string{"account_id": "acct-1"}, opts); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	if got := store.waitingCount(QueueMemoryAnalysis); got != 1 {
		t.Fatalf("waiting list length = %d, want 1", got)
	}

	// Two workers pop before either finishes; the second must come up empty.
	first, err := store.Pop(context.Background(), QueueMemoryAnalysis, 0)
	if err != nil || first == nil {
		t.Fatalf("first Pop: job=%v err=%v", first, err)
	}
	second, err := store.Pop(context.Background(), QueueMemoryAnalysis, 0)
	if err != nil {
		t.Fatalf("second Pop: %v", err)
	}
	if second != nil {
		t.Fatal("duplicate job ID must not be queued twice")
	}

	runs := 0
	m.process(context.Background(), first, func(ctx context.Context, job *Job) error {
		runs++
		return nil
	})
	if runs != 1 {
		t.Errorf("handler ran %d times, want 1", runs)
	}
}

func TestRetryReusesJobIDAfterCompletion(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, testQueueConfig())

	opts := &EnqueueOptions{JobID: "mem-analysis-acct-1"}
	if _, err := m.Enqueue(context.Background(), QueueMemoryAnalysis, "memory-analysis", nil, opts); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !drain(t, m, store, QueueMemoryAnalysis, func(ctx context.Context, job *Job) error { return nil }) {
		t.Fatal("no job available")
	}

	// The next tick's job with the same ID must enqueue again.
	if _, err := m.Enqueue(context.Background(), QueueMemoryAnalysis, "memory-analysis", nil, opts); err != nil {
		t.Fatalf("re-Enqueue: %v", err)
	}
	if got := store.waitingCount(QueueMemoryAnalysis); got != 1 {
		t.Errorf("waiting list length = %d, want 1 after completion", got)
	}
}

func TestPoppedJobStaysRecoverableUntilDone(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, testQueueConfig())

	id, err := m.Enqueue(context.Background(), QueueTradingCycles, "trading-cycle", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := store.Pop(context.Background(), QueueTradingCycles, 0)
	if err != nil || job == nil {
		t.Fatalf("Pop: job=%v err=%v", job, err)
	}
	if got := store.activeCount(QueueTradingCycles); got != 1 {
		t.Fatalf("active list length = %d, want 1 while in flight", got)
	}

	m.process(context.Background(), job, func(ctx context.Context, job *Job) error { return nil })
	if got := store.activeCount(QueueTradingCycles); got != 0 {
		t.Errorf("active list length = %d, want 0 after completion", got)
	}

	stored, err := store.GetJob(context.Background(), QueueTradingCycles, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored != nil {
		t.Error("completed job body should be gone")
	}
}

func TestStartReclaimsJobsFromCrashedWorker(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, testQueueConfig())
	m.popTimeout = 10 * time.Millisecond

	if _, err := m.Enqueue(context.Background(), QueueTradingCycles, "trading-cycle", nil, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Simulate a process that died mid-job: popped but never finished.
	if job, err := store.Pop(context.Background(), QueueTradingCycles, 0); err != nil || job == nil {
		t.Fatalf("Pop: job=%v err=%v", job, err)
	}
	if store.waitingCount(QueueTradingCycles) != 0 {
		t.Fatal("job should be off the waiting list while in flight")
	}

	done := make(chan struct{}, 1)
	m.Register(QueueTradingCycles, 1, func(ctx context.Context, job *Job) error {
		done <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reclaimed job never ran")
	}

	shutdownCtx, sc := context.WithTimeout(context.Background(), 2*time.Second)
	defer sc()
	if err := m.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestLookupReportsJobLifecycle(t *testing.T) {
	store := newMemStore()
	cfg := testQueueConfig()
	m := NewManager(store, cfg)

	id, err := m.Enqueue(context.Background(), QueueChatCommands, "chat-command", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	state, _, err := m.Lookup(context.Background(), QueueChatCommands, id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if state != StatePending {
		t.Errorf("queued job state = %q, want %q", state, StatePending)
	}

	failing := func(ctx context.Context, job *Job) error { return errors.New("planner unavailable") }
	for round := 0; round < cfg.MaxAttempts; round++ {
		if !drain(t, m, store, QueueChatCommands, failing) {
			t.Fatalf("round %d: no job available", round)
		}
		store.MoveDue(context.Background(), time.Now().Add(time.Hour))
	}

	state, job, err := m.Lookup(context.Background(), QueueChatCommands, id)
	if err != nil {
		t.Fatalf("Lookup after exhaustion: %v", err)
	}
	if state != StateFailed {
		t.Fatalf("exhausted job state = %q, want %q", state, StateFailed)
	}
	if job == nil || job.LastError != "planner unavailable" {
		t.Errorf("failed job should carry its last error, got %+v", job)
	}

	state, _, err = m.Lookup(context.Background(), QueueChatCommands, "no-such-job")
	if err != nil {
		t.Fatalf("Lookup unknown: %v", err)
	}
	if state != StateNotFound {
		t.Errorf("unknown job state = %q, want %q", state, StateNotFound)
	}
}
