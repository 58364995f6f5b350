package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker is the cooperative mutual-exclusion primitive serializing all
// mutations of one (account, mode) ledger. Acquire returns an opaque
// token that must be presented on Release so an expired holder cannot
// free a lock someone else now owns.
type Locker interface {
	Acquire(ctx context.Context, key string) (token string, err error)
	Release(ctx context.Context, key, token string) error
}

// RedisLocker implements Locker with SET NX plus bounded-wait retry.
type RedisLocker struct {
	client     *redis.Client
	ttl        time.Duration
	retries    int
	retryDelay time.Duration
}

// NewRedisLocker creates a Redis-backed locker. retries bounds the wait:
// after retries failed attempts spaced retryDelay apart the caller gets
// ErrLockNotAcquired instead of blocking a worker slot.
func NewRedisLocker(client *redis.Client, ttl time.Duration, retries int, retryDelay time.Duration) *RedisLocker {
	return &RedisLocker{
		client:     client,
		ttl:        ttl,
		retries:    retries,
		retryDelay: retryDelay,
	}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Acquire(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()

	for attempt := 0; attempt < l.retries; attempt++ {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("lock attempt failed: %w", err)
		}
		if ok {
			return token, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}

	return "", fmt.Errorf("%w: %s after %d attempts", ErrLockNotAcquired, key, l.retries)
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	res, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		return fmt.Errorf("lock release failed: %w", err)
	}
	if res == 0 {
		// Lock expired or was taken over; nothing to release
		return nil
	}
	return nil
}

// MemoryLocker is an in-process Locker for tests.
type MemoryLocker struct {
	mu         sync.Mutex
	held       map[string]string
	retries    int
	retryDelay time.Duration
}

// NewMemoryLocker creates an in-process locker with the same
// bounded-wait semantics as the Redis implementation.
func NewMemoryLocker(retries int, retryDelay time.Duration) *MemoryLocker {
	return &MemoryLocker{
		held:       make(map[string]string),
		retries:    retries,
		retryDelay: retryDelay,
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()

	for attempt := 0; attempt < l.retries; attempt++ {
		l.mu.Lock()
		if _, taken := l.held[key]; !taken {
			l.held[key] = token
			l.mu.Unlock()
			return token, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}

	return "", fmt.Errorf("%w: %s after %d attempts", ErrLockNotAcquired, key, l.retries)
}

func (l *MemoryLocker) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}
