// Package cache provides Redis-based caching, conversation state,
// and distributed locks for the trading substrate.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"hive-trading-bot/config"
)

// CacheService provides Redis-based caching with graceful degradation.
// When Redis is unavailable, operations return errors that callers should
// handle by falling back to database queries or defaults.
type CacheService struct {
	client       *redis.Client
	config       config.RedisConfig
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	// Circuit breaker settings
	maxFailures   int
	checkInterval time.Duration
}

// Key prefixes for the different cache namespaces
const (
	PrefixAccountConfig  = "config:%s"
	PrefixMarketRegime   = "global_market_regime"
	PrefixChatHistory    = "chat-history:%s"
	PrefixChatResult     = "chat-result:%s"
	PrefixActionPlan     = "plan:%s"
	PrefixActionPlanLock = "lock:action-plan:%s"
	PrefixOnDemandResult = "on-demand-result:%s"
	PrefixLedgerLock     = "lock:ledger:%s:%s"
	PrefixCycleHistory   = "cycle-history:%s"
	PrefixSnapshot       = "market-snapshot"
)

// NewCacheService creates a new CacheService and verifies connectivity.
// A failed initial ping returns the service in degraded mode rather than
// an error; the circuit breaker re-checks in the background.
func NewCacheService(cfg config.RedisConfig) (*CacheService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cs := &CacheService{
		client:        client,
		config:        cfg,
		healthy:       false,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("[CACHE] Initial Redis connection failed: %v", err)
		return cs, nil
	}

	cs.healthy = true
	cs.lastCheck = time.Now()
	log.Printf("[CACHE] Redis connected successfully at %s", cfg.Address)

	return cs, nil
}

// IsHealthy returns whether Redis is currently available.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			log.Printf("[CACHE] Circuit breaker OPEN: Redis marked unhealthy after %d failures", cs.failureCount)
		}
		cs.healthy = false
	}
}

func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy {
		log.Printf("[CACHE] Circuit breaker CLOSED: Redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// checkHealth performs a background health check if enough time has passed.
func (cs *CacheService) checkHealth(ctx context.Context) {
	cs.mu.RLock()
	timeSinceCheck := time.Since(cs.lastCheck)
	shouldCheck := !cs.healthy && timeSinceCheck >= cs.checkInterval
	cs.mu.RUnlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := cs.client.Ping(pingCtx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
}

// Get retrieves a value from cache. Returns redis.Nil on a cache miss.
func (cs *CacheService) Get(ctx context.Context, key string) (string, error) {
	cs.checkHealth(ctx)

	if !cs.IsHealthy() {
		return "", fmt.Errorf("redis unavailable (circuit breaker open)")
	}

	result, err := cs.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", err // Cache miss, not a failure
		}
		cs.recordFailure()
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	cs.recordSuccess()
	return result, nil
}

// Set stores a value in cache with TTL.
func (cs *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	cs.checkHealth(ctx)

	if !cs.IsHealthy() {
		return fmt.Errorf("redis unavailable (circuit breaker open)")
	}

	var data string
	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		jsonData, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		data = string(jsonData)
	}

	if err := cs.client.Set(ctx, key, data, ttl).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// SetNX stores a value only if the key does not already exist.
// Returns true when the key was set.
func (cs *CacheService) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	cs.checkHealth(ctx)

	if !cs.IsHealthy() {
		return false, fmt.Errorf("redis unavailable (circuit breaker open)")
	}

	ok, err := cs.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		cs.recordFailure()
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	cs.recordSuccess()
	return ok, nil
}

// Delete removes a key from cache.
func (cs *CacheService) Delete(ctx context.Context, key string) error {
	cs.checkHealth(ctx)

	if !cs.IsHealthy() {
		return fmt.Errorf("redis unavailable (circuit breaker open)")
	}

	if err := cs.client.Del(ctx, key).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// PushToList prepends a value to a Redis list, trims to maxLen, and
// refreshes the list TTL. Used for conversation and cycle history.
func (cs *CacheService) PushToList(ctx context.Context, key string, value interface{}, maxLen int64, ttl time.Duration) error {
	cs.checkHealth(ctx)

	if !cs.IsHealthy() {
		return fmt.Errorf("redis unavailable (circuit breaker open)")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal list entry: %w", err)
	}

	pipe := cs.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, maxLen-1)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis list push failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// GetList returns up to count entries from a Redis list, newest first.
// Pass count <= 0 for the whole list.
func (cs *CacheService) GetList(ctx context.Context, key string, count int64) ([]string, error) {
	cs.checkHealth(ctx)

	if !cs.IsHealthy() {
		return nil, fmt.Errorf("redis unavailable (circuit breaker open)")
	}

	stop := count - 1
	if count <= 0 {
		stop = -1
	}
	entries, err := cs.client.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		cs.recordFailure()
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}

	cs.recordSuccess()
	return entries, nil
}

// GetJSON retrieves and unmarshals a JSON value from cache.
func (cs *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := cs.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return nil
}

// SetJSON marshals and stores a JSON value in cache.
func (cs *CacheService) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return cs.Set(ctx, key, value, ttl)
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// Ping checks Redis connectivity.
func (cs *CacheService) Ping(ctx context.Context) error {
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.recordFailure()
		return err
	}
	cs.recordSuccess()
	return nil
}

// GetClient returns the underlying Redis client for advanced operations.
// Use with caution - prefer using CacheService methods.
func (cs *CacheService) GetClient() *redis.Client {
	return cs.client
}

// Stats returns cache statistics for monitoring.
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
	PoolSize     int    `json:"pool_size"`
}

// GetStats returns current cache statistics.
func (cs *CacheService) GetStats() Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return Stats{
		Healthy:      cs.healthy,
		FailureCount: cs.failureCount,
		Address:      cs.config.Address,
		PoolSize:     cs.config.PoolSize,
	}
}

// AccountConfigKey generates a cache key for an account's configuration.
func AccountConfigKey(accountID string) string {
	return fmt.Sprintf(PrefixAccountConfig, accountID)
}

// MarketRegimeKey returns the cache key for the global market regime.
func MarketRegimeKey() string {
	return PrefixMarketRegime
}

// ChatHistoryKey generates a cache key for a conversation's history list.
func ChatHistoryKey(conversationID string) string {
	return fmt.Sprintf(PrefixChatHistory, conversationID)
}

// ChatResultKey generates a cache key for a chat job result.
func ChatResultKey(jobID string) string {
	return fmt.Sprintf(PrefixChatResult, jobID)
}

// ActionPlanKey generates a cache key for a pending action plan.
func ActionPlanKey(jobID string) string {
	return fmt.Sprintf(PrefixActionPlan, jobID)
}

// ActionPlanLockKey generates the idempotency lock key for plan execution.
func ActionPlanLockKey(planID string) string {
	return fmt.Sprintf(PrefixActionPlanLock, planID)
}

// OnDemandResultKey generates a cache key for an on-demand analysis result.
func OnDemandResultKey(jobID string) string {
	return fmt.Sprintf(PrefixOnDemandResult, jobID)
}

// LedgerLockKey generates the mutual-exclusion lock key for a ledger.
func LedgerLockKey(accountID, mode string) string {
	return fmt.Sprintf(PrefixLedgerLock, accountID, mode)
}

// CycleHistoryKey generates a cache key for an account's cycle history list.
func CycleHistoryKey(accountID string) string {
	return fmt.Sprintf(PrefixCycleHistory, accountID)
}
