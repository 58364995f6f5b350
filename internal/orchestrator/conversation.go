package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hive-trading-bot/config"
	"hive-trading-bot/internal/cache"
)

// KV is the transient-state surface the orchestrator needs from Redis.
// *cache.CacheService satisfies it; tests use an in-memory substitute.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	PushToList(ctx context.Context, key string, value interface{}, maxLen int64, ttl time.Duration) error
	GetList(ctx context.Context, key string, count int64) ([]string, error)
}

// HistoryEntry is one dialogue turn.
type HistoryEntry struct {
	Sender  string `json:"sender"` // "user" or "ai"
	Message string `json:"message"`
}

// ConversationStore keeps bounded, expiring dialogue history per
// conversation in Redis.
type ConversationStore struct {
	kv  KV
	cfg config.ChatConfig
}

// NewConversationStore creates the history store.
func NewConversationStore(kv KV, cfg config.ChatConfig) *ConversationStore {
	return &ConversationStore{kv: kv, cfg: cfg}
}

// Append records one turn, trimming to the configured length and
// refreshing the expiry.
func (s *ConversationStore) Append(ctx context.Context, conversationID, sender, message string) error {
	entry := HistoryEntry{Sender: sender, Message: message}
	key := cache.ChatHistoryKey(conversationID)
	if err := s.kv.PushToList(ctx, key, entry, int64(s.cfg.HistoryLength), s.cfg.HistoryTTL); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// History returns the dialogue in chronological order.
func (s *ConversationStore) History(ctx context.Context, conversationID string) ([]HistoryEntry, error) {
	raw, err := s.kv.GetList(ctx, cache.ChatHistoryKey(conversationID), int64(s.cfg.HistoryLength))
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	// Stored newest first; reverse into chronological order.
	entries := make([]HistoryEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
