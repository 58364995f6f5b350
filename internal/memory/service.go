// Package memory stores embedded trade narratives and retrieves prior
// narratives by cosine similarity.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"hive-trading-bot/internal/database"
)

// Embedder turns text into dense vectors. The production implementation
// calls an external embedding API; tests substitute a deterministic one.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Repository is the persistence surface the memory service needs.
type Repository interface {
	InsertMemory(ctx context.Context, m *database.Memory) error
	ListMemories(ctx context.Context, accountID, source string) ([]*database.Memory, error)
}

// ScoredMemory is a recalled memory with its similarity to the query.
type ScoredMemory struct {
	Memory     *database.Memory `json:"memory"`
	Similarity float64          `json:"similarity"`
}

// Service implements add and similarity recall over stored memories.
type Service struct {
	embedder Embedder
	repo     Repository
	log      zerolog.Logger
}

// NewService creates the memory service.
func NewService(embedder Embedder, repo Repository, log zerolog.Logger) *Service {
	return &Service{embedder: embedder, repo: repo, log: log}
}

// AddMemory embeds the narrative and stores the memory. The caller fills
// every field except ID, Embedding, and CreatedAt.
func (s *Service) AddMemory(ctx context.Context, m *database.Memory) error {
	vectors, err := s.embedder.Embed(ctx, []string{m.Narrative})
	if err != nil {
		return fmt.Errorf("failed to embed narrative: %w", err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("embedder returned %d vectors for one text", len(vectors))
	}
	m.Embedding = vectors[0]

	if err := s.repo.InsertMemory(ctx, m); err != nil {
		return fmt.Errorf("failed to store memory: %w", err)
	}
	return nil
}

// Recall embeds the query and returns up to k memories ranked by cosine
// similarity, optionally filtered by source. Recall never fails the
// caller: embedding or storage errors degrade to an empty result so a
// trading cycle or chat command proceeds without recalled context.
func (s *Service) Recall(ctx context.Context, accountID, query string, k int, source string) []ScoredMemory {
	if k <= 0 {
		return nil
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(vectors) != 1 {
		s.log.Warn().Err(err).Str("account", accountID).Msg("recall degraded: embedding failed")
		return nil
	}
	queryVec := vectors[0]

	memories, err := s.repo.ListMemories(ctx, accountID, source)
	if err != nil {
		s.log.Warn().Err(err).Str("account", accountID).Msg("recall degraded: listing failed")
		return nil
	}

	scored := make([]ScoredMemory, 0, len(memories))
	for _, m := range memories {
		sim, ok := cosineSimilarity(queryVec, m.Embedding)
		if !ok {
			continue
		}
		scored = append(scored, ScoredMemory{Memory: m, Similarity: sim})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// RecordTradeOutcome writes a narrative memory for a completed trade.
// Satisfies the ledger's memory sink; failures are logged, never
// propagated into the trade path.
func (s *Service) RecordTradeOutcome(ctx context.Context, accountID string, trade *database.TradeRecord, reason string) {
	outcome := database.OutcomeProfit
	if trade.PnL < 0 {
		outcome = database.OutcomeLoss
	}

	pnlPercent := 0.0
	if trade.EntryPrice > 0 && trade.Amount > 0 {
		pnlPercent = trade.PnL / (trade.EntryPrice * trade.Amount) * 100
	}

	narrative := fmt.Sprintf(
		"Closed %s %s: amount %.8f, entry %.2f, exit %.2f, pnl %.2f (%.2f%%). Reason: %s",
		trade.Side, trade.Symbol, trade.Amount, trade.EntryPrice, trade.ExitPrice,
		trade.PnL, pnlPercent, reason)

	m := &database.Memory{
		AccountID:  accountID,
		Symbol:     trade.Symbol,
		Narrative:  narrative,
		Outcome:    outcome,
		PnLPercent: pnlPercent,
		Source:     database.MemorySourceAgent,
	}

	if err := s.AddMemory(ctx, m); err != nil {
		s.log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("failed to record trade memory")
	}
}

// cosineSimilarity returns the cosine of the angle between a and b.
// ok is false for mismatched lengths or zero vectors.
func cosineSimilarity(a, b []float64) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}
