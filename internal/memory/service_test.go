package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"hive-trading-bot/internal/database"
)

// ============================================================================
// Mocks
// ============================================================================

// mockEmbedder maps known texts to fixed vectors.
type mockEmbedder struct {
	vectors map[string][]float64
	err     error
}

func (m *mockEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, ok := m.vectors[t]
		if !ok {
			v = []float64{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

type mockMemoryRepo struct {
	memories []*database.Memory
	listErr  error
}

func (r *mockMemoryRepo) InsertMemory(ctx context.Context, m *database.Memory) error {
	r.memories = append(r.memories, m)
	return nil
}

func (r *mockMemoryRepo) ListMemories(ctx context.Context, accountID, source string) ([]*database.Memory, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []*database.Memory
	for _, m := range r.memories {
		if m.AccountID != accountID {
			continue
		}
		if source != "" && m.Source != source {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func seedMemories(repo *mockMemoryRepo) {
	repo.memories = []*database.Memory{
		{AccountID: "acct-1", Narrative: "btc breakout win", Embedding: []float64{1, 0, 0}, Source: database.MemorySourceAgent},
		{AccountID: "acct-1", Narrative: "eth dip loss", Embedding: []float64{0.7, 0.7, 0}, Source: database.MemorySourceAgent},
		{AccountID: "acct-1", Narrative: "user note", Embedding: []float64{0, 1, 0}, Source: database.MemorySourceHuman},
		{AccountID: "acct-2", Narrative: "other account", Embedding: []float64{1, 0, 0}, Source: database.MemorySourceAgent},
	}
}

// ============================================================================
// Recall
// ============================================================================

func TestRecallRanksBySimilarity(t *testing.T) {
	repo := &mockMemoryRepo{}
	seedMemories(repo)
	embedder := &mockEmbedder{vectors: map[string][]float64{"btc query": {1, 0, 0}}}
	s := NewService(embedder, repo, zerolog.Nop())

	results := s.Recall(context.Background(), "acct-1", "btc query", 10, "")

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[i-1].Similarity {
			t.Errorf("similarity not non-increasing at %d: %f > %f",
				i, results[i].Similarity, results[i-1].Similarity)
		}
	}
	if results[0].Memory.Narrative != "btc breakout win" {
		t.Errorf("expected closest memory first, got %q", results[0].Memory.Narrative)
	}
}

func TestRecallRespectsKAndSourceFilter(t *testing.T) {
	repo := &mockMemoryRepo{}
	seedMemories(repo)
	embedder := &mockEmbedder{vectors: map[string][]float64{"q": {1, 0, 0}}}
	s := NewService(embedder, repo, zerolog.Nop())
	ctx := context.Background()

	if results := s.Recall(ctx, "acct-1", "q", 1, ""); len(results) != 1 {
		t.Errorf("expected k=1 to cap results, got %d", len(results))
	}

	results := s.Recall(ctx, "acct-1", "q", 10, database.MemorySourceHuman)
	if len(results) != 1 || results[0].Memory.Source != database.MemorySourceHuman {
		t.Errorf("source filter not applied: %+v", results)
	}
}

func TestRecallEmptyStoreReturnsEmpty(t *testing.T) {
	repo := &mockMemoryRepo{}
	embedder := &mockEmbedder{}
	s := NewService(embedder, repo, zerolog.Nop())

	results := s.Recall(context.Background(), "acct-1", "anything", 5, "")
	if len(results) != 0 {
		t.Errorf("expected empty result from empty store, got %d", len(results))
	}
}

func TestRecallDegradesOnEmbeddingFailure(t *testing.T) {
	repo := &mockMemoryRepo{}
	seedMemories(repo)
	embedder := &mockEmbedder{err: errors.New("embedding backend down")}
	s := NewService(embedder, repo, zerolog.Nop())

	results := s.Recall(context.Background(), "acct-1", "q", 5, "")
	if results != nil {
		t.Errorf("expected nil on embedder failure, got %d results", len(results))
	}
}

// ============================================================================
// Add
// ============================================================================

func TestAddMemoryEmbedsNarrative(t *testing.T) {
	repo := &mockMemoryRepo{}
	embedder := &mockEmbedder{vectors: map[string][]float64{"a lesson": {0.5, 0.5, 0}}}
	s := NewService(embedder, repo, zerolog.Nop())

	m := &database.Memory{AccountID: "acct-1", Narrative: "a lesson", Source: database.MemorySourceAgent}
	if err := s.AddMemory(context.Background(), m); err != nil {
		t.Fatalf("AddMemory failed: %v", err)
	}

	if len(repo.memories) != 1 {
		t.Fatalf("expected stored memory, got %d", len(repo.memories))
	}
	if len(repo.memories[0].Embedding) != 3 {
		t.Errorf("embedding not attached: %+v", repo.memories[0].Embedding)
	}
}

func TestRecordTradeOutcomeTagsProfitAndLoss(t *testing.T) {
	repo := &mockMemoryRepo{}
	embedder := &mockEmbedder{}
	s := NewService(embedder, repo, zerolog.Nop())
	ctx := context.Background()

	s.RecordTradeOutcome(ctx, "acct-1", &database.TradeRecord{
		Symbol: "BTCUSDT", Side: database.SideLong, Amount: 0.1,
		EntryPrice: 50000, ExitPrice: 60000, PnL: 994,
	}, "take profit")
	s.RecordTradeOutcome(ctx, "acct-1", &database.TradeRecord{
		Symbol: "ETHUSDT", Side: database.SideLong, Amount: 1,
		EntryPrice: 2000, ExitPrice: 1800, PnL: -201.8,
	}, "stop loss")

	if len(repo.memories) != 2 {
		t.Fatalf("expected 2 memories, got %d", len(repo.memories))
	}
	if repo.memories[0].Outcome != database.OutcomeProfit {
		t.Errorf("expected profit tag, got %q", repo.memories[0].Outcome)
	}
	if repo.memories[1].Outcome != database.OutcomeLoss {
		t.Errorf("expected loss tag, got %q", repo.memories[1].Outcome)
	}
}
