package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"hive-trading-bot/config"
	"hive-trading-bot/internal/agents"
	"hive-trading-bot/internal/database"
	"hive-trading-bot/internal/events"
	"hive-trading-bot/internal/ledger"
	"hive-trading-bot/internal/market"
	"hive-trading-bot/internal/memory"
)

// ==================== Test doubles ====================

type stubTechnical struct {
	mu      sync.Mutex
	calls   int
	signals []agents.TechnicalSignal
	err     error
}

func (s *stubTechnical) AnalyzeBatch(ctx context.Context, candles map[string][]market.Kline) ([]agents.TechnicalSignal, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.signals, s.err
}

type stubDeep struct{ score float64 }

func (s *stubDeep) Analyze(ctx context.Context, symbol string) (*agents.DeepAnalysis, error) {
	return &agents.DeepAnalysis{Symbol: symbol, Score: s.score}, nil
}

type stubRisk struct {
	mu        sync.Mutex
	decisions []agents.RiskDecision
	lastCtx   *agents.RiskContext
}

func (s *stubRisk) DecideBatch(ctx context.Context, rc *agents.RiskContext) ([]agents.RiskDecision, error) {
	s.mu.Lock()
	s.lastCtx = rc
	s.mu.Unlock()
	return s.decisions, nil
}

type stubAllocator struct{ allocations []agents.Allocation }

func (s *stubAllocator) Allocate(ctx context.Context, decisions []agents.RiskDecision, balance, maxPerTrade float64) ([]agents.Allocation, error) {
	return s.allocations, nil
}

type stubReviewer struct{ verdicts map[string]string }

func (s *stubReviewer) Review(ctx context.Context, pos *database.Position, price float64, regime string) (*agents.ReviewVerdict, error) {
	v, ok := s.verdicts[pos.Symbol]
	if !ok {
		v = agents.ReviewHold
	}
	return &agents.ReviewVerdict{Verdict: v, Reason: "test verdict"}, nil
}

type stubOptimizer struct{ proposed json.RawMessage }

func (s *stubOptimizer) ProposeConfig(ctx context.Context, current json.RawMessage, trades []*database.TradeRecord) (json.RawMessage, error) {
	return s.proposed, nil
}

type stubSummarizer struct{ out string }

func (s *stubSummarizer) Summarize(ctx context.Context, subject, material string) (string, error) {
	return s.out, nil
}

// mockLedgers records every mutation; balances and positions are set
// up per test.
type mockLedgers struct {
	mu         sync.Mutex
	portfolios map[string]*database.Ledger // key accountID/mode
	buys       []string
	sells      []string
	shorts     []string
	buyErr     map[string]error // per symbol
	deleted    []string
	ensured    []string
}

func newMockLedgers() *mockLedgers {
	return &mockLedgers{
		portfolios: make(map[string]*database.Ledger),
		buyErr:     make(map[string]error),
	}
}

func (m *mockLedgers) key(accountID, mode string) string { return accountID + "/" + mode }

func (m *mockLedgers) setPortfolio(accountID, mode string, balance float64, positions ...database.Position) {
	m.portfolios[m.key(accountID, mode)] = &database.Ledger{
		AccountID: accountID, Mode: mode, Balance: balance, Positions: positions,
	}
}

func (m *mockLedgers) Buy(ctx context.Context, accountID, mode, symbol string, amount, price float64, risk ledger.RiskParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.buyErr[symbol]; ok {
		return err
	}
	m.buys = append(m.buys, symbol)
	return nil
}

func (m *mockLedgers) Sell(ctx context.Context, accountID, mode, symbol string, amount, price float64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sells = append(m.sells, symbol)
	lg := m.portfolios[m.key(accountID, mode)]
	kept := lg.Positions[:0]
	for _, p := range lg.Positions {
		if p.Symbol != symbol {
			kept = append(kept, p)
		}
	}
	lg.Positions = kept
	return nil
}

func (m *mockLedgers) OpenShort(ctx context.Context, accountID, mode, symbol string, amount, price float64, risk ledger.RiskParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shorts = append(m.shorts, symbol)
	return nil
}

func (m *mockLedgers) CloseShort(ctx context.Context, accountID, mode, symbol string, amount, price float64, reason string) error {
	return m.Sell(ctx, accountID, mode, symbol, amount, price, reason)
}

func (m *mockLedgers) GetPortfolio(ctx context.Context, accountID, mode string) (*database.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lg, ok := m.portfolios[m.key(accountID, mode)]
	if !ok {
		return &database.Ledger{AccountID: accountID, Mode: mode, Balance: 100000}, nil
	}
	cp := *lg
	cp.Positions = append([]database.Position(nil), lg.Positions...)
	return &cp, nil
}

func (m *mockLedgers) EnsureLedger(ctx context.Context, accountID, mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured = append(m.ensured, m.key(accountID, mode))
	return nil
}

func (m *mockLedgers) DeleteShadow(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, accountID)
	return nil
}

type mockCycleRepo struct {
	mu        sync.Mutex
	config    *database.Configuration
	trades    []*database.TradeRecord
	decisions []*database.DecisionRecord
	promoted  []string
	shadowSet []json.RawMessage
}

func (m *mockCycleRepo) GetConfiguration(ctx context.Context, accountID string) (*database.Configuration, error) {
	return m.config, nil
}

func (m *mockCycleRepo) SetShadowConfig(ctx context.Context, accountID string, shadowConfig json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shadowSet = append(m.shadowSet, shadowConfig)
	return nil
}

func (m *mockCycleRepo) PromoteShadowConfig(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promoted = append(m.promoted, accountID)
	return nil
}

func (m *mockCycleRepo) AppendDecisionRecord(ctx context.Context, rec *database.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, rec)
	return nil
}

func (m *mockCycleRepo) ListTradeRecords(ctx context.Context, accountID, mode string, limit int) ([]*database.TradeRecord, error) {
	if limit > len(m.trades) {
		limit = len(m.trades)
	}
	return m.trades[:limit], nil
}

func (m *mockCycleRepo) CountTradeRecords(ctx context.Context, accountID, mode string) (int, error) {
	return len(m.trades), nil
}

type mockMemories struct {
	mu     sync.Mutex
	stored []*database.Memory
	recall []memory.ScoredMemory
}

func (m *mockMemories) Recall(ctx context.Context, accountID, query string, k int, source string) []memory.ScoredMemory {
	return m.recall
}

func (m *mockMemories) AddMemory(ctx context.Context, mem *database.Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, mem)
	return nil
}

// cycleKV is an in-memory KV without TTL enforcement.
type cycleKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newCycleKV() *cycleKV { return &cycleKV{data: make(map[string]string)} }

func (kv *cycleKV) Get(ctx context.Context, key string) (string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (kv *cycleKV) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	switch v := value.(type) {
	case string:
		kv.data[key] = v
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return err
		}
		kv.data[key] = string(b)
	}
	return nil
}

func (kv *cycleKV) Delete(ctx context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.data, key)
	return nil
}

func (kv *cycleKV) PushToList(ctx context.Context, key string, value interface{}, maxLen int64, ttl time.Duration) error {
	return nil
}

// ==================== Fixtures ====================

func testKlines(n int, close float64) []market.Kline {
	ks := make([]market.Kline, n)
	for i := range ks {
		ks[i] = market.Kline{Open: close, High: close, Low: close, Close: close, Volume: 100}
	}
	return ks
}

func testTradingConfig() config.TradingConfig {
	return config.TradingConfig{
		InitialBalance:     100000,
		FeeRate:            0.001,
		MinTradesForShadow: 10,
		PromotionThreshold: 1.10,
	}
}

func testProducerConfig() config.ProducerConfig {
	return config.ProducerConfig{
		CycleInterval:  15 * time.Minute,
		SnapshotMaxAge: 5 * time.Minute,
	}
}

type runnerFixture struct {
	runner    *Runner
	ledgers   *mockLedgers
	repo      *mockCycleRepo
	memories  *mockMemories
	kv        *cycleKV
	source    *market.MockSource
	technical *stubTechnical
	risk      *stubRisk
	allocator *stubAllocator
	reviewer  *stubReviewer
	optimizer *stubOptimizer
}

func newRunnerFixture() *runnerFixture {
	f := &runnerFixture{
		ledgers:   newMockLedgers(),
		repo:      &mockCycleRepo{config: &database.Configuration{AccountID: "acct-1", StrategyConfig: json.RawMessage(`{}`)}},
		memories:  &mockMemories{},
		kv:        newCycleKV(),
		source:    market.NewMockSource(),
		technical: &stubTechnical{},
		risk:      &stubRisk{},
		allocator: &stubAllocator{},
		reviewer:  &stubReviewer{verdicts: map[string]string{}},
		optimizer: &stubOptimizer{proposed: json.RawMessage(`{"stopLossPct":4}`)},
	}
	ag := Agents{
		Technical:  f.technical,
		OnChain:    &stubDeep{score: 0.5},
		Social:     &stubDeep{score: 0.2},
		Risk:       f.risk,
		Allocator:  f.allocator,
		Reviewer:   f.reviewer,
		Optimizer:  f.optimizer,
		Summarizer: &stubSummarizer{out: "lesson"},
	}
	f.runner = NewRunner(ag, f.source, f.ledgers, f.repo, f.memories, f.kv,
		events.NewEventBus(), testTradingConfig(), testProducerConfig(), zerolog.Nop())
	return f
}

func freshSnapshot(regime string) Snapshot {
	return Snapshot{
		Macro:     &agents.MacroView{Outlook: "bullish"},
		Sentiment: &agents.SentimentView{Score: 0.4},
		Regime:    regime,
		Timestamp: time.Now(),
	}
}

// ==================== Tests ====================

func TestCycleSkipsScanAtPositionCap(t *testing.T) {
	f := newRunnerFixture()
	positions := make([]database.Position, 5)
	for i := range positions {
		sym := fmt.Sprintf("SYM%dUSDT", i)
		positions[i] = database.Position{Symbol: sym, Side: database.SideLong, Amount: 1, EntryPrice: 10}
		f.source.SetPrice(sym, 10)
	}
	f.ledgers.setPortfolio("acct-1", database.ModeMain, 50000, positions...)

	err := f.runner.Process(context.Background(), CyclePayload{AccountID: "acct-1", Snapshot: freshSnapshot(agents.RegimeBull)})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if f.technical.calls != 0 {
		t.Errorf("expected no technical analysis at the position cap, got %d calls", f.technical.calls)
	}
	if len(f.ledgers.buys) != 0 {
		t.Errorf("expected no buys at the position cap, got %v", f.ledgers.buys)
	}
}

func TestCycleExecutesAllocations(t *testing.T) {
	f := newRunnerFixture()
	f.ledgers.setPortfolio("acct-1", database.ModeMain, 100000)
	f.source.SetTickers([]market.Ticker24hr{
		{Symbol: "BTCUSDT", QuoteVolume: 1e9},
		{Symbol: "ETHUSDT", QuoteVolume: 5e8},
	})
	f.source.SetKlines("BTCUSDT", testKlines(50, 40000))
	f.source.SetKlines("ETHUSDT", testKlines(50, 2500))
	f.source.SetPrice("BTCUSDT", 40000)
	f.source.SetPrice("ETHUSDT", 2500)
	f.technical.signals = []agents.TechnicalSignal{
		{Symbol: "BTCUSDT", Signal: "BUY", Confidence: 0.8},
		{Symbol: "ETHUSDT", Signal: "BUY", Confidence: 0.6},
	}
	f.risk.decisions = []agents.RiskDecision{
		{Symbol: "BTCUSDT", Decision: agents.DecisionBuy, Confidence: 0.8, Reason: "strong trend"},
		{Symbol: "ETHUSDT", Decision: agents.DecisionBuy, Confidence: 0.6, Reason: "breakout"},
	}
	f.allocator.allocations = []agents.Allocation{
		{Symbol: "BTCUSDT", Decision: agents.DecisionBuy, AmountUSD: 500},
		{Symbol: "ETHUSDT", Decision: agents.DecisionBuy, AmountUSD: 300},
	}

	err := f.runner.Process(context.Background(), CyclePayload{AccountID: "acct-1", Snapshot: freshSnapshot(agents.RegimeBull)})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(f.ledgers.buys) != 2 {
		t.Fatalf("expected 2 buys, got %v", f.ledgers.buys)
	}
	if len(f.repo.decisions) != 2 {
		t.Errorf("expected 2 decision records, got %d", len(f.repo.decisions))
	}
	if len(f.memories.stored) != 2 {
		t.Errorf("expected 2 decision memories, got %d", len(f.memories.stored))
	}
}

func TestCycleSymbolFailureDoesNotAbortSiblings(t *testing.T) {
	f := newRunnerFixture()
	f.ledgers.setPortfolio("acct-1", database.ModeMain, 100000)
	f.ledgers.buyErr["BTCUSDT"] = errors.New("ledger unavailable")
	f.source.SetTickers([]market.Ticker24hr{
		{Symbol: "BTCUSDT", QuoteVolume: 1e9},
		{Symbol: "ETHUSDT", QuoteVolume: 5e8},
	})
	f.source.SetKlines("BTCUSDT", testKlines(50, 40000))
	f.source.SetKlines("ETHUSDT", testKlines(50, 2500))
	f.source.SetPrice("BTCUSDT", 40000)
	f.source.SetPrice("ETHUSDT", 2500)
	f.technical.signals = []agents.TechnicalSignal{{Symbol: "BTCUSDT", Signal: "BUY"}, {Symbol: "ETHUSDT", Signal: "BUY"}}
	f.risk.decisions = []agents.RiskDecision{
		{Symbol: "BTCUSDT", Decision: agents.DecisionBuy},
		{Symbol: "ETHUSDT", Decision: agents.DecisionBuy},
	}
	f.allocator.allocations = []agents.Allocation{
		{Symbol: "BTCUSDT", Decision: agents.DecisionBuy, AmountUSD: 500},
		{Symbol: "ETHUSDT", Decision: agents.DecisionBuy, AmountUSD: 300},
	}

	err := f.runner.Process(context.Background(), CyclePayload{AccountID: "acct-1", Snapshot: freshSnapshot(agents.RegimeBull)})
	if err != nil {
		t.Fatalf("one symbol's failure must not fail the cycle: %v", err)
	}
	if len(f.ledgers.buys) != 1 || f.ledgers.buys[0] != "ETHUSDT" {
		t.Fatalf("expected ETHUSDT to execute despite BTCUSDT failure, got %v", f.ledgers.buys)
	}
}

func TestStaleSnapshotFallsBackToDefaultRegime(t *testing.T) {
	f := newRunnerFixture()
	f.ledgers.setPortfolio("acct-1", database.ModeMain, 100000)
	f.source.SetTickers([]market.Ticker24hr{{Symbol: "BTCUSDT", QuoteVolume: 1e9}})
	f.source.SetKlines("BTCUSDT", testKlines(50, 40000))
	f.technical.signals = []agents.TechnicalSignal{{Symbol: "BTCUSDT", Signal: "HOLD"}}

	stale := freshSnapshot(agents.RegimeBull)
	stale.Timestamp = time.Now().Add(-10 * time.Minute)

	err := f.runner.Process(context.Background(), CyclePayload{AccountID: "acct-1", Snapshot: stale})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if f.risk.lastCtx == nil {
		t.Fatal("risk analyst was never consulted")
	}
	if f.risk.lastCtx.Regime != agents.RegimeDefault {
		t.Errorf("stale snapshot should force regime %q, got %q", agents.RegimeDefault, f.risk.lastCtx.Regime)
	}
}

func TestPreflightSellsOnSellNowVerdict(t *testing.T) {
	f := newRunnerFixture()
	f.ledgers.setPortfolio("acct-1", database.ModeMain, 50000,
		database.Position{Symbol: "BTCUSDT", Side: database.SideLong, Amount: 0.5, EntryPrice: 42000},
		database.Position{Symbol: "ETHUSDT", Side: database.SideLong, Amount: 2, EntryPrice: 2600},
	)
	f.source.SetPrice("BTCUSDT", 39000)
	f.source.SetPrice("ETHUSDT", 2700)
	f.source.SetTickers([]market.Ticker24hr{{Symbol: "SOLUSDT", QuoteVolume: 1e8}})
	f.source.SetKlines("SOLUSDT", testKlines(50, 150))
	f.technical.signals = []agents.TechnicalSignal{{Symbol: "SOLUSDT", Signal: "HOLD"}}
	f.reviewer.verdicts["BTCUSDT"] = agents.ReviewSellNow

	err := f.runner.Process(context.Background(), CyclePayload{AccountID: "acct-1", Snapshot: freshSnapshot(agents.RegimeBear)})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(f.ledgers.sells) != 1 || f.ledgers.sells[0] != "BTCUSDT" {
		t.Fatalf("expected exactly BTCUSDT sold on SELL_NOW, got %v", f.ledgers.sells)
	}
}

func TestShadowCycleRunsAlongsideMain(t *testing.T) {
	f := newRunnerFixture()
	f.repo.config.ShadowConfig = json.RawMessage(`{"stopLossPct":3}`)
	f.ledgers.setPortfolio("acct-1", database.ModeMain, 100000)
	f.ledgers.setPortfolio("acct-1", database.ModeShadow, 100000)
	f.source.SetTickers([]market.Ticker24hr{{Symbol: "BTCUSDT", QuoteVolume: 1e9}})
	f.source.SetKlines("BTCUSDT", testKlines(50, 40000))
	f.technical.signals = []agents.TechnicalSignal{{Symbol: "BTCUSDT", Signal: "HOLD"}}

	err := f.runner.Process(context.Background(), CyclePayload{AccountID: "acct-1", Snapshot: freshSnapshot(agents.RegimeSideways)})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	ensured := strings.Join(f.ledgers.ensured, ",")
	if !strings.Contains(ensured, "acct-1/MAIN") || !strings.Contains(ensured, "acct-1/SHADOW") {
		t.Errorf("expected both main and shadow cycles to run, ensured: %v", f.ledgers.ensured)
	}
}

func TestSelfImprovementPromotesOutperformingShadow(t *testing.T) {
	f := newRunnerFixture()
	f.repo.config.ShadowConfig = json.RawMessage(`{"stopLossPct":3}`)
	f.ledgers.setPortfolio("acct-1", database.ModeMain, 100000)
	f.ledgers.setPortfolio("acct-1", database.ModeShadow, 115000) // above the 1.10 bar

	if err := f.runner.RunSelfImprovement(context.Background(), "acct-1"); err != nil {
		t.Fatalf("RunSelfImprovement: %v", err)
	}
	if len(f.repo.promoted) != 1 {
		t.Fatalf("expected promotion, got %v", f.repo.promoted)
	}
	if len(f.ledgers.deleted) != 0 {
		t.Errorf("promotion must not delete the shadow ledger directly, got %v", f.ledgers.deleted)
	}
}

func TestSelfImprovementDiscardsUnderperformingShadow(t *testing.T) {
	f := newRunnerFixture()
	f.repo.config.ShadowConfig = json.RawMessage(`{"stopLossPct":3}`)
	f.ledgers.setPortfolio("acct-1", database.ModeMain, 100000)
	f.ledgers.setPortfolio("acct-1", database.ModeShadow, 105000) // under the 1.10 bar

	if err := f.runner.RunSelfImprovement(context.Background(), "acct-1"); err != nil {
		t.Fatalf("RunSelfImprovement: %v", err)
	}
	if len(f.repo.promoted) != 0 {
		t.Fatalf("unexpected promotion: %v", f.repo.promoted)
	}
	if len(f.repo.shadowSet) != 1 || f.repo.shadowSet[0] != nil {
		t.Fatalf("expected shadow config cleared, got %v", f.repo.shadowSet)
	}
	if len(f.ledgers.deleted) != 1 {
		t.Errorf("expected shadow ledger deleted, got %v", f.ledgers.deleted)
	}
}

func TestSelfImprovementStartsExperimentWithEnoughHistory(t *testing.T) {
	f := newRunnerFixture()
	for i := 0; i < 12; i++ {
		f.repo.trades = append(f.repo.trades, &database.TradeRecord{Symbol: "BTCUSDT", Side: database.SideLong, PnL: float64(i)})
	}

	if err := f.runner.RunSelfImprovement(context.Background(), "acct-1"); err != nil {
		t.Fatalf("RunSelfImprovement: %v", err)
	}
	if len(f.repo.shadowSet) != 1 || string(f.repo.shadowSet[0]) != `{"stopLossPct":4}` {
		t.Fatalf("expected proposed shadow config stored, got %v", f.repo.shadowSet)
	}
	found := false
	for _, e := range f.ledgers.ensured {
		if e == "acct-1/SHADOW" {
			found = true
		}
	}
	if !found {
		t.Error("expected a fresh shadow ledger")
	}
}

func TestSelfImprovementWaitsForTradeHistory(t *testing.T) {
	f := newRunnerFixture()
	for i := 0; i < 4; i++ {
		f.repo.trades = append(f.repo.trades, &database.TradeRecord{Symbol: "BTCUSDT"})
	}

	if err := f.runner.RunSelfImprovement(context.Background(), "acct-1"); err != nil {
		t.Fatalf("RunSelfImprovement: %v", err)
	}
	if len(f.repo.shadowSet) != 0 {
		t.Fatalf("no experiment expected under the trade minimum, got %v", f.repo.shadowSet)
	}
}

func TestOnDemandAnalysisPublishesResult(t *testing.T) {
	f := newRunnerFixture()
	f.ledgers.setPortfolio("acct-1", database.ModeMain, 100000)
	f.source.SetKlines("BTCUSDT", testKlines(50, 40000))
	f.technical.signals = []agents.TechnicalSignal{{Symbol: "BTCUSDT", Signal: "BUY", Confidence: 0.7}}
	f.risk.decisions = []agents.RiskDecision{{Symbol: "BTCUSDT", Decision: agents.DecisionBuy}}

	if err := f.runner.RunOnDemand(context.Background(), "job-1", "acct-1", "BTCUSDT"); err != nil {
		t.Fatalf("RunOnDemand: %v", err)
	}

	raw, err := f.kv.Get(context.Background(), "on-demand-result:job-1")
	if err != nil {
		t.Fatalf("result not published: %v", err)
	}
	var res OnDemandResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", res.Status, StatusCompleted)
	}
}

func TestOnDemandAnalysisRecordsFailure(t *testing.T) {
	f := newRunnerFixture()
	// No klines configured for the symbol.
	if err := f.runner.RunOnDemand(context.Background(), "job-2", "acct-1", "NOPEUSDT"); err != nil {
		t.Fatalf("RunOnDemand: %v", err)
	}

	raw, err := f.kv.Get(context.Background(), "on-demand-result:job-2")
	if err != nil {
		t.Fatalf("result not published: %v", err)
	}
	var res OnDemandResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("status = %q, want %q", res.Status, StatusFailed)
	}
	if res.Error == "" {
		t.Error("expected an error message in the failed result")
	}
}

func TestMemoryAnalysisStoresLesson(t *testing.T) {
	f := newRunnerFixture()
	f.repo.trades = []*database.TradeRecord{
		{Symbol: "BTCUSDT", Side: database.SideLong, Amount: 0.5, EntryPrice: 40000, ExitPrice: 41000, PnL: 500},
	}

	if err := f.runner.RunMemoryAnalysis(context.Background(), "acct-1"); err != nil {
		t.Fatalf("RunMemoryAnalysis: %v", err)
	}
	if len(f.memories.stored) != 1 {
		t.Fatalf("expected 1 lesson memory, got %d", len(f.memories.stored))
	}
	m := f.memories.stored[0]
	if m.Outcome != database.OutcomeLesson {
		t.Errorf("outcome = %q, want %q", m.Outcome, database.OutcomeLesson)
	}
	if m.Narrative != "lesson" {
		t.Errorf("narrative = %q", m.Narrative)
	}
}

func TestSelectStrategyDocResolvesRegimeMapping(t *testing.T) {
	doc := json.RawMessage(`{
		"strategyMapping": {"bull": "aggressive", "default": "safe"},
		"strategies": {
			"aggressive": {"maxPerTradeUSD": 2000},
			"safe": {"maxPerTradeUSD": 500}
		}
	}`)

	bull := ParseStrategyParams(selectStrategyDoc(doc, agents.RegimeBull))
	if bull.MaxPerTradeUSD != 2000 {
		t.Errorf("bull maxPerTradeUSD = %v, want 2000", bull.MaxPerTradeUSD)
	}
	bear := ParseStrategyParams(selectStrategyDoc(doc, agents.RegimeBear))
	if bear.MaxPerTradeUSD != 500 {
		t.Errorf("unmapped regime should use the default strategy, got %v", bear.MaxPerTradeUSD)
	}

	flat := json.RawMessage(`{"maxPerTradeUSD": 750}`)
	params := ParseStrategyParams(selectStrategyDoc(flat, agents.RegimeBull))
	if params.MaxPerTradeUSD != 750 {
		t.Errorf("flat document should pass through, got %v", params.MaxPerTradeUSD)
	}
}
