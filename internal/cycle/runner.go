package cycle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"hive-trading-bot/config"
	"hive-trading-bot/internal/agents"
	"hive-trading-bot/internal/cache"
	"hive-trading-bot/internal/database"
	"hive-trading-bot/internal/events"
	"hive-trading-bot/internal/ledger"
	"hive-trading-bot/internal/market"
	"hive-trading-bot/internal/memory"
)

// Capability interfaces consumed by the pipeline. The agents package
// provides the production implementations; tests substitute stubs.
type (
	TechnicalAnalyst interface {
		AnalyzeBatch(ctx context.Context, candles map[string][]market.Kline) ([]agents.TechnicalSignal, error)
	}
	DeepAnalyst interface {
		Analyze(ctx context.Context, symbol string) (*agents.DeepAnalysis, error)
	}
	RiskDecider interface {
		DecideBatch(ctx context.Context, rc *agents.RiskContext) ([]agents.RiskDecision, error)
	}
	AllocatorAgent interface {
		Allocate(ctx context.Context, decisions []agents.RiskDecision, balance, maxPerTrade float64) ([]agents.Allocation, error)
	}
	Reviewer interface {
		Review(ctx context.Context, pos *database.Position, currentPrice float64, regime string) (*agents.ReviewVerdict, error)
	}
	Optimizer interface {
		ProposeConfig(ctx context.Context, current json.RawMessage, trades []*database.TradeRecord) (json.RawMessage, error)
	}
	Summarizer interface {
		Summarize(ctx context.Context, subject, material string) (string, error)
	}
)

// Agents bundles the capabilities one runner needs.
type Agents struct {
	Technical  TechnicalAnalyst
	OnChain    DeepAnalyst
	Social     DeepAnalyst
	Risk       RiskDecider
	Allocator  AllocatorAgent
	Reviewer   Reviewer
	Optimizer  Optimizer
	Summarizer Summarizer
}

// AgentsFromRegistry adapts the constructed agent registry.
func AgentsFromRegistry(r *agents.Registry) Agents {
	return Agents{
		Technical:  r.Technical,
		OnChain:    r.OnChain,
		Social:     r.Social,
		Risk:       r.Risk,
		Allocator:  r.Allocator,
		Reviewer:   r.Reviewer,
		Optimizer:  r.Optimizer,
		Summarizer: r.Summarizer,
	}
}

// LedgerOps is the ledger surface the pipeline mutates through.
// *ledger.Service satisfies it.
type LedgerOps interface {
	Buy(ctx context.Context, accountID, mode, symbol string, amount, price float64, risk ledger.RiskParams) error
	Sell(ctx context.Context, accountID, mode, symbol string, amount, price float64, reason string) error
	OpenShort(ctx context.Context, accountID, mode, symbol string, amount, price float64, risk ledger.RiskParams) error
	CloseShort(ctx context.Context, accountID, mode, symbol string, amount, price float64, reason string) error
	GetPortfolio(ctx context.Context, accountID, mode string) (*database.Ledger, error)
	EnsureLedger(ctx context.Context, accountID, mode string) error
	DeleteShadow(ctx context.Context, accountID string) error
}

// Repo is the database surface beyond the ledger.
type Repo interface {
	GetConfiguration(ctx context.Context, accountID string) (*database.Configuration, error)
	SetShadowConfig(ctx context.Context, accountID string, shadowConfig json.RawMessage) error
	PromoteShadowConfig(ctx context.Context, accountID string) error
	AppendDecisionRecord(ctx context.Context, rec *database.DecisionRecord) error
	ListTradeRecords(ctx context.Context, accountID, mode string, limit int) ([]*database.TradeRecord, error)
	CountTradeRecords(ctx context.Context, accountID, mode string) (int, error)
}

// Memories is the recall/store surface for past-lesson injection.
type Memories interface {
	Recall(ctx context.Context, accountID, query string, k int, source string) []memory.ScoredMemory
	AddMemory(ctx context.Context, m *database.Memory) error
}

// KV is the transient-state surface (config cache, cycle history,
// on-demand results).
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	PushToList(ctx context.Context, key string, value interface{}, maxLen int64, ttl time.Duration) error
}

// Runner executes trading-cycle, self-improvement, on-demand, and
// memory-analysis jobs for one deployment.
type Runner struct {
	agents      Agents
	market      market.PriceSource
	ledgers     LedgerOps
	repo        Repo
	memories    Memories
	kv          KV
	bus         *events.EventBus
	breaker     HaltBreaker
	tradingCfg  config.TradingConfig
	producerCfg config.ProducerConfig
	log         zerolog.Logger
}

// HaltBreaker gates live execution. Nil means no gating.
type HaltBreaker interface {
	Allow() (bool, string)
}

// SetBreaker attaches the trading halt breaker. Only live-mode
// executions consult it.
func (r *Runner) SetBreaker(b HaltBreaker) {
	r.breaker = b
}

// NewRunner wires the pipeline.
func NewRunner(ag Agents, src market.PriceSource, ledgers LedgerOps, repo Repo, memories Memories,
	kv KV, bus *events.EventBus, tradingCfg config.TradingConfig, producerCfg config.ProducerConfig,
	log zerolog.Logger) *Runner {
	return &Runner{
		agents:      ag,
		market:      src,
		ledgers:     ledgers,
		repo:        repo,
		memories:    memories,
		kv:          kv,
		bus:         bus,
		tradingCfg:  tradingCfg,
		producerCfg: producerCfg,
		log:         log,
	}
}

// Process handles one trading-cycles job: freshness check, config load,
// then the main cycle and (when a shadow configuration exists) the
// shadow cycle side by side.
func (r *Runner) Process(ctx context.Context, payload CyclePayload) error {
	snap := payload.Snapshot
	regime := snap.Regime
	if snap.Stale(r.producerCfg.SnapshotMaxAge, time.Now()) {
		r.log.Warn().Str("account", payload.AccountID).
			Time("snapshot", snap.Timestamp).
			Msg("stale market snapshot, falling back to default regime")
		regime = agents.RegimeDefault
	}

	cfg, err := r.loadConfiguration(ctx, payload.AccountID)
	if err != nil {
		return err
	}
	if cfg == nil {
		r.log.Warn().Str("account", payload.AccountID).Msg("no configuration, skipping cycle")
		return nil
	}

	var wg sync.WaitGroup
	var mainErr, shadowErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		doc := selectStrategyDoc(cfg.StrategyConfig, regime)
		mainErr = r.runCycle(ctx, payload.AccountID, database.ModeMain, doc, snap, regime)
	}()

	if len(cfg.ShadowConfig) > 0 && string(cfg.ShadowConfig) != "null" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc := selectStrategyDoc(cfg.ShadowConfig, regime)
			shadowErr = r.runCycle(ctx, payload.AccountID, database.ModeShadow, doc, snap, regime)
		}()
	}

	wg.Wait()

	if mainErr != nil {
		return mainErr
	}
	return shadowErr
}

// loadConfiguration reads through the one-hour config cache.
func (r *Runner) loadConfiguration(ctx context.Context, accountID string) (*database.Configuration, error) {
	key := cache.AccountConfigKey(accountID)
	if raw, err := r.kv.Get(ctx, key); err == nil {
		var cfg database.Configuration
		if err := json.Unmarshal([]byte(raw), &cfg); err == nil {
			return &cfg, nil
		}
	} else if err != redis.Nil {
		r.log.Warn().Err(err).Str("account", accountID).Msg("config cache unavailable")
	}

	cfg, err := r.repo.GetConfiguration(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		if err := r.kv.Set(ctx, key, cfg, time.Hour); err != nil {
			r.log.Warn().Err(err).Str("account", accountID).Msg("failed to cache config")
		}
	}
	return cfg, nil
}

// selectStrategyDoc resolves a regime-mapped configuration: documents
// carrying {"strategyMapping": {...}, "strategies": {...}} pick the
// strategy for the regime (or "default"); flat documents pass through.
func selectStrategyDoc(doc json.RawMessage, regime string) json.RawMessage {
	var mapped struct {
		StrategyMapping map[string]string          `json:"strategyMapping"`
		Strategies      map[string]json.RawMessage `json:"strategies"`
	}
	if err := json.Unmarshal(doc, &mapped); err != nil {
		return doc
	}
	if len(mapped.StrategyMapping) == 0 || len(mapped.Strategies) == 0 {
		return doc
	}

	name, ok := mapped.StrategyMapping[regime]
	if !ok {
		name = mapped.StrategyMapping["default"]
	}
	if selected, ok := mapped.Strategies[name]; ok {
		return selected
	}
	return doc
}

// runCycle is the per-account, per-mode pipeline: pre-flight review,
// concurrency cap, scan, optional deep analysis, batched risk decision,
// allocation, execution.
func (r *Runner) runCycle(ctx context.Context, accountID, mode string, strategyDoc json.RawMessage, snap Snapshot, regime string) error {
	cycleID := uuid.NewString()
	params := ParseStrategyParams(strategyDoc)
	log := r.log.With().Str("account", accountID).Str("mode", mode).Str("cycle", cycleID).Logger()

	if mode == database.ModeMain {
		if err := r.kv.PushToList(ctx, cache.CycleHistoryKey(accountID), cycleID, 50, 7*24*time.Hour); err != nil {
			log.Warn().Err(err).Msg("failed to record cycle history")
		}
	}
	r.bus.Publish(events.Event{Type: events.EventCycleStarted, AccountID: accountID,
		Data: map[string]interface{}{"cycle_id": cycleID, "mode": mode, "regime": regime}})

	if err := r.ledgers.EnsureLedger(ctx, accountID, mode); err != nil {
		return fmt.Errorf("failed to ensure ledger: %w", err)
	}

	portfolio, err := r.ledgers.GetPortfolio(ctx, accountID, mode)
	if err != nil {
		return err
	}

	// (1) Pre-flight: review every open position, sell immediately on
	// SELL_NOW. Per-position failures never abort siblings.
	r.bus.PublishAgentActivity(accountID, cycleID, "PositionReviewer", "ANALYZING")
	for i := range portfolio.Positions {
		pos := portfolio.Positions[i]
		if err := r.reviewPosition(ctx, accountID, mode, &pos, regime); err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("pre-flight review failed")
		}
	}

	portfolio, err = r.ledgers.GetPortfolio(ctx, accountID, mode)
	if err != nil {
		return err
	}

	// (2) Concurrency cap: no new-opportunity scanning at the limit.
	if len(portfolio.Positions) >= params.MaxOpenPositions {
		log.Info().Int("open", len(portfolio.Positions)).Int("max", params.MaxOpenPositions).
			Msg("position cap reached, skipping scan")
		r.bus.Publish(events.Event{Type: events.EventCycleCompleted, AccountID: accountID,
			Data: map[string]interface{}{"cycle_id": cycleID, "skipped": "position_cap"}})
		return nil
	}

	// (3) Scan: top symbols, one batched technical call.
	tickers, err := r.market.TopSymbols(ctx, params.SymbolsToScan)
	if err != nil {
		return fmt.Errorf("symbol scan failed: %w", err)
	}
	candles := make(map[string][]market.Kline, len(tickers))
	for _, t := range tickers {
		ks, err := r.market.Klines(ctx, t.Symbol, "1h", 200)
		if err != nil {
			log.Warn().Err(err).Str("symbol", t.Symbol).Msg("failed to fetch candles")
			continue
		}
		if len(ks) > 0 {
			candles[t.Symbol] = ks
		}
	}
	if len(candles) == 0 {
		return fmt.Errorf("no candle data for any scanned symbol")
	}

	r.bus.PublishAgentActivity(accountID, cycleID, "TechnicalAnalyst", "ANALYZING")
	signals, err := r.agents.Technical.AnalyzeBatch(ctx, candles)
	if err != nil {
		return fmt.Errorf("technical analysis failed: %w", err)
	}
	r.bus.PublishAgentActivity(accountID, cycleID, "TechnicalAnalyst", "SUCCESS")

	// (4) Optional deep analysis, per symbol, concurrently.
	var deep []agents.DeepAnalysis
	if params.DeepAnalysisEnabled {
		deep = r.deepAnalyze(ctx, cycleID, accountID, signals)
	}

	// (5) One batched risk decision over everything this cycle saw.
	lessons := r.recallLessons(ctx, accountID, signals)
	r.bus.PublishAgentActivity(accountID, cycleID, "RiskAnalyst", "ANALYZING")
	decisions, err := r.agents.Risk.DecideBatch(ctx, &agents.RiskContext{
		Regime:    regime,
		Macro:     snap.Macro,
		Sentiment: snap.Sentiment,
		Signals:   signals,
		Deep:      deep,
		Balance:   portfolio.Balance,
		Positions: portfolio.Positions,
		Recalled:  lessons,
		Strategy:  strategyDoc,
	})
	if err != nil {
		return fmt.Errorf("risk decision failed: %w", err)
	}
	r.bus.PublishAgentActivity(accountID, cycleID, "RiskAnalyst", "SUCCESS")

	// (6) Allocation. Nothing allocated is a valid outcome.
	allocations, err := r.agents.Allocator.Allocate(ctx, decisions, portfolio.Balance, params.MaxPerTradeUSD)
	if err != nil {
		return fmt.Errorf("allocation failed: %w", err)
	}
	if len(allocations) == 0 {
		log.Info().Msg("no allocations this cycle")
		r.bus.Publish(events.Event{Type: events.EventCycleCompleted, AccountID: accountID,
			Data: map[string]interface{}{"cycle_id": cycleID, "trades": 0}})
		return nil
	}

	decisionBySymbol := make(map[string]agents.RiskDecision, len(decisions))
	for _, d := range decisions {
		decisionBySymbol[d.Symbol] = d
	}

	if mode == database.ModeMain && r.breaker != nil {
		if ok, reason := r.breaker.Allow(); !ok {
			log.Warn().Str("reason", reason).Msg("halt breaker open, skipping execution")
			r.bus.Publish(events.Event{Type: events.EventCycleCompleted, AccountID: accountID,
				Data: map[string]interface{}{"cycle_id": cycleID, "trades": 0, "halted": true}})
			return nil
		}
	}

	// (7) Execution: fresh price per symbol, mutate under the ledger
	// lock, log the decision, memorize the context. One symbol's
	// failure is caught and logged without aborting siblings.
	executed := 0
	for _, alloc := range allocations {
		if err := r.executeAllocation(ctx, accountID, mode, alloc, decisionBySymbol[alloc.Symbol], params, snap, regime); err != nil {
			log.Error().Err(err).Str("symbol", alloc.Symbol).Msg("execution failed")
			continue
		}
		executed++
	}

	log.Info().Int("signals", len(signals)).Int("allocations", len(allocations)).
		Int("executed", executed).Msg("cycle completed")
	r.bus.Publish(events.Event{Type: events.EventCycleCompleted, AccountID: accountID,
		Data: map[string]interface{}{"cycle_id": cycleID, "trades": executed}})
	return nil
}

func (r *Runner) reviewPosition(ctx context.Context, accountID, mode string, pos *database.Position, regime string) error {
	price, err := r.market.CurrentPrice(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("price fetch failed: %w", err)
	}

	verdict, err := r.agents.Reviewer.Review(ctx, pos, price, regime)
	if err != nil {
		return err
	}
	if verdict.Verdict != agents.ReviewSellNow {
		return nil
	}

	reason := fmt.Sprintf("Position review: %s", verdict.Reason)
	if pos.Side == database.SideShort {
		err = r.ledgers.CloseShort(ctx, accountID, mode, pos.Symbol, pos.Amount, price, reason)
	} else {
		err = r.ledgers.Sell(ctx, accountID, mode, pos.Symbol, pos.Amount, price, reason)
	}
	if err != nil {
		return err
	}
	r.bus.PublishTradeClosed(accountID, pos.Symbol, pos.EntryPrice, price, pos.Amount, 0)
	return nil
}

// deepAnalyze runs on-chain and social analysis for every signaled
// symbol concurrently. Failures degrade to missing entries.
func (r *Runner) deepAnalyze(ctx context.Context, cycleID, accountID string, signals []agents.TechnicalSignal) []agents.DeepAnalysis {
	r.bus.PublishAgentActivity(accountID, cycleID, "OnChainAnalyst", "ANALYZING")
	r.bus.PublishAgentActivity(accountID, cycleID, "SocialAnalyst", "ANALYZING")

	var mu sync.Mutex
	var out []agents.DeepAnalysis
	var wg sync.WaitGroup

	for _, sig := range signals {
		symbol := sig.Symbol
		for _, analyst := range []DeepAnalyst{r.agents.OnChain, r.agents.Social} {
			wg.Add(1)
			go func(a DeepAnalyst) {
				defer wg.Done()
				res, err := a.Analyze(ctx, symbol)
				if err != nil {
					r.log.Warn().Err(err).Str("symbol", symbol).Msg("deep analysis failed")
					return
				}
				mu.Lock()
				out = append(out, *res)
				mu.Unlock()
			}(analyst)
		}
	}
	wg.Wait()
	return out
}

func (r *Runner) recallLessons(ctx context.Context, accountID string, signals []agents.TechnicalSignal) []string {
	symbols := make([]string, 0, len(signals))
	for _, s := range signals {
		symbols = append(symbols, s.Symbol)
	}
	recalled := r.memories.Recall(ctx, accountID, "Trade lessons for "+strings.Join(symbols, ", "), 5, "")
	lessons := make([]string, 0, len(recalled))
	for _, m := range recalled {
		lessons = append(lessons, m.Memory.Narrative)
	}
	return lessons
}

func (r *Runner) executeAllocation(ctx context.Context, accountID, mode string, alloc agents.Allocation,
	decision agents.RiskDecision, params StrategyParams, snap Snapshot, regime string) error {

	price, err := r.market.CurrentPrice(ctx, alloc.Symbol)
	if err != nil {
		return fmt.Errorf("price fetch failed: %w", err)
	}
	amount := alloc.AmountUSD / price
	if amount <= 0 {
		return fmt.Errorf("allocation %.2f USD yields no amount at price %.4f", alloc.AmountUSD, price)
	}

	var risk ledger.RiskParams
	switch alloc.Decision {
	case agents.DecisionBuy:
		sl := price * (1 - params.StopLossPct/100)
		tp := price * (1 + params.TakeProfitPct/100)
		risk = ledger.RiskParams{StopLoss: &sl, TakeProfit: &tp, Strategy: params.RiskAppetite}
		if err := r.ledgers.Buy(ctx, accountID, mode, alloc.Symbol, amount, price, risk); err != nil {
			return err
		}
		r.bus.PublishTradeOpened(accountID, alloc.Symbol, database.SideLong, price, amount)
	case agents.DecisionShort:
		sl := price * (1 + params.StopLossPct/100)
		tp := price * (1 - params.TakeProfitPct/100)
		risk = ledger.RiskParams{StopLoss: &sl, TakeProfit: &tp, Strategy: params.RiskAppetite}
		if err := r.ledgers.OpenShort(ctx, accountID, mode, alloc.Symbol, amount, price, risk); err != nil {
			return err
		}
		r.bus.PublishTradeOpened(accountID, alloc.Symbol, database.SideShort, price, amount)
	default:
		return fmt.Errorf("unsupported allocation decision %q", alloc.Decision)
	}

	contextSnap, _ := json.Marshal(map[string]interface{}{
		"regime":     regime,
		"macro":      snap.Macro,
		"sentiment":  snap.Sentiment,
		"allocation": alloc,
		"decision":   decision,
		"price":      price,
	})
	confidence := decision.Confidence
	if err := r.repo.AppendDecisionRecord(ctx, &database.DecisionRecord{
		AccountID:  accountID,
		Symbol:     alloc.Symbol,
		Decision:   alloc.Decision,
		Confidence: &confidence,
		Reason:     decision.Reason,
		Context:    contextSnap,
	}); err != nil {
		r.log.Warn().Err(err).Str("symbol", alloc.Symbol).Msg("failed to append decision record")
	}

	if mode == database.ModeMain {
		narrative := fmt.Sprintf("Decision: %s %s at %.4f for %.2f USD. Reason: %s. Regime: %s.",
			alloc.Decision, alloc.Symbol, price, alloc.AmountUSD, decision.Reason, regime)
		if err := r.memories.AddMemory(ctx, &database.Memory{
			AccountID: accountID,
			Symbol:    alloc.Symbol,
			Narrative: narrative,
			Outcome:   database.OutcomeMissed, // re-tagged by outcome when the trade closes
			Source:    database.MemorySourceAgent,
			Context:   contextSnap,
		}); err != nil {
			r.log.Warn().Err(err).Str("symbol", alloc.Symbol).Msg("failed to memorize decision")
		}
	}
	return nil
}
