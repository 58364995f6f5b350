package cycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"hive-trading-bot/config"
	"hive-trading-bot/internal/agents"
	"hive-trading-bot/internal/cache"
	"hive-trading-bot/internal/events"
	"hive-trading-bot/internal/market"
	"hive-trading-bot/internal/queue"
)

const (
	marketRegimeTTL = 20 * time.Minute
	snapshotScanLen = 20
)

// MarketAgents are the shared-observation capabilities the producer
// runs once per tick.
type MarketAgents struct {
	Macro interface {
		Analyze(ctx context.Context, tickers []market.Ticker24hr) (*agents.MacroView, error)
	}
	Sentiment interface {
		Analyze(ctx context.Context, tickers []market.Ticker24hr) (*agents.SentimentView, error)
	}
	Regime interface {
		Classify(ctx context.Context, macro *agents.MacroView, sentiment *agents.SentimentView) (string, error)
	}
}

// MarketAgentsFromRegistry adapts the constructed agent registry.
func MarketAgentsFromRegistry(r *agents.Registry) MarketAgents {
	return MarketAgents{Macro: r.Macro, Sentiment: r.Sentiment, Regime: r.Regime}
}

// AccountLister enumerates the accounts to fan jobs out to.
type AccountLister interface {
	ListActiveAccounts(ctx context.Context) ([]string, error)
}

// Enqueuer is the dispatch surface. *queue.Manager satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, name string, payload interface{}, opts *queue.EnqueueOptions) (string, error)
}

// Producer runs the scheduled market observation and fans trading,
// self-improvement, and memory-analysis jobs out per account. One
// producer runs per deployment.
type Producer struct {
	agents   MarketAgents
	market   market.PriceSource
	accounts AccountLister
	queue    Enqueuer
	kv       KV
	bus      *events.EventBus
	cfg      config.ProducerConfig
	log      zerolog.Logger
}

// NewProducer wires the producer.
func NewProducer(ag MarketAgents, src market.PriceSource, accounts AccountLister, q Enqueuer,
	kv KV, bus *events.EventBus, cfg config.ProducerConfig, log zerolog.Logger) *Producer {
	return &Producer{
		agents:   ag,
		market:   src,
		accounts: accounts,
		queue:    q,
		kv:       kv,
		bus:      bus,
		cfg:      cfg,
		log:      log,
	}
}

// Run blocks, ticking each schedule until the context is cancelled.
// The first trading tick fires immediately so a fresh deployment does
// not idle for a full interval.
func (p *Producer) Run(ctx context.Context) {
	cycleTicker := time.NewTicker(p.cfg.CycleInterval)
	improveTicker := time.NewTicker(p.cfg.ImprovementInterval)
	memTicker := time.NewTicker(p.cfg.MemoryAnalysisInterval)
	defer cycleTicker.Stop()
	defer improveTicker.Stop()
	defer memTicker.Stop()

	p.dispatchTradingCycles(ctx)

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("producer stopped")
			return
		case <-cycleTicker.C:
			p.dispatchTradingCycles(ctx)
		case <-improveTicker.C:
			p.dispatchSelfImprovement(ctx)
		case <-memTicker.C:
			p.dispatchMemoryAnalysis(ctx)
		}
	}
}

// dispatchTradingCycles runs the shared observation once and enqueues
// one trading-cycles job per active account carrying that snapshot.
func (p *Producer) dispatchTradingCycles(ctx context.Context) {
	snap, err := p.observe(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("market observation failed, skipping tick")
		return
	}

	accounts, err := p.accounts.ListActiveAccounts(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to list accounts")
		return
	}

	enqueued := 0
	for _, accountID := range accounts {
		_, err := p.queue.Enqueue(ctx, queue.QueueTradingCycles, "trading-cycle",
			CyclePayload{AccountID: accountID, Snapshot: *snap}, nil)
		if err != nil {
			p.log.Error().Err(err).Str("account", accountID).Msg("failed to enqueue trading cycle")
			continue
		}
		enqueued++
	}
	p.log.Info().Str("regime", snap.Regime).Int("accounts", enqueued).Msg("trading cycles dispatched")
}

// observe runs the macro, sentiment, and regime agents once and caches
// the regime for the whole deployment.
func (p *Producer) observe(ctx context.Context) (*Snapshot, error) {
	tickers, err := p.market.TopSymbols(ctx, snapshotScanLen)
	if err != nil {
		return nil, err
	}

	macro, err := p.agents.Macro.Analyze(ctx, tickers)
	if err != nil {
		return nil, err
	}
	sentiment, err := p.agents.Sentiment.Analyze(ctx, tickers)
	if err != nil {
		return nil, err
	}
	regime, err := p.agents.Regime.Classify(ctx, macro, sentiment)
	if err != nil {
		p.log.Warn().Err(err).Msg("regime classification failed, using default")
		regime = agents.RegimeDefault
	}

	if err := p.kv.Set(ctx, cache.MarketRegimeKey(), regime, marketRegimeTTL); err != nil {
		p.log.Warn().Err(err).Msg("failed to cache market regime")
	}
	p.bus.PublishRegimeUpdated(regime)

	return &Snapshot{
		Macro:     macro,
		Sentiment: sentiment,
		Regime:    regime,
		Timestamp: time.Now(),
	}, nil
}

func (p *Producer) dispatchSelfImprovement(ctx context.Context) {
	accounts, err := p.accounts.ListActiveAccounts(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to list accounts")
		return
	}
	for _, accountID := range accounts {
		_, err := p.queue.Enqueue(ctx, queue.QueueTradingCycles, "self-improvement",
			ImprovementPayload{AccountID: accountID}, nil)
		if err != nil {
			p.log.Error().Err(err).Str("account", accountID).Msg("failed to enqueue self-improvement")
		}
	}
	p.log.Info().Int("accounts", len(accounts)).Msg("self-improvement dispatched")
}

func (p *Producer) dispatchMemoryAnalysis(ctx context.Context) {
	accounts, err := p.accounts.ListActiveAccounts(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to list accounts")
		return
	}
	for _, accountID := range accounts {
		// Deterministic job ID so a slow analysis is never queued twice
		// for the same account.
		_, err := p.queue.Enqueue(ctx, queue.QueueMemoryAnalysis, "memory-analysis",
			MemoryAnalysisPayload{AccountID: accountID},
			&queue.EnqueueOptions{JobID: "mem-analysis-" + accountID})
		if err != nil {
			p.log.Error().Err(err).Str("account", accountID).Msg("failed to enqueue memory analysis")
		}
	}
	p.log.Info().Int("accounts", len(accounts)).Msg("memory analysis dispatched")
}
