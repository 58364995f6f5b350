package cycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hive-trading-bot/internal/agents"
	"hive-trading-bot/internal/cache"
	"hive-trading-bot/internal/database"
	"hive-trading-bot/internal/events"
	"hive-trading-bot/internal/market"
)

// On-demand analysis result statuses.
const (
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

const onDemandResultTTL = 5 * time.Minute

// OnDemandResult is what the status endpoint reads back for a job.
type OnDemandResult struct {
	Status string      `json:"status"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// RunSelfImprovement advances one account's shadow experiment by one
// step. With a running shadow it compares balances and either promotes
// the shadow configuration or discards it. Without one, and with enough
// trade history, it asks the optimizer for a candidate and starts a
// fresh shadow ledger.
func (r *Runner) RunSelfImprovement(ctx context.Context, accountID string) error {
	log := r.log.With().Str("account", accountID).Logger()

	cfg, err := r.repo.GetConfiguration(ctx, accountID)
	if err != nil {
		return err
	}
	if cfg == nil {
		return nil
	}

	if len(cfg.ShadowConfig) > 0 && string(cfg.ShadowConfig) != "null" {
		return r.judgeShadow(ctx, accountID, log)
	}
	return r.generateShadow(ctx, accountID, cfg, log)
}

func (r *Runner) judgeShadow(ctx context.Context, accountID string, log zerolog.Logger) error {
	main, err := r.ledgers.GetPortfolio(ctx, accountID, database.ModeMain)
	if err != nil {
		return err
	}
	shadow, err := r.ledgers.GetPortfolio(ctx, accountID, database.ModeShadow)
	if err != nil {
		return err
	}

	if shadow.Balance > main.Balance*r.tradingCfg.PromotionThreshold {
		if err := r.repo.PromoteShadowConfig(ctx, accountID); err != nil {
			return fmt.Errorf("shadow promotion failed: %w", err)
		}
		// Promoted strategy invalidates the cached configuration.
		r.invalidateConfigCache(ctx, accountID)
		log.Info().Float64("main", main.Balance).Float64("shadow", shadow.Balance).
			Msg("shadow strategy promoted")
		r.bus.Publish(events.Event{Type: events.EventShadowPromoted, AccountID: accountID,
			Data: map[string]interface{}{"main_balance": main.Balance, "shadow_balance": shadow.Balance}})
		return nil
	}

	if err := r.repo.SetShadowConfig(ctx, accountID, nil); err != nil {
		return err
	}
	if err := r.ledgers.DeleteShadow(ctx, accountID); err != nil {
		return err
	}
	r.invalidateConfigCache(ctx, accountID)
	log.Info().Float64("main", main.Balance).Float64("shadow", shadow.Balance).
		Msg("shadow strategy discarded")
	r.bus.Publish(events.Event{Type: events.EventShadowDiscarded, AccountID: accountID,
		Data: map[string]interface{}{"main_balance": main.Balance, "shadow_balance": shadow.Balance}})
	return nil
}

func (r *Runner) generateShadow(ctx context.Context, accountID string, cfg *database.Configuration, log zerolog.Logger) error {
	count, err := r.repo.CountTradeRecords(ctx, accountID, database.ModeMain)
	if err != nil {
		return err
	}
	if count < r.tradingCfg.MinTradesForShadow {
		log.Debug().Int("trades", count).Int("required", r.tradingCfg.MinTradesForShadow).
			Msg("not enough trade history for a shadow experiment")
		return nil
	}

	trades, err := r.repo.ListTradeRecords(ctx, accountID, database.ModeMain, 50)
	if err != nil {
		return err
	}
	proposed, err := r.agents.Optimizer.ProposeConfig(ctx, cfg.StrategyConfig, trades)
	if err != nil {
		return fmt.Errorf("optimizer proposal failed: %w", err)
	}

	if err := r.repo.SetShadowConfig(ctx, accountID, proposed); err != nil {
		return err
	}
	if err := r.ledgers.EnsureLedger(ctx, accountID, database.ModeShadow); err != nil {
		return err
	}
	r.invalidateConfigCache(ctx, accountID)
	log.Info().Msg("shadow experiment started")
	return nil
}

func (r *Runner) invalidateConfigCache(ctx context.Context, accountID string) {
	if err := r.kv.Delete(ctx, cache.AccountConfigKey(accountID)); err != nil {
		r.log.Warn().Err(err).Str("account", accountID).Msg("failed to invalidate config cache")
	}
}

// RunOnDemand runs a single-symbol analysis outside the scheduled
// cycle, publishing PROCESSING/COMPLETED/FAILED through the result key
// so the API can poll it.
func (r *Runner) RunOnDemand(ctx context.Context, jobID, accountID, symbol string) error {
	key := cache.OnDemandResultKey(jobID)
	if err := r.kv.Set(ctx, key, OnDemandResult{Status: StatusProcessing}, onDemandResultTTL); err != nil {
		return err
	}

	result, err := r.analyzeSymbol(ctx, accountID, symbol)
	if err != nil {
		r.log.Error().Err(err).Str("symbol", symbol).Msg("on-demand analysis failed")
		if serr := r.kv.Set(ctx, key, OnDemandResult{Status: StatusFailed, Error: err.Error()}, onDemandResultTTL); serr != nil {
			return serr
		}
		// The failure is recorded for the caller; the job itself is done.
		return nil
	}
	return r.kv.Set(ctx, key, OnDemandResult{Status: StatusCompleted, Result: result}, onDemandResultTTL)
}

func (r *Runner) analyzeSymbol(ctx context.Context, accountID, symbol string) (map[string]interface{}, error) {
	klines, err := r.market.Klines(ctx, symbol, "1h", 200)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candles for %s: %w", symbol, err)
	}
	signals, err := r.agents.Technical.AnalyzeBatch(ctx, map[string][]market.Kline{symbol: klines})
	if err != nil {
		return nil, err
	}
	if len(signals) == 0 {
		return nil, fmt.Errorf("no technical signal produced for %s", symbol)
	}

	regime := agents.RegimeDefault
	if raw, err := r.kv.Get(ctx, cache.MarketRegimeKey()); err == nil && raw != "" {
		regime = raw
	}

	portfolio, err := r.ledgers.GetPortfolio(ctx, accountID, database.ModeMain)
	if err != nil {
		return nil, err
	}
	decisions, err := r.agents.Risk.DecideBatch(ctx, &agents.RiskContext{
		Regime:    regime,
		Signals:   signals,
		Balance:   portfolio.Balance,
		Positions: portfolio.Positions,
	})
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{
		"symbol": symbol,
		"signal": signals[0],
		"regime": regime,
	}
	if len(decisions) > 0 {
		out["decision"] = decisions[0]
	}
	return out, nil
}

// RunMemoryAnalysis distills recent trade history into a durable
// lesson memory.
func (r *Runner) RunMemoryAnalysis(ctx context.Context, accountID string) error {
	trades, err := r.repo.ListTradeRecords(ctx, accountID, database.ModeMain, 50)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		return nil
	}

	var sb strings.Builder
	for _, t := range trades {
		fmt.Fprintf(&sb, "%s %s amount=%.6f entry=%.4f exit=%.4f pnl=%.2f reason=%s\n",
			t.Side, t.Symbol, t.Amount, t.EntryPrice, t.ExitPrice, t.PnL, t.Reason)
	}
	lesson, err := r.agents.Summarizer.Summarize(ctx,
		"Distill the recurring pattern in these trades into one actionable trading lesson.",
		sb.String())
	if err != nil {
		return fmt.Errorf("trade history summarization failed: %w", err)
	}
	if strings.TrimSpace(lesson) == "" {
		return nil
	}

	return r.memories.AddMemory(ctx, &database.Memory{
		AccountID: accountID,
		Symbol:    "GENERAL",
		Narrative: lesson,
		Outcome:   database.OutcomeLesson,
		Source:    database.MemorySourceAgent,
	})
}
