package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"hive-trading-bot/internal/database"
	"hive-trading-bot/internal/llm"
	"hive-trading-bot/internal/market"
)

// TechnicalAnalyst reads candles for many symbols in one batched call.
type TechnicalAnalyst struct {
	client *llm.Client
}

// AnalyzeBatch is one logical call per cycle regardless of symbol count.
func (a *TechnicalAnalyst) AnalyzeBatch(ctx context.Context, candles map[string][]market.Kline) ([]TechnicalSignal, error) {
	var b strings.Builder
	for symbol, ks := range candles {
		digest := market.ComputeDigest(ks)
		fmt.Fprintf(&b, "%s: %s\n", symbol, digest)
		// Recent closes give the model shape context the digest flattens out.
		tail := ks
		if len(tail) > 10 {
			tail = tail[len(tail)-10:]
		}
		b.WriteString("  recent closes:")
		for _, k := range tail {
			fmt.Fprintf(&b, " %.4f", k.Close)
		}
		b.WriteString("\n")
	}

	var result struct {
		Signals []TechnicalSignal `json:"signals"`
	}
	err := a.client.CompleteJSON(ctx,
		"You are a technical analyst. For each symbol you receive computed indicators and recent closes. Return a signal per symbol. Respond with JSON: {\"signals\": [{\"symbol\": \"...\", \"signal\": \"BUY\"|\"SELL\"|\"HOLD\", \"confidence\": 0.0..1.0, \"summary\": \"...\"}]}.",
		fmt.Sprintf("Analyze these symbols:\n%s", b.String()),
		&result)
	if err != nil {
		return nil, fmt.Errorf("technical analysis failed: %w", err)
	}
	return result.Signals, nil
}

// OnChainAnalyst is an optional per-symbol deep-analysis capability.
type OnChainAnalyst struct {
	client *llm.Client
}

func (a *OnChainAnalyst) Analyze(ctx context.Context, symbol string) (*DeepAnalysis, error) {
	var result DeepAnalysis
	err := a.client.CompleteJSON(ctx,
		"You assess on-chain activity for a crypto asset. Respond with JSON: {\"symbol\": \"...\", \"score\": -1.0..1.0, \"summary\": \"...\"}.",
		fmt.Sprintf("Assess on-chain conditions for %s.", symbol),
		&result)
	if err != nil {
		return nil, fmt.Errorf("on-chain analysis failed for %s: %w", symbol, err)
	}
	result.Symbol = symbol
	return &result, nil
}

// SocialAnalyst is an optional per-symbol deep-analysis capability.
type SocialAnalyst struct {
	client *llm.Client
}

func (a *SocialAnalyst) Analyze(ctx context.Context, symbol string) (*DeepAnalysis, error) {
	var result DeepAnalysis
	err := a.client.CompleteJSON(ctx,
		"You assess social media attention for a crypto asset. Respond with JSON: {\"symbol\": \"...\", \"score\": -1.0..1.0, \"summary\": \"...\"}.",
		fmt.Sprintf("Assess social sentiment for %s.", symbol),
		&result)
	if err != nil {
		return nil, fmt.Errorf("social analysis failed for %s: %w", symbol, err)
	}
	result.Symbol = symbol
	return &result, nil
}

// RiskContext bundles everything the risk analyst sees in one call.
type RiskContext struct {
	Regime    string              `json:"regime"`
	Macro     *MacroView          `json:"macro,omitempty"`
	Sentiment *SentimentView      `json:"sentiment,omitempty"`
	Signals   []TechnicalSignal   `json:"signals"`
	Deep      []DeepAnalysis      `json:"deep,omitempty"`
	Balance   float64             `json:"balance"`
	Positions []database.Position `json:"positions"`
	Recalled  []string            `json:"recalled_lessons,omitempty"`
	Strategy  json.RawMessage     `json:"strategy,omitempty"`
}

// RiskAnalyst converts the full cycle context into per-symbol decisions
// in one batched call.
type RiskAnalyst struct {
	client *llm.Client
}

func (a *RiskAnalyst) DecideBatch(ctx context.Context, rc *RiskContext) ([]RiskDecision, error) {
	payload, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode risk context: %w", err)
	}

	var result struct {
		Decisions []RiskDecision `json:"decisions"`
	}
	err = a.client.CompleteJSON(ctx,
		"You are a risk manager. Given signals, market context, and the current portfolio, decide per symbol. Respond with JSON: {\"decisions\": [{\"symbol\": \"...\", \"decision\": \"BUY\"|\"SELL\"|\"SHORT\"|\"HOLD\", \"confidence\": 0.0..1.0, \"reason\": \"...\"}]}.",
		string(payload),
		&result)
	if err != nil {
		return nil, fmt.Errorf("risk decision failed: %w", err)
	}
	return result.Decisions, nil
}

// Allocator sizes actionable decisions into USD amounts by available
// balance and conviction. Allocating nothing is a valid outcome.
type Allocator struct {
	client *llm.Client
}

func (a *Allocator) Allocate(ctx context.Context, decisions []RiskDecision, balance float64, maxPerTrade float64) ([]Allocation, error) {
	actionable := make([]RiskDecision, 0, len(decisions))
	for _, d := range decisions {
		if d.Decision == DecisionBuy || d.Decision == DecisionShort {
			actionable = append(actionable, d)
		}
	}
	if len(actionable) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(map[string]interface{}{
		"decisions":         actionable,
		"available_balance": balance,
		"max_usd_per_trade": maxPerTrade,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Allocations []Allocation `json:"allocations"`
	}
	err = a.client.CompleteJSON(ctx,
		"You size trades. Allocate USD amounts to the given decisions by conviction, never exceeding the available balance in total nor the per-trade maximum. Allocating zero trades is acceptable. Respond with JSON: {\"allocations\": [{\"symbol\": \"...\", \"decision\": \"...\", \"amount_usd\": 0.0, \"reason\": \"...\"}]}.",
		string(payload),
		&result)
	if err != nil {
		return nil, fmt.Errorf("allocation failed: %w", err)
	}

	// Clamp whatever the model returned to hard limits
	allocated := 0.0
	out := make([]Allocation, 0, len(result.Allocations))
	for _, al := range result.Allocations {
		if al.AmountUSD <= 0 {
			continue
		}
		if maxPerTrade > 0 && al.AmountUSD > maxPerTrade {
			al.AmountUSD = maxPerTrade
		}
		if allocated+al.AmountUSD > balance {
			break
		}
		allocated += al.AmountUSD
		out = append(out, al)
	}
	return out, nil
}

// PositionReviewer makes the pre-flight SELL_NOW vs HOLD call on one
// open position.
type PositionReviewer struct {
	client *llm.Client
}

func (a *PositionReviewer) Review(ctx context.Context, pos *database.Position, currentPrice float64, regime string) (*ReviewVerdict, error) {
	var verdict ReviewVerdict
	err := a.client.CompleteJSON(ctx,
		fmt.Sprintf("You review one open position. Respond with JSON: {\"verdict\": %q|%q, \"reason\": \"...\"}.", ReviewSellNow, ReviewHold),
		fmt.Sprintf("Position: %s %s amount %.8f entry %.4f. Current price %.4f. Market regime: %s. Should it be closed now?",
			pos.Side, pos.Symbol, pos.Amount, pos.EntryPrice, currentPrice, regime),
		&verdict)
	if err != nil {
		return nil, fmt.Errorf("position review failed for %s: %w", pos.Symbol, err)
	}
	if verdict.Verdict != ReviewSellNow {
		verdict.Verdict = ReviewHold
	}
	return &verdict, nil
}

// StrategyOptimizer proposes a full alternate configuration from trade
// history, used to seed a shadow ledger.
type StrategyOptimizer struct {
	client *llm.Client
}

func (a *StrategyOptimizer) ProposeConfig(ctx context.Context, current json.RawMessage, trades []*database.TradeRecord) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"current_config": current,
		"recent_trades":  trades,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Config json.RawMessage `json:"config"`
	}
	err = a.client.CompleteJSON(ctx,
		"You optimize a trading strategy configuration. Given the current configuration and recent trade outcomes, propose a complete alternate configuration with the same shape. Respond with JSON: {\"config\": {...}}.",
		string(payload),
		&result)
	if err != nil {
		return nil, fmt.Errorf("strategy optimization failed: %w", err)
	}
	if len(result.Config) == 0 {
		return nil, fmt.Errorf("strategy optimization returned empty config")
	}
	return result.Config, nil
}
