// Package cycle implements the per-account trading pipeline, the shared
// market-observation producer, and the sibling self-improvement cycle.
package cycle

import (
	"encoding/json"
	"time"

	"hive-trading-bot/internal/agents"
)

// Snapshot is the shared market observation one producer tick fans out
// to every account. Workers judge its freshness by Timestamp.
type Snapshot struct {
	Macro     *agents.MacroView     `json:"macro"`
	Sentiment *agents.SentimentView `json:"sentiment"`
	Regime    string                `json:"regime"`
	Timestamp time.Time             `json:"timestamp"`
}

// Stale reports whether the snapshot is older than maxAge. Stale
// snapshots are untrustworthy: the worker substitutes the conservative
// default regime instead of acting on them.
func (s *Snapshot) Stale(maxAge time.Duration, now time.Time) bool {
	return now.Sub(s.Timestamp) > maxAge
}

// CyclePayload is the trading-cycles job body: one account plus the
// shared snapshot.
type CyclePayload struct {
	AccountID string   `json:"account_id"`
	Snapshot  Snapshot `json:"snapshot"`
}

// ImprovementPayload is the self-improvement job body.
type ImprovementPayload struct {
	AccountID string `json:"account_id"`
}

// OnDemandPayload is the on-demand analysis job body.
type OnDemandPayload struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
}

// ChatPayload is the chat-commands job body.
type ChatPayload struct {
	AccountID      string `json:"account_id"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// MemoryAnalysisPayload is the periodic memory-analysis job body.
type MemoryAnalysisPayload struct {
	AccountID string `json:"account_id"`
}

// StrategyParams are the fields the pipeline reads out of the opaque
// per-account strategy configuration document. Unknown keys pass
// through untouched; absent keys fall back to defaults.
type StrategyParams struct {
	MaxOpenPositions    int     `json:"maxOpenPositions"`
	SymbolsToScan       int     `json:"symbolsToScan"`
	DeepAnalysisEnabled bool    `json:"deepAnalysisEnabled"`
	MaxPerTradeUSD      float64 `json:"maxPerTradeUSD"`
	StopLossPct         float64 `json:"stopLossPct"`
	TakeProfitPct       float64 `json:"takeProfitPct"`
	RiskAppetite        string  `json:"riskAppetite"`
}

// ParseStrategyParams extracts pipeline parameters from a strategy
// configuration document, applying defaults for anything missing.
func ParseStrategyParams(doc json.RawMessage) StrategyParams {
	params := StrategyParams{
		MaxOpenPositions: 5,
		SymbolsToScan:    10,
		MaxPerTradeUSD:   1000,
		StopLossPct:      5,
		TakeProfitPct:    10,
		RiskAppetite:     "balanced",
	}
	if len(doc) == 0 {
		return params
	}
	// Partial decode over the defaults; malformed docs keep defaults.
	_ = json.Unmarshal(doc, &params)
	if params.MaxOpenPositions <= 0 {
		params.MaxOpenPositions = 5
	}
	if params.SymbolsToScan <= 0 {
		params.SymbolsToScan = 10
	}
	if params.MaxPerTradeUSD <= 0 {
		params.MaxPerTradeUSD = 1000
	}
	return params
}
