// Package agents wraps the reasoning capability into the specialized
// analysts the trading cycle and orchestrator consume. Each agent is an
// opaque context-to-structured-decision call; prompt content stays here
// so callers only see typed results.
package agents

import "encoding/json"

// Trading decisions
const (
	DecisionBuy   = "BUY"
	DecisionSell  = "SELL"
	DecisionShort = "SHORT"
	DecisionHold  = "HOLD"
)

// Position review verdicts
const (
	ReviewSellNow = "SELL_NOW"
	ReviewHold    = "HOLD"
)

// MacroView is the macro analyst's market outlook.
type MacroView struct {
	Outlook string `json:"outlook"` // "bullish", "bearish", or "neutral"
	Summary string `json:"summary"`
}

// SentimentView is the sentiment analyst's read of market mood.
type SentimentView struct {
	Score   float64 `json:"score"` // -1 (fear) .. 1 (greed)
	Summary string  `json:"summary"`
}

// TechnicalSignal is one symbol's technical read from a batched call.
type TechnicalSignal struct {
	Symbol     string  `json:"symbol"`
	Signal     string  `json:"signal"` // BUY, SELL, or HOLD
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"summary"`
}

// DeepAnalysis is the optional on-chain or social read for one symbol.
type DeepAnalysis struct {
	Symbol  string  `json:"symbol"`
	Score   float64 `json:"score"` // -1 .. 1
	Summary string  `json:"summary"`
}

// RiskDecision converts signals plus portfolio state into a per-symbol
// trading decision with confidence.
type RiskDecision struct {
	Symbol     string  `json:"symbol"`
	Decision   string  `json:"decision"` // BUY, SELL, SHORT, or HOLD
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Allocation sizes one actionable signal into a USD amount.
type Allocation struct {
	Symbol    string  `json:"symbol"`
	Decision  string  `json:"decision"`
	AmountUSD float64 `json:"amount_usd"`
	Reason    string  `json:"reason"`
}

// ReviewVerdict is the position reviewer's call on one open position.
type ReviewVerdict struct {
	Verdict string `json:"verdict"` // SELL_NOW or HOLD
	Reason  string `json:"reason"`
}

// PlanStep is one tool invocation in a planned chain. Params may hold
// placeholder references to prior step outputs.
type PlanStep struct {
	Tool   string                     `json:"tool"`
	Params map[string]json.RawMessage `json:"params"`
}

// Plan is the bounded tool chain the planner returns for one utterance.
type Plan struct {
	Steps     []PlanStep `json:"steps"`
	Reasoning string     `json:"reasoning"`
}
