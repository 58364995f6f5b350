package database

import (
	"encoding/json"
	"time"
)

// Ledger modes
const (
	ModeMain   = "MAIN"
	ModeShadow = "SHADOW"
)

// Position sides
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Memory sources
const (
	MemorySourceAgent = "agent"
	MemorySourceHuman = "human"
)

// Memory outcome tags
const (
	OutcomeProfit          = "profit"
	OutcomeLoss            = "loss"
	OutcomeMissed          = "missed_opportunity"
	OutcomeDialogueSummary = "dialogue_summary"
	OutcomeLesson          = "lesson"
	OutcomeSystemConfig    = "system_config"
)

// Account is a user identity owning one ledger and configuration
type Account struct {
	ID        string    `json:"id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Configuration is the per-account strategy configuration. StrategyConfig and
// ShadowConfig are opaque JSON documents shaped by the strategy layer.
type Configuration struct {
	AccountID      string          `json:"account_id"`
	StrategyConfig json.RawMessage `json:"strategy_config"`
	ShadowConfig   json.RawMessage `json:"shadow_config,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Ledger is the balance + open positions record for one (account, mode)
type Ledger struct {
	AccountID string     `json:"account_id"`
	Mode      string     `json:"mode"`
	Balance   float64    `json:"balance"`
	Positions []Position `json:"positions"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Position is one open holding inside a ledger
type Position struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Amount     float64   `json:"amount"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   *float64  `json:"stop_loss,omitempty"`
	TakeProfit *float64  `json:"take_profit,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	OpenedAt   time.Time `json:"opened_at"`
}

// TradeRecord is an immutable row appended on every completed close
type TradeRecord struct {
	ID         int64     `json:"id"`
	AccountID  string    `json:"account_id"`
	Mode       string    `json:"mode"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Amount     float64   `json:"amount"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	Fee        float64   `json:"fee"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// DecisionRecord is an immutable row appended for every agent decision,
// including the market-context snapshot it was made under.
type DecisionRecord struct {
	ID         int64           `json:"id"`
	AccountID  string          `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Decision   string          `json:"decision"`
	Confidence *float64        `json:"confidence,omitempty"`
	Reason     string          `json:"reason"`
	Context    json.RawMessage `json:"context,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Memory is an immutable embedded narrative used for similarity recall
type Memory struct {
	ID         int64           `json:"id"`
	AccountID  string          `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Narrative  string          `json:"narrative"`
	Embedding  []float64       `json:"embedding"`
	Outcome    string          `json:"outcome"`
	PnLPercent float64         `json:"pnl_percent"`
	Source     string          `json:"source"`
	Context    json.RawMessage `json:"context,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
