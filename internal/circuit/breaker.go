package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// BreakerState represents the trading halt state
type BreakerState string

const (
	StateClosed BreakerState = "closed" // Normal operation
	StateOpen   BreakerState = "open"   // Trading halted
)

// Config holds the loss limits that trip the breaker
type Config struct {
	Enabled              bool          `json:"enabled"`
	MaxConsecutiveLosses int           `json:"max_consecutive_losses"` // Max losing closes in a row
	MaxDailyLossPct      float64       `json:"max_daily_loss_pct"`     // Max cumulative daily loss %
	Cooldown             time.Duration `json:"cooldown"`               // Halt duration after trip
}

// DefaultConfig returns safe defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:              true,
		MaxConsecutiveLosses: 5,
		MaxDailyLossPct:      5.0,
		Cooldown:             30 * time.Minute,
	}
}

// Breaker halts live trading after a run of losing closes or an excessive
// daily drawdown. Shadow-mode closes never reach it.
type Breaker struct {
	config            *Config
	state             BreakerState
	consecutiveLosses int
	dailyLossPct      float64
	lastTripTime      time.Time
	dailyResetTime    time.Time
	tripReason        string
	onTrip            func(reason string)
	onReset           func()
	mu                sync.Mutex
}

// NewBreaker creates a breaker in the closed state
func NewBreaker(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		config:         config,
		state:          StateClosed,
		dailyResetTime: time.Now().Truncate(24 * time.Hour).Add(24 * time.Hour),
	}
}

// OnTrip sets the callback invoked when the breaker opens
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets the callback invoked when the breaker closes again
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// Allow reports whether live trading may proceed. When the cooldown after a
// trip has elapsed the breaker closes itself.
func (b *Breaker) Allow() (bool, string) {
	if !b.config.Enabled {
		return true, ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetDailyIfNeeded()

	if b.state == StateOpen {
		elapsed := time.Since(b.lastTripTime)
		if elapsed < b.config.Cooldown {
			remaining := b.config.Cooldown - elapsed
			return false, fmt.Sprintf("trading halted, cooldown remaining: %v (reason: %s)",
				remaining.Round(time.Second), b.tripReason)
		}

		// Cooldown passed, resume with a clean slate
		b.state = StateClosed
		b.consecutiveLosses = 0
		b.tripReason = ""
		if b.onReset != nil {
			go b.onReset()
		}
	}

	return true, ""
}

// RecordClose feeds the result of a closed live position into the breaker.
func (b *Breaker) RecordClose(pnl, pnlPercent float64) {
	if !b.config.Enabled {
		return
	}
	if math.IsNaN(pnlPercent) || math.IsInf(pnlPercent, 0) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetDailyIfNeeded()

	if pnl < 0 {
		b.consecutiveLosses++
		b.dailyLossPct += -pnlPercent
	} else {
		b.consecutiveLosses = 0
	}

	if b.state == StateOpen {
		return
	}

	var reason string
	if b.consecutiveLosses >= b.config.MaxConsecutiveLosses {
		reason = fmt.Sprintf("consecutive losses: %d", b.consecutiveLosses)
	} else if b.dailyLossPct >= b.config.MaxDailyLossPct {
		reason = fmt.Sprintf("daily loss: %.2f%%", b.dailyLossPct)
	}

	if reason != "" {
		b.state = StateOpen
		b.lastTripTime = time.Now()
		b.tripReason = reason
		if b.onTrip != nil {
			go b.onTrip(reason)
		}
	}
}

// resetDailyIfNeeded clears the daily loss counter at midnight
func (b *Breaker) resetDailyIfNeeded() {
	now := time.Now()
	if now.After(b.dailyResetTime) {
		b.dailyLossPct = 0
		b.dailyResetTime = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}

// Reset manually closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = StateClosed
	b.consecutiveLosses = 0
	b.dailyLossPct = 0
	b.tripReason = ""
	onReset := b.onReset
	b.mu.Unlock()

	if onReset != nil {
		go onReset()
	}
}

// State returns the current breaker state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot for the status endpoint
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]interface{}{
		"state":              string(b.state),
		"consecutive_losses": b.consecutiveLosses,
		"daily_loss_pct":     b.dailyLossPct,
		"trip_reason":        b.tripReason,
		"last_trip_time":     b.lastTripTime,
	}
}
