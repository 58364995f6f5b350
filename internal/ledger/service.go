// Package ledger implements the locking persistence layer for balances,
// positions, and trade records. Every mutating operation follows the
// same discipline: acquire the account lock, read, mutate, persist,
// release. The lock is the single serialization point between the main
// cycle, the shadow cycle, and confirmed chat actions.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hive-trading-bot/config"
	"hive-trading-bot/internal/cache"
	"hive-trading-bot/internal/database"
)

// Repository is the persistence surface the ledger service needs.
type Repository interface {
	GetLedger(ctx context.Context, accountID, mode string) (*database.Ledger, error)
	CreateLedger(ctx context.Context, accountID, mode string, balance float64) error
	SaveLedger(ctx context.Context, ledger *database.Ledger) error
	DeleteLedger(ctx context.Context, accountID, mode string) error
	AppendTradeRecord(ctx context.Context, trade *database.TradeRecord) error
}

// MemorySink receives narrative records of completed trades. Failures
// are logged, never fatal to the trade itself.
type MemorySink interface {
	RecordTradeOutcome(ctx context.Context, accountID string, trade *database.TradeRecord, reason string)
}

// TradeObserver is notified of every realized live close. The halt
// breaker sits behind this.
type TradeObserver interface {
	RecordClose(pnl, pnlPercent float64)
}

// RiskParams carries the optional protective parameters attached to a
// position at open time.
type RiskParams struct {
	StopLoss   *float64
	TakeProfit *float64
	Strategy   string
}

// Service exposes the mutating and read-only ledger operations.
type Service struct {
	repo     Repository
	locker   Locker
	memories MemorySink
	observer TradeObserver
	cfg      config.TradingConfig
	log      zerolog.Logger
}

// NewService creates the ledger service. memories may be nil when trade
// narratives are not wanted (shadow cycles pass nil implicitly via the
// mode check, so a real sink is still safe to provide).
func NewService(repo Repository, locker Locker, memories MemorySink, cfg config.TradingConfig, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		locker:   locker,
		memories: memories,
		cfg:      cfg,
		log:      log,
	}
}

// SetTradeObserver attaches an observer for realized live closes.
func (s *Service) SetTradeObserver(o TradeObserver) {
	s.observer = o
}

// notifyClose forwards a realized close to the observer. Shadow trades
// are excluded so experiments cannot halt live trading.
func (s *Service) notifyClose(mode string, trade *database.TradeRecord) {
	if s.observer == nil || mode != database.ModeMain {
		return
	}
	notional := trade.EntryPrice * trade.Amount
	pct := 0.0
	if notional > 0 {
		pct = trade.PnL / notional * 100
	}
	s.observer.RecordClose(trade.PnL, pct)
}

// withLock runs fn while holding the (account, mode) ledger lock.
// The ledger is loaded fresh under the lock and persisted before
// release; fn errors skip persistence entirely.
func (s *Service) withLock(ctx context.Context, accountID, mode string, fn func(l *database.Ledger) error) error {
	key := cache.LedgerLockKey(accountID, mode)
	token, err := s.locker.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := s.locker.Release(ctx, key, token); relErr != nil {
			s.log.Warn().Err(relErr).Str("account", accountID).Msg("ledger lock release failed")
		}
	}()

	ledger, err := s.repo.GetLedger(ctx, accountID, mode)
	if err != nil {
		return err
	}
	if ledger == nil {
		return fmt.Errorf("%w: account %s mode %s", ErrLedgerNotFound, accountID, mode)
	}

	if err := fn(ledger); err != nil {
		return err
	}

	return s.repo.SaveLedger(ctx, ledger)
}

// EnsureLedger creates the ledger with the configured initial balance
// if it does not exist yet.
func (s *Service) EnsureLedger(ctx context.Context, accountID, mode string) error {
	existing, err := s.repo.GetLedger(ctx, accountID, mode)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return s.repo.CreateLedger(ctx, accountID, mode, s.cfg.InitialBalance)
}

// Buy purchases amount of symbol at price, deducting cost plus the
// proportional fee. An existing long position merges via
// volume-weighted average entry price.
func (s *Service) Buy(ctx context.Context, accountID, mode, symbol string, amount, price float64, risk RiskParams) error {
	if amount <= 0 || price <= 0 {
		return fmt.Errorf("invalid buy parameters: amount=%f price=%f", amount, price)
	}

	return s.withLock(ctx, accountID, mode, func(l *database.Ledger) error {
		cost := amount * price
		fee := cost * s.cfg.FeeRate
		total := cost + fee

		if l.Balance < total {
			return fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientBalance, total, l.Balance)
		}
		l.Balance -= total

		if pos := findPosition(l, symbol, database.SideLong); pos != nil {
			merged := pos.Amount + amount
			pos.EntryPrice = (pos.EntryPrice*pos.Amount + price*amount) / merged
			pos.Amount = merged
			applyRisk(pos, risk)
		} else {
			l.Positions = append(l.Positions, newPosition(symbol, database.SideLong, amount, price, risk))
		}

		s.log.Info().Str("account", accountID).Str("mode", mode).Str("symbol", symbol).
			Float64("amount", amount).Float64("price", price).Float64("fee", fee).
			Msg("buy executed")
		return nil
	})
}

// Sell closes (part of) a long position, crediting proceeds minus fee
// and appending an immutable trade record with realized pnl.
func (s *Service) Sell(ctx context.Context, accountID, mode, symbol string, amount, price float64, reason string) error {
	if amount <= 0 || price <= 0 {
		return fmt.Errorf("invalid sell parameters: amount=%f price=%f", amount, price)
	}

	var trade *database.TradeRecord

	err := s.withLock(ctx, accountID, mode, func(l *database.Ledger) error {
		pos := findPosition(l, symbol, database.SideLong)
		if pos == nil {
			return fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
		}
		if amount > pos.Amount {
			return fmt.Errorf("%w: selling %.8f of %.8f %s", ErrInsufficientPosition, amount, pos.Amount, symbol)
		}

		proceeds := amount * price
		fee := proceeds * s.cfg.FeeRate
		pnl := (price-pos.EntryPrice)*amount - fee

		l.Balance += proceeds - fee

		trade = &database.TradeRecord{
			AccountID:  accountID,
			Mode:       mode,
			Symbol:     symbol,
			Side:       database.SideLong,
			Amount:     amount,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  price,
			PnL:        pnl,
			Fee:        fee,
			Reason:     reason,
		}

		pos.Amount -= amount
		if pos.Amount <= 0 {
			removePosition(l, symbol, database.SideLong)
		}

		s.log.Info().Str("account", accountID).Str("mode", mode).Str("symbol", symbol).
			Float64("amount", amount).Float64("price", price).Float64("pnl", pnl).
			Msg("sell executed")
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.repo.AppendTradeRecord(ctx, trade); err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("failed to append trade record")
	}

	s.notifyClose(mode, trade)

	if s.memories != nil && mode == database.ModeMain {
		s.memories.RecordTradeOutcome(ctx, accountID, trade, reason)
	}

	return nil
}

// OpenShort opens a short position, reserving the full notional as
// margin plus the proportional fee.
func (s *Service) OpenShort(ctx context.Context, accountID, mode, symbol string, amount, price float64, risk RiskParams) error {
	if amount <= 0 || price <= 0 {
		return fmt.Errorf("invalid short parameters: amount=%f price=%f", amount, price)
	}

	return s.withLock(ctx, accountID, mode, func(l *database.Ledger) error {
		margin := amount * price
		fee := margin * s.cfg.FeeRate
		total := margin + fee

		if l.Balance < total {
			return fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientBalance, total, l.Balance)
		}
		l.Balance -= total

		if pos := findPosition(l, symbol, database.SideShort); pos != nil {
			merged := pos.Amount + amount
			pos.EntryPrice = (pos.EntryPrice*pos.Amount + price*amount) / merged
			pos.Amount = merged
			applyRisk(pos, risk)
		} else {
			l.Positions = append(l.Positions, newPosition(symbol, database.SideShort, amount, price, risk))
		}

		s.log.Info().Str("account", accountID).Str("mode", mode).Str("symbol", symbol).
			Float64("amount", amount).Float64("price", price).
			Msg("short opened")
		return nil
	})
}

// CloseShort closes (part of) a short position, returning margin plus
// realized pnl minus the closing fee.
func (s *Service) CloseShort(ctx context.Context, accountID, mode, symbol string, amount, price float64, reason string) error {
	if amount <= 0 || price <= 0 {
		return fmt.Errorf("invalid close parameters: amount=%f price=%f", amount, price)
	}

	var trade *database.TradeRecord

	err := s.withLock(ctx, accountID, mode, func(l *database.Ledger) error {
		pos := findPosition(l, symbol, database.SideShort)
		if pos == nil {
			return fmt.Errorf("%w: short %s", ErrPositionNotFound, symbol)
		}
		if amount > pos.Amount {
			return fmt.Errorf("%w: closing %.8f of %.8f %s", ErrInsufficientPosition, amount, pos.Amount, symbol)
		}

		margin := amount * pos.EntryPrice
		fee := amount * price * s.cfg.FeeRate
		pnl := (pos.EntryPrice-price)*amount - fee

		l.Balance += margin + (pos.EntryPrice-price)*amount - fee

		trade = &database.TradeRecord{
			AccountID:  accountID,
			Mode:       mode,
			Symbol:     symbol,
			Side:       database.SideShort,
			Amount:     amount,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  price,
			PnL:        pnl,
			Fee:        fee,
			Reason:     reason,
		}

		pos.Amount -= amount
		if pos.Amount <= 0 {
			removePosition(l, symbol, database.SideShort)
		}

		s.log.Info().Str("account", accountID).Str("mode", mode).Str("symbol", symbol).
			Float64("amount", amount).Float64("price", price).Float64("pnl", pnl).
			Msg("short closed")
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.repo.AppendTradeRecord(ctx, trade); err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("failed to append trade record")
	}

	s.notifyClose(mode, trade)

	if s.memories != nil && mode == database.ModeMain {
		s.memories.RecordTradeOutcome(ctx, accountID, trade, reason)
	}

	return nil
}

// PositionUpdate carries the mutable risk fields of an open position.
// Nil fields are left unchanged.
type PositionUpdate struct {
	StopLoss   *float64
	TakeProfit *float64
}

// UpdatePosition adjusts stop-loss/take-profit on an open position.
func (s *Service) UpdatePosition(ctx context.Context, accountID, mode, symbol string, update PositionUpdate) error {
	return s.withLock(ctx, accountID, mode, func(l *database.Ledger) error {
		pos := findAnyPosition(l, symbol)
		if pos == nil {
			return fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
		}
		if update.StopLoss != nil {
			pos.StopLoss = update.StopLoss
		}
		if update.TakeProfit != nil {
			pos.TakeProfit = update.TakeProfit
		}
		return nil
	})
}

// GetPortfolio returns a lock-free snapshot of the ledger. The data may
// be momentarily stale relative to an in-flight mutation; it is for
// display and read-only tooling, never for mutation decisions.
func (s *Service) GetPortfolio(ctx context.Context, accountID, mode string) (*database.Ledger, error) {
	ledger, err := s.repo.GetLedger(ctx, accountID, mode)
	if err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: account %s mode %s", ErrLedgerNotFound, accountID, mode)
	}
	return ledger, nil
}

// DeleteShadow removes an account's shadow ledger and positions.
func (s *Service) DeleteShadow(ctx context.Context, accountID string) error {
	return s.repo.DeleteLedger(ctx, accountID, database.ModeShadow)
}

// ============================================================================
// Helpers
// ============================================================================

func newPosition(symbol, side string, amount, price float64, risk RiskParams) database.Position {
	return database.Position{
		Symbol:     symbol,
		Side:       side,
		Amount:     amount,
		EntryPrice: price,
		StopLoss:   risk.StopLoss,
		TakeProfit: risk.TakeProfit,
		Strategy:   risk.Strategy,
		OpenedAt:   time.Now(),
	}
}

func applyRisk(pos *database.Position, risk RiskParams) {
	if risk.StopLoss != nil {
		pos.StopLoss = risk.StopLoss
	}
	if risk.TakeProfit != nil {
		pos.TakeProfit = risk.TakeProfit
	}
	if risk.Strategy != "" {
		pos.Strategy = risk.Strategy
	}
}

func findPosition(l *database.Ledger, symbol, side string) *database.Position {
	for i := range l.Positions {
		if l.Positions[i].Symbol == symbol && l.Positions[i].Side == side {
			return &l.Positions[i]
		}
	}
	return nil
}

func findAnyPosition(l *database.Ledger, symbol string) *database.Position {
	for i := range l.Positions {
		if l.Positions[i].Symbol == symbol {
			return &l.Positions[i]
		}
	}
	return nil
}

func removePosition(l *database.Ledger, symbol, side string) {
	for i := range l.Positions {
		if l.Positions[i].Symbol == symbol && l.Positions[i].Side == side {
			l.Positions = append(l.Positions[:i], l.Positions[i+1:]...)
			return
		}
	}
}
