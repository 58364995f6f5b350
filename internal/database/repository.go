package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// ACCOUNTS
// ============================================================================

// ListActiveAccounts returns the IDs of all active accounts
func (r *Repository) ListActiveAccounts(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id FROM accounts WHERE active = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateAccount inserts a new account if it does not exist
func (r *Repository) CreateAccount(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	return err
}

// ============================================================================
// CONFIGURATIONS
// ============================================================================

// GetConfiguration retrieves the strategy configuration for an account.
// Returns nil when the account has no configuration.
func (r *Repository) GetConfiguration(ctx context.Context, accountID string) (*Configuration, error) {
	cfg := &Configuration{AccountID: accountID}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT strategy_config, shadow_config, updated_at FROM configurations WHERE account_id = $1`,
		accountID,
	).Scan(&cfg.StrategyConfig, &cfg.ShadowConfig, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return cfg, nil
}

// UpdateStrategyConfig replaces the main strategy configuration
func (r *Repository) UpdateStrategyConfig(ctx context.Context, accountID string, strategyConfig json.RawMessage) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE configurations SET strategy_config = $2, updated_at = CURRENT_TIMESTAMP WHERE account_id = $1`,
		accountID, strategyConfig)
	if err != nil {
		return fmt.Errorf("failed to update strategy config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("configuration not found for account %s", accountID)
	}
	return nil
}

// SetShadowConfig sets (or clears, with nil) the shadow configuration
func (r *Repository) SetShadowConfig(ctx context.Context, accountID string, shadowConfig json.RawMessage) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE configurations SET shadow_config = $2, updated_at = CURRENT_TIMESTAMP WHERE account_id = $1`,
		accountID, shadowConfig)
	if err != nil {
		return fmt.Errorf("failed to set shadow config: %w", err)
	}
	return nil
}

// PromoteShadowConfig atomically replaces the main configuration with the
// shadow configuration, clears the shadow, and deletes the shadow ledger.
func (r *Repository) PromoteShadowConfig(ctx context.Context, accountID string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE configurations
		 SET strategy_config = shadow_config, shadow_config = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE account_id = $1 AND shadow_config IS NOT NULL`,
		accountID)
	if err != nil {
		return fmt.Errorf("failed to promote shadow config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no shadow config to promote for account %s", accountID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM ledgers WHERE account_id = $1 AND mode = $2`, accountID, ModeShadow); err != nil {
		return fmt.Errorf("failed to delete shadow ledger: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE account_id = $1 AND mode = $2`, accountID, ModeShadow); err != nil {
		return fmt.Errorf("failed to delete shadow positions: %w", err)
	}

	return tx.Commit(ctx)
}

// ============================================================================
// LEDGERS
// ============================================================================

// GetLedger loads a ledger with its positions. Returns nil when absent.
func (r *Repository) GetLedger(ctx context.Context, accountID, mode string) (*Ledger, error) {
	ledger := &Ledger{AccountID: accountID, Mode: mode}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT balance, updated_at FROM ledgers WHERE account_id = $1 AND mode = $2`,
		accountID, mode,
	).Scan(&ledger.Balance, &ledger.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, symbol, side, amount, entry_price, stop_loss, take_profit, strategy, opened_at
		 FROM positions WHERE account_id = $1 AND mode = $2 ORDER BY opened_at`,
		accountID, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Position
		var strategy *string
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Side, &p.Amount, &p.EntryPrice,
			&p.StopLoss, &p.TakeProfit, &strategy, &p.OpenedAt); err != nil {
			return nil, err
		}
		if strategy != nil {
			p.Strategy = *strategy
		}
		ledger.Positions = append(ledger.Positions, p)
	}
	return ledger, rows.Err()
}

// CreateLedger creates a ledger with an initial balance and no positions
func (r *Repository) CreateLedger(ctx context.Context, accountID, mode string, balance float64) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO ledgers (account_id, mode, balance) VALUES ($1, $2, $3)
		 ON CONFLICT (account_id, mode) DO NOTHING`,
		accountID, mode, balance)
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}
	return nil
}

// SaveLedger persists balance and the full position set in one transaction.
// Positions are replaced wholesale; the ledger lock serializes callers so the
// delete/insert pair is safe.
func (r *Repository) SaveLedger(ctx context.Context, ledger *Ledger) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE ledgers SET balance = $3, updated_at = CURRENT_TIMESTAMP WHERE account_id = $1 AND mode = $2`,
		ledger.AccountID, ledger.Mode, ledger.Balance)
	if err != nil {
		return fmt.Errorf("failed to save ledger balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ledger not found for account %s mode %s", ledger.AccountID, ledger.Mode)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM positions WHERE account_id = $1 AND mode = $2`,
		ledger.AccountID, ledger.Mode); err != nil {
		return fmt.Errorf("failed to clear positions: %w", err)
	}

	for _, p := range ledger.Positions {
		var strategy *string
		if p.Strategy != "" {
			strategy = &p.Strategy
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (account_id, mode, symbol, side, amount, entry_price, stop_loss, take_profit, strategy, opened_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			ledger.AccountID, ledger.Mode, p.Symbol, p.Side, p.Amount, p.EntryPrice,
			p.StopLoss, p.TakeProfit, strategy, p.OpenedAt); err != nil {
			return fmt.Errorf("failed to save position %s: %w", p.Symbol, err)
		}
	}

	return tx.Commit(ctx)
}

// DeleteLedger removes a ledger and its positions
func (r *Repository) DeleteLedger(ctx context.Context, accountID, mode string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM ledgers WHERE account_id = $1 AND mode = $2`, accountID, mode); err != nil {
		return fmt.Errorf("failed to delete ledger: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE account_id = $1 AND mode = $2`, accountID, mode); err != nil {
		return fmt.Errorf("failed to delete positions: %w", err)
	}

	return tx.Commit(ctx)
}

// ============================================================================
// TRADE RECORDS
// ============================================================================

// AppendTradeRecord inserts an immutable trade record
func (r *Repository) AppendTradeRecord(ctx context.Context, trade *TradeRecord) error {
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO trade_records (account_id, mode, symbol, side, amount, entry_price, exit_price, pnl, fee, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at`,
		trade.AccountID, trade.Mode, trade.Symbol, trade.Side, trade.Amount,
		trade.EntryPrice, trade.ExitPrice, trade.PnL, trade.Fee, trade.Reason,
	).Scan(&trade.ID, &trade.CreatedAt)
}

// ListTradeRecords retrieves trade records for one (account, mode), newest first
func (r *Repository) ListTradeRecords(ctx context.Context, accountID, mode string, limit int) ([]*TradeRecord, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, account_id, mode, symbol, side, amount, entry_price, exit_price, pnl, fee, reason, created_at
		 FROM trade_records WHERE account_id = $1 AND mode = $2
		 ORDER BY created_at DESC LIMIT $3`,
		accountID, mode, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trade records: %w", err)
	}
	defer rows.Close()

	var trades []*TradeRecord
	for rows.Next() {
		t := &TradeRecord{}
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Mode, &t.Symbol, &t.Side, &t.Amount,
			&t.EntryPrice, &t.ExitPrice, &t.PnL, &t.Fee, &t.Reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// CountTradeRecords returns the number of trade records for one (account, mode)
func (r *Repository) CountTradeRecords(ctx context.Context, accountID, mode string) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trade_records WHERE account_id = $1 AND mode = $2`,
		accountID, mode).Scan(&count)
	return count, err
}

// ============================================================================
// DECISION RECORDS
// ============================================================================

// AppendDecisionRecord inserts an immutable decision record
func (r *Repository) AppendDecisionRecord(ctx context.Context, rec *DecisionRecord) error {
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO decision_records (account_id, symbol, decision, confidence, reason, context)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		rec.AccountID, rec.Symbol, rec.Decision, rec.Confidence, rec.Reason, rec.Context,
	).Scan(&rec.ID, &rec.CreatedAt)
}

// ListDecisionRecords retrieves an account's decision records, newest first
func (r *Repository) ListDecisionRecords(ctx context.Context, accountID string, limit int) ([]*DecisionRecord, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, account_id, symbol, decision, confidence, reason, context, created_at
		 FROM decision_records WHERE account_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decision records: %w", err)
	}
	defer rows.Close()

	var records []*DecisionRecord
	for rows.Next() {
		rec := &DecisionRecord{}
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.Symbol, &rec.Decision,
			&rec.Confidence, &rec.Reason, &rec.Context, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
