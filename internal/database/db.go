package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"hive-trading-bot/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection
func NewDB(cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id VARCHAR(64) PRIMARY KEY,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		// Strategy configuration per account: mapping from market regime to
		// strategy name plus the strategies themselves, as opaque JSON. The
		// shadow config is the self-improvement candidate.
		`CREATE TABLE IF NOT EXISTS configurations (
			account_id VARCHAR(64) PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
			strategy_config JSONB NOT NULL,
			shadow_config JSONB,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		// One ledger per (account, mode); mode is MAIN or SHADOW.
		`CREATE TABLE IF NOT EXISTS ledgers (
			account_id VARCHAR(64) NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			mode VARCHAR(10) NOT NULL,
			balance DECIMAL(20, 8) NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (account_id, mode)
		)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id SERIAL PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			mode VARCHAR(10) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL DEFAULT 'LONG',
			amount DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			strategy VARCHAR(100),
			opened_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (account_id, mode, symbol, side)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_ledger ON positions(account_id, mode)`,

		// Append-only: one row per completed close.
		`CREATE TABLE IF NOT EXISTS trade_records (
			id SERIAL PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			mode VARCHAR(10) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			amount DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			pnl DECIMAL(20, 8) NOT NULL,
			fee DECIMAL(20, 8) NOT NULL,
			reason TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_records_account ON trade_records(account_id, mode)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_records_symbol ON trade_records(symbol)`,

		// Append-only agent decision log with market-context snapshot.
		`CREATE TABLE IF NOT EXISTS decision_records (
			id SERIAL PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			decision VARCHAR(20) NOT NULL,
			confidence DECIMAL(5, 4),
			reason TEXT,
			context JSONB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_records_account ON decision_records(account_id)`,

		// Embedded narratives for similarity recall. The vector is stored as
		// a JSONB float array and ranked in-process.
		`CREATE TABLE IF NOT EXISTS memories (
			id SERIAL PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			narrative TEXT NOT NULL,
			embedding JSONB NOT NULL,
			outcome VARCHAR(30) NOT NULL,
			pnl_percent DECIMAL(10, 4) NOT NULL DEFAULT 0,
			source VARCHAR(10) NOT NULL DEFAULT 'agent',
			context JSONB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_account ON memories(account_id)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	log.Println("Database migrations completed")
	return nil
}
