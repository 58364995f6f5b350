package database

import (
	"context"
	"fmt"
)

// ============================================================================
// MEMORIES
// ============================================================================

// InsertMemory stores a memory with its embedding
func (r *Repository) InsertMemory(ctx context.Context, m *Memory) error {
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO memories (account_id, symbol, narrative, embedding, outcome, pnl_percent, source, context)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		m.AccountID, m.Symbol, m.Narrative, m.Embedding, m.Outcome, m.PnLPercent, m.Source, m.Context,
	).Scan(&m.ID, &m.CreatedAt)
}

// ListMemories returns memories for an account, optionally filtered by source.
// Pass an empty source to list all.
func (r *Repository) ListMemories(ctx context.Context, accountID, source string) ([]*Memory, error) {
	query := `SELECT id, account_id, symbol, narrative, embedding, outcome, pnl_percent, source, context, created_at
	          FROM memories WHERE account_id = $1`
	args := []interface{}{accountID}
	if source != "" {
		query += ` AND source = $2`
		args = append(args, source)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	var memories []*Memory
	for rows.Next() {
		m := &Memory{}
		if err := rows.Scan(&m.ID, &m.AccountID, &m.Symbol, &m.Narrative, &m.Embedding,
			&m.Outcome, &m.PnLPercent, &m.Source, &m.Context, &m.CreatedAt); err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}
