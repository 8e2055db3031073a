// Package postgres provides a pgx-backed durable store for payment records.
package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meefs/agentpay/track"
)

// Schema creates the payment_records table. Run it once at deploy time
// (or via EnsureSchema for simple setups).
const Schema = `
CREATE TABLE IF NOT EXISTS payment_records (
	id          UUID PRIMARY KEY,
	group_name  TEXT NOT NULL,
	scope       TEXT NOT NULL,
	direction   TEXT NOT NULL,
	amount      NUMERIC(38,0) NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payment_records_key_idx
	ON payment_records (group_name, scope, recorded_at);
`

// Store persists payment records in PostgreSQL. Amounts are stored as
// NUMERIC(38,0): base units are integers and must never round.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store over an existing connection pool. The pool's
// lifecycle belongs to the caller.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the table and index if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure payment_records schema: %w", err)
	}
	return nil
}

// Append implements track.Store.
func (s *Store) Append(ctx context.Context, rec track.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payment_records (id, group_name, scope, direction, amount, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.Group, rec.Scope, string(rec.Direction), rec.Amount.String(), rec.At,
	)
	if err != nil {
		return fmt.Errorf("insert payment record: %w", err)
	}
	return nil
}

// SumSince implements track.Store.
func (s *Store) SumSince(ctx context.Context, group, scope string, since time.Time) (*big.Int, error) {
	query := `SELECT COALESCE(SUM(amount), 0)::text
		FROM payment_records
		WHERE group_name = $1 AND scope = $2`
	args := []interface{}{group, scope}
	if !since.IsZero() {
		query += ` AND recorded_at > $3`
		args = append(args, since)
	}

	var sum string
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&sum); err != nil {
		return nil, fmt.Errorf("sum payment records: %w", err)
	}

	total, ok := new(big.Int).SetString(sum, 10)
	if !ok {
		return nil, fmt.Errorf("sum payment records: non-integer total %q", sum)
	}
	return total, nil
}
