// Package postgres is the production repository.LimitCounterStore /
// repository.TransactionLogger / repository.BlacklistStore /
// repository.DuplicateSnapshotStore adapter, backed by pgx/v5. Schema and
// migrations are out of scope; the adapter only issues the prepared
// statements the interfaces require.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/go-fep/fep/internal/repository"
)

// Store is the pgxpool-backed adapter implementing every repository
// interface.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pgxpool connection to connStr and pings the database.
func New(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) LogTransaction(ctx context.Context, rec repository.TransactionRecord) error {
	const query = `
		INSERT INTO transaction_log
			(trace_id, acquirer_id, terminal_id, stan, mti, processing_code,
			 amount, response_code, requested_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (trace_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		rec.TraceID, rec.AcquirerID, rec.TerminalID, rec.STAN, rec.MTI,
		rec.ProcessingCode, rec.Amount, rec.ResponseCode, rec.RequestedAt, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert transaction_log: %w", err)
	}
	return nil
}

func (s *Store) IsBlacklisted(ctx context.Context, key string) (bool, error) {
	const query = `SELECT 1 FROM blacklist WHERE key = $1`
	var discard int
	err := s.pool.QueryRow(ctx, query, key).Scan(&discard)
	switch {
	case err == nil:
		return true, nil
	case err == pgx.ErrNoRows:
		return false, nil
	default:
		return false, fmt.Errorf("query blacklist: %w", err)
	}
}

func (s *Store) SaveSnapshot(ctx context.Context, entries []repository.DuplicateEntry) error {
	b := &pgx.Batch{}
	b.Queue(`DELETE FROM duplicate_snapshot`)
	for _, e := range entries {
		b.Queue(`INSERT INTO duplicate_snapshot (key, expires_at) VALUES ($1, $2)`, e.Key, e.ExpiresAt)
	}
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for i := 0; i < 1+len(entries); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec duplicate_snapshot: %w", err)
		}
	}
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context) ([]repository.DuplicateEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, expires_at FROM duplicate_snapshot`)
	if err != nil {
		return nil, fmt.Errorf("query duplicate_snapshot: %w", err)
	}
	defer rows.Close()

	var entries []repository.DuplicateEntry
	for rows.Next() {
		var e repository.DuplicateEntry
		if err := rows.Scan(&e.Key, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan duplicate_snapshot: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Usage(ctx context.Context, accountID string, now time.Time) (repository.LimitUsage, error) {
	const query = `
		SELECT CASE WHEN date_trunc('day', updated_at) = date_trunc('day', $2::timestamptz)
		            THEN daily_amount ELSE 0 END,
		       CASE WHEN date_trunc('day', updated_at) = date_trunc('day', $2::timestamptz)
		            THEN daily_count ELSE 0 END,
		       CASE WHEN date_trunc('month', updated_at) = date_trunc('month', $2::timestamptz)
		            THEN monthly_amount ELSE 0 END,
		       CASE WHEN date_trunc('month', updated_at) = date_trunc('month', $2::timestamptz)
		            THEN monthly_count ELSE 0 END
		FROM   limit_counters
		WHERE  account_id = $1`
	var u repository.LimitUsage
	err := s.pool.QueryRow(ctx, query, accountID, now).Scan(
		&u.DailyAmount, &u.DailyCount, &u.MonthlyAmount, &u.MonthlyCount)
	switch {
	case err == nil:
		return u, nil
	case err == pgx.ErrNoRows:
		return repository.LimitUsage{}, nil
	default:
		return repository.LimitUsage{}, fmt.Errorf("query limit_counters: %w", err)
	}
}

func (s *Store) RecordUsage(ctx context.Context, accountID string, amount int64, at time.Time) error {
	const query = `
		INSERT INTO limit_counters
			(account_id, daily_amount, daily_count, monthly_amount, monthly_count, updated_at)
		VALUES ($1, $2, 1, $2, 1, $3)
		ON CONFLICT (account_id) DO UPDATE SET
			daily_amount   = CASE WHEN date_trunc('day', limit_counters.updated_at) = date_trunc('day', $3::timestamptz)
			                      THEN limit_counters.daily_amount + $2 ELSE $2 END,
			daily_count    = CASE WHEN date_trunc('day', limit_counters.updated_at) = date_trunc('day', $3::timestamptz)
			                      THEN limit_counters.daily_count + 1 ELSE 1 END,
			monthly_amount = CASE WHEN date_trunc('month', limit_counters.updated_at) = date_trunc('month', $3::timestamptz)
			                      THEN limit_counters.monthly_amount + $2 ELSE $2 END,
			monthly_count  = CASE WHEN date_trunc('month', limit_counters.updated_at) = date_trunc('month', $3::timestamptz)
			                      THEN limit_counters.monthly_count + 1 ELSE 1 END,
			updated_at     = $3`
	if _, err := s.pool.Exec(ctx, query, accountID, amount, at); err != nil {
		return fmt.Errorf("upsert limit_counters: %w", err)
	}
	return nil
}
