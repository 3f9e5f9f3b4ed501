package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore keeps the record in PostgreSQL so several hosts can share one
// allowance. The record is keyed by name.
type PostgresStore struct {
	pool *pgxpool.Pool
	name string
}

// DefaultRecordName keys the record when none is configured.
const DefaultRecordName = "default"

// OpenPostgres connects to dsn, creates the table if needed and returns a
// store for the record called name.
func OpenPostgres(ctx context.Context, dsn, name string) (*PostgresStore, error) {
	if name == "" {
		name = DefaultRecordName
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("quota: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("quota: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("quota: ping postgres: %w", err)
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS stt_quota (
    name         TEXT PRIMARY KEY,
    used_seconds BIGINT NOT NULL,
    period       TEXT NOT NULL,
    provider     TEXT NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("quota: init schema: %w", err)
	}
	return &PostgresStore{pool: pool, name: name}, nil
}

func (s *PostgresStore) Load(ctx context.Context) (Record, error) {
	var (
		rec      Record
		provider string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT used_seconds, period, provider FROM stt_quota WHERE name = $1`, s.name,
	).Scan(&rec.UsedSeconds, &rec.Period, &provider)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("quota: load: %w", err)
	}
	rec.Provider = Provider(provider)
	return rec, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stt_quota (name, used_seconds, period, provider, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (name) DO UPDATE SET used_seconds = EXCLUDED.used_seconds,
		   period = EXCLUDED.period, provider = EXCLUDED.provider, updated_at = now()`,
		s.name, rec.UsedSeconds, rec.Period, string(rec.Provider))
	if err != nil {
		return fmt.Errorf("quota: save: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
