package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store persists the single quota record.
type Store interface {
	// Load returns the stored record, or the zero Record when nothing has
	// been saved yet.
	Load(ctx context.Context) (Record, error)
	// Save replaces the stored record.
	Save(ctx context.Context, rec Record) error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

// MemoryStore keeps the record in memory. Used by tests and when no database
// path is configured.
type MemoryStore struct {
	mu    sync.Mutex
	rec   Record
	saves int
}

// NewMemoryStore returns a store seeded with rec.
func NewMemoryStore(rec Record) *MemoryStore {
	return &MemoryStore{rec: rec}
}

func (m *MemoryStore) Load(context.Context) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec, nil
}

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = rec
	m.saves++
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// SQLiteStore keeps the record in a one-row SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("quota: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("quota: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("quota: ping sqlite: %w", err)
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS quota (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    used_seconds INTEGER NOT NULL,
    period TEXT NOT NULL,
    provider TEXT NOT NULL
);`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("quota: init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (Record, error) {
	var (
		rec      Record
		provider string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT used_seconds, period, provider FROM quota WHERE id = 1`,
	).Scan(&rec.UsedSeconds, &rec.Period, &provider)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, err
	}
	rec.Provider = Provider(provider)
	return rec, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota(id, used_seconds, period, provider) VALUES(1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET used_seconds=excluded.used_seconds,
		   period=excluded.period, provider=excluded.provider`,
		rec.UsedSeconds, rec.Period, string(rec.Provider))
	return err
}

// Ping reports whether the database file is still usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
