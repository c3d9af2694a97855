package embedcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS embeddings (
	cache_key  TEXT PRIMARY KEY,
	dims       INTEGER NOT NULL,
	vector     BLOB NOT NULL,
	created_at TEXT NOT NULL
);
`

// SQLite is a Cache persisted in a single SQLite file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the cache database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]float32, bool, error) {
	var (
		dims int
		blob []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT dims, vector FROM embeddings WHERE cache_key = ?`, key).Scan(&dims, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query embedding: %w", err)
	}
	vec, err := DecodeVector(blob)
	if err != nil {
		return nil, false, err
	}
	if len(vec) != dims {
		return nil, false, fmt.Errorf("%w: stored %d dims, decoded %d", ErrCorrupt, dims, len(vec))
	}
	return vec, true, nil
}

func (s *SQLite) Put(ctx context.Context, key string, vec []float32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (cache_key, dims, vector, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET dims = excluded.dims, vector = excluded.vector, created_at = excluded.created_at`,
		key, len(vec), EncodeVector(vec), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
