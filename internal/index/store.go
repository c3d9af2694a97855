package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/finos-labs/regmatch/internal/control"
	"github.com/finos-labs/regmatch/internal/embedcache"
)

// ErrModelMismatch is returned when a persisted index was built with a
// different embedding model than the one requested.
var ErrModelMismatch = errors.New("index built with a different embedding model")

const storeSchema = `
CREATE TABLE IF NOT EXISTS index_meta (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	model_id    TEXT NOT NULL,
	corpus_path TEXT NOT NULL,
	corpus_hash TEXT NOT NULL,
	built_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS objectives (
	position    INTEGER PRIMARY KEY,
	control_id  TEXT NOT NULL UNIQUE,
	text        TEXT NOT NULL,
	section_ref TEXT,
	title       TEXT,
	l1_id       TEXT,
	l1_title    TEXT,
	vector      BLOB NOT NULL
);
`

// Manifest describes a persisted index.
type Manifest struct {
	ModelID    string
	CorpusPath string
	CorpusHash string
	BuiltAt    time.Time
	Count      int
}

// Store persists a regulatory index in SQLite so later runs can skip
// re-embedding the corpus.
type Store struct {
	db *sql.DB
}

// OpenStore opens a SQLite database and runs migrations.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored index with objs, in order.
func (s *Store) Save(ctx context.Context, m Manifest, objs []control.Objective) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM objectives`); err != nil {
		return fmt.Errorf("clear objectives: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM index_meta`); err != nil {
		return fmt.Errorf("clear meta: %w", err)
	}
	if m.BuiltAt.IsZero() {
		m.BuiltAt = time.Now()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO index_meta (id, model_id, corpus_path, corpus_hash, built_at) VALUES (1, ?, ?, ?, ?)`,
		m.ModelID, m.CorpusPath, m.CorpusHash, m.BuiltAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert meta: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO objectives (position, control_id, text, section_ref, title, l1_id, l1_title, vector)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for i, o := range objs {
		if !o.HasEmbedding() {
			return fmt.Errorf("%w: %s", ErrEmbeddingMissing, o.ID)
		}
		if _, err := stmt.ExecContext(ctx, i, o.ID, o.Text, o.SectionRef, o.Title, o.L1ID, o.L1Title, embedcache.EncodeVector(o.Embedding)); err != nil {
			return fmt.Errorf("insert objective %s: %w", o.ID, err)
		}
	}
	return tx.Commit()
}

// Manifest reads the stored metadata. ok is false for an empty store.
func (s *Store) Manifest(ctx context.Context) (Manifest, bool, error) {
	var (
		m       Manifest
		builtAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT model_id, corpus_path, corpus_hash, built_at FROM index_meta WHERE id = 1`,
	).Scan(&m.ModelID, &m.CorpusPath, &m.CorpusHash, &builtAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Manifest{}, false, nil
	}
	if err != nil {
		return Manifest{}, false, fmt.Errorf("query meta: %w", err)
	}
	m.BuiltAt, _ = time.Parse(time.RFC3339Nano, builtAt)
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objectives`).Scan(&m.Count); err != nil {
		return Manifest{}, false, fmt.Errorf("count objectives: %w", err)
	}
	return m, true, nil
}

// Load reads the stored objectives into a fresh Memory index. The caller
// seals it with MarkReady. modelID must match the model the index was built
// with.
func (s *Store) Load(ctx context.Context, modelID string) (*Memory, Manifest, error) {
	m, ok, err := s.Manifest(ctx)
	if err != nil {
		return nil, Manifest{}, err
	}
	if !ok {
		return nil, Manifest{}, fmt.Errorf("index store is empty")
	}
	if m.ModelID != modelID {
		return nil, m, fmt.Errorf("%w: stored %q, requested %q", ErrModelMismatch, m.ModelID, modelID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT control_id, text, section_ref, title, l1_id, l1_title, vector FROM objectives ORDER BY position`)
	if err != nil {
		return nil, m, fmt.Errorf("query objectives: %w", err)
	}
	defer rows.Close()

	idx := NewMemory()
	for rows.Next() {
		var (
			o                             control.Objective
			section, title, l1ID, l1Title sql.NullString
			blob                          []byte
		)
		if err := rows.Scan(&o.ID, &o.Text, &section, &title, &l1ID, &l1Title, &blob); err != nil {
			return nil, m, fmt.Errorf("scan objective: %w", err)
		}
		o.Source = control.SourceRegulatory
		o.SectionRef, o.Title, o.L1ID, o.L1Title = section.String, title.String, l1ID.String, l1Title.String
		if o.Embedding, err = embedcache.DecodeVector(blob); err != nil {
			return nil, m, fmt.Errorf("objective %s: %w", o.ID, err)
		}
		if err := idx.Upsert(ctx, o); err != nil {
			return nil, m, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, m, fmt.Errorf("iterate objectives: %w", err)
	}
	return idx, m, nil
}
