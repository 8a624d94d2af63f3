// Package postgres binds the document store to PostgreSQL. Documents are
// rows in a single path-keyed table with a JSONB payload; the collection
// column is derived from the path so collection queries stay indexed.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	path       TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents (collection);
`

// uniqueViolation is the postgres error code for duplicate primary keys.
const uniqueViolation = "23505"

// Store is a DocumentStore backed by PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *logrus.Entry
}

var _ store.DocumentStore = (*Store)(nil)

// New opens the database, tunes the pool and ensures the schema.
func New(dsn string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.WithField("component", "store"),
	}, nil
}

// Create writes a document with create-only semantics.
func (s *Store) Create(ctx context.Context, path string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (path, collection, data) VALUES ($1, $2, $3)`,
		path, store.CollectionOf(path), data)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create document %s: %w", path, err)
	}
	return nil
}

// BatchSet writes all documents in one transaction with overwrite semantics.
func (s *Store) BatchSet(ctx context.Context, docs map[string]any) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (path, collection, data) VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch statement: %w", err)
	}
	defer stmt.Close()

	for path, doc := range docs {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal document %s: %w", path, err)
		}
		if _, err := stmt.ExecContext(ctx, path, store.CollectionOf(path), data); err != nil {
			return fmt.Errorf("failed to set document %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Query returns documents from the collection matching field == value.
func (s *Store) Query(ctx context.Context, collection, field string, value any, limit int) ([]json.RawMessage, error) {
	query := `SELECT data FROM documents WHERE collection = $1`
	args := []any{collection}

	switch {
	case field != "" && value != nil:
		query += ` AND data->>$2 = $3`
		args = append(args, field, fmt.Sprintf("%v", value))
	case field != "":
		query += ` AND data->$2 IS NOT NULL AND jsonb_typeof(data->$2) <> 'null'`
		args = append(args, field)
	}

	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", collection, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, json.RawMessage(data))
	}
	return out, rows.Err()
}

// Probe performs the cheap liveness read.
func (s *Store) Probe(ctx context.Context) error {
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT path FROM documents WHERE collection = $1 LIMIT 1`,
		store.ProbeCollection).Scan(&path)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store probe failed: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
