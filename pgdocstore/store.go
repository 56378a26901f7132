// Package pgdocstore implements the remote document store on PostgreSQL.
// Documents live in a single jsonb table keyed by (collection, doc_id), with
// the updatedAt payload field denormalized into a bigint column so the
// incremental watermark query stays an index scan.
package pgdocstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobilefin/finsync/finsync"
)

// Store is the PostgreSQL-backed remote store.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	// maxTxRetries bounds the commit retry loop on transient PG errors
	// (serialization failures, deadlocks).
	maxTxRetries int
}

var _ finsync.RemoteStore = (*Store)(nil)

// New creates the store and initializes its schema.
func New(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{pool: pool, logger: logger, maxTxRetries: 3}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize document schema: %w", err)
	}
	return s, nil
}

func (s *Store) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		migrations := []string{
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync_documents (
				collection TEXT   NOT NULL,
				doc_id     TEXT   NOT NULL,
				payload    JSONB  NOT NULL,
				updated_at BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (collection, doc_id)
			)`,
			`CREATE INDEX IF NOT EXISTS sync_documents_updated_idx
				ON sync_documents(collection, updated_at)`,
		}
		for _, m := range migrations {
			if _, err := tx.Exec(ctx, m); err != nil {
				return fmt.Errorf("failed to execute migration: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) Collection(path string) finsync.RemoteCollection {
	return &collection{store: s, path: path}
}

func (s *Store) Batch() finsync.RemoteBatch {
	return &batch{store: s}
}

// docUpdatedAt pulls the updatedAt field out of a document payload. JSON
// decoding yields float64, direct map construction yields int64; accept both.
func docUpdatedAt(data map[string]any) int64 {
	switch v := data["updatedAt"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

type collection struct {
	store *Store
	path  string
}

func (c *collection) Path() string { return c.path }

func (c *collection) NewDocID() string { return uuid.NewString() }

func (c *collection) Get(ctx context.Context) ([]finsync.RemoteDocument, error) {
	return c.query(ctx,
		`SELECT doc_id, payload, updated_at FROM sync_documents
		 WHERE collection = $1 ORDER BY updated_at ASC`, c.path)
}

func (c *collection) QueryUpdatedAfter(ctx context.Context, ts int64) ([]finsync.RemoteDocument, error) {
	return c.query(ctx,
		`SELECT doc_id, payload, updated_at FROM sync_documents
		 WHERE collection = $1 AND updated_at > $2 ORDER BY updated_at ASC`, c.path, ts)
}

func (c *collection) query(ctx context.Context, sql string, args ...any) ([]finsync.RemoteDocument, error) {
	rows, err := c.store.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", c.path, err)
	}
	defer rows.Close()

	var docs []finsync.RemoteDocument
	for rows.Next() {
		var doc finsync.RemoteDocument
		if err := rows.Scan(&doc.ID, &doc.Data, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (c *collection) Set(ctx context.Context, id string, data map[string]any) error {
	_, err := c.store.pool.Exec(ctx, upsertSQL, c.path, id, data, docUpdatedAt(data))
	if err != nil {
		return fmt.Errorf("failed to write document %s/%s: %w", c.path, id, err)
	}
	return nil
}

const upsertSQL = `
	INSERT INTO sync_documents (collection, doc_id, payload, updated_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (collection, doc_id)
	DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`
