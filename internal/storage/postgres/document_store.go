// Package postgres stores crawl documents in Postgres JSONB tables.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/gitcrawl/internal/storage"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// DocumentStore keeps one table per collection with an id primary key and a
// JSONB body.
type DocumentStore struct {
	pool    querier
	ensured sync.Map
}

var _ storage.Store = (*DocumentStore)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*DocumentStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DocumentStore{pool: pool}, nil
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(pool querier) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DocumentStore{pool: pool}, nil
}

// EnsureCollection creates the backing table if it does not exist.
func (s *DocumentStore) EnsureCollection(ctx context.Context, collection string) error {
	if _, ok := s.ensured.Load(collection); ok {
		return nil
	}
	if err := storage.ValidateCollection(collection); err != nil {
		return err //nolint:wrapcheck
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	doc JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, collection)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", collection, err)
	}
	s.ensured.Store(collection, struct{}{})
	return nil
}

// BulkUpsertByID writes each document with INSERT ... ON CONFLICT. Rows whose
// body is unchanged are left untouched and counted as matched.
func (s *DocumentStore) BulkUpsertByID(ctx context.Context, collection string, docs []storage.Document) (storage.BulkResult, error) {
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return storage.BulkResult{}, err
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (id, doc, updated_at) VALUES ($1, $2, now())
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
WHERE %[1]s.doc IS DISTINCT FROM EXCLUDED.doc
RETURNING (xmax = 0) AS inserted`, collection)

	var result storage.BulkResult
	for _, doc := range docs {
		var inserted bool
		err := s.pool.QueryRow(ctx, query, doc.Key, []byte(doc.Body)).Scan(&inserted)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			result.Matched++
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, fmt.Errorf("upsert %s: %w", collection, ctxErr)
			}
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("upsert %s/%s: %w", collection, doc.Key, err))
		case inserted:
			result.Inserted++
		default:
			result.Matched++
			result.Updated++
		}
	}
	return result, nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
