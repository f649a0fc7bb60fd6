// Package store provides the PostgreSQL repository layer for campaigns,
// workflows, runs, and telephony configuration.
//
// All repositories share a single [pgxpool.Pool]. Batch claiming uses
// SELECT ... FOR UPDATE SKIP LOCKED so parallel batch processors never
// double-dispatch a queued run. All operations are safe for concurrent use.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// ErrNotFound is returned when a requested row does not exist or is not
// visible to the requesting organization.
var ErrNotFound = errors.New("store: not found")

// Config holds the database connection settings.
type Config struct {
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`

	// EmbeddingDimensions is the vector size for knowledge-base chunks.
	// Must match the embedding model in use. Defaults to 1536.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// Store is the PostgreSQL-backed repository layer. Obtain one via [New].
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool, registers pgvector
// types on every connection, and runs [Migrate] so all required tables exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store: dsn must not be empty")
	}
	dims := cfg.EmbeddingDimensions
	if dims == 0 {
		dims = 1536
	}

	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that knowledge-base
	// embedding columns scan into pgvector.Vector values.
	pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// withTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
