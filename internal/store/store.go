// Package store provides Postgres-backed persistence for jobs, sources,
// articles, CVEs, events, and runtime settings.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sempervigil/sempervigil/internal/model"
)

// PgxIface is the subset of pgxpool.Pool the store uses. pgxmock
// implements it, so tests can swap in a mock pool.
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store wraps a connection pool and exposes all persistence operations.
type Store struct {
	pool PgxIface
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// New connects to Postgres and returns a ready Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool PgxIface) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = model.Errf(model.KindNotFound, "not found")

// Transient SQLSTATE classes: serialization failures, deadlocks,
// connection exceptions, insufficient resources.
func transientSQLState(code string) bool {
	switch {
	case code == "40001" || code == "40P01":
		return true
	case len(code) == 5 && (code[:2] == "08" || code[:2] == "53" || code[:2] == "57"):
		return true
	}
	return false
}

// classify maps a pgx error to the store's error taxonomy so the queue
// can decide whether a failed job is retry-safe.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Errf(model.KindNotFound, "%s: no rows", op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientSQLState(pgErr.Code) {
			return model.WrapErr(model.KindTransient, fmt.Errorf("%s: %w", op, err))
		}
		// Constraint violations and other data errors are permanent.
		return model.WrapErr(model.KindPermanent, fmt.Errorf("%s: %w", op, err))
	}
	if errors.Is(err, context.Canceled) {
		return model.WrapErr(model.KindCanceled, fmt.Errorf("%s: %w", op, err))
	}
	return model.WrapErr(model.KindTransient, fmt.Errorf("%s: %w", op, err))
}
