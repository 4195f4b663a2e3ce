package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions configures the PostgreSQL connection pool.
type PoolOptions struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RequestLogStore persists the append-only analyzer request log.
type RequestLogStore interface {
	LoadRequestLog(ctx context.Context) ([]RequestLogEntry, error)
	AppendRequestLog(ctx context.Context, entry RequestLogEntry) error
	ReplaceRequestLog(ctx context.Context, entries []RequestLogEntry) error
}

// ResetStore persists the timestamp of the last quota window reset.
type ResetStore interface {
	LoadLastReset(ctx context.Context) (time.Time, bool, error)
	SaveLastReset(ctx context.Context, at time.Time) error
}

// QuotaStore combines both halves of the quota persistence.
type QuotaStore interface {
	RequestLogStore
	ResetStore
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, opts PoolOptions) (*pgxpool.Pool, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = opts.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}
