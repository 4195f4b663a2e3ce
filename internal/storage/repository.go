package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS request_log (
        id         BIGSERIAL PRIMARY KEY,
        ts         TIMESTAMPTZ NOT NULL,
        provider   TEXT        NOT NULL,
        model      TEXT        NOT NULL,
        success    BOOLEAN     NOT NULL,
        seq        BIGINT      NOT NULL
    );
    CREATE INDEX IF NOT EXISTS request_log_provider_ts_idx ON request_log (provider, ts);
    CREATE TABLE IF NOT EXISTS quota_resets (
        id         SMALLINT PRIMARY KEY DEFAULT 1,
        last_reset TIMESTAMPTZ NOT NULL,
        CHECK (id = 1)
    );`

	listRequestLogSQL = `SELECT ts, provider, model, success, seq
    FROM request_log
    ORDER BY seq, id;`

	insertRequestLogSQL = `INSERT INTO request_log (ts, provider, model, success, seq)
    VALUES ($1,$2,$3,$4,$5);`

	truncateRequestLogSQL = `DELETE FROM request_log;`

	selectLastResetSQL = `SELECT last_reset FROM quota_resets WHERE id = 1;`

	upsertLastResetSQL = `INSERT INTO quota_resets (id, last_reset) VALUES (1, $1)
    ON CONFLICT (id) DO UPDATE SET last_reset = EXCLUDED.last_reset;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store keeps the request log and reset marker in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// LoadRequestLog returns every stored entry in sequence order.
func (s *Store) LoadRequestLog(ctx context.Context) ([]RequestLogEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRequestLogSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list request log: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]RequestLogEntry, 0)
	for rows.Next() {
		var e RequestLogEntry
		if err := rows.Scan(&e.Timestamp, &e.Provider, &e.Model, &e.Success, &e.Count); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// AppendRequestLog inserts one entry.
func (s *Store) AppendRequestLog(ctx context.Context, entry RequestLogEntry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertRequestLogSQL,
		entry.Timestamp,
		entry.Provider,
		entry.Model,
		entry.Success,
		entry.Count,
	)
	if execErr != nil {
		return fmt.Errorf("append request log: %w", execErr)
	}
	return nil
}

// ReplaceRequestLog swaps the whole log inside one transaction.
func (s *Store) ReplaceRequestLog(ctx context.Context, entries []RequestLogEntry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace request log: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, truncateRequestLogSQL); err != nil {
		return fmt.Errorf("clear request log: %w", err)
	}

	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{e.Timestamp, e.Provider, e.Model, e.Success, e.Count})
	}
	if len(rows) > 0 {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"request_log"},
			[]string{"ts", "provider", "model", "success", "seq"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy request log: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace request log: %w", err)
	}
	return nil
}

// LoadLastReset returns the stored reset timestamp, if any.
func (s *Store) LoadLastReset(ctx context.Context) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}
	var at time.Time
	if scanErr := pool.QueryRow(ctx, selectLastResetSQL).Scan(&at); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("load last reset: %w", scanErr)
	}
	return at, true, nil
}

// SaveLastReset upserts the reset timestamp.
func (s *Store) SaveLastReset(ctx context.Context, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertLastResetSQL, at); execErr != nil {
		return fmt.Errorf("save last reset: %w", execErr)
	}
	return nil
}

var (
	_ QuotaStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
