// Package history records each background refresh in Postgres so coverage
// and proxy blocks can be audited over time.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/slotscraper/internal/booking"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "refresh_runs"

// Run is one completed refresh.
type Run struct {
	ID           string                        `json:"id"`
	StartedAt    time.Time                     `json:"started_at"`
	FinishedAt   time.Time                     `json:"finished_at"`
	Attempts     int                           `json:"attempts"`
	Requested    int                           `json:"requested"`
	Scraped      int                           `json:"scraped"`
	Missing      []booking.LocationID          `json:"missing"`
	Blocked      []booking.BlockedEgressReport `json:"blocked"`
	Updated      bool                          `json:"snapshot_updated"`
	SnapshotHash string                        `json:"snapshot_hash"`
}

// Config controls the Postgres connection pool used for run rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// PostgresStore writes and lists refresh runs.
type PostgresStore struct {
	pool  pool
	table string
}

// NewPostgresStore creates a Postgres-backed store using the provided config.
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("history.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: p, table: table}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPostgresStoreWithPool(p pool, table string) (*PostgresStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the runs table when it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id               TEXT PRIMARY KEY,
	started_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ NOT NULL,
	attempts         INTEGER NOT NULL,
	requested        INTEGER NOT NULL,
	scraped          INTEGER NOT NULL,
	missing          JSONB NOT NULL,
	blocked          JSONB NOT NULL,
	snapshot_updated BOOLEAN NOT NULL,
	snapshot_hash    TEXT NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordRun inserts one run row.
func (s *PostgresStore) RecordRun(ctx context.Context, run Run) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("history store is not configured")
	}
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	missing := run.Missing
	if missing == nil {
		missing = []booking.LocationID{}
	}
	missingJSON, err := json.Marshal(missing)
	if err != nil {
		return fmt.Errorf("marshal missing: %w", err)
	}
	blocked := run.Blocked
	if blocked == nil {
		blocked = []booking.BlockedEgressReport{}
	}
	blockedJSON, err := json.Marshal(blocked)
	if err != nil {
		return fmt.Errorf("marshal blocked: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	started_at,
	finished_at,
	attempts,
	requested,
	scraped,
	missing,
	blocked,
	snapshot_updated,
	snapshot_hash
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.table)

	args := []any{
		run.ID,
		run.StartedAt,
		run.FinishedAt,
		run.Attempts,
		run.Requested,
		run.Scraped,
		missingJSON,
		blockedJSON,
		run.Updated,
		run.SnapshotHash,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Run, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("history store is not configured")
	}
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`
SELECT id, started_at, finished_at, attempts, requested, scraped, missing, blocked, snapshot_updated, snapshot_hash
FROM %s
ORDER BY started_at DESC
LIMIT $1`, s.table)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			run                      Run
			missingJSON, blockedJSON []byte
		)
		if err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Attempts,
			&run.Requested,
			&run.Scraped,
			&missingJSON,
			&blockedJSON,
			&run.Updated,
			&run.SnapshotHash,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := errors.Join(
			json.Unmarshal(missingJSON, &run.Missing),
			json.Unmarshal(blockedJSON, &run.Blocked),
		); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", run.ID, err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
