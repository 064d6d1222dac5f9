// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/tranco-dispatch/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// OutcomeStoreConfig controls the Postgres connection pool used for the ledger.
type OutcomeStoreConfig struct {
	DSN             string
	Table           string
	RunsTable       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// OutcomeStore implements store.OutcomeRepository on Postgres.
type OutcomeStore struct {
	pool      pool
	table     string
	runsTable string
}

var _ store.OutcomeRepository = (*OutcomeStore)(nil)

// NewOutcomeStore connects to Postgres using the provided config.
func NewOutcomeStore(ctx context.Context, cfg OutcomeStoreConfig) (*OutcomeStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
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
	s, err := NewOutcomeStoreWithPool(p, cfg.Table, cfg.RunsTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewOutcomeStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewOutcomeStoreWithPool(p pool, table, runsTable string) (*OutcomeStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "dispatch_outcomes"
	}
	if runsTable == "" {
		runsTable = "dispatch_runs"
	}
	for _, name := range []string{table, runsTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &OutcomeStore{pool: p, table: table, runsTable: runsTable}, nil
}

// Close releases the underlying pool resources.
func (s *OutcomeStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the ledger tables when they are missing.
func (s *OutcomeStore) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	kind TEXT NOT NULL,
	hosts INTEGER NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status TEXT NOT NULL
)`, s.runsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	run_id UUID NOT NULL,
	host TEXT NOT NULL,
	action TEXT NOT NULL,
	rank INTEGER NOT NULL,
	domain TEXT NOT NULL,
	ok BOOLEAN NOT NULL,
	duration_ms BIGINT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	note TEXT NOT NULL DEFAULT ''
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_run_id_idx ON %s (run_id)`, s.table, s.table),
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}
	return nil
}

// StartRun inserts the run row.
func (s *OutcomeStore) StartRun(ctx context.Context, run store.Run) error {
	if run.ID == uuid.Nil {
		return fmt.Errorf("run id is required")
	}
	status := run.Status
	if status == "" {
		status = store.RunRunning
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, kind, hosts, started_at, status)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO NOTHING`, s.runsTable)
	if _, err := s.pool.Exec(ctx, query, run.ID, run.Kind, run.Hosts, run.StartedAt, string(status)); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stamps the run's end time and final status.
func (s *OutcomeStore) FinishRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, status store.RunStatus) error {
	query := fmt.Sprintf(`UPDATE %s SET finished_at = $1, status = $2 WHERE id = $3`, s.runsTable)
	tag, err := s.pool.Exec(ctx, query, finishedAt, string(status), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: no such run", id)
	}
	return nil
}

// RecordOutcomes inserts all outcomes in a single transaction.
func (s *OutcomeStore) RecordOutcomes(ctx context.Context, outcomes []store.Outcome) (err error) {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback outcome tx: %w", rbErr))
			}
		}
	}()
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, host, action, rank, domain, ok, duration_ms, recorded_at, note)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, s.table)
	for _, o := range outcomes {
		if _, err = tx.Exec(ctx, query,
			o.RunID,
			o.Host,
			o.Action,
			o.Rank,
			o.Domain,
			o.OK,
			o.Duration.Milliseconds(),
			o.RecordedAt,
			o.Note,
		); err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit outcome tx: %w", err)
	}
	return nil
}

// ListOutcomes returns up to limit outcomes for runID, oldest first.
func (s *OutcomeStore) ListOutcomes(ctx context.Context, runID uuid.UUID, limit int) ([]store.Outcome, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT run_id, host, action, rank, domain, ok, duration_ms, recorded_at, note
FROM %s WHERE run_id = $1 ORDER BY id LIMIT $2`, s.table)
	rows, err := s.pool.Query(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []store.Outcome
	for rows.Next() {
		var (
			o          store.Outcome
			durationMs int64
		)
		if err := rows.Scan(&o.RunID, &o.Host, &o.Action, &o.Rank, &o.Domain, &o.OK, &durationMs, &o.RecordedAt, &o.Note); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}
