// Package sqlite provides a single-file ledger for command outcomes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/tranco-dispatch/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// OutcomeStore implements store.OutcomeRepository on a local SQLite file.
type OutcomeStore struct {
	db        *sql.DB
	table     string
	runsTable string
}

var _ store.OutcomeRepository = (*OutcomeStore)(nil)

// Open opens (or creates) the database at dsn and initialises the schema.
// A bare path gets WAL journaling; a dsn that already carries a query
// string is passed through untouched.
func Open(ctx context.Context, dsn, table, runsTable string) (*OutcomeStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
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
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	s := &OutcomeStore{db: db, table: table, runsTable: runsTable}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *OutcomeStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *OutcomeStore) initSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		hosts INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		status TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS %[2]s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		host TEXT NOT NULL,
		action TEXT NOT NULL,
		rank INTEGER NOT NULL,
		domain TEXT NOT NULL,
		ok INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		recorded_at DATETIME NOT NULL,
		note TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_%[2]s_run_id ON %[2]s(run_id);
	`, s.runsTable, s.table)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initialize ledger schema: %w", err)
	}
	return nil
}

// StartRun inserts the run row; a repeated id is ignored.
func (s *OutcomeStore) StartRun(ctx context.Context, run store.Run) error {
	if run.ID == uuid.Nil {
		return fmt.Errorf("run id is required")
	}
	status := run.Status
	if status == "" {
		status = store.RunRunning
	}
	query := fmt.Sprintf(`INSERT OR IGNORE INTO %s (id, kind, hosts, started_at, status) VALUES (?, ?, ?, ?, ?)`, s.runsTable)
	if _, err := s.db.ExecContext(ctx, query, run.ID.String(), run.Kind, run.Hosts, run.StartedAt.UTC(), string(status)); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stamps the run's end time and final status.
func (s *OutcomeStore) FinishRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, status store.RunStatus) error {
	query := fmt.Sprintf(`UPDATE %s SET finished_at = ?, status = ? WHERE id = ?`, s.runsTable)
	res, err := s.db.ExecContext(ctx, query, finishedAt.UTC(), string(status), id.String())
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: no such run", id)
	}
	return nil
}

// RecordOutcomes inserts all outcomes in a single transaction.
func (s *OutcomeStore) RecordOutcomes(ctx context.Context, outcomes []store.Outcome) (err error) {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback outcome tx: %w", rbErr))
			}
		}
	}()
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
	INSERT INTO %s (run_id, host, action, rank, domain, ok, duration_ms, recorded_at, note)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table))
	if err != nil {
		return fmt.Errorf("prepare outcome insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, o := range outcomes {
		if _, err = stmt.ExecContext(ctx,
			o.RunID.String(),
			o.Host,
			o.Action,
			o.Rank,
			o.Domain,
			o.OK,
			o.Duration.Milliseconds(),
			o.RecordedAt.UTC(),
			o.Note,
		); err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
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
	FROM %s WHERE run_id = ? ORDER BY id LIMIT ?`, s.table)
	rows, err := s.db.QueryContext(ctx, query, runID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Outcome
	for rows.Next() {
		var (
			o          store.Outcome
			id         string
			durationMs int64
		)
		if err := rows.Scan(&id, &o.Host, &o.Action, &o.Rank, &o.Domain, &o.OK, &durationMs, &o.RecordedAt, &o.Note); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		if o.RunID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse run id %q: %w", id, err)
		}
		o.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}

// GetRun loads a single run row.
func (s *OutcomeStore) GetRun(ctx context.Context, id uuid.UUID) (store.Run, error) {
	query := fmt.Sprintf(`SELECT kind, hosts, started_at, finished_at, status FROM %s WHERE id = ?`, s.runsTable)
	var (
		run      = store.Run{ID: id}
		finished sql.NullTime
		status   string
	)
	err := s.db.QueryRowContext(ctx, query, id.String()).Scan(&run.Kind, &run.Hosts, &run.StartedAt, &finished, &status)
	if err != nil {
		return store.Run{}, fmt.Errorf("load run %s: %w", id, err)
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
