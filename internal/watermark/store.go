// Package watermark persists per-table export watermarks with optimistic
// concurrency control. The record for a table is the only contended
// resource between overlapping runs; its conditional-write protocol is the
// sole guard against a concurrent run clobbering progress.
package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// ErrConflict signals that a conditional commit lost to a concurrent run.
// Callers must surface it, never retry-and-overwrite.
var ErrConflict = errors.New("concurrent watermark modification")

// StoreError wraps a storage I/O failure that is not a conflict.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("watermark store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// Record is the durable watermark state for one table.
type Record struct {
	TableID      string
	Watermark    time.Time
	RowsExported int64
	RunID        string
	Duration     float64
	UpdatedAt    time.Time
}

// CommitRequest carries one conditional watermark write.
type CommitRequest struct {
	TableID   string
	Watermark time.Time
	// Expected is the watermark the run started from. Nil means the run
	// saw no prior record, and the commit must fail if one appeared since.
	Expected     *time.Time
	RowsExported int64
	RunID        string
	Duration     float64
}

// Store defines the watermark operations used by the orchestrator.
type Store interface {
	Get(ctx context.Context, tableID string) (*time.Time, error)
	Commit(ctx context.Context, req CommitRequest) error
	GetState(ctx context.Context, tableID string) (*Record, error)
	Close() error
}

// PostgresStore implements Store on a single Postgres table.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore opens a connection and ensures the watermark table
// exists. table defaults to "export_watermarks".
func NewPostgresStore(dsn, table string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, &StoreError{Op: "open", Err: errors.New("dsn is required")}
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return NewPostgresStoreWithDB(db, table)
}

// NewPostgresStoreWithDB reuses an existing *sql.DB (for tests or a shared
// pool).
func NewPostgresStoreWithDB(db *sql.DB, table string) (*PostgresStore, error) {
	if db == nil {
		return nil, &StoreError{Op: "open", Err: errors.New("db is required")}
	}
	if table == "" {
		table = "export_watermarks"
	}
	s := &PostgresStore{db: db, table: table}
	if err := s.ensureTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureTable() error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  table_id text PRIMARY KEY,
  watermark timestamptz NOT NULL,
  rows_exported bigint NOT NULL DEFAULT 0,
  run_id text NOT NULL DEFAULT '',
  duration_seconds double precision NOT NULL DEFAULT 0,
  updated_at timestamptz NOT NULL DEFAULT now()
);`, s.table)
	if _, err := s.db.Exec(ddl); err != nil {
		return &StoreError{Op: "ensure table", Err: err}
	}
	return nil
}

// Get returns the current watermark for a table, or nil when no prior
// successful run exists (callers treat nil as a full-load request).
func (s *PostgresStore) Get(ctx context.Context, tableID string) (*time.Time, error) {
	var wm time.Time
	query := fmt.Sprintf(`SELECT watermark FROM %s WHERE table_id = $1`, s.table)
	err := s.db.QueryRowContext(ctx, query, tableID).Scan(&wm)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &StoreError{Op: "get", Err: err}
	}
	wm = Normalize(wm)
	return &wm, nil
}

// Commit performs the conditional write. With a nil Expected it inserts and
// fails on any existing record; otherwise it updates only while the stored
// watermark still equals Expected. Either condition failing yields
// ErrConflict.
func (s *PostgresStore) Commit(ctx context.Context, req CommitRequest) error {
	wm := Normalize(req.Watermark)

	var res sql.Result
	var err error
	if req.Expected == nil {
		query := fmt.Sprintf(`
INSERT INTO %s (table_id, watermark, rows_exported, run_id, duration_seconds, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (table_id) DO NOTHING`, s.table)
		res, err = s.db.ExecContext(ctx, query, req.TableID, wm, req.RowsExported, req.RunID, req.Duration)
	} else {
		query := fmt.Sprintf(`
UPDATE %s
SET watermark = $2, rows_exported = $3, run_id = $4, duration_seconds = $5, updated_at = now()
WHERE table_id = $1 AND watermark = $6`, s.table)
		res, err = s.db.ExecContext(ctx, query, req.TableID, wm, req.RowsExported, req.RunID, req.Duration, Normalize(*req.Expected))
	}
	if err != nil {
		return &StoreError{Op: "commit", Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return &StoreError{Op: "commit", Err: err}
	}
	if affected == 0 {
		return fmt.Errorf("%w for table %s: another run may have updated the watermark", ErrConflict, req.TableID)
	}
	return nil
}

// GetState returns the full stored record for diagnostics, or nil when
// absent.
func (s *PostgresStore) GetState(ctx context.Context, tableID string) (*Record, error) {
	query := fmt.Sprintf(`
SELECT table_id, watermark, rows_exported, run_id, duration_seconds, updated_at
FROM %s WHERE table_id = $1`, s.table)

	var rec Record
	err := s.db.QueryRowContext(ctx, query, tableID).Scan(
		&rec.TableID, &rec.Watermark, &rec.RowsExported, &rec.RunID, &rec.Duration, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &StoreError{Op: "get state", Err: err}
	}
	rec.Watermark = Normalize(rec.Watermark)
	return &rec, nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Normalize truncates a watermark to microsecond precision in UTC, matching
// timestamptz resolution so the conditional-write equality check is exact.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
