// Package extractor streams watermark-filtered rows out of the source
// table in ordered batches.
package extractor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roberjo/aurora-snowflake-sync/internal/config"
)

// Error wraps any source read failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("extraction failed: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Row is one extracted record keyed by column name, including the derived
// commit_ts and op fields. It is an alias so downstream packages can accept
// plain maps without importing this one.
type Row = map[string]any

// Batch is an ordered run of rows plus the maximum watermark observed so
// far in the stream. It exists only for one extract-write cycle.
type Batch struct {
	Rows         []Row
	MaxWatermark time.Time
}

// Extractor reads batches from one source table.
type Extractor struct {
	cache  *ConnCache
	source config.SourceConfig
	table  config.TableSpec
}

// New creates an extractor over a shared connection cache.
func New(cache *ConnCache, source config.SourceConfig, table config.TableSpec) *Extractor {
	if cache == nil {
		cache = &ConnCache{}
	}
	return &Extractor{cache: cache, source: source, table: table}
}

// BuildQuery returns the extraction query and its parameters. A nil
// watermark produces a full-table scan with every row classified as an
// insert; otherwise rows newer than the watermark are selected and
// classified by comparing the created-at column to the watermark column
// when one is configured.
func (e *Extractor) BuildQuery(wm *time.Time) (string, []any) {
	columns := strings.Join(e.table.ColumnNames(), ", ")
	table := e.table.FullTableName()
	wmCol := e.table.WatermarkColumn

	if wm == nil {
		query := fmt.Sprintf(
			"SELECT %s, %s AS commit_ts, 'I' AS op FROM %s ORDER BY %s",
			columns, wmCol, table, wmCol,
		)
		return query, nil
	}

	opExpr := "'U' AS op"
	if created := e.table.CreatedAtColumn; created != "" {
		opExpr = fmt.Sprintf("CASE WHEN %s = %s THEN 'I' ELSE 'U' END AS op", created, wmCol)
	}

	query := fmt.Sprintf(
		"SELECT %s, %s AS commit_ts, %s FROM %s WHERE %s > $1 ORDER BY %s",
		columns, wmCol, opExpr, table, wmCol, wmCol,
	)
	return query, []any{*wm}
}

// CountRows returns how many rows the same predicate would extract. The
// count is advisory: it feeds the zero-row short circuit and logging, never
// loop bounds.
func (e *Extractor) CountRows(ctx context.Context, wm *time.Time) (int64, error) {
	db, err := e.cache.Get(ctx, e.source.DSN())
	if err != nil {
		return 0, err
	}

	table := e.table.FullTableName()
	wmCol := e.table.WatermarkColumn

	var count int64
	if wm == nil {
		err = db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
	} else {
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s > $1", table, wmCol)
		err = db.QueryRowContext(ctx, query, *wm).Scan(&count)
	}
	if err != nil {
		return 0, &Error{Op: "count rows", Err: err}
	}
	return count, nil
}

// StreamBatches opens one forward-only cursor for the whole run and returns
// an iterator over batches of at most batchSize rows, ordered by the
// watermark column ascending. The stream is not restartable; a fresh call
// re-executes the query.
func (e *Extractor) StreamBatches(ctx context.Context, wm *time.Time, batchSize int) (*BatchStream, error) {
	if batchSize <= 0 {
		batchSize = e.table.BatchSize
	}

	db, err := e.cache.Get(ctx, e.source.DSN())
	if err != nil {
		return nil, err
	}

	query, params := e.BuildQuery(wm)
	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, &Error{Op: "open stream", Err: err}
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, &Error{Op: "open stream", Err: err}
	}

	stream := &BatchStream{
		rows:      rows,
		cols:      cols,
		batchSize: batchSize,
	}
	if wm != nil {
		stream.max = *wm
		stream.haveMax = true
	}
	return stream, nil
}

// BatchStream iterates the extraction cursor one batch at a time. The
// MaxWatermark carried by each batch is cumulative over the stream, so the
// last consumed batch is always a safe resume point.
type BatchStream struct {
	rows      *sql.Rows
	cols      []string
	batchSize int

	max     time.Time
	haveMax bool
	current *Batch
	err     error
	done    bool
}

// Next advances to the next batch. It returns false at end of stream or on
// error; check Err afterwards.
func (s *BatchStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}

	batch := make([]Row, 0, s.batchSize)
	for len(batch) < s.batchSize {
		if !s.rows.Next() {
			s.done = true
			if err := s.rows.Err(); err != nil {
				s.err = &Error{Op: "stream rows", Err: err}
				return false
			}
			break
		}

		row, err := s.scanRow()
		if err != nil {
			s.err = err
			s.done = true
			return false
		}

		if ts, ok := row["commit_ts"].(time.Time); ok {
			if !s.haveMax || ts.After(s.max) {
				s.max = ts
				s.haveMax = true
			}
		}
		batch = append(batch, row)
	}

	if len(batch) == 0 {
		return false
	}
	s.current = &Batch{Rows: batch, MaxWatermark: s.max}
	return true
}

// Batch returns the batch produced by the last successful Next.
func (s *BatchStream) Batch() *Batch { return s.current }

// Err returns the first error encountered while streaming.
func (s *BatchStream) Err() error { return s.err }

// Close releases the underlying cursor.
func (s *BatchStream) Close() error { return s.rows.Close() }

func (s *BatchStream) scanRow() (Row, error) {
	values := make([]any, len(s.cols))
	valuePtrs := make([]any, len(s.cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	if err := s.rows.Scan(valuePtrs...); err != nil {
		return nil, &Error{Op: "scan row", Err: err}
	}

	row := make(Row, len(s.cols))
	for i, col := range s.cols {
		row[col] = values[i]
	}
	return row, nil
}
