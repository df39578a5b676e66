// Package exporter drives one incremental export run: watermark resolution,
// batched extraction, timeout-aware partial completion, and the final
// conditional watermark commit.
package exporter

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/roberjo/aurora-snowflake-sync/internal/config"
	"github.com/roberjo/aurora-snowflake-sync/internal/extractor"
	"github.com/roberjo/aurora-snowflake-sync/internal/watermark"
)

// WatermarkStore is the subset of watermark.Store the orchestrator needs.
type WatermarkStore interface {
	Get(ctx context.Context, tableID string) (*time.Time, error)
	Commit(ctx context.Context, req watermark.CommitRequest) error
}

// BatchStream iterates ordered batches from the source.
type BatchStream interface {
	Next() bool
	Batch() *extractor.Batch
	Err() error
	Close() error
}

// BatchExtractor produces row counts and batch streams for one table.
type BatchExtractor interface {
	CountRows(ctx context.Context, wm *time.Time) (int64, error)
	StreamBatches(ctx context.Context, wm *time.Time, batchSize int) (BatchStream, error)
}

// BatchWriter persists one batch per call and counts its uploads.
type BatchWriter interface {
	WriteBatch(ctx context.Context, rows []map[string]any, ts time.Time) (string, error)
	FilesWritten() int
}

// sourceExtractor adapts *extractor.Extractor to BatchExtractor.
type sourceExtractor struct {
	e *extractor.Extractor
}

func (s sourceExtractor) CountRows(ctx context.Context, wm *time.Time) (int64, error) {
	return s.e.CountRows(ctx, wm)
}

func (s sourceExtractor) StreamBatches(ctx context.Context, wm *time.Time, batchSize int) (BatchStream, error) {
	return s.e.StreamBatches(ctx, wm, batchSize)
}

// NewSourceExtractor wraps a concrete extractor for use by the orchestrator.
func NewSourceExtractor(e *extractor.Extractor) BatchExtractor {
	return sourceExtractor{e: e}
}

// Request is one export invocation.
type Request struct {
	TableID       string
	ForceFullLoad bool
	BatchSize     int
	DryRun        bool
}

// Result summarizes a finished run.
type Result struct {
	Status          string  `json:"status"`
	TableName       string  `json:"table_name"`
	RowsExported    int64   `json:"rows_exported"`
	FilesWritten    int     `json:"files_written"`
	RunID           string  `json:"run_id"`
	DurationSeconds float64 `json:"duration_seconds"`
	NewWatermark    *string `json:"new_watermark"`
	TimeoutReached  bool    `json:"timeout_reached"`
	DryRun          bool    `json:"dry_run"`
	Message         string  `json:"message,omitempty"`
}

// Orchestrator wires the run components together. One Orchestrator may be
// reused across sequential runs; it holds no per-run state.
type Orchestrator struct {
	Store     WatermarkStore
	Extractor BatchExtractor
	// NewWriter builds the per-run batch writer; the run id keys the
	// destination paths.
	NewWriter func(runID string) BatchWriter
	// RemainingTime reports the time left before forced termination. Nil
	// means no deadline.
	RemainingTime func() time.Duration
	// TimeoutBuffer is reserved so the in-flight batch and the watermark
	// commit can finish before a hard kill.
	TimeoutBuffer time.Duration
}

// Run executes one export and returns its result. Any component error
// aborts the run without a watermark commit; a timeout exit is not an
// error and commits the accumulated maximum.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if req.TableID == "" {
		return nil, &config.Error{Reason: "table_name is required"}
	}

	runID := uuid.NewString()[:8]
	log.Printf("exporter: starting run %s for table %s (full=%t dry_run=%t)", runID, req.TableID, req.ForceFullLoad, req.DryRun)

	// Resolve the starting watermark. A forced full load ignores the
	// stored record entirely, so its commit expects no record to exist.
	var startWM *time.Time
	if !req.ForceFullLoad {
		wm, err := o.Store.Get(ctx, req.TableID)
		if err != nil {
			return nil, err
		}
		startWM = wm
	} else {
		log.Printf("exporter: full load requested, ignoring stored watermark")
	}

	rowCount, err := o.Extractor.CountRows(ctx, startWM)
	if err != nil {
		return nil, err
	}
	log.Printf("exporter: found %d rows to export for %s", rowCount, req.TableID)

	if rowCount == 0 {
		return &Result{
			Status:          "success",
			TableName:       req.TableID,
			RunID:           runID,
			DurationSeconds: roundSeconds(time.Since(start)),
			DryRun:          req.DryRun,
			Message:         "No new rows to export",
		}, nil
	}

	stream, err := o.Extractor.StreamBatches(ctx, startWM, req.BatchSize)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	w := o.NewWriter(runID)

	var totalRows int64
	var maxWM *time.Time
	timedOut := false

	for stream.Next() {
		// Budget check happens before the in-hand batch is processed;
		// cancellation only ever lands on a batch boundary.
		if o.budgetExhausted() {
			log.Printf("exporter: timeout approaching after %d rows, stopping gracefully", totalRows)
			timedOut = true
			break
		}

		batch := stream.Batch()
		if req.DryRun {
			log.Printf("exporter: dry run, would write %d rows", len(batch.Rows))
		} else {
			if _, err := w.WriteBatch(ctx, batch.Rows, time.Now().UTC()); err != nil {
				return nil, err
			}
		}

		totalRows += int64(len(batch.Rows))
		if bm := batch.MaxWatermark; !bm.IsZero() && (maxWM == nil || bm.After(*maxWM)) {
			wm := bm
			maxWM = &wm
		}
		log.Printf("exporter: processed %d/%d rows", totalRows, rowCount)
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	duration := time.Since(start)

	if totalRows > 0 && maxWM != nil && !req.DryRun {
		err := o.Store.Commit(ctx, watermark.CommitRequest{
			TableID:      req.TableID,
			Watermark:    *maxWM,
			Expected:     startWM,
			RowsExported: totalRows,
			RunID:        runID,
			Duration:     duration.Seconds(),
		})
		if err != nil {
			return nil, err
		}
	}

	result := &Result{
		Status:          "success",
		TableName:       req.TableID,
		RowsExported:    totalRows,
		FilesWritten:    w.FilesWritten(),
		RunID:           runID,
		DurationSeconds: roundSeconds(duration),
		TimeoutReached:  timedOut,
		DryRun:          req.DryRun,
	}
	if maxWM != nil {
		iso := watermark.Normalize(*maxWM).Format(time.RFC3339Nano)
		result.NewWatermark = &iso
	}
	if timedOut {
		result.Message = "Partial export due to timeout"
	}

	log.Printf("exporter: run %s completed: %d rows, %d files, timeout=%t", runID, totalRows, result.FilesWritten, timedOut)
	return result, nil
}

func (o *Orchestrator) budgetExhausted() bool {
	if o.RemainingTime == nil {
		return false
	}
	return o.RemainingTime() < o.TimeoutBuffer
}

func roundSeconds(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000
}

// Describe renders an error into the failure payload fields of the result
// contract.
func Describe(tableID string, err error) *Result {
	return &Result{
		Status:    "error",
		TableName: tableID,
		Message:   fmt.Sprintf("%v", err),
	}
}
