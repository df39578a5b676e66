// Package writer serializes row batches into Snappy-compressed Parquet
// files and deposits them at deterministic keys in object storage.
package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	"github.com/roberjo/aurora-snowflake-sync/internal/config"
)

// derived columns appended to every extracted row.
const (
	commitTSColumn = "commit_ts"
	opColumn       = "op"
)

// ParquetWriter writes batches for one table within one run. The batch
// counter is per-instance, strictly increasing, and never reused, so keys
// cannot collide within a run; the run id keeps keys from colliding across
// runs.
type ParquetWriter struct {
	store    ObjectStore
	cfg      config.ObjectStoreConfig
	table    config.TableSpec
	runID    string
	schema   string
	temporal map[string]bool
	counter  int
	written  int
}

// NewParquetWriter builds a writer for one run. The Parquet schema is
// derived once from the declared column list so files stay consistently
// typed over the table's history.
func NewParquetWriter(store ObjectStore, cfg config.ObjectStoreConfig, table config.TableSpec, runID string) *ParquetWriter {
	w := &ParquetWriter{
		store:    store,
		cfg:      cfg,
		table:    table,
		runID:    runID,
		temporal: temporalColumns(table),
	}
	w.schema = w.buildSchema()
	return w
}

// temporalColumns marks the columns coerced to the canonical timestamp
// encoding: the watermark column, the created-at column, anything declared
// with a temporal type hint, and the derived commit_ts.
func temporalColumns(table config.TableSpec) map[string]bool {
	t := map[string]bool{commitTSColumn: true}
	if table.WatermarkColumn != "" {
		t[table.WatermarkColumn] = true
	}
	if table.CreatedAtColumn != "" {
		t[table.CreatedAtColumn] = true
	}
	for _, c := range table.Columns {
		switch c.Type {
		case "timestamp", "timestamptz", "datetime", "date":
			t[c.Name] = true
		}
	}
	return t
}

func (w *ParquetWriter) buildSchema() string {
	fields := make([]map[string]string, 0, len(w.table.Columns)+2)
	for _, c := range w.table.Columns {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, %s, repetitiontype=OPTIONAL", c.Name, w.fieldType(c)),
		})
	}
	fields = append(fields,
		map[string]string{"Tag": fmt.Sprintf("name=%s, type=INT64, convertedtype=TIMESTAMP_MICROS, repetitiontype=OPTIONAL", commitTSColumn)},
		map[string]string{"Tag": fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", opColumn)},
	)

	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func (w *ParquetWriter) fieldType(c config.Column) string {
	if w.temporal[c.Name] {
		return "type=INT64, convertedtype=TIMESTAMP_MICROS"
	}
	switch c.Type {
	case "bool", "boolean":
		return "type=BOOLEAN"
	case "int", "integer", "smallint", "bigint", "serial", "bigserial":
		return "type=INT64"
	case "float", "double", "real", "numeric", "decimal", "number":
		return "type=DOUBLE"
	default:
		return "type=BYTE_ARRAY, convertedtype=UTF8"
	}
}

// GenerateKey returns the destination key for the next batch:
// {prefix}/{schema}/{table}/LOAD{YYYYMMDDThhmmss}_{run}_{seq}.parquet.
// The counter advances on every call and is never reused.
func (w *ParquetWriter) GenerateKey(ts time.Time) string {
	w.counter++
	return fmt.Sprintf("%s/%s/%s/LOAD%s_%s_%04d.parquet",
		w.cfg.Prefix,
		w.table.SourceSchema,
		w.table.SourceTable,
		ts.UTC().Format("20060102T150405"),
		w.runID,
		w.counter,
	)
}

// WriteBatch encodes rows as Parquet and uploads the file, returning the
// destination key. An empty batch is a no-op returning an empty key.
func (w *ParquetWriter) WriteBatch(ctx context.Context, rows []map[string]any, ts time.Time) (string, error) {
	if len(rows) == 0 {
		log.Printf("writer: skipping empty batch")
		return "", nil
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	key := w.GenerateKey(ts)

	data, err := w.Encode(rows)
	if err != nil {
		return "", err
	}
	if err := w.store.PutObject(ctx, w.cfg.Bucket, key, data); err != nil {
		return "", err
	}
	w.written++

	log.Printf("writer: wrote %d rows to s3://%s/%s", len(rows), w.cfg.Bucket, key)
	return key, nil
}

// Encode converts rows to Parquet bytes. Unlike WriteBatch, an empty input
// here is an error: this is the lower-level call site with no tolerance for
// producing empty files.
func (w *ParquetWriter) Encode(rows []map[string]any) ([]byte, error) {
	if len(rows) == 0 {
		return nil, wrapError(CodeEncodeFailed, false, fmt.Errorf("cannot encode empty batch"))
	}

	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := parquetwriter.NewJSONWriter(w.schema, pfw, 4)
	if err != nil {
		return nil, wrapError(CodeEncodeFailed, false, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		projected, err := w.projectRow(row)
		if err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return nil, err
		}
		encoded, err := json.Marshal(projected)
		if err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return nil, wrapError(CodeEncodeFailed, false, err)
		}
		if err := pw.Write(string(encoded)); err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return nil, wrapError(CodeEncodeFailed, false, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = pfw.Close()
		return nil, wrapError(CodeEncodeFailed, false, err)
	}
	_ = pfw.Close()
	return buf.Bytes(), nil
}

// projectRow maps a source row onto the declared schema, coercing temporal
// columns to epoch microseconds and scalars to their pinned Parquet types.
func (w *ParquetWriter) projectRow(row map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(w.table.Columns)+2)
	for _, c := range w.table.Columns {
		val, err := w.coerce(c.Name, w.fieldType(c), row[c.Name])
		if err != nil {
			return nil, err
		}
		out[c.Name] = val
	}

	ts, err := coerceTimestamp(commitTSColumn, row[commitTSColumn])
	if err != nil {
		return nil, err
	}
	out[commitTSColumn] = ts

	if op, ok := row[opColumn]; ok && op != nil {
		out[opColumn] = stringValue(op)
	} else {
		out[opColumn] = nil
	}
	return out, nil
}

func (w *ParquetWriter) coerce(name, fieldType string, val any) (any, error) {
	if val == nil {
		return nil, nil
	}
	if w.temporal[name] {
		return coerceTimestamp(name, val)
	}
	switch fieldType {
	case "type=BOOLEAN":
		return coerceBool(name, val)
	case "type=INT64":
		return coerceInt64(name, val)
	case "type=DOUBLE":
		return coerceFloat64(name, val)
	default:
		return stringValue(val), nil
	}
}

// timestampLayouts covers the wire representations the source driver may
// hand back for temporal columns.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// coerceTimestamp normalizes any temporal wire representation to UTC epoch
// microseconds, the single canonical encoding across all files.
func coerceTimestamp(name string, val any) (any, error) {
	switch v := val.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return v.UTC().UnixMicro(), nil
	case int64:
		return v, nil
	case string:
		return parseTimestamp(name, v)
	case []byte:
		return parseTimestamp(name, string(v))
	default:
		return nil, wrapError(CodeEncodeFailed, false, fmt.Errorf("column %s: cannot coerce %T to timestamp", name, val))
	}
}

func parseTimestamp(name, s string) (any, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().UnixMicro(), nil
		}
	}
	return nil, wrapError(CodeEncodeFailed, false, fmt.Errorf("column %s: unparseable timestamp %q", name, s))
}

func coerceInt64(name string, val any) (any, error) {
	switch v := val.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, nil
		}
	case []byte:
		if n, err := strconv.ParseInt(string(v), 10, 64); err == nil {
			return n, nil
		}
	}
	return nil, wrapError(CodeEncodeFailed, false, fmt.Errorf("column %s: cannot coerce %T to int64", name, val))
}

func coerceFloat64(name string, val any) (any, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, nil
		}
	case []byte:
		if f, err := strconv.ParseFloat(string(v), 64); err == nil {
			return f, nil
		}
	}
	return nil, wrapError(CodeEncodeFailed, false, fmt.Errorf("column %s: cannot coerce %T to float64", name, val))
}

func coerceBool(name string, val any) (any, error) {
	switch v := val.(type) {
	case bool:
		return v, nil
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b, nil
		}
	}
	return nil, wrapError(CodeEncodeFailed, false, fmt.Errorf("column %s: cannot coerce %T to bool", name, val))
}

func stringValue(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// FilesWritten reports how many batches this writer has successfully
// uploaded.
func (w *ParquetWriter) FilesWritten() int { return w.written }
