package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/roberjo/aurora-snowflake-sync/internal/config"
)

func testTable() config.TableSpec {
	return config.TableSpec{
		TableID:      "ORDERS_CDC",
		SourceSchema: "sales",
		SourceTable:  "orders",
		Columns: []config.Column{
			{Name: "id", Type: "bigint"},
			{Name: "status", Type: "text"},
			{Name: "total", Type: "numeric"},
			{Name: "updated_at", Type: "timestamptz"},
		},
		WatermarkColumn: "updated_at",
		CreatedAtColumn: "created_at",
		BatchSize:       100,
	}
}

func testStoreConfig() config.ObjectStoreConfig {
	return config.ObjectStoreConfig{Bucket: "cdc-bucket", Prefix: "cdc"}
}

func testRows(n int) []map[string]any {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	rows := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		rows = append(rows, map[string]any{
			"id":         int64(i + 1),
			"status":     "shipped",
			"total":      19.99,
			"updated_at": ts,
			"commit_ts":  ts,
			"op":         "U",
		})
	}
	return rows
}

func TestWriteBatchUploadsParquet(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	w := NewParquetWriter(store, testStoreConfig(), testTable(), "abc12345")

	ts := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	key, err := w.WriteBatch(context.Background(), testRows(10), ts)
	if err != nil {
		t.Fatalf("WriteBatch failed: %v", err)
	}

	want := "cdc/sales/orders/LOAD20260825T143000_abc12345_0001.parquet"
	if key != want {
		t.Errorf("unexpected key:\n got %s\nwant %s", key, want)
	}

	data, err := store.GetObject(context.Background(), "cdc-bucket", key)
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("PAR1")) || !bytes.HasSuffix(data, []byte("PAR1")) {
		t.Error("uploaded object is not a parquet file")
	}
	if w.FilesWritten() != 1 {
		t.Errorf("expected 1 file written, got %d", w.FilesWritten())
	}
}

func TestGenerateKeyStrictlyIncreasing(t *testing.T) {
	w := NewParquetWriter(NewLocalStore(t.TempDir()), testStoreConfig(), testTable(), "run00001")

	ts := time.Now().UTC()
	var prev string
	for i := 0; i < 5; i++ {
		key := w.GenerateKey(ts)
		if key <= prev {
			t.Fatalf("keys must be strictly increasing: %s after %s", key, prev)
		}
		prev = key
	}
	if !strings.HasSuffix(prev, "_0005.parquet") {
		t.Errorf("expected zero-padded sequence 0005, got %s", prev)
	}
}

func TestWriteBatchEmptyIsNoOp(t *testing.T) {
	w := NewParquetWriter(NewLocalStore(t.TempDir()), testStoreConfig(), testTable(), "run00001")

	key, err := w.WriteBatch(context.Background(), nil, time.Now())
	if err != nil {
		t.Fatalf("empty batch must not error at the write boundary: %v", err)
	}
	if key != "" {
		t.Errorf("expected empty key, got %s", key)
	}
	if w.FilesWritten() != 0 {
		t.Errorf("no-op must not count as a written file")
	}
}

func TestEncodeEmptyIsError(t *testing.T) {
	w := NewParquetWriter(NewLocalStore(t.TempDir()), testStoreConfig(), testTable(), "run00001")

	_, err := w.Encode(nil)
	if err == nil {
		t.Fatal("direct empty encoding must fail")
	}
	var werr *Error
	if !errors.As(err, &werr) || werr.Code != CodeEncodeFailed {
		t.Errorf("expected %s, got %v", CodeEncodeFailed, err)
	}
}

func TestEncodeCoercesTemporalWireFormats(t *testing.T) {
	w := NewParquetWriter(NewLocalStore(t.TempDir()), testStoreConfig(), testTable(), "run00001")

	ts := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	rows := []map[string]any{
		{"id": int64(1), "status": "a", "total": 1.0, "updated_at": ts, "commit_ts": ts, "op": "I"},
		{"id": int64(2), "status": "b", "total": 2.0, "updated_at": "2026-08-01T10:00:01Z", "commit_ts": "2026-08-01 10:00:01.5", "op": "U"},
		{"id": int64(3), "status": "c", "total": 3.0, "updated_at": nil, "commit_ts": ts.Add(2 * time.Second), "op": "U"},
	}

	data, err := w.Encode(rows)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected parquet output")
	}
}

func TestEncodeRejectsUnparseableTimestamp(t *testing.T) {
	w := NewParquetWriter(NewLocalStore(t.TempDir()), testStoreConfig(), testTable(), "run00001")

	rows := []map[string]any{
		{"id": int64(1), "status": "a", "total": 1.0, "updated_at": "not-a-time", "commit_ts": "also-not-a-time", "op": "U"},
	}
	if _, err := w.Encode(rows); err == nil {
		t.Fatal("expected error for unparseable timestamp")
	}
}

// failingStore rejects every upload.
type failingStore struct{ LocalStore }

func (f *failingStore) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	return wrapError(CodeUploadFailed, true, fmt.Errorf("synthetic upload failure"))
}

func TestWriteBatchUploadFailureDoesNotCount(t *testing.T) {
	store := &failingStore{LocalStore: *NewLocalStore(t.TempDir())}
	w := NewParquetWriter(store, testStoreConfig(), testTable(), "run00001")

	_, err := w.WriteBatch(context.Background(), testRows(1), time.Now().UTC())
	if err == nil {
		t.Fatal("expected upload error")
	}
	if w.FilesWritten() != 0 {
		t.Errorf("failed upload must not count, got %d", w.FilesWritten())
	}
}

func TestLocalStoreListPrefix(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	keys := []string{"cdc/sales/orders/a.parquet", "cdc/sales/orders/b.parquet", "cdc/hr/staff/c.parquet"}
	for _, k := range keys {
		if err := store.PutObject(ctx, "bucket", k, []byte("x")); err != nil {
			t.Fatalf("PutObject failed: %v", err)
		}
	}

	got, err := store.ListPrefix(ctx, "bucket", "cdc/sales/orders")
	if err != nil {
		t.Fatalf("ListPrefix failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 keys, got %v", got)
	}
}
