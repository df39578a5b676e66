package config

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AURORA_HOST", "db.example.com")
	t.Setenv("AURORA_PORT", "5432")
	t.Setenv("AURORA_DATABASE", "orders")
	t.Setenv("SOURCE_SCHEMA", "sales")
	t.Setenv("SOURCE_TABLE", "orders")
	t.Setenv("SOURCE_COLUMNS", "id:bigint, customer_id:bigint, status, total:numeric, updated_at:timestamptz")
	t.Setenv("WATERMARK_COLUMN", "updated_at")
	t.Setenv("S3_BUCKET", "cdc-bucket")
	t.Setenv("S3_PREFIX", "cdc")
	t.Setenv("WATERMARK_DATABASE_URL", "postgres://localhost/watermarks")
}

func TestLoadBuildsConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CREATED_AT_COLUMN", "created_at")
	t.Setenv("BATCH_SIZE", "500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Table.TableID != "ORDERS_CDC" {
		t.Errorf("expected derived table id ORDERS_CDC, got %s", cfg.Table.TableID)
	}
	if cfg.Table.FullTableName() != "sales.orders" {
		t.Errorf("unexpected full table name %s", cfg.Table.FullTableName())
	}
	if cfg.Table.BatchSize != 500 {
		t.Errorf("expected batch size 500, got %d", cfg.Table.BatchSize)
	}
	if cfg.Table.CreatedAtColumn != "created_at" {
		t.Errorf("expected created_at column, got %q", cfg.Table.CreatedAtColumn)
	}
	if got := len(cfg.Table.Columns); got != 5 {
		t.Fatalf("expected 5 columns, got %d", got)
	}
	if cfg.Table.Columns[4].Type != "timestamptz" {
		t.Errorf("expected timestamptz hint, got %q", cfg.Table.Columns[4].Type)
	}
	if cfg.Source.SSLMode != "require" {
		t.Errorf("expected default sslmode require, got %s", cfg.Source.SSLMode)
	}
	if cfg.TimeoutBuffer != 60 {
		t.Errorf("expected default timeout buffer 60, got %d", cfg.TimeoutBuffer)
	}
	if cfg.WatermarkTable != "export_watermarks" {
		t.Errorf("unexpected watermark table %s", cfg.WatermarkTable)
	}
}

func TestLoadReportsAllMissingVars(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AURORA_HOST", "")
	t.Setenv("S3_BUCKET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing vars")
	}

	var cfgErr *Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *config.Error, got %T", err)
	}
	if len(cfgErr.Missing) != 2 {
		t.Fatalf("expected 2 missing vars, got %v", cfgErr.Missing)
	}
	if !strings.Contains(err.Error(), "AURORA_HOST") || !strings.Contains(err.Error(), "S3_BUCKET") {
		t.Errorf("error should name missing vars: %v", err)
	}
}

func TestLoadTableIDOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TABLE_NAME", "ORDERS_EXPORT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Table.TableID != "ORDERS_EXPORT" {
		t.Errorf("expected TABLE_NAME override, got %s", cfg.Table.TableID)
	}
}

func TestLoadRejectsNonPositiveBatchSize(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BATCH_SIZE", "-5")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative batch size")
	}
}

func TestParseColumns(t *testing.T) {
	cols, err := ParseColumns("id:bigint, name ,ts:TIMESTAMP")
	if err != nil {
		t.Fatalf("ParseColumns failed: %v", err)
	}
	if len(cols) != 3 {
		t.Fatalf("expected 3 columns, got %d", len(cols))
	}
	if cols[1].Name != "name" || cols[1].Type != "text" {
		t.Errorf("bare column should default to text: %+v", cols[1])
	}
	if cols[2].Type != "timestamp" {
		t.Errorf("type hint should be lowercased: %+v", cols[2])
	}
}

func TestParseColumnsEmpty(t *testing.T) {
	if _, err := ParseColumns(" , "); err == nil {
		t.Fatal("expected error for empty column list")
	}
}

func TestSourceDSN(t *testing.T) {
	c := SourceConfig{Host: "h", Port: 5432, Database: "d", Username: "u", Password: "p", SSLMode: "require"}
	dsn := c.DSN()
	for _, want := range []string{"host=h", "port=5432", "dbname=d", "sslmode=require", "connect_timeout=10"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn missing %q: %s", want, dsn)
		}
	}
}

func TestMain(m *testing.M) {
	// Keep ambient CI environment from leaking into the required-var checks.
	for _, v := range requiredVars {
		os.Unsetenv(v)
	}
	os.Exit(m.Run())
}
