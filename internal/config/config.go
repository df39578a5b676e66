// Package config assembles exporter configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Error reports invalid or missing configuration. It is fatal and raised
// before any I/O is attempted.
type Error struct {
	Missing []string
	Reason  string
}

func (e *Error) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("configuration error: missing required environment variables: %s", strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// SourceConfig holds the Aurora PostgreSQL connection settings.
// Username and password are populated from the secret source, not the
// environment.
type SourceConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string
}

// DSN renders a keyword/value connection string for database/sql.
func (c SourceConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=10",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode,
	)
}

// Column is one declared source column with an optional type hint used to
// pin the Parquet schema across the table's history.
type Column struct {
	Name string
	Type string
}

// TableSpec is the immutable per-table export configuration.
type TableSpec struct {
	// TableID keys the watermark record, e.g. "ORDERS_CDC".
	TableID         string
	SourceSchema    string
	SourceTable     string
	Columns         []Column
	WatermarkColumn string
	// CreatedAtColumn, when set, classifies rows as insert vs update by
	// comparing it to the watermark column.
	CreatedAtColumn string
	BatchSize       int
	Prefix          string
}

// FullTableName returns the qualified source name.
func (t TableSpec) FullTableName() string {
	return t.SourceSchema + "." + t.SourceTable
}

// ColumnNames returns the declared column names in order.
func (t TableSpec) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ObjectStoreConfig holds the S3/MinIO destination settings.
type ObjectStoreConfig struct {
	EndpointURL     string
	Region          string
	UseSSL          bool
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Prefix          string
	// KMSKeyID enables SSE-KMS encryption at rest when set.
	KMSKeyID string
}

// Config is the full exporter configuration for one invocation.
type Config struct {
	Source         SourceConfig
	Table          TableSpec
	ObjectStore    ObjectStoreConfig
	WatermarkDSN   string
	WatermarkTable string
	SecretID       string
	TimeoutBuffer  int
	DryRun         bool
}

// requiredVars are the environment variables that must be present before a
// run is allowed to start.
var requiredVars = []string{
	"AURORA_HOST",
	"AURORA_PORT",
	"AURORA_DATABASE",
	"SOURCE_SCHEMA",
	"SOURCE_TABLE",
	"SOURCE_COLUMNS",
	"WATERMARK_COLUMN",
	"S3_BUCKET",
	"S3_PREFIX",
	"WATERMARK_DATABASE_URL",
}

// Load builds a Config from the environment. Source credentials are left
// empty; the caller fills them from the secret source.
func Load() (*Config, error) {
	var missing []string
	for _, v := range requiredVars {
		if os.Getenv(v) == "" {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		return nil, &Error{Missing: missing}
	}

	columns, err := ParseColumns(os.Getenv("SOURCE_COLUMNS"))
	if err != nil {
		return nil, err
	}

	sourceTable := os.Getenv("SOURCE_TABLE")
	tableID := getEnv("TABLE_NAME", strings.ToUpper(sourceTable)+"_CDC")

	cfg := &Config{
		Source: SourceConfig{
			Host:     os.Getenv("AURORA_HOST"),
			Port:     getEnvInt("AURORA_PORT", 5432),
			Database: os.Getenv("AURORA_DATABASE"),
			SSLMode:  getEnv("AURORA_SSL_MODE", "require"),
		},
		Table: TableSpec{
			TableID:         tableID,
			SourceSchema:    os.Getenv("SOURCE_SCHEMA"),
			SourceTable:     sourceTable,
			Columns:         columns,
			WatermarkColumn: os.Getenv("WATERMARK_COLUMN"),
			CreatedAtColumn: os.Getenv("CREATED_AT_COLUMN"),
			BatchSize:       getEnvInt("BATCH_SIZE", 10000),
			Prefix:          os.Getenv("S3_PREFIX"),
		},
		ObjectStore: ObjectStoreConfig{
			EndpointURL:     getEnv("S3_ENDPOINT_URL", "s3.amazonaws.com"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			UseSSL:          getEnvBool("S3_USE_SSL", true),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			Bucket:          os.Getenv("S3_BUCKET"),
			Prefix:          os.Getenv("S3_PREFIX"),
			KMSKeyID:        os.Getenv("KMS_KEY_ID"),
		},
		WatermarkDSN:   os.Getenv("WATERMARK_DATABASE_URL"),
		WatermarkTable: getEnv("WATERMARK_TABLE", "export_watermarks"),
		SecretID:       os.Getenv("AURORA_SECRET_ID"),
		TimeoutBuffer:  getEnvInt("TIMEOUT_BUFFER_SECONDS", 60),
		DryRun:         getEnvBool("DRY_RUN", false),
	}

	if cfg.Table.BatchSize <= 0 {
		return nil, &Error{Reason: "BATCH_SIZE must be positive"}
	}

	return cfg, nil
}

// ParseColumns parses a comma-separated column list. Each entry is either a
// bare name or "name:type"; the type hint defaults to "text".
func ParseColumns(s string) ([]Column, error) {
	var columns []Column
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, typ := entry, "text"
		if i := strings.IndexByte(entry, ':'); i >= 0 {
			name = strings.TrimSpace(entry[:i])
			typ = strings.ToLower(strings.TrimSpace(entry[i+1:]))
		}
		if name == "" {
			return nil, &Error{Reason: fmt.Sprintf("invalid SOURCE_COLUMNS entry %q", entry)}
		}
		columns = append(columns, Column{Name: name, Type: typ})
	}
	if len(columns) == 0 {
		return nil, &Error{Reason: "SOURCE_COLUMNS must list at least one column"}
	}
	return columns, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return strings.EqualFold(val, "true") || val == "1"
	}
	return defaultVal
}
