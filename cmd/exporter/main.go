// Command exporter runs one incremental CDC export from Aurora PostgreSQL
// into Parquet files on S3-compatible object storage.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/roberjo/aurora-snowflake-sync/internal/config"
	"github.com/roberjo/aurora-snowflake-sync/internal/exporter"
	"github.com/roberjo/aurora-snowflake-sync/internal/extractor"
	"github.com/roberjo/aurora-snowflake-sync/internal/secrets"
	"github.com/roberjo/aurora-snowflake-sync/internal/watermark"
	"github.com/roberjo/aurora-snowflake-sync/internal/writer"
)

// connCache and secretSource live at process scope so sequential runs in a
// warm process reuse the source connection and the fetched secret.
var (
	connCache    = &extractor.ConnCache{}
	secretSource = secrets.NewCached(secrets.EnvSource{})
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "exporter",
		Short:         "Incremental Aurora to S3 Parquet export",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(runCmd(), stateCmd())
	return cmd
}

func runCmd() *cobra.Command {
	var (
		tableName string
		fullLoad  bool
		batchSize int
		dryRun    bool
		deadline  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one export run",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			ctx := cmd.Context()

			cfg, err := config.Load()
			if err != nil {
				return fail(tableName, err)
			}
			if err := resolveCredentials(ctx, cfg); err != nil {
				return fail(tableName, err)
			}
			if tableName == "" {
				tableName = cfg.Table.TableID
			}

			store, err := watermark.NewPostgresStore(cfg.WatermarkDSN, cfg.WatermarkTable)
			if err != nil {
				return fail(tableName, err)
			}
			defer store.Close()

			objectStore, err := writer.NewS3Client(cfg.ObjectStore)
			if err != nil {
				return fail(tableName, err)
			}

			orch := &exporter.Orchestrator{
				Store:         store,
				Extractor:     exporter.NewSourceExtractor(extractor.New(connCache, cfg.Source, cfg.Table)),
				TimeoutBuffer: time.Duration(cfg.TimeoutBuffer) * time.Second,
				NewWriter: func(runID string) exporter.BatchWriter {
					return writer.NewParquetWriter(objectStore, cfg.ObjectStore, cfg.Table, runID)
				},
			}
			if deadline > 0 {
				hardStop := time.Now().Add(deadline)
				orch.RemainingTime = func() time.Duration { return time.Until(hardStop) }
			}

			result, err := orch.Run(ctx, exporter.Request{
				TableID:       tableName,
				ForceFullLoad: fullLoad,
				BatchSize:     batchSize,
				DryRun:        dryRun || cfg.DryRun,
			})
			if err != nil {
				return fail(tableName, err)
			}
			return printJSON(result)
		},
	}

	cmd.Flags().StringVar(&tableName, "table", "", "table identifier (defaults to TABLE_NAME)")
	cmd.Flags().BoolVar(&fullLoad, "full", false, "ignore the stored watermark and export everything")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "override the configured batch size")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "extract but skip writes and the watermark commit")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "wall-clock budget for this run (0 = unlimited)")
	return cmd
}

func stateCmd() *cobra.Command {
	var tableName string

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the stored watermark record for a table",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			dsn := os.Getenv("WATERMARK_DATABASE_URL")
			if dsn == "" {
				return &config.Error{Missing: []string{"WATERMARK_DATABASE_URL"}}
			}
			if tableName == "" {
				return &config.Error{Reason: "--table is required"}
			}

			store, err := watermark.NewPostgresStore(dsn, os.Getenv("WATERMARK_TABLE"))
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetState(cmd.Context(), tableName)
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Printf("no watermark record for %s\n", tableName)
				return nil
			}
			return printJSON(rec)
		},
	}

	cmd.Flags().StringVar(&tableName, "table", "", "table identifier")
	return cmd
}

// resolveCredentials fills the source username/password from the secret
// source, falling back to plain environment variables for local runs.
func resolveCredentials(ctx context.Context, cfg *config.Config) error {
	if cfg.SecretID != "" {
		creds, err := secretSource.Fetch(ctx, cfg.SecretID)
		if err != nil {
			return err
		}
		cfg.Source.Username = creds.Username
		cfg.Source.Password = creds.Password
		return nil
	}

	cfg.Source.Username = os.Getenv("AURORA_USERNAME")
	cfg.Source.Password = os.Getenv("AURORA_PASSWORD")
	if cfg.Source.Username == "" {
		return &config.Error{Reason: "either AURORA_SECRET_ID or AURORA_USERNAME/AURORA_PASSWORD must be set"}
	}
	return nil
}

// fail prints the failure payload before propagating the error.
func fail(tableName string, err error) error {
	log.Printf("exporter: run failed: %v", err)
	_ = printJSON(exporter.Describe(tableName, err))
	return err
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
