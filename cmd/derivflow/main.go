package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "derivflow"
	version = "v0.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Crypto derivatives ingestion and snapshot service",
		Version: version,
		Long: `derivflow polls derivatives market data from aggregator and on-chain sources,
normalizes it into one record shape, stores idempotent snapshots and serves
them over a read API with sigma-bucket tiering.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringSlice("env-file", []string{".env"}, "Env files loaded before overrides (missing files are ignored)")
	rootCmd.PersistentFlags().String("log-level", "", "Override log.level")

	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass and print rows written",
		RunE:  runIngest,
	}
	ingestCmd.Flags().Bool("json", false, "Print the full run report as JSON")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read API and run ingestion on a schedule",
		RunE:  runServe,
	}
	serveCmd.Flags().Bool("no-schedule", false, "Serve only; do not schedule ingestion")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE:  runMigrate,
	}

	bucketCmd := &cobra.Command{
		Use:   "bucket VALUE VALUE [VALUE...]",
		Short: "Sigma-bucket numbers relative to each other",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runBucket,
	}
	bucketCmd.Flags().Float64Slice("thresholds", nil, "Ascending z-score cut points")
	bucketCmd.Flags().StringSlice("labels", nil, "Bucket labels, one more than thresholds")
	bucketCmd.Flags().Bool("json", false, "Print JSON instead of a table")

	rootCmd.AddCommand(ingestCmd, serveCmd, migrateCmd, bucketCmd)
	return rootCmd
}
