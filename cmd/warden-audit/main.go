// warden-audit exports guardrail audit records from Postgres to Parquet
// for offline analysis, and can summarize an existing archive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/wardenhq/llm-warden/internal/audit"
	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/logger"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		out        = flag.String("out", "audit.parquet", "Output Parquet file")
		fromFlag   = flag.String("from", "", "Start of export window (RFC3339), default 24h ago")
		toFlag     = flag.String("to", "", "End of export window (RFC3339), default now")
		limit      = flag.Int("limit", 100000, "Maximum records to export")
		inspect    = flag.String("inspect", "", "Summarize an existing archive instead of exporting")
	)
	flag.Parse()

	log, err := logger.New(logger.Config{Level: "info", Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *inspect != "" {
		if err := summarize(*inspect, log); err != nil {
			log.Fatal("Inspect failed", zap.Error(err))
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	if cfg.Audit.Postgres.DSN == "" {
		log.Fatal("Export requires audit.postgres.dsn in the configuration")
	}

	to := time.Now().UTC()
	if *toFlag != "" {
		if to, err = time.Parse(time.RFC3339, *toFlag); err != nil {
			log.Fatal("Invalid -to value", zap.Error(err))
		}
	}
	from := to.Add(-24 * time.Hour)
	if *fromFlag != "" {
		if from, err = time.Parse(time.RFC3339, *fromFlag); err != nil {
			log.Fatal("Invalid -from value", zap.Error(err))
		}
	}

	sink, err := audit.NewPostgresSink(cfg.Audit, log)
	if err != nil {
		log.Fatal("Failed to connect to audit store", zap.Error(err))
	}
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	entries, err := sink.List(ctx, from, to, *limit)
	if err != nil {
		log.Fatal("Failed to read audit entries", zap.Error(err))
	}
	if len(entries) == 0 {
		log.Warn("No entries in the requested window",
			zap.Time("from", from), zap.Time("to", to))
	}

	if err := audit.WriteArchive(*out, entries, log); err != nil {
		log.Fatal("Export failed", zap.Error(err))
	}
	log.Info("Export complete",
		zap.String("out", *out),
		zap.Int("entries", len(entries)),
		zap.Time("from", from),
		zap.Time("to", to))
}

func summarize(path string, log *logger.Logger) error {
	records, err := audit.ReadArchive(path, log)
	if err != nil {
		return err
	}

	byAction := make(map[string]int)
	byDetector := make(map[string]int)
	for _, r := range records {
		byAction[r.Action]++
		byDetector[r.Detector]++
	}

	fmt.Printf("archive: %s\nrecords: %d\n\nby action:\n", path, len(records))
	for action, count := range byAction {
		fmt.Printf("  %-10s %d\n", action, count)
	}
	fmt.Println("\nby detector:")
	for detector, count := range byDetector {
		fmt.Printf("  %-16s %d\n", detector, count)
	}
	return nil
}
