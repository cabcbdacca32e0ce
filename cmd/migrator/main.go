package main

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/config"
	"github.com/lalithlochan/postflow/internal/db"
	"github.com/lalithlochan/postflow/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	start := time.Now()
	version, err := db.RunMigrations(cfg.MigrationURL())
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info("migrations complete",
		zap.Uint("version", version),
		zap.Duration("took", time.Since(start).Round(time.Millisecond)),
	)
	return nil
}
