package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/lalithlochan/pushline/internal/app"
	"github.com/lalithlochan/pushline/internal/config"
	"github.com/lalithlochan/pushline/internal/db"
	"github.com/lalithlochan/pushline/internal/observ"
)

func main() {
	command := flag.String("command", "up", "migration command: up, down or status")
	flag.Parse()

	if err := run(*command); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "migrator")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	database, err := db.New(ctx, app.DBConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := db.Migrate(ctx, database, command, logger); err != nil {
		return err
	}

	logger.Info("migrations complete", zap.String("command", command))
	return nil
}
