package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/splax/togglemetrics/internal/app/migrate"
	"github.com/splax/togglemetrics/pkg/config"
	"github.com/splax/togglemetrics/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	dir := flag.String("dir", "", "migrations directory (defaults to DB_MIGRATIONS_DIR, empty uses the embedded set)")
	flag.Parse()

	cfg := config.LoadAPIConfig()
	log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))

	if cfg.DatabaseURL == "" {
		log.Error("DATABASE_URL is required for migrations")
		os.Exit(1)
	}
	migrationsDir := cfg.MigrationsDir
	if *dir != "" {
		migrationsDir = *dir
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	runner, err := migrate.New(cfg.DatabaseURL, migrationsDir, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}

	switch *command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, *target)
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}
	if err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		os.Exit(1)
	}

	log.Info("migration command completed", "command", *command)
}
