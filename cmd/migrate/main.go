// Package main provides the schema migration CLI.
// Usage: migrate up
//        migrate down
//        migrate steps <n>
//        migrate force <version>
//        migrate version
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"avfuel/internal/infrastructure/config"
	"avfuel/internal/infrastructure/storage/migration"
	"avfuel/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	if cmd := os.Args[1]; cmd == "help" || cmd == "--help" || cmd == "-h" {
		printUsage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := logger.WithLogger(context.Background(), log)

	m, err := migration.Open(cfg.Database.DSN, cfg.Database.MigrationsPath)
	if err != nil {
		log.Fatalw("failed to open migrator", "error", err)
	}
	defer m.Close()

	if err := run(ctx, m, os.Args[1], os.Args[2:]); err != nil {
		log.Errorw("migration command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, m *migration.Migrator, cmd string, args []string) error {
	switch cmd {
	case "up":
		return m.Up(ctx)
	case "down":
		return m.Down(ctx)
	case "steps":
		n, err := intArg(args, "steps")
		if err != nil {
			return err
		}
		return m.Steps(ctx, n)
	case "force":
		v, err := intArg(args, "force")
		if err != nil {
			return err
		}
		return m.Force(ctx, v)
	case "version":
		v, dirty, err := m.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%t\n", v, dirty)
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func intArg(args []string, cmd string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("usage: migrate %s <n>", cmd)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", args[0], err)
	}
	return n, nil
}

func printUsage() {
	fmt.Println(`Aviation fuel ledger schema migrations

Usage:
  migrate <command> [args]

Commands:
  up              Apply all pending migrations
  down            Roll back all migrations
  steps <n>       Apply n migrations (negative rolls back)
  force <version> Set the version without running migrations
  version         Print the current version

Environment Variables:
  AVFUEL_DATABASE_DSN              Connection string (required)
  AVFUEL_DATABASE_MIGRATIONS_PATH  Directory with *.sql files (default: migrations)`)
}
