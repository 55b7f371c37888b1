package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/examlink/sebconn/db"
	"github.com/examlink/sebconn/logger"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

Migrations take the same advisory lock the server uses at startup, so they
never run concurrently with an auto-migration. Only the postgres driver is
migrated; the sqlite store creates its schema when opened.

Usage:
  sebconn-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  sebconn-admin migrate up
  sebconn-admin migrate down --limit 2
  sebconn-admin migrate down --all
  sebconn-admin migrate version
  sebconn-admin migrate force 1
`)
}

// newLockedMigrator connects with the write endpoint of configPath and takes
// the migration lock. Callers must Close the migrator.
func newLockedMigrator(ctx context.Context, configPath string) (*db.Migrator, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver != "postgres" {
		return nil, fmt.Errorf("migrations apply to the postgres driver only (configured: %s)", cfg.Database.Driver)
	}
	if cfg.Database.Write == nil {
		return nil, fmt.Errorf("database.write is not configured")
	}

	mg, err := db.NewMigrator(ctx, cfg.Database.Write)
	if err != nil {
		return nil, err
	}
	if err := mg.Lock(ctx); err != nil {
		mg.Close()
		return nil, err
	}
	return mg, nil
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: sebconn-admin migrate up [--config config.toml]")
		fmt.Println("Applies all pending upwards migrations.")
	}
	fs.Parse(os.Args[3:])

	mg, err := newLockedMigrator(ctx, *configPath)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer mg.Close()

	logger.Info("Applying UP migrations...")
	if err := mg.Up(); err != nil {
		logger.Fatalf("Failed to apply UP migrations: %v", err)
	}
	logger.Info("Migrations applied successfully.")
	showVersion(mg)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Usage = func() {
		fmt.Println("Usage: sebconn-admin migrate down [--config config.toml] [--limit N | --all]")
		fmt.Println("Reverts migrations. Defaults to reverting one migration.")
	}
	fs.Parse(os.Args[3:])

	if !*all && *limit <= 0 {
		logger.Fatalf("--limit must be positive")
	}

	mg, err := newLockedMigrator(ctx, *configPath)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer mg.Close()

	n := *limit
	if *all {
		n = 0
		logger.Info("Reverting all migrations...")
	} else {
		logger.Infof("Reverting %d migration(s)...", n)
	}
	if err := mg.Down(n); err != nil {
		logger.Fatalf("Failed to revert migrations: %v", err)
	}
	showVersion(mg)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	mg, err := newLockedMigrator(ctx, *configPath)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer mg.Close()

	showVersion(mg)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: sebconn-admin migrate force [--config config.toml] <version>")
		fmt.Println("Sets the migration version without running migrations and clears the dirty flag.")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		logger.Fatalf("Invalid version %q: %v", fs.Arg(0), err)
	}

	mg, err := newLockedMigrator(ctx, *configPath)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer mg.Close()

	if err := mg.Force(version); err != nil {
		logger.Fatalf("Failed to force version %d: %v", version, err)
	}
	logger.Infof("Forced migration version to %d", version)
	showVersion(mg)
}

func showVersion(mg *db.Migrator) {
	version, dirty, ok, err := mg.Version()
	if err != nil {
		logger.Fatalf("Failed to get migration version: %v", err)
	}
	if !ok {
		fmt.Println("No migrations have been applied yet.")
		return
	}
	fmt.Printf("Current migration version: %d (dirty: %t)\n", version, dirty)
}
