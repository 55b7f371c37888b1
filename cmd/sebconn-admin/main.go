package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/examlink/sebconn/config"
	"github.com/examlink/sebconn/db"
	"github.com/examlink/sebconn/localdb"
	"github.com/examlink/sebconn/model"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
)

// adminStore is implemented by both store drivers.
type adminStore interface {
	ConnectionByToken(ctx context.Context, token string) (*model.ConnectionRecord, error)
	ConnectionCountsByStatus(ctx context.Context) (map[string]int64, error)
	EventsByConnection(ctx context.Context, connectionID int64, limit int) ([]model.ClientEvent, error)
	ExamByID(ctx context.Context, examID int64) (*model.Exam, error)
	IndicatorDefinitions(ctx context.Context, examID int64) ([]model.IndicatorDefinition, error)
	CreateExam(ctx context.Context, exam *model.Exam) error
	UpdateExamStatus(ctx context.Context, examID int64, status model.ExamStatus) error
	CreateIndicatorDefinition(ctx context.Context, def *model.IndicatorDefinition) error
	RegisterClient(ctx context.Context, clientName string, institutionID int64) error
	Close()
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	switch command {
	case "migrate":
		handleMigrateCommand(ctx)
	case "connection":
		handleConnectionCommand(ctx)
	case "exam":
		handleExamCommand(ctx)
	case "client":
		handleClientCommand(ctx)
	case "version", "--version", "-v":
		fmt.Printf("sebconn-admin version %s (commit: %s)\n", version, commit)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`sebconn Admin Tool

Usage:
  sebconn-admin <command> <subcommand> [options]

Commands:
  migrate      Manage the PostgreSQL schema (up, down, version, force)
  connection   Inspect client connections (show, stats)
  exam         Manage exams (create, status, indicator)
  client       Manage client registrations (register)
  version      Show version information
  help         Show this help message

Examples:
  sebconn-admin migrate up --config /etc/sebconn/config.toml
  sebconn-admin connection show --token 0b6c...
  sebconn-admin exam create --institution 1 --name "Final exam" --type VDI --status RUNNING
  sebconn-admin client register --name seb-client-1 --institution 1

Use 'sebconn-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads configPath over the defaults. A missing file is reported
// but not fatal so flags and defaults can still be used.
func loadConfig(configPath string) (config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to load configuration %s: %w", configPath, err)
		}
		fmt.Fprintf(os.Stderr, "Configuration file %s not found, using defaults\n", configPath)
	}
	return cfg, nil
}

func openStore(ctx context.Context, configPath string) (adminStore, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Database.Driver == "sqlite" {
		store, err := localdb.Open(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}
	return database, nil
}
