package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/model"
)

func handleExamCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printExamUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "create":
		handleExamCreate(ctx)
	case "status":
		handleExamStatus(ctx)
	case "show":
		handleExamShow(ctx)
	case "indicator":
		handleExamIndicator(ctx)
	case "help", "--help", "-h":
		printExamUsage()
	default:
		fmt.Printf("Unknown exam subcommand: %s\n\n", os.Args[2])
		printExamUsage()
		os.Exit(1)
	}
}

func printExamUsage() {
	fmt.Printf(`Exam Management

A running server caches exams for cache.exam_cache_ttl; changes made here are
picked up once the cached entry expires.

Usage:
  sebconn-admin exam <subcommand> [options]

Subcommands:
  create      Create an exam
  status      Change the status of an exam
  show        Show an exam and its indicator definitions
  indicator   Add an indicator definition to an exam

Examples:
  sebconn-admin exam create --institution 1 --name "Final" --type STANDARD --status RUNNING
  sebconn-admin exam create --institution 1 --name "VDI final" --type VDI --start 2026-06-01T09:00:00Z --end 2026-06-01T12:00:00Z
  sebconn-admin exam status --id 4 --status FINISHED
  sebconn-admin exam indicator --id 4 --name Errors --type ERROR_COUNT --thresholds '[{"value":1,"color":"orange"},{"value":5,"color":"red"}]'
`)
}

func parseExamType(s string) (model.ExamType, error) {
	switch t := model.ExamType(strings.ToUpper(s)); t {
	case model.ExamTypeStandard, model.ExamTypeVDI:
		return t, nil
	}
	return "", fmt.Errorf("unknown exam type %q (STANDARD or VDI)", s)
}

func parseExamStatus(s string) (model.ExamStatus, error) {
	switch st := model.ExamStatus(strings.ToUpper(s)); st {
	case model.ExamUpcoming, model.ExamRunning, model.ExamFinished:
		return st, nil
	}
	return "", fmt.Errorf("unknown exam status %q (UP_COMING, RUNNING or FINISHED)", s)
}

func parseIndicatorType(s string) (model.IndicatorType, error) {
	switch t := model.IndicatorType(strings.ToUpper(s)); t {
	case model.IndicatorErrorCount, model.IndicatorWarnCount, model.IndicatorInfoCount, model.IndicatorLastPing:
		return t, nil
	}
	return "", fmt.Errorf("unknown indicator type %q", s)
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q, expected RFC3339: %w", s, err)
	}
	return &t, nil
}

func handleExamCreate(ctx context.Context) {
	fs := flag.NewFlagSet("exam create", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	institution := fs.Int64("institution", 0, "Institution id (required)")
	name := fs.String("name", "", "Exam name (required)")
	examType := fs.String("type", string(model.ExamTypeStandard), "Exam type: STANDARD or VDI")
	status := fs.String("status", string(model.ExamUpcoming), "Exam status: UP_COMING, RUNNING or FINISHED")
	start := fs.String("start", "", "Start time (RFC3339)")
	end := fs.String("end", "", "End time (RFC3339)")
	fs.Parse(os.Args[3:])

	if *institution <= 0 || *name == "" {
		fmt.Println("Error: --institution and --name are required")
		fs.Usage()
		os.Exit(1)
	}

	exam := &model.Exam{InstitutionID: *institution, Name: *name}
	var err error
	if exam.Type, err = parseExamType(*examType); err != nil {
		logger.Fatalf("%v", err)
	}
	if exam.Status, err = parseExamStatus(*status); err != nil {
		logger.Fatalf("%v", err)
	}
	if exam.StartTime, err = parseOptionalTime(*start); err != nil {
		logger.Fatalf("%v", err)
	}
	if exam.EndTime, err = parseOptionalTime(*end); err != nil {
		logger.Fatalf("%v", err)
	}
	if exam.StartTime != nil && exam.EndTime != nil && !exam.EndTime.After(*exam.StartTime) {
		logger.Fatalf("--end must be after --start")
	}

	store, err := openStore(ctx, *configPath)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	if err := store.CreateExam(ctx, exam); err != nil {
		logger.Fatalf("Failed to create exam: %v", err)
	}
	fmt.Printf("Created exam %d (%s, %s)\n", exam.ID, exam.Type, exam.Status)
}

func handleExamStatus(ctx context.Context) {
	fs := flag.NewFlagSet("exam status", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int64("id", 0, "Exam id (required)")
	status := fs.String("status", "", "New status: UP_COMING, RUNNING or FINISHED (required)")
	fs.Parse(os.Args[3:])

	if *id <= 0 || *status == "" {
		fmt.Println("Error: --id and --status are required")
		fs.Usage()
		os.Exit(1)
	}
	st, err := parseExamStatus(*status)
	if err != nil {
		logger.Fatalf("%v", err)
	}

	store, err := openStore(ctx, *configPath)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	if err := store.UpdateExamStatus(ctx, *id, st); err != nil {
		logger.Fatalf("Failed to update exam: %v", err)
	}
	fmt.Printf("Exam %d is now %s\n", *id, st)
}

func handleExamShow(ctx context.Context) {
	fs := flag.NewFlagSet("exam show", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int64("id", 0, "Exam id (required)")
	fs.Parse(os.Args[3:])

	if *id <= 0 {
		fmt.Println("Error: --id is required")
		fs.Usage()
		os.Exit(1)
	}

	store, err := openStore(ctx, *configPath)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	exam, err := store.ExamByID(ctx, *id)
	if err != nil {
		logger.Fatalf("Failed to load exam: %v", err)
	}
	defs, err := store.IndicatorDefinitions(ctx, *id)
	if err != nil {
		logger.Fatalf("Failed to load indicators: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{
		"exam":       exam,
		"running":    exam.IsRunning(time.Now()),
		"indicators": defs,
	}); err != nil {
		logger.Fatalf("Failed to encode output: %v", err)
	}
}

func handleExamIndicator(ctx context.Context) {
	fs := flag.NewFlagSet("exam indicator", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int64("id", 0, "Exam id (required)")
	name := fs.String("name", "", "Indicator name (required)")
	indType := fs.String("type", "", "Indicator type: ERROR_COUNT, WARN_COUNT, INFO_COUNT or LAST_PING (required)")
	thresholds := fs.String("thresholds", "[]", "Thresholds as JSON: [{\"value\":1,\"color\":\"red\"}]")
	fs.Parse(os.Args[3:])

	if *id <= 0 || *name == "" || *indType == "" {
		fmt.Println("Error: --id, --name and --type are required")
		fs.Usage()
		os.Exit(1)
	}

	def := &model.IndicatorDefinition{ExamID: *id, Name: *name}
	var err error
	if def.Type, err = parseIndicatorType(*indType); err != nil {
		logger.Fatalf("%v", err)
	}
	if err := json.Unmarshal([]byte(*thresholds), &def.Thresholds); err != nil {
		logger.Fatalf("Invalid --thresholds: %v", err)
	}

	store, err := openStore(ctx, *configPath)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	if err := store.CreateIndicatorDefinition(ctx, def); err != nil {
		logger.Fatalf("Failed to create indicator: %v", err)
	}
	fmt.Printf("Created indicator %d on exam %d\n", def.ID, def.ExamID)
}

func handleClientCommand(ctx context.Context) {
	if len(os.Args) < 3 || os.Args[2] != "register" {
		fmt.Printf(`Client Registration

Usage:
  sebconn-admin client register --name <client> --institution <id>

Registers (or reactivates) the client name that exam clients authenticate
with and binds it to an institution.
`)
		if len(os.Args) >= 3 && (os.Args[2] == "help" || os.Args[2] == "--help" || os.Args[2] == "-h") {
			return
		}
		os.Exit(1)
	}

	fs := flag.NewFlagSet("client register", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	name := fs.String("name", "", "Client name (required)")
	institution := fs.Int64("institution", 0, "Institution id (required)")
	fs.Parse(os.Args[3:])

	if *name == "" || *institution <= 0 {
		fmt.Println("Error: --name and --institution are required")
		fs.Usage()
		os.Exit(1)
	}

	store, err := openStore(ctx, *configPath)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	if err := store.RegisterClient(ctx, *name, *institution); err != nil {
		logger.Fatalf("Failed to register client: %v", err)
	}
	fmt.Printf("Client %s registered for institution %d\n", *name, *institution)
}
