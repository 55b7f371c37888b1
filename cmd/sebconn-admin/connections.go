package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/model"
)

func handleConnectionCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printConnectionUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "show":
		handleConnectionShow(ctx)
	case "stats":
		handleConnectionStats(ctx)
	case "help", "--help", "-h":
		printConnectionUsage()
	default:
		fmt.Printf("Unknown connection subcommand: %s\n\n", os.Args[2])
		printConnectionUsage()
		os.Exit(1)
	}
}

func printConnectionUsage() {
	fmt.Printf(`Client Connection Inspection

Usage:
  sebconn-admin connection <subcommand> [options]

Subcommands:
  show    Show a connection by token, with its most recent events
  stats   Count stored connections per status

Examples:
  sebconn-admin connection show --token 0b6c...
  sebconn-admin connection show --token 0b6c... --events 50 --json
  sebconn-admin connection stats
`)
}

func handleConnectionShow(ctx context.Context) {
	fs := flag.NewFlagSet("connection show", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	token := fs.String("token", "", "Connection token (required)")
	eventLimit := fs.Int("events", 10, "Number of recent events to show (0 for none)")
	asJSON := fs.Bool("json", false, "Print as JSON")
	fs.Parse(os.Args[3:])

	if *token == "" {
		fmt.Println("Error: --token is required")
		fs.Usage()
		os.Exit(1)
	}

	store, err := openStore(ctx, *configPath)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	rec, err := store.ConnectionByToken(ctx, *token)
	if err != nil {
		logger.Fatalf("Failed to load connection: %v", err)
	}

	var events []model.ClientEvent
	if *eventLimit > 0 {
		events, err = store.EventsByConnection(ctx, rec.ID, *eventLimit)
		if err != nil {
			logger.Fatalf("Failed to load events: %v", err)
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{"connection": rec, "events": events}); err != nil {
			logger.Fatalf("Failed to encode output: %v", err)
		}
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%d\n", rec.ID)
	fmt.Fprintf(w, "Token:\t%s\n", rec.ConnectionToken)
	fmt.Fprintf(w, "Status:\t%s\n", rec.Status)
	fmt.Fprintf(w, "Institution:\t%d\n", rec.InstitutionID)
	fmt.Fprintf(w, "Exam:\t%s\n", orDash(rec.ExamIDOrZero() != 0, fmt.Sprint(rec.ExamIDOrZero())))
	fmt.Fprintf(w, "User session:\t%s\n", orDash(rec.UserSessionID != nil, rec.UserSessionIDOrEmpty()))
	fmt.Fprintf(w, "Client address:\t%s\n", rec.ClientAddress)
	if rec.VirtualClientAddress != nil {
		fmt.Fprintf(w, "Virtual address:\t%s\n", *rec.VirtualClientAddress)
	}
	fmt.Fprintf(w, "Created:\t%s\n", rec.CreationTime.Format(time.RFC3339))
	w.Flush()

	if len(events) == 0 {
		return
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER TIME\tTYPE\tVALUE\tTEXT")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%g\t%s\n", ev.ServerTime.Format(time.RFC3339), ev.Type, ev.NumValue, ev.Text)
	}
	w.Flush()
}

func handleConnectionStats(ctx context.Context) {
	fs := flag.NewFlagSet("connection stats", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	store, err := openStore(ctx, *configPath)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	counts, err := store.ConnectionCountsByStatus(ctx)
	if err != nil {
		logger.Fatalf("Failed to count connections: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	var total int64
	for _, st := range model.AllStatuses {
		fmt.Fprintf(w, "%s\t%d\n", st, counts[string(st)])
		total += counts[string(st)]
	}
	fmt.Fprintf(w, "TOTAL\t%d\n", total)
	w.Flush()
}

func orDash(ok bool, v string) string {
	if !ok {
		return "-"
	}
	return v
}
