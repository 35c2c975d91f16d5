package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ironclad/gate/internal/audit"
	"github.com/ironclad/gate/internal/config"
	"github.com/ironclad/gate/internal/lock"
	"github.com/ironclad/gate/internal/shadowledger"
	"github.com/ironclad/gate/internal/store/postgres"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "verify-audit":
		cmdVerifyAudit()
	case "verify-exposure":
		cmdVerifyExposure()
	case "trace":
		cmdTrace()
	case "sweep":
		cmdSweep()
	case "version":
		fmt.Printf("gatectl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`gatectl v` + version + `

Usage: gatectl <command> [flags]

Commands:
  verify-audit     Verify the audit hash chain for a trace_id
  verify-exposure  Verify the exposure event chain for a client_id/symbol
  trace            Dump the raw audit chain for a trace_id as JSON
  sweep            Run one sweep of the stale-hold expirer and exit
  version          Print version
  help             Show this help

Environment:
  CONFIG_PATH   Path to the gate's config.yaml (default: config.yaml)

Examples:
  gatectl verify-audit --trace ord-abc123
  gatectl verify-exposure --client acct-1 --symbol EURUSD
  gatectl sweep`)
}

func cmdVerifyAudit() {
	traceID := flagValue("--trace")
	if traceID == "" {
		fmt.Fprintln(os.Stderr, "Usage: gatectl verify-audit --trace <trace_id>")
		os.Exit(1)
	}

	db := mustOpenPostgres()
	defer db.Close()

	store := postgres.NewAuditStore(db)
	log := audit.New(store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := log.Read(ctx, traceID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
		os.Exit(1)
	}

	result := audit.VerifyChain(events)
	if result.Valid {
		fmt.Printf("OK chain valid, %d events\n", len(events))
		return
	}
	fmt.Printf("BROKEN at event %d: %s\n", result.BrokenAt, result.Reason)
	os.Exit(1)
}

func cmdVerifyExposure() {
	clientID := flagValue("--client")
	symbol := flagValue("--symbol")
	if clientID == "" || symbol == "" {
		fmt.Fprintln(os.Stderr, "Usage: gatectl verify-exposure --client <client_id> --symbol <symbol>")
		os.Exit(1)
	}

	db := mustOpenPostgres()
	defer db.Close()

	store := postgres.NewShadowLedgerStore(db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := store.ListExposureEvents(ctx, clientID, symbol)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
		os.Exit(1)
	}

	ok, brokenAt, reason := shadowledger.VerifyExposureChain(events)
	if ok {
		fmt.Printf("OK exposure chain valid, %d events\n", len(events))
		return
	}
	fmt.Printf("BROKEN at event %d: %s\n", brokenAt, reason)
	os.Exit(1)
}

func cmdTrace() {
	traceID := flagValue("--trace")
	if traceID == "" {
		fmt.Fprintln(os.Stderr, "Usage: gatectl trace --trace <trace_id>")
		os.Exit(1)
	}

	db := mustOpenPostgres()
	defer db.Close()

	store := postgres.NewAuditStore(db)
	log := audit.New(store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := log.Read(ctx, traceID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(events)
}

func cmdSweep() {
	db := mustOpenPostgres()
	defer db.Close()

	cfg := config.Get()
	store := postgres.NewShadowLedgerStore(db)
	ledger := shadowledger.New(store, lock.NewDistributedKeyed(nil, "gatectl:lock:", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired, err := ledger.ExpireStaleHolds(ctx, cfg.TokenTTL())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("expired %d stale holds\n", len(expired))
}

func mustOpenPostgres() *sql.DB {
	cfg := config.Get()
	db, err := postgres.Open(cfg.Store.Postgres.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open postgres: %v\n", err)
		os.Exit(1)
	}
	return db
}

func flagValue(name string) string {
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		if args[i] == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
