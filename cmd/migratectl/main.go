package main

import (
	"fmt"
	"os"
)

var version = "dev"

var commands = map[string]func([]string) error{
	"status":   runStatus,
	"pending":  runPending,
	"apply":    runApply,
	"backfill": runBackfill,
}

func usage() {
	fmt.Fprintf(os.Stderr, `migratectl - schema migration orchestrator (version %s)

Usage:
  migratectl <command> [options]

Commands:
  status     Show applied, pending and backfill migrations for a schema unit
  pending    List pending migrations in apply order
  apply      Run startup: apply pending migrations, then backfill the ledger
  backfill   Record unrecorded migrations at or below the last applied one
  version    Print the migratectl version

Run 'migratectl <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd) //nolint:gosec // G705: CLI error output
		usage()
		os.Exit(1)
	}

	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err) //nolint:gosec // G705: CLI error output
		os.Exit(1)
	}
}
