// Package main provides the database migration CLI tool for stock-etl.
//
// The migrator runs the embedded SQL migrations, supporting
// up/down/status/version/drop commands for zero-config deployment.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/raulstechtips/stock-etl/internal/config"
)

// Build-time information variables (set via -ldflags during compilation).
//
//nolint:gochecknoglobals // Required for build-time version injection via -ldflags -X
var (
	version = "1.0.0-dev"
	name    = "migrator"
)

// ErrUnknownCommand is returned for commands outside the supported set.
var ErrUnknownCommand = errors.New("unknown command")

func main() {
	showVersion := flag.Bool("version", false, "show version information")
	databaseURL := flag.String("database-url", "", "database URL (defaults to DATABASE_URL)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(2)
	}

	url := *databaseURL
	if url == "" {
		url = config.GetEnvStr("DATABASE_URL", "")
	}

	runner, err := NewRunner(url)
	if err != nil {
		log.Fatalf("Failed to initialize migration runner: %v", err)
	}

	defer func() {
		_ = runner.Close()
	}()

	if err := runCommand(runner, flag.Arg(0)); err != nil {
		log.Fatalf("Migration command failed: %v", err)
	}
}

func runCommand(runner *Runner, command string) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		return runner.Drop()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

func printUsage() {
	fmt.Printf(`Usage: %s [flags] <command>

Commands:
  up       apply all pending migrations
  down     roll back the last migration
  status   show the current migration status
  version  show the current migration version
  drop     drop all tables (destructive)

Flags:
  -database-url string   database URL (defaults to DATABASE_URL env var)
  -version               show version information
`, name)
}
