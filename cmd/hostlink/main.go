// Package main is the entrypoint for hostlink.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/hostlinkhq/hostlink/internal/config"
	"github.com/hostlinkhq/hostlink/internal/server"
	"github.com/hostlinkhq/hostlink/pkg/db"
	"github.com/hostlinkhq/hostlink/pkg/registry"
)

const usage = `Usage: hostlink [command]

Commands:
  (default)    Start the hostlink server (HTTP API, registry, dispatcher).
  migrate      Run database migrations only (does not start the server).
  clear        Truncate all hostlink tables; schema is preserved.
  cards [file] Validate a service card file and print the advertised types.
               Optional file overrides REGISTRY_FILE.

Environment: DATABASE_URL, MIGRATION_PATH (migrate), REGISTRY_FILE (cards default).
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if err := runMigrate(); err != nil {
			log.Fatalf("hostlink migrate: %v", err)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("hostlink clear: %v", err)
		}
		return
	case "cards":
		cardFile := ""
		if len(args) > 1 {
			cardFile = args[1]
		}
		if err := runCards(cardFile); err != nil {
			log.Fatalf("hostlink cards: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "":
		// fall through to server
	default:
		// unknown subcommand
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("hostlink: fatal error: %v", err)
	}
}

func runMigrate() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runClear() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := db.ClearState(ctx, pool); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	return nil
}

func runCards(cardFileOverride string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cardPath := cardFileOverride
	if cardPath == "" {
		cardPath = cfg.RegistryFile
	}
	if cardPath == "" {
		return fmt.Errorf("no card file: pass one or set REGISTRY_FILE")
	}

	cards, err := registry.NewFileSource(cardPath).Load(context.Background())
	if err != nil {
		return err
	}
	if err := registry.ValidateCards(cards); err != nil {
		return err
	}

	snap := registry.BuildSnapshot(cards)
	fmt.Printf("%d cards, %d service types\n", snap.Len(), len(snap.KnownTypes()))
	for _, t := range snap.KnownTypes() {
		fmt.Printf("  %s\n", t)
	}
	return nil
}
