// cmd/migrate applies the embedded audit_blocks schema to the Postgres store.
// It uses the golang-migrate schema_migrations layout (bigint version + dirty
// flag), so either tool can take over.
//
// Usage:
//
//	go run ./cmd/migrate
//	AUDIT_STORAGE_DATABASE_URL=postgres://... go run ./cmd/migrate
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/config"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

func main() {
	configFile := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(configFile, logger)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	applied, err := ledger.MigratePostgres(ctx, pool, logger)
	if err != nil {
		return err
	}
	if applied == 0 {
		fmt.Println("nothing to migrate, already up to date")
	} else {
		fmt.Printf("applied %d migration(s)\n", applied)
	}
	return nil
}
