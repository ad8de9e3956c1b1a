package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Storage drivers accepted by OpenStore.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverPebble   = "pebble"
	DriverMemory   = "memory"
)

// StoreConfig selects and locates a Store.
type StoreConfig struct {
	Driver      string
	Path        string // file driver
	SQLitePath  string // sqlite driver
	PebbleDir   string // pebble driver
	DatabaseURL string // postgres driver
	// Migrate applies pending PostgreSQL migrations before use.
	Migrate bool
}

// OpenStore builds the Store named by cfg.Driver.
func OpenStore(ctx context.Context, cfg StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case DriverFile, "":
		return NewFileStore(cfg.Path)
	case DriverSQLite:
		return OpenSQLiteStore(ctx, cfg.SQLitePath)
	case DriverPebble:
		return OpenPebbleStore(cfg.PebbleDir)
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if cfg.Migrate {
			if _, err := MigratePostgres(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return &ownedPostgresStore{PostgresStore: NewPostgresStore(pool, logger), pool: pool}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// ownedPostgresStore closes the pool it was opened with.
type ownedPostgresStore struct {
	*PostgresStore
	pool *pgxpool.Pool
}

func (s *ownedPostgresStore) Close() error {
	s.pool.Close()
	return nil
}
