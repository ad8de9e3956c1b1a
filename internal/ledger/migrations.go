package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed migrations
var migrationFS embed.FS

// migration is one numbered schema file.
type migration struct {
	version int64
	name    string
	sql     string
}

// loadMigrations returns the *.up.sql files under migrations/<dialect> in
// version order. "001_audit_blocks.up.sql" has version 1.
func loadMigrations(dialect string) ([]migration, error) {
	dir := path.Join("migrations", dialect)
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read %s migrations: %w", dialect, err)
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		ver, err := versionFromFile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("parse version from %s: %w", e.Name(), err)
		}
		body, err := fs.ReadFile(migrationFS, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		out = append(out, migration{version: ver, name: e.Name(), sql: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("unexpected filename format")
	}
	return strconv.ParseInt(prefix, 10, 64)
}

// MigratePostgres applies pending migrations to a PostgreSQL database.
// It uses the golang-migrate schema_migrations layout (bigint version plus a
// dirty flag) so the two tools are interchangeable. It returns the number of
// migrations applied.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (int, error) {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	migs, err := loadMigrations("postgres")
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migs {
		var exists bool
		if err := pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
			m.version,
		).Scan(&exists); err != nil {
			return applied, fmt.Errorf("check %s: %w", m.name, err)
		}
		if exists {
			logger.Debug("migration already applied", zap.String("file", m.name))
			continue
		}

		// Marked dirty first so a crash mid-apply is visible.
		if _, err := pool.Exec(ctx,
			`INSERT INTO schema_migrations (version, dirty) VALUES ($1, true)
			 ON CONFLICT (version) DO UPDATE SET dirty = true`, m.version,
		); err != nil {
			return applied, fmt.Errorf("mark dirty %s: %w", m.name, err)
		}
		if _, err := pool.Exec(ctx, m.sql); err != nil {
			return applied, fmt.Errorf("apply %s: %w", m.name, err)
		}
		if _, err := pool.Exec(ctx,
			`UPDATE schema_migrations SET dirty = false WHERE version = $1`, m.version,
		); err != nil {
			return applied, fmt.Errorf("mark clean %s: %w", m.name, err)
		}

		logger.Info("migration applied", zap.String("file", m.name))
		applied++
	}
	return applied, nil
}

// migrateSQLite applies every SQLite migration. The files are idempotent.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	migs, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range migs {
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply %s: %w", m.name, err)
		}
	}
	return nil
}
