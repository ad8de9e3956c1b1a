package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/auditledger/internal/block"
	_ "modernc.org/sqlite"
)

const sqliteTimeFormat = time.RFC3339Nano

// SQLiteStore persists the chain in an embedded SQLite database.
// Each append runs in its own transaction that re-reads the stored tip.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and applies the
// schema.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if cleanPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps ":memory:" databases and write transactions coherent.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) ([]*block.Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, event_type, reference_id, actor, leaf_hashes, merkle_root,
		        signature, timestamp, previous_hash, nonce, hash
		 FROM audit_blocks ORDER BY idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	blocks := []*block.Block{}
	for rows.Next() {
		var (
			b      block.Block
			leaves string
			ts     string
			nonce  int64
		)
		if err := rows.Scan(&b.Index, &b.EventType, &b.ReferenceID, &b.Actor, &leaves,
			&b.MerkleRoot, &b.Signature, &ts, &b.PreviousHash, &nonce, &b.Hash); err != nil {
			return nil, fmt.Errorf("scan block row: %w", err)
		}
		if err := json.Unmarshal([]byte(leaves), &b.LeafHashes); err != nil {
			return nil, corruptf(b.Index, "undecodable leaf_hashes: %v", err)
		}
		t, err := time.Parse(sqliteTimeFormat, ts)
		if err != nil {
			return nil, corruptf(b.Index, "undecodable timestamp %q: %v", ts, err)
		}
		b.Timestamp = t.UTC()
		b.Nonce = uint64(nonce)
		blocks = append(blocks, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate block rows: %w", err)
	}
	return blocks, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, b *block.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	leaves, err := json.Marshal(b.LeafHashes)
	if err != nil {
		return fmt.Errorf("encode leaf hashes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var t tip
	err = tx.QueryRowContext(ctx,
		"SELECT idx, hash FROM audit_blocks ORDER BY idx DESC LIMIT 1",
	).Scan(&t.index, &t.hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read chain tail: %w", err)
	default:
		t.set = true
	}
	if err := t.check(b); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_blocks (idx, event_type, reference_id, actor, leaf_hashes, merkle_root,
		                           signature, timestamp, previous_hash, nonce, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Index, b.EventType, b.ReferenceID, b.Actor, string(leaves), b.MerkleRoot,
		b.Signature, b.Timestamp.UTC().Format(sqliteTimeFormat), b.PreviousHash, int64(b.Nonce), b.Hash,
	); err != nil {
		return fmt.Errorf("insert block %d: %w", b.Index, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit block %d: %w", b.Index, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
