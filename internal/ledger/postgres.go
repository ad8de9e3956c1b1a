package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/block"
)

// advisoryLockKey is the PostgreSQL advisory lock key that serialises
// appends across every process sharing the database.
const advisoryLockKey = int64(1_159_876_544)

// PostgresStore persists the chain in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool. The
// schema must already exist (see MigratePostgres).
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context) ([]*block.Block, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT idx, event_type, reference_id, actor, leaf_hashes, merkle_root,
		        signature, timestamp, previous_hash, nonce, hash
		 FROM audit_blocks ORDER BY idx ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	blocks := []*block.Block{}
	for rows.Next() {
		var (
			b     block.Block
			nonce int64
		)
		if err := rows.Scan(
			&b.Index, &b.EventType, &b.ReferenceID, &b.Actor, &b.LeafHashes,
			&b.MerkleRoot, &b.Signature, &b.Timestamp, &b.PreviousHash, &nonce, &b.Hash,
		); err != nil {
			return nil, fmt.Errorf("scan block row: %w", err)
		}
		b.Timestamp = b.Timestamp.UTC()
		b.Nonce = uint64(nonce)
		blocks = append(blocks, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate block rows: %w", err)
	}
	return blocks, nil
}

// Append implements Store.
// It takes a transaction-scoped advisory lock, re-reads the chain tail and
// inserts b only if it extends that tail.
func (s *PostgresStore) Append(ctx context.Context, b *block.Block) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var t tip
	err = tx.QueryRow(ctx,
		"SELECT idx, hash FROM audit_blocks ORDER BY idx DESC LIMIT 1",
	).Scan(&t.index, &t.hash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read chain tail: %w", err)
	default:
		t.set = true
	}
	if err := t.check(b); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_blocks (idx, event_type, reference_id, actor, leaf_hashes, merkle_root,
		                           signature, timestamp, previous_hash, nonce, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.Index, b.EventType, b.ReferenceID, b.Actor, b.LeafHashes, b.MerkleRoot,
		b.Signature, b.Timestamp, b.PreviousHash, int64(b.Nonce), b.Hash,
	); err != nil {
		return fmt.Errorf("insert block %d: %w", b.Index, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit block %d: %w", b.Index, err)
	}

	s.logger.Debug("block persisted",
		zap.Int64("idx", b.Index),
		zap.String("event_type", b.EventType),
	)
	return nil
}

// Close implements Store. The pool is owned by the caller and stays open.
func (s *PostgresStore) Close() error { return nil }
