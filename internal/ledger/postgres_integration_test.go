//go:build integration

package ledger_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// newTestPool connects to DATABASE_URL, applies migrations and empties the
// blocks table. The test is skipped when DATABASE_URL is not set.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := ledger.MigratePostgres(ctx, pool, zap.NewNop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE audit_blocks"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

func TestPostgresStore(t *testing.T) {
	testStoreContract(t, ledger.NewPostgresStore(newTestPool(t), zap.NewNop()))
}

func TestPostgresStore_ledgerRoundTrip(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	signer := newTestSigner(t)

	l := openTestLedger(t, ledger.NewPostgresStore(pool, zap.NewNop()), signer, 2)
	if _, err := l.AppendEvent(ctx, "INVOICE_UPLOADED", "INV-001", "company_a",
		[]byte(`{"amount":125000,"currency":"INR"}`)); err != nil {
		t.Fatal(err)
	}
	root := l.Root()

	l2 := openTestLedger(t, ledger.NewPostgresStore(pool, zap.NewNop()), signer, 2)
	if l2.Len() != 2 || l2.Root() != root {
		t.Errorf("reloaded chain: len %d root %q, want 2 %q", l2.Len(), l2.Root(), root)
	}

	n, err := ledger.MigratePostgres(ctx, pool, zap.NewNop())
	if err != nil || n != 0 {
		t.Errorf("second migrate: applied %d, err %v", n, err)
	}
}
