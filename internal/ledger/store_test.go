package ledger_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/block"
	"github.com/jmerrifield20/auditledger/internal/ledger"
	"github.com/jmerrifield20/auditledger/pkg/merkle"
)

// fakeChain returns n linked blocks. Hashes are arbitrary; stores only look
// at index and linkage.
func fakeChain(n int) []*block.Block {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 123456000, time.UTC)
	prev := block.GenesisLink
	out := make([]*block.Block, n)
	for i := range n {
		leaves := []string{merkle.Sum([]byte{byte(i)}), merkle.Sum([]byte{byte(i), 1})}
		b := block.New(int64(i), "E", "R", "A", leaves, "sig", prev, ts.Add(time.Duration(i)*time.Second))
		b.Nonce = uint64(i * 7)
		b.Hash = merkle.Sum([]byte(prev))
		prev = b.Hash
		out[i] = b
	}
	return out
}

func sameBlock(a, b *block.Block) bool {
	if len(a.LeafHashes) != len(b.LeafHashes) {
		return false
	}
	for i := range a.LeafHashes {
		if a.LeafHashes[i] != b.LeafHashes[i] {
			return false
		}
	}
	return a.Index == b.Index && a.EventType == b.EventType && a.ReferenceID == b.ReferenceID &&
		a.Actor == b.Actor && a.MerkleRoot == b.MerkleRoot && a.Signature == b.Signature &&
		a.Timestamp.Equal(b.Timestamp) && a.PreviousHash == b.PreviousHash &&
		a.Nonce == b.Nonce && a.Hash == b.Hash
}

// testStoreContract exercises the behaviour every Store must share.
func testStoreContract(t *testing.T, s ledger.Store) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() on empty store: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("empty store returned %d blocks", len(got))
	}

	chain := fakeChain(4)
	if err := s.Append(ctx, chain[1]); !errors.Is(err, ledger.ErrNotExtending) {
		t.Errorf("non-genesis into empty store: expected ErrNotExtending, got %v", err)
	}
	for _, b := range chain[:3] {
		if err := s.Append(ctx, b); err != nil {
			t.Fatalf("Append(%d): %v", b.Index, err)
		}
	}

	if err := s.Append(ctx, chain[1]); !errors.Is(err, ledger.ErrNotExtending) {
		t.Errorf("re-append of block 1: expected ErrNotExtending, got %v", err)
	}
	forked := chain[3].Clone()
	forked.PreviousHash = chain[1].Hash
	if err := s.Append(ctx, forked); !errors.Is(err, ledger.ErrNotExtending) {
		t.Errorf("fork: expected ErrNotExtending, got %v", err)
	}
	if err := s.Append(ctx, chain[3]); err != nil {
		t.Fatalf("Append(3): %v", err)
	}

	got, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}
	if len(got) != len(chain) {
		t.Fatalf("expected %d blocks, got %d", len(chain), len(got))
	}
	for i := range chain {
		if !sameBlock(got[i], chain[i]) {
			t.Errorf("block %d did not round-trip:\n got  %+v\n want %+v", i, got[i], chain[i])
		}
	}
}

func TestMemoryStore(t *testing.T) {
	s := ledger.NewMemoryStore()
	testStoreContract(t, s)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(context.Background(), fakeChain(1)[0]); !errors.Is(err, ledger.ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestFileStore(t *testing.T) {
	s, err := ledger.NewFileStore(filepath.Join(t.TempDir(), "nested", "chain.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close() //nolint:errcheck
	testStoreContract(t, s)
}

func TestFileStore_oneLinePerBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.jsonl")
	s, err := ledger.NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	chain := fakeChain(3)
	for _, b := range chain[:2] {
		if err := s.Append(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	before, _ := os.ReadFile(path)
	if err := s.Append(ctx, chain[2]); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(path)
	_ = s.Close()

	if !bytes.HasPrefix(after, before) {
		t.Error("append rewrote earlier content")
	}
	if n := bytes.Count(after, []byte("\n")); n != 3 {
		t.Errorf("expected 3 lines, got %d", n)
	}
}

func TestFileStore_resumesAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.jsonl")
	ctx := context.Background()
	chain := fakeChain(3)

	s1, _ := ledger.NewFileStore(path)
	for _, b := range chain[:2] {
		if err := s1.Append(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	_ = s1.Close()

	// No Load first: the store must still find the tip on disk.
	s2, _ := ledger.NewFileStore(path)
	defer s2.Close() //nolint:errcheck
	if err := s2.Append(ctx, chain[0]); !errors.Is(err, ledger.ErrNotExtending) {
		t.Errorf("expected ErrNotExtending, got %v", err)
	}
	if err := s2.Append(ctx, chain[2]); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
}

func TestFileStore_corruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.jsonl")
	s, _ := ledger.NewFileStore(path)
	ctx := context.Background()
	for _, b := range fakeChain(2) {
		if err := s.Append(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"index":2,"event_type":`)
	_ = f.Close()

	s2, _ := ledger.NewFileStore(path)
	_, err = s2.Load(ctx)
	var ce *ledger.CorruptError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CorruptError, got %v", err)
	}
	if ce.Index != 2 {
		t.Errorf("corrupt index: got %d, want 2", ce.Index)
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := ledger.OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "chain.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore() error: %v", err)
	}
	defer s.Close() //nolint:errcheck
	testStoreContract(t, s)
}

func TestSQLiteStore_reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chain.db")
	chain := fakeChain(2)

	s1, err := ledger.OpenSQLiteStore(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range chain {
		if err := s1.Append(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	_ = s1.Close()

	s2, err := ledger.OpenSQLiteStore(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close() //nolint:errcheck
	got, err := s2.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !sameBlock(got[1], chain[1]) {
		t.Errorf("reopened store returned %+v", got)
	}
}

func TestPebbleStore(t *testing.T) {
	s, err := ledger.OpenPebbleStore(filepath.Join(t.TempDir(), "chain.pebble"))
	if err != nil {
		t.Fatalf("OpenPebbleStore() error: %v", err)
	}
	defer s.Close() //nolint:errcheck
	testStoreContract(t, s)
}

func TestPebbleStore_reopenedLedgerVerifies(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "chain.pebble")
	signer := newTestSigner(t)

	s1, err := ledger.OpenPebbleStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	l := openTestLedger(t, s1, signer, 1)
	appended, err := l.AppendBatch(ctx, "INVOICE_UPLOADED", "INV-7", "company_a",
		[][]byte{[]byte(`{"line":1}`), []byte(`{"line":2}`)})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := ledger.OpenPebbleStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	reopened := openTestLedger(t, s2, signer, 1)
	defer reopened.Close() //nolint:errcheck

	if reopened.Len() != 2 {
		t.Fatalf("expected 2 blocks after reopen, got %d", reopened.Len())
	}
	got, err := reopened.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if !sameBlock(got, appended) {
		t.Errorf("reloaded block differs:\n got %+v\nwant %+v", got, appended)
	}
	if err := reopened.Verify(ctx); err != nil {
		t.Errorf("Verify() after reopen: %v", err)
	}
}

func TestExportJSON(t *testing.T) {
	signer := newTestSigner(t)
	chain := buildChain(t, signer, 2)

	var buf bytes.Buffer
	if err := ledger.ExportJSON(&buf, chain); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("[\n")) {
		t.Errorf("export is not an indented array: %.20q", buf.String())
	}

	got, err := ledger.ReadJSON(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := ledger.ValidateChain(got, 1, true, signer.Verify); err != nil {
		t.Errorf("exported chain no longer verifies: %v", err)
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cases := []struct {
		driver string
		want   string
	}{
		{ledger.DriverFile, "*ledger.FileStore"},
		{"", "*ledger.FileStore"},
		{ledger.DriverSQLite, "*ledger.SQLiteStore"},
		{ledger.DriverPebble, "*ledger.PebbleStore"},
		{ledger.DriverMemory, "*ledger.MemoryStore"},
	}
	for _, tc := range cases {
		t.Run(tc.driver, func(t *testing.T) {
			s, err := ledger.OpenStore(ctx, ledger.StoreConfig{
				Driver:     tc.driver,
				Path:       filepath.Join(dir, "chain.jsonl"),
				SQLitePath: filepath.Join(dir, "chain.db"),
				PebbleDir:  filepath.Join(dir, "chain.pebble"),
			}, zap.NewNop())
			if err != nil {
				t.Fatalf("OpenStore() error: %v", err)
			}
			defer s.Close() //nolint:errcheck
			if got := fmt.Sprintf("%T", s); got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}

	if _, err := ledger.OpenStore(ctx, ledger.StoreConfig{Driver: "tape"}, zap.NewNop()); err == nil {
		t.Error("expected error for unknown driver")
	}
}
