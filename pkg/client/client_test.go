package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/api/handler"
	"github.com/jmerrifield20/auditledger/internal/identity"
	"github.com/jmerrifield20/auditledger/internal/ledger"
	"github.com/jmerrifield20/auditledger/pkg/client"
	"github.com/jmerrifield20/auditledger/pkg/merkle"
)

// ── Live server ─────────────────────────────────────────────────────────

type liveServer struct {
	srv    *httptest.Server
	tokens *identity.TokenIssuer
	signer *identity.Authority
}

func startLedgerServer(t *testing.T) *liveServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	km := identity.NewKeyManager(t.TempDir(), "")
	if err := km.Create(); err != nil {
		t.Fatal(err)
	}
	opts := ledger.DefaultOptions()
	opts.Difficulty = 1
	l, err := ledger.Open(context.Background(), ledger.NewMemoryStore(), km.Authority(), opts, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	tokens := identity.NewTokenIssuer(km.Key(), "auditledger-test", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	router := handler.NewRouter(ctx, handler.RouterConfig{}, l, tokens, zap.NewNop())
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &liveServer{srv: srv, tokens: tokens, signer: km.Authority()}
}

func (s *liveServer) client(t *testing.T, actor string, scopes ...string) *client.Client {
	t.Helper()
	var opts []client.Option
	if actor != "" {
		tok, err := s.tokens.Issue(actor, scopes)
		if err != nil {
			t.Fatal(err)
		}
		opts = append(opts, client.WithBearerToken(tok))
	}
	c, err := client.New(s.srv.URL, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestClient_appendAndRead(t *testing.T) {
	s := startLedgerServer(t)
	ctx := context.Background()
	c := s.client(t, "company_a", identity.ScopeAppend)

	b, err := c.Append(ctx, client.AppendRequest{
		EventType:   "INVOICE_UPLOADED",
		ReferenceID: "INV-001",
		Payload:     json.RawMessage(`{"currency":"INR","amount":125000}`),
	})
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if b.Index != 1 || b.Actor != "company_a" {
		t.Errorf("unexpected block: %+v", b)
	}

	ov, err := c.Overview(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ov.Entries != 2 || ov.Root != b.Hash || ov.Difficulty != 1 {
		t.Errorf("overview: %+v", ov)
	}

	got, err := c.GetBlock(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Hash != b.Hash || !got.Timestamp.Equal(b.Timestamp) {
		t.Errorf("GetBlock: got %+v", got)
	}

	chain, err := c.Chain(ctx)
	if err != nil || len(chain) != 2 {
		t.Fatalf("Chain: %d blocks, err %v", len(chain), err)
	}

	hist, err := c.History(ctx, "INV-001")
	if err != nil || len(hist) != 1 {
		t.Errorf("History: %v, err %v", hist, err)
	}

	v, err := c.Verify(ctx)
	if err != nil || !v.Valid {
		t.Errorf("Verify: %+v, err %v", v, err)
	}

	ok, err := c.VerifySignature(ctx, 1)
	if err != nil || !ok {
		t.Errorf("VerifySignature: %v, err %v", ok, err)
	}
}

func TestClient_proofAndPublicKey(t *testing.T) {
	s := startLedgerServer(t)
	ctx := context.Background()
	c := s.client(t, "company_a", identity.ScopeAppend)

	b, err := c.Append(ctx, client.AppendRequest{
		EventType:   "LINES",
		ReferenceID: "INV-2",
		Payloads:    []json.RawMessage{json.RawMessage(`{"l":1}`), json.RawMessage(`{"l":2}`), json.RawMessage(`{"l":3}`)},
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, leaf := range b.LeafHashes {
		p, err := c.Proof(ctx, b.Index, leaf)
		if err != nil {
			t.Fatalf("Proof: %v", err)
		}
		if !merkle.VerifyProof(leaf, p.Proof, b.MerkleRoot) {
			t.Errorf("proof for %s does not verify offline", leaf)
		}
	}

	pub, err := c.PublicKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !identity.VerifySignature(pub, b.LeafHashes[0], b.Signature) {
		t.Error("block signature does not verify with the served public key")
	}
}

func TestClient_errors(t *testing.T) {
	s := startLedgerServer(t)
	ctx := context.Background()

	if _, err := s.client(t, "").GetBlock(ctx, 42); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("missing block: expected ErrNotFound, got %v", err)
	}

	req := client.AppendRequest{EventType: "E", ReferenceID: "R", Payload: json.RawMessage(`{}`)}
	if _, err := s.client(t, "").Append(ctx, req); !errors.Is(err, client.ErrUnauthorized) {
		t.Errorf("no token: expected ErrUnauthorized, got %v", err)
	}

	req.Actor = "someone_else"
	if _, err := s.client(t, "company_a", identity.ScopeAppend).Append(ctx, req); !errors.Is(err, client.ErrUnauthorized) {
		t.Errorf("foreign actor: expected ErrUnauthorized, got %v", err)
	}
}

func TestClient_unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"sealing timed out; retry later"}`))
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL, client.WithBearerToken("t"))
	_, err := c.Append(context.Background(), client.AppendRequest{EventType: "E", ReferenceID: "R", Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, client.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestClient_blockCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"index": 0, "hash": "00ab"})
	}))
	defer srv.Close()

	c, err := client.New(srv.URL, client.WithCacheTTL(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if _, err := c.GetBlock(context.Background(), 0); err != nil {
			t.Fatal(err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 server hit, got %d", hits.Load())
	}
}

func TestNew_invalidURL(t *testing.T) {
	if _, err := client.New("not a url"); err == nil {
		t.Error("expected error for invalid URL")
	}
	if _, err := client.New("http://localhost", client.WithCacheTTL(0)); err == nil {
		t.Error("expected error for zero cache TTL")
	}
}
