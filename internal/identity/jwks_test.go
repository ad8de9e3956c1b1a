package identity_test

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/auditledger/internal/identity"
)

func TestRegisterWellKnown_jwks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ti := newTestTokenIssuer(t)
	r := gin.New()
	identity.RegisterWellKnown(r, "http://ledger.test", ti)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var set identity.JWKSet
	if err := json.Unmarshal(w.Body.Bytes(), &set); err != nil {
		t.Fatal(err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(set.Keys))
	}
	k := set.Keys[0]
	if k.Kty != "EC" || k.Crv != "P-256" || k.Alg != "ES256" {
		t.Errorf("unexpected key metadata: %+v", k)
	}
	if k.Kid != identity.KeyID(ti.PublicKey()) {
		t.Errorf("kid: got %q", k.Kid)
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		t.Fatal(err)
	}
	if new(big.Int).SetBytes(x).Cmp(ti.PublicKey().X) != 0 {
		t.Error("x coordinate does not match the public key")
	}
}

func TestRegisterWellKnown_discovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	identity.RegisterWellKnown(r, "http://ledger.test", newTestTokenIssuer(t))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/auditledger-configuration", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var d identity.Discovery
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	if d.Issuer != "auditledger-test" || d.JWKSURI != "http://ledger.test/.well-known/jwks.json" {
		t.Errorf("unexpected discovery document: %+v", d)
	}
}
