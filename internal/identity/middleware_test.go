package identity_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/auditledger/internal/identity"
)

func setupTokenRouter(t *testing.T, ti *identity.TokenIssuer) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", identity.RequireToken(ti), func(c *gin.Context) {
		c.String(http.StatusOK, identity.ClaimsFromCtx(c).Subject)
	})
	return r
}

func TestRequireToken(t *testing.T) {
	ti := newTestTokenIssuer(t)
	router := setupTokenRouter(t, ti)

	good, _ := ti.Issue("company_a", []string{identity.ScopeAppend})
	noScope, _ := ti.Issue("company_a", []string{"ledger:read"})

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"invalid", "Bearer nope", http.StatusUnauthorized},
		{"no scope", "Bearer " + noScope, http.StatusForbidden},
		{"valid", "Bearer " + good, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
			if tc.want == http.StatusOK && w.Body.String() != "company_a" {
				t.Errorf("subject: got %q", w.Body.String())
			}
		})
	}
}
