package identity

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
)

// JWKSet is a JSON Web Key Set (RFC 7517).
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWK is a JSON Web Key for a P-256 public key (RFC 7518 §6.2).
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// Discovery is the minimal metadata document served next to the key set.
type Discovery struct {
	Issuer                  string   `json:"issuer"`
	JWKSURI                 string   `json:"jwks_uri"`
	SigningAlgValuesSupport []string `json:"token_signing_alg_values_supported"`
	ScopesSupported         []string `json:"scopes_supported"`
}

// RegisterWellKnown attaches the discovery and JWKS routes to the engine so
// that third parties can verify appender tokens and block signatures with the
// same key.
func RegisterWellKnown(engine *gin.Engine, baseURL string, tokens *TokenIssuer) {
	engine.GET("/.well-known/auditledger-configuration", func(c *gin.Context) {
		c.JSON(http.StatusOK, Discovery{
			Issuer:                  tokens.Issuer(),
			JWKSURI:                 baseURL + "/.well-known/jwks.json",
			SigningAlgValuesSupport: []string{"ES256"},
			ScopesSupported:         []string{ScopeAppend, ScopeAppendAny},
		})
	})
	engine.GET("/.well-known/jwks.json", func(c *gin.Context) {
		c.JSON(http.StatusOK, JWKSet{Keys: []JWK{ecPublicKeyToJWK(tokens.PublicKey())}})
	})
}

// KeyID returns a stable identifier for pub: the base64url SHA-256 of its
// uncompressed point.
func KeyID(pub *ecdsa.PublicKey) string {
	x, y := fixedBytes(pub)
	h := sha256.Sum256(append(append([]byte{0x04}, x...), y...))
	return base64.RawURLEncoding.EncodeToString(h[:16])
}

func ecPublicKeyToJWK(pub *ecdsa.PublicKey) JWK {
	x, y := fixedBytes(pub)
	return JWK{
		Kty: "EC",
		Use: "sig",
		Kid: KeyID(pub),
		Alg: "ES256",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(x),
		Y:   base64.RawURLEncoding.EncodeToString(y),
	}
}

// fixedBytes returns the 32-byte big-endian coordinates of a P-256 point.
func fixedBytes(pub *ecdsa.PublicKey) (x, y []byte) {
	x = make([]byte, 32)
	y = make([]byte, 32)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)
	return x, y
}
