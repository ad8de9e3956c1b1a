package identity

import (
	"crypto/ecdsa"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// ScopeAppend lets the bearer append events as itself (actor = subject).
	ScopeAppend = "ledger:append"
	// ScopeAppendAny lets the bearer append events on behalf of any actor.
	ScopeAppendAny = "ledger:append:any"
)

// AppenderClaims are the JWT claims of an appender token.
// The subject is the actor recorded on blocks appended with the token.
type AppenderClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// HasScope reports whether the token grants scope.
func (c *AppenderClaims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// TokenIssuer issues and verifies appender tokens signed with ES256.
// It reuses the authority key, so anyone holding the ledger's public key can
// check who was allowed to append.
type TokenIssuer struct {
	key    *ecdsa.PrivateKey
	pub    *ecdsa.PublicKey
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
//
//	issuer: the "iss" claim value.
//	ttl:    token lifetime (default: 1 hour).
func NewTokenIssuer(key *ecdsa.PrivateKey, issuer string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		key:    key,
		pub:    &key.PublicKey,
		issuer: issuer,
		ttl:    ttl,
	}
}

// Issue creates a signed appender token for actor with the requested scopes.
func (t *TokenIssuer) Issue(actor string, scopes []string) (string, error) {
	if actor == "" {
		return "", fmt.Errorf("actor is required")
	}
	now := time.Now().UTC()
	claims := AppenderClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   actor,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		Scopes: scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an appender token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*AppenderClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&AppenderClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodECDSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.pub, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(*AppenderClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// PublicKey returns the key tokens are verified with.
func (t *TokenIssuer) PublicKey() *ecdsa.PublicKey { return t.pub }

// Issuer returns the "iss" claim value.
func (t *TokenIssuer) Issuer() string { return t.issuer }
