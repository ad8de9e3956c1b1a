package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Authority signs event digests with the ledger's private key.
// The message signed is the digest's hex string; ECDSA runs over its SHA-256.
type Authority struct {
	key *ecdsa.PrivateKey
}

// NewAuthority wraps key.
func NewAuthority(key *ecdsa.PrivateKey) *Authority {
	return &Authority{key: key}
}

// Sign returns the hex-encoded ASN.1 ECDSA signature over digest.
func (a *Authority) Sign(digest string) (string, error) {
	h := sha256.Sum256([]byte(digest))
	sig, err := ecdsa.SignASN1(rand.Reader, a.key, h[:])
	if err != nil {
		return "", fmt.Errorf("sign digest: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// Verify reports whether signature is a valid signature over digest under
// the authority's public key.
func (a *Authority) Verify(digest, signature string) bool {
	return VerifySignature(&a.key.PublicKey, digest, signature)
}

// PublicKey returns the public half of the authority key.
func (a *Authority) PublicKey() *ecdsa.PublicKey { return &a.key.PublicKey }

// PublicKeyPEM returns the public key in PKIX PEM format.
func (a *Authority) PublicKeyPEM() (string, error) {
	b, err := encodePublicKey(&a.key.PublicKey)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifySignature checks a hex ASN.1 signature over digest with pub. Any
// malformed input yields false.
func VerifySignature(pub *ecdsa.PublicKey, digest, signature string) bool {
	if pub == nil || signature == "" {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := sha256.Sum256([]byte(digest))
	return ecdsa.VerifyASN1(pub, h[:], sig)
}
