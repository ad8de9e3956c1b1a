package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	authorityKeyFile = "authority.key"
	authorityPubFile = "authority.pub"

	pemTypePlain  = "EC PRIVATE KEY"
	pemTypeSealed = "ENCRYPTED EC PRIVATE KEY"

	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	saltSize     = 16
	secretKeyLen = 32
	nonceSize    = 24
)

var (
	// ErrKeyNotFound is returned by Load when no authority key exists yet.
	ErrKeyNotFound = errors.New("authority key not found")
	// ErrKeyExists is returned by Create when a key is already on disk.
	ErrKeyExists = errors.New("authority key already exists")
	// ErrBadPassphrase is returned when a sealed key cannot be opened.
	ErrBadPassphrase = errors.New("authority key: wrong passphrase or corrupted key file")
)

// KeyManager manages the ledger authority key lifecycle.
// It generates an ECDSA P-256 key on first run, persists it to disk, and
// reloads the same key on every subsequent start, so signatures made in an
// earlier run stay verifiable. When a passphrase is configured the private key
// is sealed with an scrypt-derived NaCl secretbox key.
type KeyManager struct {
	dir        string
	passphrase []byte
	key        *ecdsa.PrivateKey
}

// NewKeyManager returns a KeyManager that stores the key files in dir.
// An empty passphrase stores the private key as plain PEM (mode 0600).
func NewKeyManager(dir, passphrase string) *KeyManager {
	return &KeyManager{dir: dir, passphrase: []byte(passphrase)}
}

// LoadOrCreate loads the key from disk if it exists and creates a new one
// otherwise. A key that exists but cannot be read is an error; it is never
// silently replaced.
func (m *KeyManager) LoadOrCreate() error {
	err := m.Load()
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return err
	}
	return m.Create()
}

// Load reads an existing key from the configured directory.
func (m *KeyManager) Load() error {
	keyPEM, err := os.ReadFile(filepath.Join(m.dir, authorityKeyFile))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("read authority key: %w", err)
	}
	key, err := m.decodeKey(keyPEM)
	if err != nil {
		return err
	}
	m.key = key
	return nil
}

// Create generates a new key, writes it to disk, and activates it.
func (m *KeyManager) Create() error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("create key dir %q: %w", m.dir, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate authority key: %w", err)
	}
	keyPEM, err := m.encodeKey(key)
	if err != nil {
		return err
	}
	pubPEM, err := encodePublicKey(&key.PublicKey)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(m.dir, authorityKeyFile), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return ErrKeyExists
	}
	if err != nil {
		return fmt.Errorf("create authority key file: %w", err)
	}
	if _, err := f.Write(keyPEM); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("write authority key: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("sync authority key: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close authority key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, authorityPubFile), pubPEM, 0o644); err != nil {
		return fmt.Errorf("write authority public key: %w", err)
	}

	m.key = key
	return nil
}

// Key returns the loaded private key.
func (m *KeyManager) Key() *ecdsa.PrivateKey { return m.key }

// Authority wraps the loaded key for signing. It panics if no key is loaded.
func (m *KeyManager) Authority() *Authority {
	if m.key == nil {
		panic("identity: KeyManager.Authority called before Load or Create")
	}
	return NewAuthority(m.key)
}

func (m *KeyManager) encodeKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal authority key: %w", err)
	}
	if len(m.passphrase) == 0 {
		return pem.EncodeToMemory(&pem.Block{Type: pemTypePlain, Bytes: der}), nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	secret, err := m.deriveSecret(salt)
	if err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nil, der, &nonce, secret)
	return pem.EncodeToMemory(&pem.Block{
		Type: pemTypeSealed,
		Headers: map[string]string{
			"KDF":   "scrypt",
			"Salt":  hex.EncodeToString(salt),
			"Nonce": hex.EncodeToString(nonce[:]),
		},
		Bytes: sealed,
	}), nil
}

func (m *KeyManager) decodeKey(keyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode authority key PEM")
	}

	der := block.Bytes
	switch block.Type {
	case pemTypePlain:
		if len(m.passphrase) > 0 {
			return nil, fmt.Errorf("authority key is not sealed but a passphrase is configured")
		}
	case pemTypeSealed:
		if len(m.passphrase) == 0 {
			return nil, fmt.Errorf("authority key is sealed; a passphrase is required")
		}
		salt, err := hex.DecodeString(block.Headers["Salt"])
		if err != nil || len(salt) != saltSize {
			return nil, fmt.Errorf("authority key: bad salt header")
		}
		nonceBytes, err := hex.DecodeString(block.Headers["Nonce"])
		if err != nil || len(nonceBytes) != nonceSize {
			return nil, fmt.Errorf("authority key: bad nonce header")
		}
		var nonce [nonceSize]byte
		copy(nonce[:], nonceBytes)
		secret, err := m.deriveSecret(salt)
		if err != nil {
			return nil, err
		}
		opened, ok := secretbox.Open(nil, block.Bytes, &nonce, secret)
		if !ok {
			return nil, ErrBadPassphrase
		}
		der = opened
	default:
		return nil, fmt.Errorf("unexpected authority key PEM type %q", block.Type)
	}

	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse authority key: %w", err)
	}
	return key, nil
}

func (m *KeyManager) deriveSecret(salt []byte) (*[secretKeyLen]byte, error) {
	k, err := scrypt.Key(m.passphrase, salt, scryptN, scryptR, scryptP, secretKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key-encryption key: %w", err)
	}
	var secret [secretKeyLen]byte
	copy(secret[:], k)
	return &secret, nil
}

// encodePublicKey returns pub in PKIX PEM form.
func encodePublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM parses a PKIX PEM ECDSA public key, as served by the
// ledger's public-key endpoint or written to authority.pub.
func ParsePublicKeyPEM(pubPEM []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	ec, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want ECDSA", pub)
	}
	return ec, nil
}
