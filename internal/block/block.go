// Package block defines the sealed unit of the audit ledger.
//
// A Block batches one or more payload digests under a Merkle root, carries the
// authority's signature over its first digest, and links to its predecessor
// through PreviousHash. Its own Hash is computed over the canonical encoding of
// the identity fields (see CalculateHash) and must satisfy the proof-of-work
// predicate for the ledger's difficulty.
package block

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmerrifield20/auditledger/internal/canonical"
	"github.com/jmerrifield20/auditledger/pkg/merkle"
)

const (
	// GenesisLink is the PreviousHash of the genesis block.
	GenesisLink = "0"
	// GenesisLeaf is the single sentinel leaf hash of the genesis block.
	GenesisLeaf = "0"
	// SystemActor is the reference id and actor recorded on the genesis block.
	SystemActor = "SYSTEM"
	// GenesisEventType is the event type of the genesis block.
	GenesisEventType = "GENESIS"
)

// ErrInvalid is wrapped by every error returned from Validate and ValidateLink.
var ErrInvalid = errors.New("invalid block")

// Block is one ledger entry. It must not be modified after sealing.
type Block struct {
	Index        int64     `json:"index"`
	EventType    string    `json:"event_type"`
	ReferenceID  string    `json:"reference_id"`
	Actor        string    `json:"actor"`
	LeafHashes   []string  `json:"leaf_hashes"`
	MerkleRoot   string    `json:"merkle_root"`
	Signature    string    `json:"signature"` // hex-encoded ASN.1 ECDSA signature
	Timestamp    time.Time `json:"timestamp"`
	PreviousHash string    `json:"previous_hash"`
	Nonce        uint64    `json:"nonce"`
	Hash         string    `json:"hash"`
}

// header is the part of a block covered by its hash. Signature and raw leaf
// hashes are excluded; MerkleRoot stands in for the payload.
type header struct {
	Index        int64  `json:"index"`
	EventType    string `json:"event_type"`
	ReferenceID  string `json:"reference_id"`
	Actor        string `json:"actor"`
	MerkleRoot   string `json:"merkle_root"`
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Nonce        uint64 `json:"nonce"`
}

// Normalize returns t in the form stored on a block: UTC, microsecond
// precision, no monotonic reading. Microseconds survive every store backend.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// New builds an unsealed block and derives its Merkle root from leaves.
func New(index int64, eventType, referenceID, actor string, leaves []string, signature, previousHash string, ts time.Time) *Block {
	lh := append([]string(nil), leaves...)
	return &Block{
		Index:        index,
		EventType:    eventType,
		ReferenceID:  referenceID,
		Actor:        actor,
		LeafHashes:   lh,
		MerkleRoot:   merkle.Root(lh),
		Signature:    signature,
		Timestamp:    Normalize(ts),
		PreviousHash: previousHash,
	}
}

// Genesis builds the unsealed first block of a chain.
func Genesis(ts time.Time) *Block {
	return New(0, GenesisEventType, SystemActor, SystemActor, []string{GenesisLeaf}, "", GenesisLink, ts)
}

// IsGenesis reports whether b sits at index 0.
func (b *Block) IsGenesis() bool { return b.Index == 0 }

// DataHash returns the first leaf hash, the digest covered by the signature.
func (b *Block) DataHash() string {
	if len(b.LeafHashes) == 0 {
		return ""
	}
	return b.LeafHashes[0]
}

// Clone returns a deep copy of b.
func (b *Block) Clone() *Block {
	c := *b
	c.LeafHashes = append([]string(nil), b.LeafHashes...)
	return &c
}

// CalculateHash returns the hex SHA-256 of the canonical JSON encoding of the
// block's identity fields. The timestamp is encoded as RFC 3339 with
// nanosecond precision in UTC.
func CalculateHash(b *Block) (string, error) {
	enc, err := canonical.Marshal(header{
		Index:        b.Index,
		EventType:    b.EventType,
		ReferenceID:  b.ReferenceID,
		Actor:        b.Actor,
		MerkleRoot:   b.MerkleRoot,
		Timestamp:    b.Timestamp.UTC().Format(time.RFC3339Nano),
		PreviousHash: b.PreviousHash,
		Nonce:        b.Nonce,
	})
	if err != nil {
		return "", fmt.Errorf("encode block header: %w", err)
	}
	return merkle.Sum(enc), nil
}

// MeetsDifficulty reports whether hash begins with difficulty '0' characters.
func MeetsDifficulty(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	return strings.HasPrefix(hash, strings.Repeat("0", difficulty))
}

// Validate checks a single block in isolation: required fields, the derived
// Merkle root, and, when full is set, the stored hash and the proof-of-work
// predicate.
func Validate(b *Block, difficulty int, full bool) error {
	switch {
	case b == nil:
		return fmt.Errorf("%w: nil block", ErrInvalid)
	case b.Index < 0:
		return fmt.Errorf("%w: negative index %d", ErrInvalid, b.Index)
	case b.EventType == "", b.ReferenceID == "", b.Actor == "":
		return fmt.Errorf("%w: block %d is missing event_type, reference_id or actor", ErrInvalid, b.Index)
	case len(b.LeafHashes) == 0:
		return fmt.Errorf("%w: block %d has no leaf hashes", ErrInvalid, b.Index)
	case b.PreviousHash == "":
		return fmt.Errorf("%w: block %d has no previous_hash", ErrInvalid, b.Index)
	case b.Hash == "":
		return fmt.Errorf("%w: block %d has no hash", ErrInvalid, b.Index)
	case b.Timestamp.IsZero():
		return fmt.Errorf("%w: block %d has no timestamp", ErrInvalid, b.Index)
	}
	if root := merkle.Root(b.LeafHashes); b.MerkleRoot != root {
		return fmt.Errorf("%w: block %d merkle_root %q does not match leaves (%q)", ErrInvalid, b.Index, b.MerkleRoot, root)
	}
	if !full {
		return nil
	}
	h, err := CalculateHash(b)
	if err != nil {
		return err
	}
	if h != b.Hash {
		return fmt.Errorf("%w: block %d has hash %q, recomputed %q", ErrInvalid, b.Index, b.Hash, h)
	}
	if !MeetsDifficulty(b.Hash, difficulty) {
		return fmt.Errorf("%w: block %d hash does not meet difficulty %d", ErrInvalid, b.Index, difficulty)
	}
	return nil
}

// ValidateLink checks that cur directly extends prev.
func ValidateLink(prev, cur *Block) error {
	if cur.Index != prev.Index+1 {
		return fmt.Errorf("%w: expected index %d, got %d", ErrInvalid, prev.Index+1, cur.Index)
	}
	if cur.PreviousHash != prev.Hash {
		return fmt.Errorf("%w: block %d previous_hash %q does not match %q", ErrInvalid, cur.Index, cur.PreviousHash, prev.Hash)
	}
	return nil
}
