package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// EmptyRoot is the sentinel root of an empty leaf set. It is not the digest
// of anything and must not be treated as a provable root.
const EmptyRoot = "0"

// ErrLeafNotFound is returned by Proof when the target is not among the leaves.
var ErrLeafNotFound = errors.New("merkle: leaf not found")

// Side tells VerifyProof where a sibling goes relative to the running hash.
type Side string

const (
	// Right siblings are appended: acc = Sum(acc || sibling).
	Right Side = "right"
	// Left siblings are prepended: acc = Sum(sibling || acc).
	Left Side = "left"
)

// ProofNode is one step of an inclusion proof.
type ProofNode struct {
	Hash string `json:"hash"`
	Side Side   `json:"side"`
}

// Path is an inclusion proof: an ordered leaf-to-root list of sibling digests.
type Path []ProofNode

// Hashes returns the sibling digests without their orientation.
func (p Path) Hashes() []string {
	out := make([]string, len(p))
	for i, n := range p {
		out[i] = n.Hash
	}
	return out
}

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// combine hashes two nodes as the concatenation of their hex strings.
func combine(left, right string) string {
	buf := make([]byte, 0, len(left)+len(right))
	buf = append(buf, left...)
	buf = append(buf, right...)
	return Sum(buf)
}

// nextLevel pads level to even length in place and returns the parent level.
func nextLevel(level []string) []string {
	if len(level)%2 == 1 {
		level = append(level, level[len(level)-1])
	}
	next := make([]string, 0, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next = append(next, combine(level[i], level[i+1]))
	}
	return next
}

// Root computes the Merkle root of leaves. It returns EmptyRoot for no leaves
// and the leaf itself for a single leaf.
func Root(leaves []string) string {
	if len(leaves) == 0 {
		return EmptyRoot
	}
	level := append(make([]string, 0, len(leaves)+1), leaves...)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

// Proof returns the inclusion proof for the first occurrence of target.
// Leaves are expected to be distinct; with duplicates only the first
// position is provable.
func Proof(leaves []string, target string) (Path, error) {
	idx := -1
	for i, l := range leaves {
		if l == target {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrLeafNotFound
	}

	level := append(make([]string, 0, len(leaves)+1), leaves...)
	var proof Path
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		if idx%2 == 0 {
			proof = append(proof, ProofNode{Hash: level[idx+1], Side: Right})
		} else {
			proof = append(proof, ProofNode{Hash: level[idx-1], Side: Left})
		}
		idx /= 2
		level = nextLevel(level)
	}
	return proof, nil
}

// VerifyProof reports whether folding target through proof yields root.
// A proof with an unknown side never verifies, and EmptyRoot is never a
// valid root.
func VerifyProof(target string, proof Path, root string) bool {
	if root == EmptyRoot {
		return false
	}
	acc := target
	for _, n := range proof {
		switch n.Side {
		case Right:
			acc = combine(acc, n.Hash)
		case Left:
			acc = combine(n.Hash, acc)
		default:
			return false
		}
	}
	return acc == root
}
