// Package merkle builds and checks the binary Merkle trees that summarise the
// payload digests batched into a ledger block.
//
// Nodes are lower-case hex SHA-256 digests. A parent is the digest of its two
// children's hex strings concatenated left to right. A level with an odd
// number of nodes duplicates its last node before pairing, so
// Root([a, b, c]) == Root([a, b, c, c]).
//
// An inclusion proof is the list of siblings met on the way from a leaf to
// the root, each tagged with the side it sits on. VerifyProof folds the leaf
// through the siblings in order and compares the result with the root.
package merkle
