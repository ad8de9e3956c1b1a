// Package identity holds the ledger authority's signing identity.
//
// It provides:
//   - KeyManager: creates/loads the authority ECDSA P-256 key pair on disk
//   - Authority: signs event digests and verifies block signatures
//   - TokenIssuer: issues and verifies ES256 appender tokens signed by the authority
//   - RequireToken: Gin middleware enforcing Bearer appender tokens
package identity
