// Package canonical produces the byte-stable JSON encoding that every digest
// in the ledger is computed over.
//
// The encoding is RFC 8785 (JSON Canonicalization Scheme): object members are
// sorted by key, insignificant whitespace is removed, and numbers use the
// ECMAScript shortest round-trip form. Two semantically equal documents
// therefore always hash to the same value, whatever language produced them.
package canonical

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ErrEmptyPayload is returned when there is no document to canonicalize.
var ErrEmptyPayload = errors.New("canonical: empty payload")

// Transform canonicalizes a raw JSON document.
func Transform(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("canonical: payload is not valid JSON")
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	return out, nil
}

// Marshal encodes v with encoding/json and canonicalizes the result.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	return Transform(raw)
}
