package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrChainCorrupt is matched by every *CorruptError.
	ErrChainCorrupt = errors.New("chain corrupt")
	// ErrStorage is matched by every *StorageError.
	ErrStorage = errors.New("storage failure")
	// ErrBlockNotFound is returned for an index outside the chain.
	ErrBlockNotFound = errors.New("block not found")
	// ErrInvalidEvent is returned when an event is missing a required field
	// or its payload is not valid JSON.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrNotExtending is returned by a Store when a block does not extend the
	// stored tip. Appends never overwrite or reorder persisted blocks.
	ErrNotExtending = errors.New("block does not extend the stored tip")
	// ErrClosed is returned by a Store after Close.
	ErrClosed = errors.New("store closed")
)

// CorruptError reports a persisted chain that fails validation.
type CorruptError struct {
	Index  int64
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("chain corrupt at block %d: %s", e.Index, e.Reason)
}

// Is makes errors.Is(err, ErrChainCorrupt) hold.
func (e *CorruptError) Is(target error) bool { return target == ErrChainCorrupt }

// StorageError reports a failed durable read or write.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorage) hold.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func corruptf(index int64, format string, args ...any) *CorruptError {
	return &CorruptError{Index: index, Reason: fmt.Sprintf(format, args...)}
}
