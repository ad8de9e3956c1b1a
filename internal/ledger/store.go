package ledger

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/auditledger/internal/block"
)

// Store is the durable, append-only home of a chain. All implementations in
// this package refuse a block that does not extend the block they last stored.
type Store interface {
	// Load returns every persisted block in index order. An empty store
	// returns an empty slice.
	Load(ctx context.Context) ([]*block.Block, error)

	// Append durably writes b after the current tip. On error nothing is
	// persisted.
	Append(ctx context.Context, b *block.Block) error

	// Close releases the store's resources.
	Close() error
}

// tip is the index and hash of the last stored block.
type tip struct {
	set   bool
	index int64
	hash  string
}

// check reports whether b may be appended after t.
func (t tip) check(b *block.Block) error {
	if !t.set {
		if b.Index != 0 || b.PreviousHash != block.GenesisLink {
			return fmt.Errorf("%w: store is empty, got block %d", ErrNotExtending, b.Index)
		}
		return nil
	}
	if b.Index != t.index+1 || b.PreviousHash != t.hash {
		return fmt.Errorf("%w: tip is %d (%s), got block %d linking to %s",
			ErrNotExtending, t.index, t.hash, b.Index, b.PreviousHash)
	}
	return nil
}

func (t *tip) advance(b *block.Block) {
	t.set = true
	t.index = b.Index
	t.hash = b.Hash
}
