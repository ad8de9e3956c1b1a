package ledger

import (
	"context"
	"sync"

	"github.com/jmerrifield20/auditledger/internal/block"
)

// MemoryStore is an in-memory Store. It is useful for tests and for
// single-process deployments that do not need the chain to survive a restart.
type MemoryStore struct {
	mu     sync.Mutex
	blocks []*block.Block
	tip    tip
	closed bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context) ([]*block.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*block.Block, len(s.blocks))
	for i, b := range s.blocks {
		out[i] = b.Clone()
	}
	return out, nil
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, b *block.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.tip.check(b); err != nil {
		return err
	}
	s.blocks = append(s.blocks, b.Clone())
	s.tip.advance(b)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
