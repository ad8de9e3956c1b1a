package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/jmerrifield20/auditledger/internal/block"
)

// Key layout: 'b' + big-endian index holds a msgpack block, 'h' holds the
// number of stored blocks. Both are written in one synced batch.
const (
	pebbleBlockPrefix byte = 'b'
	pebbleHeightKey   byte = 'h'
)

// PebbleStore keeps the chain in an embedded Pebble key-value store.
type PebbleStore struct {
	mu     sync.Mutex
	db     *pebble.DB
	dir    string
	tip    tip
	height int64
	loaded bool
	closed bool
}

// OpenPebbleStore opens (or creates) a Pebble store in dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create pebble dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db, dir: dir}, nil
}

// Dir returns the store's directory.
func (s *PebbleStore) Dir() string { return s.dir }

func blockKey(index int64) []byte {
	k := make([]byte, 9)
	k[0] = pebbleBlockPrefix
	binary.BigEndian.PutUint64(k[1:], uint64(index))
	return k
}

func heightValue(n int64) []byte {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(n))
	return v
}

func encodeBlock(b *block.Block) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBlock(raw []byte) (*block.Block, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.SetCustomStructTag("json")
	var b block.Block
	if err := dec.Decode(&b); err != nil {
		return nil, err
	}
	b.Timestamp = b.Timestamp.UTC()
	return &b, nil
}

// Load implements Store.
func (s *PebbleStore) Load(ctx context.Context) ([]*block.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.loadLocked(ctx)
}

func (s *PebbleStore) loadLocked(ctx context.Context) ([]*block.Block, error) {
	height, err := s.readHeight()
	if err != nil {
		return nil, err
	}

	blocks := make([]*block.Block, 0, height)
	for i := int64(0); i < height; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, closer, err := s.db.Get(blockKey(i))
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, corruptf(i, "block missing below height %d", height)
		}
		if err != nil {
			return nil, fmt.Errorf("read block %d: %w", i, err)
		}
		b, err := decodeBlock(raw)
		_ = closer.Close()
		if err != nil {
			return nil, corruptf(i, "undecodable record: %v", err)
		}
		blocks = append(blocks, b)
	}

	s.tip = tip{}
	if n := len(blocks); n > 0 {
		s.tip.advance(blocks[n-1])
	}
	s.height = height
	s.loaded = true
	return blocks, nil
}

func (s *PebbleStore) readHeight() (int64, error) {
	raw, closer, err := s.db.Get([]byte{pebbleHeightKey})
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read height: %w", err)
	}
	defer closer.Close() //nolint:errcheck
	if len(raw) != 8 {
		return 0, corruptf(0, "height record has %d bytes", len(raw))
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

// Append implements Store.
func (s *PebbleStore) Append(ctx context.Context, b *block.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.loaded {
		if _, err := s.loadLocked(ctx); err != nil {
			return err
		}
	}
	if err := s.tip.check(b); err != nil {
		return err
	}

	raw, err := encodeBlock(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck
	if err := batch.Set(blockKey(b.Index), raw, nil); err != nil {
		return fmt.Errorf("stage block: %w", err)
	}
	if err := batch.Set([]byte{pebbleHeightKey}, heightValue(b.Index+1), nil); err != nil {
		return fmt.Errorf("stage height: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}

	s.tip.advance(b)
	s.height = b.Index + 1
	return nil
}

// Close implements Store.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
