package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmerrifield20/auditledger/internal/block"
)

// maxLineSize bounds a single encoded block in a chain file.
const maxLineSize = 16 << 20

// FileStore persists the chain as JSON Lines: one block per line, appended
// with O_APPEND and fsynced before Append returns. A failed write is
// truncated away, so the file only ever holds whole blocks.
type FileStore struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	tip    tip
	loaded bool
	closed bool
}

// NewFileStore returns a FileStore at path, creating its directory.
// The file itself is created on the first append.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("chain file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create chain dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the chain file location.
func (s *FileStore) Path() string { return s.path }

// Load implements Store. A line that does not decode is reported as a
// *CorruptError naming its position.
func (s *FileStore) Load(_ context.Context) ([]*block.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.loadLocked()
}

func (s *FileStore) loadLocked() ([]*block.Block, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.tip = tip{}
		s.loaded = true
		return []*block.Block{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open chain file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	blocks, err := decodeLines(f)
	if err != nil {
		return nil, err
	}

	s.tip = tip{}
	if n := len(blocks); n > 0 {
		s.tip.advance(blocks[n-1])
	}
	s.loaded = true
	return blocks, nil
}

func decodeLines(r io.Reader) ([]*block.Block, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	blocks := []*block.Block{}
	var pos int64
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var b block.Block
		if err := json.Unmarshal(line, &b); err != nil {
			return nil, corruptf(pos, "undecodable record: %v", err)
		}
		blocks = append(blocks, &b)
		pos++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read chain file: %w", err)
	}
	return blocks, nil
}

// Append implements Store.
func (s *FileStore) Append(_ context.Context, b *block.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.loaded {
		if _, err := s.loadLocked(); err != nil {
			return err
		}
	}
	if err := s.tip.check(b); err != nil {
		return err
	}

	line, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode block %d: %w", b.Index, err)
	}
	line = append(line, '\n')

	if s.f == nil {
		f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open chain file: %w", err)
		}
		s.f = f
	}
	info, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("stat chain file: %w", err)
	}
	size := info.Size()

	if _, err := s.f.Write(line); err != nil {
		return s.rollback(size, fmt.Errorf("write block %d: %w", b.Index, err))
	}
	if err := s.f.Sync(); err != nil {
		return s.rollback(size, fmt.Errorf("sync block %d: %w", b.Index, err))
	}

	s.tip.advance(b)
	return nil
}

// rollback cuts the file back to size after a failed append.
func (s *FileStore) rollback(size int64, cause error) error {
	if err := s.f.Truncate(size); err != nil {
		return errors.Join(cause, fmt.Errorf("truncate chain file: %w", err))
	}
	return cause
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ExportJSON writes blocks as a single indented JSON array, the layout of a
// whole-chain document.
func ExportJSON(w io.Writer, blocks []*block.Block) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(blocks); err != nil {
		return fmt.Errorf("export chain: %w", err)
	}
	return nil
}

// ReadJSON reads a chain written by ExportJSON.
func ReadJSON(r io.Reader) ([]*block.Block, error) {
	var blocks []*block.Block
	if err := json.NewDecoder(r).Decode(&blocks); err != nil {
		return nil, fmt.Errorf("read chain document: %w", err)
	}
	return blocks, nil
}
