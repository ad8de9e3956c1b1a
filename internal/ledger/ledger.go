// Package ledger maintains the in-memory view of the audit chain, appends new
// events to it and keeps it in step with a durable Store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/block"
	"github.com/jmerrifield20/auditledger/internal/canonical"
	"github.com/jmerrifield20/auditledger/pkg/merkle"
)

// Signer signs and checks event digests. *identity.Authority implements it.
type Signer interface {
	Sign(digest string) (string, error)
	Verify(digest, signature string) bool
	PublicKeyPEM() (string, error)
}

// Options configures a Ledger.
type Options struct {
	// Difficulty is the number of leading '0' hex characters a block hash
	// needs. Blocks are checked against the configured value on load, so
	// raising it makes existing chains fail full verification.
	Difficulty int
	// MaxSealAttempts caps the nonce search per block. Zero means no cap
	// when SealTimeout is set.
	MaxSealAttempts uint64
	// SealTimeout caps the wall-clock time spent sealing a block. When both
	// limits are zero, Open applies the DefaultOptions limits.
	SealTimeout time.Duration
	// VerifyOnLoad re-checks every hash, proof of work and signature when
	// the chain is loaded. Structural checks always run.
	VerifyOnLoad bool
	// Now is the ledger's clock. Defaults to time.Now.
	Now func() time.Time
	// OnAppend, when set, receives a copy of every block once it is
	// published. It runs while appends are serialized and must not block.
	OnAppend func(b *block.Block)
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Difficulty:      4,
		MaxSealAttempts: 50_000_000,
		SealTimeout:     30 * time.Second,
		VerifyOnLoad:    true,
	}
}

func (o Options) sealOptions() block.SealOptions {
	return block.SealOptions{
		Difficulty:  o.Difficulty,
		MaxAttempts: o.MaxSealAttempts,
		Timeout:     o.SealTimeout,
	}
}

// Ledger is the append-only audit chain.
//
// Appends are serialized by writeMu. The reader lock mu is held only to
// snapshot the tip and to publish a persisted block, never while sealing or
// writing, so readers always see either the chain before an append or the
// chain after it.
type Ledger struct {
	store  Store
	signer Signer
	opts   Options
	logger *zap.Logger

	writeMu sync.Mutex

	mu    sync.RWMutex
	chain []*block.Block
}

// Open loads the chain from store. An empty store gets a freshly sealed and
// persisted genesis block. A persisted chain that fails validation is
// reported as a *CorruptError; a store that cannot be read as a
// *StorageError.
func Open(ctx context.Context, store Store, signer Signer, opts Options, logger *zap.Logger) (*Ledger, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxSealAttempts == 0 && opts.SealTimeout <= 0 {
		def := DefaultOptions()
		opts.MaxSealAttempts = def.MaxSealAttempts
		opts.SealTimeout = def.SealTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{store: store, signer: signer, opts: opts, logger: logger}

	blocks, err := store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrChainCorrupt) {
			return nil, err
		}
		return nil, &StorageError{Op: "load", Err: err}
	}

	if len(blocks) == 0 {
		if err := l.createGenesis(ctx); err != nil {
			return nil, err
		}
		auditChainHeight.Set(1)
		return l, nil
	}

	if err := ValidateChain(blocks, opts.Difficulty, opts.VerifyOnLoad, signer.Verify); err != nil {
		logger.Error("persisted chain failed validation", zap.Error(err))
		return nil, err
	}
	l.chain = blocks
	auditChainHeight.Set(float64(len(blocks)))

	tip := blocks[len(blocks)-1]
	logger.Info("chain loaded",
		zap.Int("blocks", len(blocks)),
		zap.String("tip", tip.Hash),
		zap.Bool("full_verification", opts.VerifyOnLoad),
	)
	return l, nil
}

func (l *Ledger) createGenesis(ctx context.Context) error {
	g := block.Genesis(l.opts.Now())
	res, err := block.Seal(ctx, g, l.opts.sealOptions())
	if err != nil {
		return fmt.Errorf("seal genesis: %w", err)
	}
	recordSeal(res.Attempts, res.Duration.Seconds())

	if err := l.store.Append(ctx, g); err != nil {
		return &StorageError{Op: "append genesis", Err: err}
	}
	l.chain = []*block.Block{g}
	l.logger.Info("genesis block created",
		zap.String("hash", g.Hash),
		zap.Uint64("nonce", g.Nonce),
	)
	return nil
}

// AppendEvent records one event. The payload must be a JSON document; its
// canonical (RFC 8785) form is digested, signed, sealed into a new block and
// durably stored before the block becomes visible.
func (l *Ledger) AppendEvent(ctx context.Context, eventType, referenceID, actor string, payload []byte) (*block.Block, error) {
	return l.AppendBatch(ctx, eventType, referenceID, actor, [][]byte{payload})
}

// AppendBatch records several payloads under one block. The block's Merkle
// root covers every payload digest; the signature covers the first.
func (l *Ledger) AppendBatch(ctx context.Context, eventType, referenceID, actor string, payloads [][]byte) (*block.Block, error) {
	if eventType == "" || referenceID == "" || actor == "" {
		return nil, fmt.Errorf("%w: event_type, reference_id and actor are required", ErrInvalidEvent)
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("%w: at least one payload is required", ErrInvalidEvent)
	}

	leaves := make([]string, len(payloads))
	for i, p := range payloads {
		canon, err := canonical.Transform(p)
		if err != nil {
			return nil, fmt.Errorf("%w: payload %d: %v", ErrInvalidEvent, i, err)
		}
		leaves[i] = merkle.Sum(canon)
	}

	sig, err := l.signer.Sign(leaves[0])
	if err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	return l.append(ctx, eventType, referenceID, actor, leaves, sig)
}

func (l *Ledger) append(ctx context.Context, eventType, referenceID, actor string, leaves []string, sig string) (*block.Block, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.RLock()
	prev := l.chain[len(l.chain)-1]
	l.mu.RUnlock()

	b := block.New(prev.Index+1, eventType, referenceID, actor, leaves, sig, prev.Hash, l.opts.Now())

	res, err := block.Seal(ctx, b, l.opts.sealOptions())
	if err != nil {
		recordAppendFailure("seal")
		l.logger.Warn("block sealing failed",
			zap.Int64("index", b.Index),
			zap.Uint64("attempts", res.Attempts),
			zap.Duration("elapsed", res.Duration),
			zap.Error(err),
		)
		return nil, err
	}
	recordSeal(res.Attempts, res.Duration.Seconds())

	if err := l.store.Append(ctx, b); err != nil {
		recordAppendFailure("storage")
		l.logger.Error("persist block failed",
			zap.Int64("index", b.Index),
			zap.Error(err),
		)
		return nil, &StorageError{Op: "append", Err: err}
	}

	l.mu.Lock()
	l.chain = append(l.chain, b)
	height := len(l.chain)
	l.mu.Unlock()

	recordAppend(eventType, height)
	l.logger.Debug("block appended",
		zap.Int64("index", b.Index),
		zap.String("event_type", b.EventType),
		zap.String("reference_id", b.ReferenceID),
		zap.Uint64("nonce", b.Nonce),
		zap.Duration("seal_duration", res.Duration),
	)
	if l.opts.OnAppend != nil {
		l.opts.OnAppend(b.Clone())
	}
	return b.Clone(), nil
}

// VerifySignature reports whether b carries a valid authority signature over
// its first leaf hash. Unsigned blocks, genesis included, report false.
func (l *Ledger) VerifySignature(b *block.Block) bool {
	if b == nil || b.Signature == "" || len(b.LeafHashes) == 0 {
		return false
	}
	return l.signer.Verify(b.DataHash(), b.Signature)
}

// List returns a copy of the whole chain in index order.
func (l *Ledger) List() []*block.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*block.Block, len(l.chain))
	for i, b := range l.chain {
		out[i] = b.Clone()
	}
	return out
}

// Get returns a copy of the block at index.
func (l *Ledger) Get(index int64) (*block.Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= int64(len(l.chain)) {
		return nil, fmt.Errorf("%w: index %d", ErrBlockNotFound, index)
	}
	return l.chain[index].Clone(), nil
}

// History returns copies of every block recorded under referenceID.
func (l *Ledger) History(referenceID string) []*block.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*block.Block
	for _, b := range l.chain {
		if b.ReferenceID == referenceID {
			out = append(out, b.Clone())
		}
	}
	return out
}

// Len returns the number of blocks, genesis included.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain)
}

// Tip returns a copy of the newest block.
func (l *Ledger) Tip() *block.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain[len(l.chain)-1].Clone()
}

// Root returns the hash of the newest block.
func (l *Ledger) Root() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain[len(l.chain)-1].Hash
}

// Difficulty returns the configured proof-of-work difficulty.
func (l *Ledger) Difficulty() int { return l.opts.Difficulty }

// PublicKeyPEM returns the authority's public key.
func (l *Ledger) PublicKeyPEM() (string, error) { return l.signer.PublicKeyPEM() }

// Proof returns the Merkle inclusion proof of leaf within block index and
// that block's Merkle root. The genesis block's root is EmptyRoot, which no
// proof verifies against, so it reports ErrLeafNotFound for every leaf.
func (l *Ledger) Proof(index int64, leaf string) (merkle.Path, string, error) {
	b, err := l.Get(index)
	if err != nil {
		return nil, "", err
	}
	if b.MerkleRoot == merkle.EmptyRoot {
		return nil, "", fmt.Errorf("block %d has no provable leaves: %w", index, merkle.ErrLeafNotFound)
	}
	proof, err := merkle.Proof(b.LeafHashes, leaf)
	if err != nil {
		return nil, "", fmt.Errorf("block %d: %w", index, err)
	}
	return proof, b.MerkleRoot, nil
}

// Verify re-validates the whole in-memory chain: structure, hashes, proof of
// work and signatures.
func (l *Ledger) Verify(ctx context.Context) error {
	blocks := l.List()
	if err := ctx.Err(); err != nil {
		return err
	}
	return ValidateChain(blocks, l.opts.Difficulty, true, l.signer.Verify)
}

// Audit reloads the persisted chain, validates it in full and checks that it
// still holds every block the ledger has published. It catches edits made to
// the store behind the ledger's back. Blocks persisted by an append that has
// not been published yet are validated but not compared.
func (l *Ledger) Audit(ctx context.Context) error {
	published := l.List()
	stored, err := l.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrChainCorrupt) {
			return err
		}
		return &StorageError{Op: "audit", Err: err}
	}
	if err := ValidateChain(stored, l.opts.Difficulty, true, l.signer.Verify); err != nil {
		return err
	}
	if len(stored) < len(published) {
		return corruptf(int64(len(stored)), "store holds %d blocks, ledger published %d", len(stored), len(published))
	}
	for i, b := range published {
		if stored[i].Hash != b.Hash {
			return corruptf(int64(i), "stored hash %s differs from published %s", stored[i].Hash, b.Hash)
		}
	}
	return nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.store.Close()
}

// ValidateChain checks blocks as a chain. Structural checks (positions,
// linkage, Merkle roots, required fields) always run; when full is set every
// stored hash is recomputed and checked against difficulty, and every
// non-genesis signature is checked with verify. The first failure is
// returned as a *CorruptError.
func ValidateChain(blocks []*block.Block, difficulty int, full bool, verify func(digest, signature string) bool) error {
	if len(blocks) == 0 {
		return corruptf(0, "chain is empty")
	}
	for i, b := range blocks {
		if b == nil {
			return corruptf(int64(i), "missing block")
		}
		if b.Index != int64(i) {
			return corruptf(int64(i), "block at position %d has index %d", i, b.Index)
		}
		if err := block.Validate(b, difficulty, full); err != nil {
			return corruptf(b.Index, "%v", err)
		}
		if i == 0 {
			if b.PreviousHash != block.GenesisLink {
				return corruptf(0, "genesis previous_hash is %q, want %q", b.PreviousHash, block.GenesisLink)
			}
			continue
		}
		if err := block.ValidateLink(blocks[i-1], b); err != nil {
			return corruptf(b.Index, "%v", err)
		}
		if full && (verify == nil || !verify(b.DataHash(), b.Signature)) {
			return corruptf(b.Index, "signature does not verify")
		}
	}
	return nil
}
