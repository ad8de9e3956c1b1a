package block

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSealingTimeout is returned when no qualifying nonce was found within the
// attempt budget, the wall-clock budget, or before the context ended.
var ErrSealingTimeout = errors.New("sealing timed out")

// ctxCheckInterval is how many attempts run between context checks.
const ctxCheckInterval = 1 << 12

// DefaultMaxAttempts is the attempt cap used when SealOptions sets neither
// MaxAttempts nor Timeout.
const DefaultMaxAttempts = 50_000_000

// SealOptions bounds the proof-of-work search.
type SealOptions struct {
	// Difficulty is the number of leading '0' hex characters required.
	Difficulty int
	// MaxAttempts caps the number of hashes tried. Zero means no cap, as
	// long as Timeout is set.
	MaxAttempts uint64
	// Timeout caps the wall-clock time spent. Zero means no cap.
	Timeout time.Duration
}

// Bounded returns o with DefaultMaxAttempts filled in when neither limit is
// set. A search is never left to run until the context ends.
func (o SealOptions) Bounded() SealOptions {
	if o.MaxAttempts == 0 && o.Timeout <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// SealResult describes a finished search.
type SealResult struct {
	Attempts uint64
	Duration time.Duration
}

// Seal searches nonces from zero until the block hash meets the difficulty,
// then sets b.Nonce and b.Hash. On failure b.Hash is left empty and b.Nonce is
// reset, so the block is never observable half-sealed.
func Seal(ctx context.Context, b *Block, opts SealOptions) (SealResult, error) {
	start := time.Now()
	opts = opts.Bounded()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	b.Hash = ""
	var attempts uint64
	for nonce := uint64(0); ; nonce++ {
		if opts.MaxAttempts > 0 && attempts >= opts.MaxAttempts {
			b.Nonce = 0
			return SealResult{Attempts: attempts, Duration: time.Since(start)},
				fmt.Errorf("%w: no nonce found in %d attempts at difficulty %d", ErrSealingTimeout, attempts, opts.Difficulty)
		}
		if attempts%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				b.Nonce = 0
				return SealResult{Attempts: attempts, Duration: time.Since(start)},
					fmt.Errorf("%w after %d attempts: %w", ErrSealingTimeout, attempts, err)
			}
		}

		b.Nonce = nonce
		h, err := CalculateHash(b)
		if err != nil {
			b.Nonce = 0
			return SealResult{Attempts: attempts, Duration: time.Since(start)}, err
		}
		attempts++
		if MeetsDifficulty(h, opts.Difficulty) {
			b.Hash = h
			return SealResult{Attempts: attempts, Duration: time.Since(start)}, nil
		}
	}
}
