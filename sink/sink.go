// Package sink defines the consumer side of collection: completed rows are
// appended per target, exactly once per range per run, with dedup by block
// number left to the implementation.
package sink

import (
	"context"

	"github.com/go-errors/errors"

	"github.com/loopfi/loop-harvester/models"
)

// ErrMaxBlockUnsupported is returned by sinks that have no reliable way to
// report their maximum committed block; callers fall back to the stored
// watermark.
var ErrMaxBlockUnsupported = errors.New("sink cannot report max committed block")

type Sink interface {
	// Append stores completed rows for a target, given in increasing block
	// order. Implementations must be idempotent under at-least-once
	// delivery: re-appending an already committed block adds nothing.
	Append(ctx context.Context, target models.Target, rows []models.Row) error

	// MaxBlockNumber reports the highest committed block for the target and
	// whether any rows exist at all.
	MaxBlockNumber(ctx context.Context, target models.TargetID) (int64, bool, error)
}

// Multi fans rows out to several sinks in order. Its max block is the
// minimum across sinks that can report one, so watermark reconciliation
// re-fetches conservatively rather than risking a gap.
type Multi []Sink

var _ Sink = Multi{}

func (m Multi) Append(ctx context.Context, target models.Target, rows []models.Row) error {
	for _, s := range m {
		if err := s.Append(ctx, target, rows); err != nil {
			// remaining sinks catch up on redelivery; dedup makes it safe
			return err
		}
	}
	return nil
}

func (m Multi) MaxBlockNumber(ctx context.Context, target models.TargetID) (int64, bool, error) {
	lowest := int64(0)
	supported := false
	seen := false
	for _, s := range m {
		n, ok, err := s.MaxBlockNumber(ctx, target)
		if errors.Is(err, ErrMaxBlockUnsupported) {
			continue
		}
		if err != nil {
			return 0, false, err
		}
		supported = true
		if !ok {
			// one sink has no rows at all: force a full re-fetch
			return 0, false, nil
		}
		if !seen || n < lowest {
			lowest = n
		}
		seen = true
	}
	if !supported {
		return 0, false, ErrMaxBlockUnsupported
	}
	return lowest, seen, nil
}
