package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxRetries is how many times a conflicting write is retried after
// the first attempt.
const DefaultMaxRetries = 5

// NoRetries makes a guard give up on the first version conflict.
const NoRetries = -1

// Mutation computes the next state of a bill from a private snapshot. It
// must not have side effects outside the snapshot because it is re-run on
// every retry. Returning commit=false leaves the stored bill untouched.
type Mutation func(b *Bill) (commit bool, err error)

// Guard serializes mutations of a single bill with optimistic concurrency:
// read, compute, then write only if the stored version is unchanged. No lock
// is held while talking to the store.
type Guard struct {
	repo       BillRepository
	maxRetries int
	now        func() time.Time
	logger     zerolog.Logger
	metrics    Recorder
}

// NewGuard returns a guard over repo. maxRetries == 0 selects
// DefaultMaxRetries and any negative value disables retry.
func NewGuard(repo BillRepository, maxRetries int, logger zerolog.Logger) *Guard {
	switch {
	case maxRetries == 0:
		maxRetries = DefaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	return &Guard{repo: repo, maxRetries: maxRetries, now: time.Now, logger: logger, metrics: nopRecorder{}}
}

// WithBill applies fn to the latest snapshot of bill id and commits the
// result with version+1. Version conflicts restart the whole cycle up to the
// retry bound; every other error is returned unchanged.
func (g *Guard) WithBill(ctx context.Context, id uuid.UUID, fn Mutation) (*Bill, error) {
	attempts := g.maxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := g.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		commit, err := fn(next)
		if err != nil {
			return nil, err
		}
		if !commit {
			return current, nil
		}

		if err := next.recompute(); err != nil {
			return nil, err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = g.now().UTC()
		if err := next.CheckInvariants(); err != nil {
			g.logger.Error().Err(err).Str("bill_id", id.String()).Msg("refusing to persist inconsistent bill")
			return nil, err
		}

		err = g.repo.ReplaceIfVersion(ctx, next, current.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		g.metrics.VersionConflict()
		g.logger.Debug().
			Str("bill_id", id.String()).
			Int64("expected_version", current.Version).
			Int("attempt", attempt).
			Msg("bill version conflict, retrying")
	}

	g.metrics.RetriesExhausted()
	g.logger.Warn().Str("bill_id", id.String()).Int("attempts", attempts).Msg("bill retries exhausted")
	return nil, &ConcurrentModificationError{BillID: id, Attempts: attempts}
}
