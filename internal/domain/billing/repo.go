package billing

import (
	"context"
	"iter"

	"github.com/google/uuid"
)

// BillRepository persists whole bill snapshots. Only the guard calls
// ReplaceIfVersion; nothing else writes an existing bill.
type BillRepository interface {
	// Insert stores a new bill.
	Insert(ctx context.Context, b *Bill) error
	// Get returns the last committed snapshot, or *NotFoundError.
	Get(ctx context.Context, id uuid.UUID) (*Bill, error)
	// ReplaceIfVersion overwrites the stored bill only when its version is
	// still expected. Otherwise it returns ErrVersionConflict.
	ReplaceIfVersion(ctx context.Context, b *Bill, expected int64) error
	// List yields matching bills ordered by creation time in a single pass.
	// Each call starts a fresh pass.
	List(ctx context.Context, f BillFilter) iter.Seq2[*Bill, error]
}
