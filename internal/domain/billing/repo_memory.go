package billing

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// =========== In-memory Bill Repository ===========

// memoryBillRepo keeps snapshots in a map. Every value crossing the boundary
// is cloned so callers never share memory with the store.
type memoryBillRepo struct {
	mu    sync.RWMutex
	bills map[uuid.UUID]*Bill
}

// NewBillRepoMemory returns a process-local repository, used in development
// mode and tests.
func NewBillRepoMemory() BillRepository {
	return &memoryBillRepo{bills: make(map[uuid.UUID]*Bill)}
}

func (r *memoryBillRepo) Insert(_ context.Context, b *Bill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bills[b.ID]; ok {
		return fmt.Errorf("bill %s already exists", b.ID)
	}
	r.bills[b.ID] = b.Clone()
	return nil
}

func (r *memoryBillRepo) Get(_ context.Context, id uuid.UUID) (*Bill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bills[id]
	if !ok {
		return nil, &NotFoundError{BillID: id}
	}
	return b.Clone(), nil
}

func (r *memoryBillRepo) ReplaceIfVersion(_ context.Context, b *Bill, expected int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.bills[b.ID]
	if !ok {
		return &NotFoundError{BillID: b.ID}
	}
	if cur.Version != expected {
		return ErrVersionConflict
	}
	r.bills[b.ID] = b.Clone()
	return nil
}

func (r *memoryBillRepo) List(ctx context.Context, f BillFilter) iter.Seq2[*Bill, error] {
	return func(yield func(*Bill, error) bool) {
		r.mu.RLock()
		matched := make([]*Bill, 0, len(r.bills))
		for _, b := range r.bills {
			if f.Matches(b) {
				matched = append(matched, b.Clone())
			}
		}
		r.mu.RUnlock()

		sort.Slice(matched, func(i, j int) bool {
			if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
				return matched[i].ID.String() < matched[j].ID.String()
			}
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		})

		for _, b := range matched {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}
