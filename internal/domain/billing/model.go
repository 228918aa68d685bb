package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the derived lifecycle state of a bill.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partial"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusPending: true, StatusPartial: true, StatusPaid: true, StatusCancelled: true,
}

// ParseStatus validates a status string coming from a caller.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !validStatuses[st] {
		return "", fmt.Errorf("invalid bill status: %s", s)
	}
	return st, nil
}

// Terminal reports whether no further mutation is allowed in this status.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

// DeriveStatus computes the status from the bill's amounts and its
// cancellation flag.
func DeriveStatus(amountPaid, total int64, cancelled bool) Status {
	switch {
	case cancelled:
		return StatusCancelled
	case total > 0 && amountPaid == total:
		return StatusPaid
	case amountPaid > 0 && amountPaid < total:
		return StatusPartial
	default:
		return StatusPending
	}
}

// Item is a validated line item. LineTotal is always Cost * Qty.
type Item struct {
	Description string `json:"description"`
	Cost        int64  `json:"cost"`
	Qty         int64  `json:"qty"`
	LineTotal   int64  `json:"line_total"`
}

// Payment is one amount applied against a bill.
type Payment struct {
	ID             uuid.UUID `json:"id"`
	BillID         uuid.UUID `json:"bill_id"`
	Amount         int64     `json:"amount"`
	Method         string    `json:"method"`
	IdempotencyKey string    `json:"idempotency_key"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Bill is the invoice aggregate for one patient encounter. All amounts are
// integer minor currency units.
type Bill struct {
	ID          uuid.UUID  `json:"id"`
	PatientRef  string     `json:"patient_ref"`
	Items       []Item     `json:"items"`
	Payments    []Payment  `json:"payments"`
	Total       int64      `json:"total"`
	AmountPaid  int64      `json:"amount_paid"`
	Status      Status     `json:"status"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Balance is the amount still owed.
func (b *Bill) Balance() int64 {
	return b.Total - b.AmountPaid
}

// Cancelled reports whether the bill was explicitly cancelled.
func (b *Bill) Cancelled() bool {
	return b.CancelledAt != nil
}

// Clone returns a deep copy so a snapshot can be mutated without touching
// the stored original.
func (b *Bill) Clone() *Bill {
	if b == nil {
		return nil
	}
	c := *b
	c.Items = append(make([]Item, 0, len(b.Items)), b.Items...)
	c.Payments = append(make([]Payment, 0, len(b.Payments)), b.Payments...)
	if b.CancelledAt != nil {
		t := *b.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}

// PaymentByKey returns the payment recorded under an idempotency key.
func (b *Bill) PaymentByKey(key string) (Payment, bool) {
	for _, p := range b.Payments {
		if p.IdempotencyKey == key {
			return p, true
		}
	}
	return Payment{}, false
}

// recompute refreshes Total, AmountPaid and Status from items and payments.
func (b *Bill) recompute() error {
	total, ok := sumLineTotals(b.Items)
	if !ok {
		return &InvariantViolationError{BillID: b.ID, Invariant: "total", Detail: "sum of line totals overflows"}
	}
	var paid int64
	for _, p := range b.Payments {
		paid, ok = addMinor(paid, p.Amount)
		if !ok {
			return &InvariantViolationError{BillID: b.ID, Invariant: "amount_paid", Detail: "sum of payments overflows"}
		}
	}
	b.Total = total
	b.AmountPaid = paid
	b.Status = DeriveStatus(paid, total, b.Cancelled())
	return nil
}

// CheckInvariants verifies the aggregate is internally consistent. It is run
// on every candidate state before it is written.
func (b *Bill) CheckInvariants() error {
	violation := func(name, format string, args ...interface{}) error {
		return &InvariantViolationError{BillID: b.ID, Invariant: name, Detail: fmt.Sprintf(format, args...)}
	}

	if len(b.Items) == 0 {
		return violation("non-empty items", "bill has no items")
	}
	var total int64
	for i, it := range b.Items {
		if it.Qty < 1 || it.Cost < 0 || it.Cost*it.Qty != it.LineTotal {
			return violation("line total", "item %d has cost %d qty %d line total %d", i, it.Cost, it.Qty, it.LineTotal)
		}
		total += it.LineTotal
	}
	if total != b.Total {
		return violation("total", "total %d != sum of line totals %d", b.Total, total)
	}

	var paid int64
	seen := make(map[string]bool, len(b.Payments))
	for i, p := range b.Payments {
		if p.Amount <= 0 {
			return violation("payment amount", "payment %d has amount %d", i, p.Amount)
		}
		if seen[p.IdempotencyKey] {
			return violation("unique idempotency keys", "key %q recorded twice", p.IdempotencyKey)
		}
		seen[p.IdempotencyKey] = true
		paid += p.Amount
	}
	if paid != b.AmountPaid {
		return violation("amount paid", "amount paid %d != sum of payments %d", b.AmountPaid, paid)
	}
	if b.AmountPaid > b.Total {
		return violation("no overpayment", "amount paid %d exceeds total %d", b.AmountPaid, b.Total)
	}
	if want := DeriveStatus(b.AmountPaid, b.Total, b.Cancelled()); b.Status != want {
		return violation("derived status", "status %s, expected %s", b.Status, want)
	}
	return nil
}

// BillFilter narrows ListBills. Zero fields match everything.
type BillFilter struct {
	PatientRef string
	Status     Status
}

// Matches reports whether b satisfies the filter.
func (f BillFilter) Matches(b *Bill) bool {
	if f.PatientRef != "" && b.PatientRef != f.PatientRef {
		return false
	}
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	return true
}
