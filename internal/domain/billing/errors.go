package billing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrVersionConflict is returned by a BillRepository when a conditional write
// observes a stored version different from the expected one. It never leaves
// the package: the guard retries on it and surfaces
// ConcurrentModificationError once retries are exhausted.
var ErrVersionConflict = errors.New("billing: bill version conflict")

// -- Validation --

// EmptyItemsError is returned when a bill is created without line items.
type EmptyItemsError struct{}

func (e *EmptyItemsError) Error() string {
	return "bill requires at least 1 item, got 0"
}

// InvalidItemError reports the first line item field that failed validation.
// Index is the position of the item in the request, or -1 for a single item.
type InvalidItemError struct {
	Index  int
	Field  string
	Value  string
	Reason string
}

func (e *InvalidItemError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("item %d: %s %q %s", e.Index, e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("item: %s %q %s", e.Field, e.Value, e.Reason)
}

// InvalidAmountError is returned for a payment amount that is not a positive
// whole number of minor units.
type InvalidAmountError struct {
	Value  string
	Reason string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("amount %s %s", e.Value, e.Reason)
}

// InvalidPaymentError reports a malformed payment request field other than
// the amount, such as a missing idempotency key.
type InvalidPaymentError struct {
	Field  string
	Reason string
}

func (e *InvalidPaymentError) Error() string {
	return fmt.Sprintf("payment %s %s", e.Field, e.Reason)
}

// -- State conflicts --

// InvalidStateError is returned when an operation is not allowed for the
// bill's current status.
type InvalidStateError struct {
	BillID uuid.UUID
	Op     string
	Status Status
	Reason string
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("cannot %s bill %s in status %s", e.Op, e.BillID, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// OverpaymentError is returned when a payment exceeds the outstanding balance.
type OverpaymentError struct {
	BillID    uuid.UUID
	Amount    int64
	Remaining int64
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("amount %d exceeds remaining balance %d", e.Amount, e.Remaining)
}

// -- Concurrency --

// ConcurrentModificationError is returned after the guard has exhausted its
// retries against concurrent writers of the same bill.
type ConcurrentModificationError struct {
	BillID   uuid.UUID
	Attempts int
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("bill %s was modified concurrently; gave up after %d attempts", e.BillID, e.Attempts)
}

// -- Not found --

// NotFoundError is returned for an unknown bill id.
type NotFoundError struct {
	BillID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("bill %s not found", e.BillID)
}

// -- Dependencies --

// UnknownPatientError is returned when the identity service positively
// answers that the patient reference does not exist.
type UnknownPatientError struct {
	PatientRef string
}

func (e *UnknownPatientError) Error() string {
	if e.PatientRef == "" {
		return "patient_ref is required"
	}
	return fmt.Sprintf("patient %q does not exist", e.PatientRef)
}

// DependencyUnavailableError wraps a failure to reach a collaborator service.
type DependencyUnavailableError struct {
	Dependency string
	Err        error
}

func (e *DependencyUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyUnavailableError) Unwrap() error { return e.Err }

// -- Internal --

// InvariantViolationError is returned when a candidate bill state breaks one
// of the ledger invariants. The write is aborted; nothing is persisted.
type InvariantViolationError struct {
	BillID    uuid.UUID
	Invariant string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("bill %s violates %s: %s", e.BillID, e.Invariant, e.Detail)
}

// IsValidation reports whether err is a caller input error.
func IsValidation(err error) bool {
	var (
		empty   *EmptyItemsError
		item    *InvalidItemError
		amount  *InvalidAmountError
		payment *InvalidPaymentError
	)
	return errors.As(err, &empty) || errors.As(err, &item) ||
		errors.As(err, &amount) || errors.As(err, &payment)
}

// IsConflict reports whether err is a state conflict the caller may resolve
// by inspecting the bill and retrying.
func IsConflict(err error) bool {
	var (
		state *InvalidStateError
		over  *OverpaymentError
		cm    *ConcurrentModificationError
	)
	return errors.As(err, &state) || errors.As(err, &over) || errors.As(err, &cm)
}
