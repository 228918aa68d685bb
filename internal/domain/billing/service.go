package billing

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PatientVerifier answers whether a patient reference exists in the patient
// service. A non-nil error means the question could not be answered.
type PatientVerifier interface {
	VerifyPatientExists(ctx context.Context, patientRef string) (bool, error)
}

// Service is the bill ledger. It owns bill creation and reads, and routes
// every mutation of an existing bill through the Guard.
type Service struct {
	bills    BillRepository
	patients PatientVerifier
	guard    *Guard
	payments *PaymentProcessor
	logger   zerolog.Logger
	metrics  Recorder
	now      func() time.Time
	newID    func() uuid.UUID
}

// Options tunes a Service. The zero value uses defaults.
type Options struct {
	// MaxRetries bounds retries after a version conflict. Use NoRetries to
	// fail on the first conflict.
	MaxRetries int
	Logger     zerolog.Logger
	// Metrics defaults to a no-op recorder.
	Metrics Recorder
}

func NewService(bills BillRepository, patients PatientVerifier, opts Options) *Service {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	guard := NewGuard(bills, opts.MaxRetries, opts.Logger)
	guard.metrics = metrics
	return &Service{
		bills:    bills,
		patients: patients,
		guard:    guard,
		payments: NewPaymentProcessor(),
		logger:   opts.Logger,
		metrics:  metrics,
		now:      time.Now,
		newID:    uuid.New,
	}
}

// -- Bill --

// CreateBill verifies the patient, validates the items and stores a new
// pending bill at version 0.
func (s *Service) CreateBill(ctx context.Context, patientRef string, inputs []ItemInput) (*Bill, error) {
	patientRef = strings.TrimSpace(patientRef)
	if patientRef == "" {
		return nil, &UnknownPatientError{}
	}

	exists, err := s.patients.VerifyPatientExists(ctx, patientRef)
	if err != nil {
		return nil, &DependencyUnavailableError{Dependency: "patient service", Err: err}
	}
	if !exists {
		return nil, &UnknownPatientError{PatientRef: patientRef}
	}

	items, err := ValidateItems(inputs)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	b := &Bill{
		ID:         s.newID(),
		PatientRef: patientRef,
		Items:      items,
		Payments:   []Payment{},
		Version:    0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := b.recompute(); err != nil {
		return nil, err
	}
	if err := b.CheckInvariants(); err != nil {
		return nil, err
	}
	if err := s.bills.Insert(ctx, b); err != nil {
		return nil, err
	}
	s.metrics.BillCreated(b.Total)

	s.logger.Info().
		Str("bill_id", b.ID.String()).
		Str("patient_ref", patientRef).
		Int("items", len(items)).
		Int64("total", b.Total).
		Msg("bill created")
	return b, nil
}

// AddItem appends a line item to a pending bill.
func (s *Service) AddItem(ctx context.Context, id uuid.UUID, in ItemInput) (*Bill, error) {
	item, err := ValidateItem(-1, in)
	if err != nil {
		return nil, err
	}
	return s.guard.WithBill(ctx, id, func(b *Bill) (bool, error) {
		if b.Status != StatusPending {
			return false, &InvalidStateError{BillID: b.ID, Op: "add item to", Status: b.Status}
		}
		b.Items = append(b.Items, item)
		if err := b.recompute(); err != nil {
			return false, err
		}
		if b.AmountPaid > b.Total {
			return false, &InvariantViolationError{BillID: b.ID, Invariant: "no overpayment",
				Detail: fmt.Sprintf("amount paid %d exceeds total %d", b.AmountPaid, b.Total)}
		}
		return true, nil
	})
}

// PayBill applies a payment. Repeating a call with the same idempotency key
// returns the original payment without charging again.
func (s *Service) PayBill(ctx context.Context, id uuid.UUID, in PaymentInput) (*PaymentResult, error) {
	var (
		payment  Payment
		replayed bool
	)
	b, err := s.guard.WithBill(ctx, id, func(b *Bill) (bool, error) {
		var err error
		payment, replayed, err = s.payments.Apply(b, in)
		if err != nil {
			return false, err
		}
		return !replayed, nil
	})
	if err != nil {
		return nil, err
	}

	evt := s.logger.Info()
	msg := "payment applied"
	if replayed {
		s.metrics.PaymentReplayed()
		msg = "payment replayed"
		if amt, ok := minorUnits(in.Amount); !ok || amt != payment.Amount {
			evt = s.logger.Warn().Str("requested_amount", decimalText(in.Amount))
			msg = "payment replayed with different amount"
		}
	} else {
		s.metrics.PaymentApplied(payment.Amount)
	}
	evt.Str("bill_id", id.String()).
		Str("payment_id", payment.ID.String()).
		Str("idempotency_key", payment.IdempotencyKey).
		Int64("amount", payment.Amount).
		Int64("amount_paid", b.AmountPaid).
		Str("status", string(b.Status)).
		Msg(msg)

	return &PaymentResult{Bill: b, Payment: payment, Replayed: replayed}, nil
}

// CancelBill cancels a bill that has no payments. There is no refund path,
// so paid and partially paid bills cannot be cancelled.
func (s *Service) CancelBill(ctx context.Context, id uuid.UUID) (*Bill, error) {
	b, err := s.guard.WithBill(ctx, id, func(b *Bill) (bool, error) {
		if b.AmountPaid != 0 {
			return false, &InvalidStateError{BillID: b.ID, Op: "cancel", Status: b.Status,
				Reason: fmt.Sprintf("amount paid %d must be 0", b.AmountPaid)}
		}
		if b.Status != StatusPending {
			return false, &InvalidStateError{BillID: b.ID, Op: "cancel", Status: b.Status}
		}
		at := s.now().UTC()
		b.CancelledAt = &at
		b.Status = DeriveStatus(b.AmountPaid, b.Total, true)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.BillCancelled()
	s.logger.Info().Str("bill_id", id.String()).Msg("bill cancelled")
	return b, nil
}

// GetBill returns the last committed snapshot of a bill.
func (s *Service) GetBill(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return s.bills.Get(ctx, id)
}

// ListBills returns a lazy, single-pass sequence of matching bills. Ranging
// over it again starts a new pass over the store.
func (s *Service) ListBills(ctx context.Context, f BillFilter) iter.Seq2[*Bill, error] {
	return s.bills.List(ctx, f)
}
