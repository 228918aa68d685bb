package billing

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultPaymentMethod is recorded when a caller does not name one.
const DefaultPaymentMethod = "online"

// PaymentInput is a caller's request to apply money against a bill.
type PaymentInput struct {
	Amount         decimal.Decimal `json:"amount"`
	Method         string          `json:"method"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// NewPaymentInput builds a PaymentInput from integer minor units.
func NewPaymentInput(amount int64, method, key string) PaymentInput {
	return PaymentInput{Amount: decimal.NewFromInt(amount), Method: method, IdempotencyKey: key}
}

// PaymentResult is what a payment call returns. Replayed is true when the
// idempotency key matched an earlier payment and nothing was recorded.
type PaymentResult struct {
	Bill     *Bill   `json:"bill"`
	Payment  Payment `json:"payment"`
	Replayed bool    `json:"replayed"`
}

// PaymentProcessor applies payments to a bill snapshot. It does no I/O; the
// guard supplies the snapshot and persists the outcome.
type PaymentProcessor struct {
	now   func() time.Time
	newID func() uuid.UUID
}

// NewPaymentProcessor returns a processor using the wall clock and random ids.
func NewPaymentProcessor() *PaymentProcessor {
	return &PaymentProcessor{now: time.Now, newID: uuid.New}
}

// Apply records a payment on b in place. When the idempotency key was
// already used on this bill the stored payment is returned with
// replayed=true and b is not modified.
func (p *PaymentProcessor) Apply(b *Bill, in PaymentInput) (Payment, bool, error) {
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return Payment{}, false, &InvalidPaymentError{Field: "idempotency_key", Reason: "is required"}
	}
	if existing, ok := b.PaymentByKey(key); ok {
		return existing, true, nil
	}

	amount, ok := minorUnits(in.Amount)
	if !ok {
		return Payment{}, false, &InvalidAmountError{Value: decimalText(in.Amount), Reason: "must be a whole number of minor currency units"}
	}
	if amount <= 0 {
		return Payment{}, false, &InvalidAmountError{Value: decimalText(in.Amount), Reason: "must be > 0"}
	}

	if b.Status != StatusPending && b.Status != StatusPartial {
		return Payment{}, false, &InvalidStateError{BillID: b.ID, Op: "pay", Status: b.Status}
	}

	if remaining := b.Balance(); amount > remaining {
		return Payment{}, false, &OverpaymentError{BillID: b.ID, Amount: amount, Remaining: remaining}
	}

	method := strings.TrimSpace(in.Method)
	if method == "" {
		method = DefaultPaymentMethod
	}
	payment := Payment{
		ID:             p.newID(),
		BillID:         b.ID,
		Amount:         amount,
		Method:         method,
		IdempotencyKey: key,
		RecordedAt:     p.now().UTC(),
	}
	b.Payments = append(b.Payments, payment)
	if err := b.recompute(); err != nil {
		return Payment{}, false, err
	}
	return payment, false, nil
}
