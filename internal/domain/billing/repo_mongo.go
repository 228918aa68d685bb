package billing

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// BillCollection is the MongoDB collection holding bill documents.
const BillCollection = "bills"

// =========== MongoDB Bill Repository ===========

type itemModel struct {
	Description string `bson:"description"`
	Cost        int64  `bson:"cost"`
	Qty         int64  `bson:"qty"`
	LineTotal   int64  `bson:"line_total"`
}

type paymentModel struct {
	ID             string    `bson:"id"`
	Amount         int64     `bson:"amount"`
	Method         string    `bson:"method"`
	IdempotencyKey string    `bson:"idempotency_key"`
	RecordedAt     time.Time `bson:"recorded_at"`
}

type billModel struct {
	ID          string         `bson:"_id"`
	PatientRef  string         `bson:"patient_ref"`
	Items       []itemModel    `bson:"items"`
	Payments    []paymentModel `bson:"payments"`
	Total       int64          `bson:"total"`
	AmountPaid  int64          `bson:"amount_paid"`
	Status      string         `bson:"status"`
	Version     int64          `bson:"version"`
	CreatedAt   time.Time      `bson:"created_at"`
	UpdatedAt   time.Time      `bson:"updated_at"`
	CancelledAt *time.Time     `bson:"cancelled_at,omitempty"`
}

func toBillModel(b *Bill) *billModel {
	m := &billModel{
		ID:          b.ID.String(),
		PatientRef:  b.PatientRef,
		Items:       make([]itemModel, 0, len(b.Items)),
		Payments:    make([]paymentModel, 0, len(b.Payments)),
		Total:       b.Total,
		AmountPaid:  b.AmountPaid,
		Status:      string(b.Status),
		Version:     b.Version,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
		CancelledAt: b.CancelledAt,
	}
	for _, it := range b.Items {
		m.Items = append(m.Items, itemModel(it))
	}
	for _, p := range b.Payments {
		m.Payments = append(m.Payments, paymentModel{
			ID:             p.ID.String(),
			Amount:         p.Amount,
			Method:         p.Method,
			IdempotencyKey: p.IdempotencyKey,
			RecordedAt:     p.RecordedAt,
		})
	}
	return m
}

func fromBillModel(m *billModel) (*Bill, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse bill id %q: %w", m.ID, err)
	}
	b := &Bill{
		ID:          id,
		PatientRef:  m.PatientRef,
		Items:       make([]Item, 0, len(m.Items)),
		Payments:    make([]Payment, 0, len(m.Payments)),
		Total:       m.Total,
		AmountPaid:  m.AmountPaid,
		Status:      Status(m.Status),
		Version:     m.Version,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		CancelledAt: m.CancelledAt,
	}
	for _, it := range m.Items {
		b.Items = append(b.Items, Item(it))
	}
	for _, p := range m.Payments {
		pid, err := uuid.Parse(p.ID)
		if err != nil {
			return nil, fmt.Errorf("parse payment id %q: %w", p.ID, err)
		}
		b.Payments = append(b.Payments, Payment{
			ID:             pid,
			BillID:         id,
			Amount:         p.Amount,
			Method:         p.Method,
			IdempotencyKey: p.IdempotencyKey,
			RecordedAt:     p.RecordedAt,
		})
	}
	return b, nil
}

type billRepoMongo struct{ col *mongo.Collection }

// NewBillRepoMongo returns a repository storing one document per bill.
func NewBillRepoMongo(db *mongo.Database) BillRepository {
	return &billRepoMongo{col: db.Collection(BillCollection)}
}

// EnsureBillIndexes creates the secondary indexes used by List.
func EnsureBillIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(BillCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "patient_ref", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create %s indexes: %w", BillCollection, err)
	}
	return nil
}

func (r *billRepoMongo) Insert(ctx context.Context, b *Bill) error {
	if _, err := r.col.InsertOne(ctx, toBillModel(b)); err != nil {
		return fmt.Errorf("insert bill %s: %w", b.ID, err)
	}
	return nil
}

func (r *billRepoMongo) Get(ctx context.Context, id uuid.UUID) (*Bill, error) {
	var m billModel
	err := r.col.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &NotFoundError{BillID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get bill %s: %w", id, err)
	}
	return fromBillModel(&m)
}

func (r *billRepoMongo) ReplaceIfVersion(ctx context.Context, b *Bill, expected int64) error {
	res, err := r.col.ReplaceOne(ctx,
		bson.M{"_id": b.ID.String(), "version": expected},
		toBillModel(b))
	if err != nil {
		return fmt.Errorf("replace bill %s: %w", b.ID, err)
	}
	if res.MatchedCount == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *billRepoMongo) List(ctx context.Context, f BillFilter) iter.Seq2[*Bill, error] {
	return func(yield func(*Bill, error) bool) {
		filter := bson.M{}
		if f.PatientRef != "" {
			filter["patient_ref"] = f.PatientRef
		}
		if f.Status != "" {
			filter["status"] = string(f.Status)
		}
		opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

		cur, err := r.col.Find(ctx, filter, opts)
		if err != nil {
			yield(nil, fmt.Errorf("list bills: %w", err))
			return
		}
		defer cur.Close(ctx)

		for cur.Next(ctx) {
			var m billModel
			if err := cur.Decode(&m); err != nil {
				yield(nil, fmt.Errorf("decode bill: %w", err))
				return
			}
			b, err := fromBillModel(&m)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(b, nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(nil, fmt.Errorf("iterate bills: %w", err))
		}
	}
}
