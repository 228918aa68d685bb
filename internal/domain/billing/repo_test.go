package billing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// -- memory --

func TestMemoryRepo_IsolatesSnapshots(t *testing.T) {
	ctx := context.Background()
	repo := NewBillRepoMemory()
	b := newTestBill(item("Consultation", 10000, 1))
	if err := repo.Insert(ctx, b); err != nil {
		t.Fatalf("insert: %v", err)
	}
	b.Items[0].Cost = 1

	got, _ := repo.Get(ctx, b.ID)
	if got.Items[0].Cost != 10000 {
		t.Error("store shares memory with the inserted bill")
	}
	got.Items[0].Cost = 2
	again, _ := repo.Get(ctx, b.ID)
	if again.Items[0].Cost != 10000 {
		t.Error("store shares memory with returned bills")
	}

	if err := repo.Insert(ctx, b); err == nil {
		t.Error("expected duplicate insert to fail")
	}
}

func TestMemoryRepo_ReplaceIfVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewBillRepoMemory()
	b := newTestBill(item("Consultation", 10000, 1))
	_ = repo.Insert(ctx, b)

	next := b.Clone()
	next.Version = 1
	if err := repo.ReplaceIfVersion(ctx, next, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stale := b.Clone()
	stale.Version = 1
	if err := repo.ReplaceIfVersion(ctx, stale, 0); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	var nf *NotFoundError
	if err := repo.ReplaceIfVersion(ctx, newTestBill(item("X", 1, 1)), 0); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestMemoryRepo_ListOrderAndCancel(t *testing.T) {
	repo := NewBillRepoMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		b := newTestBill(item("X", 1, 1))
		b.CreatedAt = base.Add(time.Duration(2-i) * time.Hour)
		_ = repo.Insert(context.Background(), b)
		ids = append([]uuid.UUID{b.ID}, ids...)
	}

	i := 0
	for b, err := range repo.List(context.Background(), BillFilter{}) {
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if b.ID != ids[i] {
			t.Errorf("position %d: expected %s, got %s", i, ids[i], b.ID)
		}
		i++
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range repo.List(ctx, BillFilter{}) {
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		break
	}
}

// -- postgres --

type fakeRow struct {
	doc []byte
	err error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*[]byte)) = r.doc
	return nil
}

type fakeQueryable struct {
	row      fakeRow
	tag      pgconn.CommandTag
	queryErr error
	lastSQL  string
	lastArgs []interface{}
}

func (f *fakeQueryable) Query(_ context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	f.lastSQL, f.lastArgs = sql, args
	return nil, f.queryErr
}

func (f *fakeQueryable) QueryRow(_ context.Context, sql string, args ...interface{}) pgx.Row {
	f.lastSQL, f.lastArgs = sql, args
	return f.row
}

func (f *fakeQueryable) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.lastSQL, f.lastArgs = sql, args
	return f.tag, nil
}

func TestPGRepo_Get(t *testing.T) {
	b := newTestBill(item("Consultation", 10000, 1))
	doc, _ := json.Marshal(b)

	repo := NewBillRepoPG(&fakeQueryable{row: fakeRow{doc: doc}})
	got, err := repo.Get(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != b.ID || got.Total != 10000 || got.Status != StatusPending {
		t.Errorf("unexpected bill %+v", got)
	}

	repo = NewBillRepoPG(&fakeQueryable{row: fakeRow{err: pgx.ErrNoRows}})
	var nf *NotFoundError
	if _, err := repo.Get(context.Background(), b.ID); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestPGRepo_ReplaceIfVersion(t *testing.T) {
	b := newTestBill(item("Consultation", 10000, 1))
	b.Version = 4

	db := &fakeQueryable{tag: pgconn.NewCommandTag("UPDATE 1")}
	if err := NewBillRepoPG(db).ReplaceIfVersion(context.Background(), b, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(db.lastSQL, "version = $6") || db.lastArgs[5] != int64(3) {
		t.Errorf("expected conditional update on version 3, got %s %v", db.lastSQL, db.lastArgs)
	}

	db = &fakeQueryable{tag: pgconn.NewCommandTag("UPDATE 0")}
	if err := NewBillRepoPG(db).ReplaceIfVersion(context.Background(), b, 3); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestPGRepo_ListBuildsFilter(t *testing.T) {
	boom := errors.New("relation does not exist")
	db := &fakeQueryable{queryErr: boom}
	repo := NewBillRepoPG(db)

	for _, err := range repo.List(context.Background(), BillFilter{PatientRef: "P1", Status: StatusPartial}) {
		if !errors.Is(err, boom) {
			t.Errorf("expected query error, got %v", err)
		}
	}
	want := "SELECT document FROM bill WHERE patient_ref = $1 AND status = $2 ORDER BY created_at, id"
	if db.lastSQL != want {
		t.Errorf("unexpected SQL:\n got %s\nwant %s", db.lastSQL, want)
	}
	if len(db.lastArgs) != 2 || db.lastArgs[0] != "P1" || db.lastArgs[1] != "partial" {
		t.Errorf("unexpected args %v", db.lastArgs)
	}
}

// -- mongo --

func TestMongoModel_Document(t *testing.T) {
	b := newTestBill(item("Consultation", 10000, 1))
	b.Payments = []Payment{{ID: uuid.New(), BillID: b.ID, Amount: 4000, Method: "cash", IdempotencyKey: "k1",
		RecordedAt: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)}}
	_ = b.recompute()
	b.Version = 2

	raw, err := bson.Marshal(toBillModel(b))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	doc := bson.Raw(raw)
	if got := doc.Lookup("_id").StringValue(); got != b.ID.String() {
		t.Errorf("expected _id %s, got %s", b.ID, got)
	}
	if got := doc.Lookup("version").Int64(); got != 2 {
		t.Errorf("expected version 2, got %d", got)
	}
	if got := doc.Lookup("payments", "0", "idempotency_key").StringValue(); got != "k1" {
		t.Errorf("expected payment key k1, got %s", got)
	}
	if _, err := doc.LookupErr("cancelled_at"); err == nil {
		t.Error("expected cancelled_at to be omitted for open bills")
	}

	var m billModel
	if err := bson.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	back, err := fromBillModel(&m)
	if err != nil {
		t.Fatalf("fromBillModel: %v", err)
	}
	if err := back.CheckInvariants(); err != nil {
		t.Errorf("decoded bill inconsistent: %v", err)
	}
	if back.Payments[0].BillID != b.ID || back.AmountPaid != 4000 || back.Status != StatusPartial {
		t.Errorf("unexpected decoded bill %+v", back)
	}
}

func TestMongoModel_RejectsBadIDs(t *testing.T) {
	if _, err := fromBillModel(&billModel{ID: "not-a-uuid"}); err == nil {
		t.Error("expected error for bad bill id")
	}
	m := toBillModel(newTestBill(item("X", 1, 1)))
	m.Payments = []paymentModel{{ID: "nope"}}
	if _, err := fromBillModel(m); err == nil {
		t.Error("expected error for bad payment id")
	}
}
