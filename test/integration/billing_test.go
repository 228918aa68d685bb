package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/hms/billing/internal/domain/billing"
	"github.com/hms/billing/internal/platform/db"
)

type knownPatients map[string]bool

func (k knownPatients) VerifyPatientExists(_ context.Context, ref string) (bool, error) {
	return k[ref], nil
}

func newLedger(t *testing.T, prefix string, maxRetries int) (*billing.Service, billing.BillRepository) {
	t.Helper()
	repo := billing.NewBillRepoPG(migratedSchema(t, prefix))
	svc := billing.NewService(repo, knownPatients{"P1": true, "P2": true}, billing.Options{MaxRetries: maxRetries})
	return svc, repo
}

func TestMigrations(t *testing.T) {
	ctx := context.Background()
	schema := uniqueSchema("mig")
	t.Cleanup(func() {
		_, _ = globalDB.Pool.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
	})

	migrator := db.NewMigrator(globalDB.Pool, os.DirFS(globalDB.MigrationsDir), schema)
	n, err := migrator.Up(ctx)
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if n == 0 {
		t.Fatal("expected at least one migration applied")
	}

	again, err := migrator.Up(ctx)
	if err != nil {
		t.Fatalf("second Up: %v", err)
	}
	if again != 0 {
		t.Errorf("expected re-run to apply nothing, applied %d", again)
	}

	statuses, err := migrator.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for _, s := range statuses {
		if !s.Applied() {
			t.Errorf("expected %s applied", s.Name)
		}
	}
}

func TestBillLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newLedger(t, "life", 3)

	bill, err := svc.CreateBill(ctx, "P1", []billing.ItemInput{
		billing.NewItemInput("consultation", 5000, 1),
		billing.NewItemInput("x-ray", 2500, 2),
	})
	if err != nil {
		t.Fatalf("CreateBill: %v", err)
	}
	if bill.Total != 10000 || bill.Status != billing.StatusPending {
		t.Fatalf("unexpected new bill: total=%d status=%s", bill.Total, bill.Status)
	}

	t.Run("GetRoundTrip", func(t *testing.T) {
		got, err := svc.GetBill(ctx, bill.ID)
		if err != nil {
			t.Fatalf("GetBill: %v", err)
		}
		if got.PatientRef != "P1" || len(got.Items) != 2 || got.Items[1].LineTotal != 5000 {
			t.Errorf("unexpected stored bill: %+v", got)
		}
	})

	t.Run("PartialThenFull", func(t *testing.T) {
		res, err := svc.PayBill(ctx, bill.ID, billing.NewPaymentInput(4000, "card", "k1"))
		if err != nil {
			t.Fatalf("first payment: %v", err)
		}
		if res.Bill.Status != billing.StatusPartial || res.Bill.Version != 1 {
			t.Errorf("expected partial v1, got %s v%d", res.Bill.Status, res.Bill.Version)
		}

		res, err = svc.PayBill(ctx, bill.ID, billing.NewPaymentInput(4000, "card", "k1"))
		if err != nil || !res.Replayed {
			t.Fatalf("expected replay, got %+v %v", res, err)
		}

		res, err = svc.PayBill(ctx, bill.ID, billing.NewPaymentInput(6000, "cash", "k2"))
		if err != nil {
			t.Fatalf("second payment: %v", err)
		}
		if res.Bill.Status != billing.StatusPaid || res.Bill.Balance() != 0 {
			t.Errorf("expected paid with no balance, got %s %d", res.Bill.Status, res.Bill.Balance())
		}
	})

	t.Run("TerminalRejectsChanges", func(t *testing.T) {
		_, err := svc.PayBill(ctx, bill.ID, billing.NewPaymentInput(1, "cash", "k3"))
		var stateErr *billing.InvalidStateError
		if !errors.As(err, &stateErr) {
			t.Errorf("expected InvalidStateError, got %v", err)
		}
		if _, err := svc.CancelBill(ctx, bill.ID); !errors.As(err, &stateErr) {
			t.Errorf("expected InvalidStateError on cancel, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := svc.GetBill(ctx, uuid.New())
		var nf *billing.NotFoundError
		if !errors.As(err, &nf) {
			t.Errorf("expected NotFoundError, got %v", err)
		}
	})
}

func TestReplaceIfVersionConflict(t *testing.T) {
	ctx := context.Background()
	svc, repo := newLedger(t, "cas", 3)

	bill, err := svc.CreateBill(ctx, "P1", []billing.ItemInput{billing.NewItemInput("bed", 1000, 1)})
	if err != nil {
		t.Fatal(err)
	}

	stale := bill.Clone()
	stale.Version++
	if err := repo.ReplaceIfVersion(ctx, stale, bill.Version); err != nil {
		t.Fatalf("first replace: %v", err)
	}
	stale.Version++
	if err := repo.ReplaceIfVersion(ctx, stale, bill.Version); !errors.Is(err, billing.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestConcurrentPayments(t *testing.T) {
	ctx := context.Background()
	svc, _ := newLedger(t, "conc", 200)

	const payers = 20
	bill, err := svc.CreateBill(ctx, "P1", []billing.ItemInput{billing.NewItemInput("surgery", 100, payers)})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, payers)
	for i := 0; i < payers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.PayBill(ctx, bill.ID, billing.NewPaymentInput(100, "card", fmt.Sprintf("pay-%d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("payment failed: %v", err)
		}
	}

	got, err := svc.GetBill(ctx, bill.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AmountPaid != 100*payers || len(got.Payments) != payers {
		t.Errorf("expected %d payments totalling %d, got %d totalling %d",
			payers, 100*payers, len(got.Payments), got.AmountPaid)
	}
	if got.Status != billing.StatusPaid {
		t.Errorf("expected paid, got %s", got.Status)
	}
	if err := got.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestListBills(t *testing.T) {
	ctx := context.Background()
	svc, _ := newLedger(t, "list", 3)

	var ids []uuid.UUID
	for _, ref := range []string{"P1", "P2", "P1"} {
		b, err := svc.CreateBill(ctx, ref, []billing.ItemInput{billing.NewItemInput("lab", 700, 1)})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, b.ID)
	}
	if _, err := svc.CancelBill(ctx, ids[2]); err != nil {
		t.Fatal(err)
	}

	collect := func(f billing.BillFilter) []uuid.UUID {
		var out []uuid.UUID
		for b, err := range svc.ListBills(ctx, f) {
			if err != nil {
				t.Fatalf("ListBills: %v", err)
			}
			out = append(out, b.ID)
		}
		return out
	}

	if got := collect(billing.BillFilter{}); len(got) != 3 || got[0] != ids[0] {
		t.Errorf("expected all 3 bills in creation order, got %v", got)
	}
	if got := collect(billing.BillFilter{PatientRef: "P1"}); len(got) != 2 {
		t.Errorf("expected 2 bills for P1, got %d", len(got))
	}
	got := collect(billing.BillFilter{PatientRef: "P1", Status: billing.StatusCancelled})
	if len(got) != 1 || got[0] != ids[2] {
		t.Errorf("expected the cancelled P1 bill, got %v", got)
	}
}
