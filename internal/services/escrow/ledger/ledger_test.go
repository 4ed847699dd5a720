package ledger

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
	"github.com/eltris/escrowd/internal/platform/keyedmutex"
	"github.com/eltris/escrowd/internal/services/escrow/domain"
	"github.com/eltris/escrowd/internal/services/escrow/rail"
	"github.com/eltris/escrowd/internal/services/escrow/storage"
	storesqlite "github.com/eltris/escrowd/internal/services/escrow/storage/sqlite"
)

func setup(t *testing.T) (*Ledger, storage.Store) {
	t.Helper()
	store, err := storesqlite.Open(t.TempDir() + "/escrow.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, keyedmutex.New(), domain.DefaultAmountToleranceBps), store
}

func seedPendingTask(t *testing.T, store storage.Store, amount int64) (domain.Task, domain.FundingRecord) {
	t.Helper()
	ctx := context.Background()

	task := domain.NewTask("translate docs", "", amount, "employer-1", nil)
	if err := task.Transition(domain.TaskPendingFunding); err != nil {
		t.Fatalf("transition task: %v", err)
	}
	rec := domain.NewFundingRecord(task.ID, domain.RailHoldInvoice, amount, nil)
	rec.InstrumentID = "inv-1"
	rec.Commitment = "commit-1"
	task.FundingID = rec.ID

	if _, err := store.Apply(ctx, storage.Change{Task: &task, Funding: &rec}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return task, rec
}

func TestAcceptedPaymentFundsTask(t *testing.T) {
	l, store := setup(t)
	ctx := context.Background()
	task, rec := seedPendingTask(t, store, 50_000)

	err := l.HandlePaymentUpdate(ctx, rail.PaymentUpdate{
		Rail:       domain.RailHoldInvoice,
		Commitment: rec.Commitment,
		Amount:     50_000,
		Status:     rail.UpdateDetected,
	})
	if err != nil {
		t.Fatalf("detected update: %v", err)
	}
	err = l.HandlePaymentUpdate(ctx, rail.PaymentUpdate{
		Rail:       domain.RailHoldInvoice,
		Commitment: rec.Commitment,
		Amount:     50_000,
		Status:     rail.UpdateAccepted,
	})
	if err != nil {
		t.Fatalf("accepted update: %v", err)
	}

	gotTask, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if gotTask.State != domain.TaskFunded {
		t.Fatalf("task.State = %v, want %v", gotTask.State, domain.TaskFunded)
	}
	gotRec, err := store.GetFunding(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get funding: %v", err)
	}
	if gotRec.Status != domain.FundingAccepted {
		t.Fatalf("funding.Status = %v, want %v", gotRec.Status, domain.FundingAccepted)
	}
	if gotRec.ReceivedAmount != 50_000 {
		t.Fatalf("funding.ReceivedAmount = %d, want 50000", gotRec.ReceivedAmount)
	}

	events, err := store.ListTaskEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []domain.EventType
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	want := []domain.EventType{domain.EventPaymentDetected, domain.EventPaymentAccepted}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types = %v, want %v", types, want)
		}
	}
}

func TestAcceptedWithoutPriorDetection(t *testing.T) {
	l, store := setup(t)
	ctx := context.Background()
	task, rec := seedPendingTask(t, store, 50_000)

	err := l.HandlePaymentUpdate(ctx, rail.PaymentUpdate{
		Commitment: rec.Commitment,
		Amount:     50_000,
		Status:     rail.UpdateAccepted,
	})
	if err != nil {
		t.Fatalf("accepted update: %v", err)
	}

	gotTask, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if gotTask.State != domain.TaskFunded {
		t.Fatalf("task.State = %v, want %v", gotTask.State, domain.TaskFunded)
	}
	events, err := store.ListTaskEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want detected+accepted", len(events))
	}
}

func TestAmountOutsideToleranceRejected(t *testing.T) {
	l, store := setup(t)
	ctx := context.Background()
	task, rec := seedPendingTask(t, store, 50_000)

	err := l.HandlePaymentUpdate(ctx, rail.PaymentUpdate{
		Commitment: rec.Commitment,
		Amount:     40_000,
		Status:     rail.UpdateDetected,
	})
	if code := apperrors.CodeOf(err); code != apperrors.CodeAmountMismatch {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeAmountMismatch)
	}

	// Nothing moved: the instrument stays open for a corrected payment.
	gotRec, err := store.GetFunding(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get funding: %v", err)
	}
	if gotRec.Status != domain.FundingCreated {
		t.Fatalf("funding.Status = %v, want %v", gotRec.Status, domain.FundingCreated)
	}
	gotTask, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if gotTask.State != domain.TaskPendingFunding {
		t.Fatalf("task.State = %v, want %v", gotTask.State, domain.TaskPendingFunding)
	}
}

func TestOverpaymentWithinToleranceRecordsExcess(t *testing.T) {
	l, store := setup(t)
	ctx := context.Background()
	_, rec := seedPendingTask(t, store, 50_000)

	err := l.HandlePaymentUpdate(ctx, rail.PaymentUpdate{
		Commitment: rec.Commitment,
		Amount:     50_400,
		Status:     rail.UpdateAccepted,
	})
	if err != nil {
		t.Fatalf("accepted update: %v", err)
	}

	gotRec, err := store.GetFunding(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get funding: %v", err)
	}
	if gotRec.Metadata["excess_minor_units"] != "400" {
		t.Fatalf("excess = %q, want 400", gotRec.Metadata["excess_minor_units"])
	}
}

func TestDuplicateInboundRejected(t *testing.T) {
	l, store := setup(t)
	ctx := context.Background()
	_, rec := seedPendingTask(t, store, 50_000)

	update := rail.PaymentUpdate{Commitment: rec.Commitment, Amount: 50_000, Status: rail.UpdateDetected}
	if err := l.HandlePaymentUpdate(ctx, update); err != nil {
		t.Fatalf("first detected: %v", err)
	}
	err := l.HandlePaymentUpdate(ctx, update)
	if code := apperrors.CodeOf(err); code != apperrors.CodeFundingDuplicateInbound {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeFundingDuplicateInbound)
	}
}

func TestUnknownCommitmentRejected(t *testing.T) {
	l, _ := setup(t)

	err := l.HandlePaymentUpdate(context.Background(), rail.PaymentUpdate{
		Commitment: "no-such-commitment",
		Amount:     1,
		Status:     rail.UpdateDetected,
	})
	if code := apperrors.CodeOf(err); code != apperrors.CodeFundingInstrumentUnknown {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeFundingInstrumentUnknown)
	}
}

func TestFailedPaymentTerminatesInstrument(t *testing.T) {
	l, store := setup(t)
	ctx := context.Background()
	task, rec := seedPendingTask(t, store, 50_000)

	err := l.HandlePaymentUpdate(ctx, rail.PaymentUpdate{
		Commitment: rec.Commitment,
		Status:     rail.UpdateFailed,
		Reason:     "no route",
	})
	if err != nil {
		t.Fatalf("failed update: %v", err)
	}

	gotRec, err := store.GetFunding(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get funding: %v", err)
	}
	if gotRec.Status != domain.FundingFailed {
		t.Fatalf("funding.Status = %v, want %v", gotRec.Status, domain.FundingFailed)
	}
	// Task remains available for a replacement instrument.
	gotTask, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if gotTask.State != domain.TaskPendingFunding {
		t.Fatalf("task.State = %v, want %v", gotTask.State, domain.TaskPendingFunding)
	}
}

func TestExpireInstrumentExpiresUnfundedTask(t *testing.T) {
	l, store := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := domain.NewTask("translate docs", "", 50_000, "employer-1", nil)
	if err := task.Transition(domain.TaskPendingFunding); err != nil {
		t.Fatalf("transition: %v", err)
	}
	expires := now.Add(-time.Minute)
	rec := domain.NewFundingRecord(task.ID, domain.RailHoldInvoice, 50_000, &expires)
	rec.Commitment = "commit-exp"
	if _, err := store.Apply(ctx, storage.Change{Task: &task, Funding: &rec}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := l.ExpireInstrument(ctx, rec.ID, now); err != nil {
		t.Fatalf("expire: %v", err)
	}

	gotRec, err := store.GetFunding(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get funding: %v", err)
	}
	if gotRec.Status != domain.FundingExpired {
		t.Fatalf("funding.Status = %v, want %v", gotRec.Status, domain.FundingExpired)
	}
	gotTask, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if gotTask.State != domain.TaskExpired {
		t.Fatalf("task.State = %v, want %v", gotTask.State, domain.TaskExpired)
	}

	// Idempotent on terminal instruments.
	if err := l.ExpireInstrument(ctx, rec.ID, now); err != nil {
		t.Fatalf("second expire: %v", err)
	}
}
