package settlement

import (
	"context"
	"errors"
	"strings"
	"testing"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
	"github.com/eltris/escrowd/internal/platform/keyedmutex"
	"github.com/eltris/escrowd/internal/services/escrow/domain"
	"github.com/eltris/escrowd/internal/services/escrow/rail"
	"github.com/eltris/escrowd/internal/services/escrow/storage"
	storesqlite "github.com/eltris/escrowd/internal/services/escrow/storage/sqlite"
)

type fakeRail struct {
	kind     domain.RailKind
	released []string
	canceled []string
	fail     error
}

func (f *fakeRail) Kind() domain.RailKind { return f.kind }

func (f *fakeRail) CreateHold(ctx context.Context, req rail.CreateHoldRequest) (rail.Hold, error) {
	return rail.Hold{}, errors.New("not used")
}

func (f *fakeRail) Release(ctx context.Context, commitment string) error {
	if f.fail != nil {
		return f.fail
	}
	f.released = append(f.released, commitment)
	return nil
}

func (f *fakeRail) Cancel(ctx context.Context, commitment string) error {
	if f.fail != nil {
		return f.fail
	}
	f.canceled = append(f.canceled, commitment)
	return nil
}

func setup(t *testing.T) (*Coordinator, storage.Store, *fakeRail, *keyedmutex.Mutex) {
	t.Helper()
	store, err := storesqlite.Open(t.TempDir() + "/escrow.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	fr := &fakeRail{kind: domain.RailHoldInvoice}
	locks := keyedmutex.New()
	coord := New(store, map[domain.RailKind]rail.Rail{domain.RailHoldInvoice: fr}, locks)
	return coord, store, fr, locks
}

func seedTask(t *testing.T, store storage.Store, state domain.TaskState, amount int64) domain.Task {
	t.Helper()
	ctx := context.Background()

	task := domain.NewTask("translate docs", "", amount, "employer-1", nil)
	task.Worker = "worker-1"
	task.PayeeRef = "payee-1"
	rec := domain.NewFundingRecord(task.ID, domain.RailHoldInvoice, amount, nil)
	rec.Commitment = "commit-" + task.ID[:8]
	rec.RecordReceived(amount)
	rec.Status = domain.FundingAccepted
	task.FundingID = rec.ID
	task.State = state

	if _, err := store.Apply(ctx, storage.Change{Task: &task, Funding: &rec}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return task
}

func TestReleaseSettlesVerifiedTask(t *testing.T) {
	coord, store, fr, _ := setup(t)
	ctx := context.Background()
	task := seedTask(t, store, domain.TaskVerified, 50_000)

	result, err := coord.Resolve(ctx, task.ID, Outcome{Kind: Release}, domain.ActorSystem, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result.Amount != 50_000 {
		t.Errorf("result.Amount = %d, want 50000", result.Amount)
	}
	if len(fr.released) != 1 {
		t.Fatalf("len(released) = %d, want 1", len(fr.released))
	}

	gotTask, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if gotTask.State != domain.TaskPaid {
		t.Fatalf("task.State = %v, want %v", gotTask.State, domain.TaskPaid)
	}
	if gotTask.SettledAt == nil {
		t.Fatal("task.SettledAt not set")
	}
	gotRec, err := store.GetFunding(ctx, task.FundingID)
	if err != nil {
		t.Fatalf("get funding: %v", err)
	}
	if gotRec.Status != domain.FundingSettled {
		t.Fatalf("funding.Status = %v, want %v", gotRec.Status, domain.FundingSettled)
	}

	events, err := store.ListTaskEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	settlements := 0
	for _, evt := range events {
		if evt.Type == domain.EventSettlementCompleted {
			settlements++
		}
	}
	if settlements != 1 {
		t.Fatalf("settlement events = %d, want exactly 1", settlements)
	}
}

func TestDoubleResolveIsIdempotent(t *testing.T) {
	coord, store, fr, _ := setup(t)
	ctx := context.Background()
	task := seedTask(t, store, domain.TaskVerified, 50_000)

	first, err := coord.Resolve(ctx, task.ID, Outcome{Kind: Release}, domain.ActorSystem, "")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := coord.Resolve(ctx, task.ID, Outcome{Kind: Release}, domain.ActorSystem, "")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.Amount != first.Amount || second.Kind != first.Kind {
		t.Fatalf("second = %+v, want %+v", second, first)
	}
	if len(fr.released) != 1 {
		t.Fatalf("len(released) = %d after double resolve, want 1", len(fr.released))
	}

	events, err := store.ListTaskEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want exactly 1 settlement event", len(events))
	}
}

func TestConflictingResolveFails(t *testing.T) {
	coord, store, _, _ := setup(t)
	ctx := context.Background()
	task := seedTask(t, store, domain.TaskVerified, 50_000)

	if _, err := coord.Resolve(ctx, task.ID, Outcome{Kind: Release}, domain.ActorSystem, ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err := coord.Resolve(ctx, task.ID, Outcome{Kind: Refund}, domain.ActorSystem, "")
	if code := apperrors.CodeOf(err); code != apperrors.CodeInvalidStateTransition {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeInvalidStateTransition)
	}
}

func TestConcurrentResolveFailsFast(t *testing.T) {
	coord, store, _, locks := setup(t)
	task := seedTask(t, store, domain.TaskVerified, 50_000)

	unlock, ok := locks.TryLock(task.ID)
	if !ok {
		t.Fatal("could not take task lock")
	}
	defer unlock()

	_, err := coord.Resolve(context.Background(), task.ID, Outcome{Kind: Release}, domain.ActorSystem, "")
	if code := apperrors.CodeOf(err); code != apperrors.CodeAlreadyProcessing {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeAlreadyProcessing)
	}
}

func TestRailFailureLeavesStateUntouched(t *testing.T) {
	coord, store, fr, _ := setup(t)
	ctx := context.Background()
	task := seedTask(t, store, domain.TaskVerified, 50_000)
	fr.fail = apperrors.New(apperrors.CodeRailUnavailable, "node offline")

	_, err := coord.Resolve(ctx, task.ID, Outcome{Kind: Release}, domain.ActorSystem, "")
	if code := apperrors.CodeOf(err); code != apperrors.CodeRailUnavailable {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeRailUnavailable)
	}

	gotTask, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if gotTask.State != domain.TaskVerified {
		t.Fatalf("task.State = %v, want %v", gotTask.State, domain.TaskVerified)
	}
	events, err := store.ListTaskEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("len(events) = %d after failed settlement, want 0", len(events))
	}
}

func TestRefundCancelsHold(t *testing.T) {
	coord, store, fr, _ := setup(t)
	ctx := context.Background()
	task := seedTask(t, store, domain.TaskFunded, 50_000)

	result, err := coord.Resolve(ctx, task.ID, Outcome{Kind: Refund}, domain.ActorEmployer, "employer-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result.Kind != Refund {
		t.Fatalf("result.Kind = %v, want %v", result.Kind, Refund)
	}
	if len(fr.canceled) != 1 {
		t.Fatalf("len(canceled) = %d, want 1", len(fr.canceled))
	}

	gotTask, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if gotTask.State != domain.TaskRefunded {
		t.Fatalf("task.State = %v, want %v", gotTask.State, domain.TaskRefunded)
	}
	gotRec, err := store.GetFunding(ctx, task.FundingID)
	if err != nil {
		t.Fatalf("get funding: %v", err)
	}
	if gotRec.Status != domain.FundingCancelled {
		t.Fatalf("funding.Status = %v, want %v", gotRec.Status, domain.FundingCancelled)
	}
}

func TestSplitRecordsCompensatingRefund(t *testing.T) {
	coord, store, fr, _ := setup(t)
	ctx := context.Background()
	task := seedTask(t, store, domain.TaskDisputed, 50_000)

	result, err := coord.Resolve(ctx, task.ID, Outcome{Kind: Split, WorkerShare: 30_000}, domain.ActorArbitrator, "arb-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result.EmployerRefundDue != 20_000 {
		t.Fatalf("result.EmployerRefundDue = %d, want 20000", result.EmployerRefundDue)
	}
	if len(fr.released) != 1 {
		t.Fatalf("len(released) = %d, want 1 full release", len(fr.released))
	}

	events, err := store.ListTaskEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if !strings.Contains(events[0].PayloadJSON, `"employer_refund_due":20000`) {
		t.Fatalf("payload = %s, want employer_refund_due 20000", events[0].PayloadJSON)
	}
}

func TestResolveRejectsUnsettlableState(t *testing.T) {
	coord, store, _, _ := setup(t)
	task := seedTask(t, store, domain.TaskClaimed, 50_000)

	_, err := coord.Resolve(context.Background(), task.ID, Outcome{Kind: Release}, domain.ActorSystem, "")
	if code := apperrors.CodeOf(err); code != apperrors.CodeInvalidStateTransition {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeInvalidStateTransition)
	}
}

func TestResolveRejectsUnacceptedFunding(t *testing.T) {
	coord, store, fr, _ := setup(t)
	ctx := context.Background()
	task := seedTask(t, store, domain.TaskVerified, 50_000)

	rec, err := store.GetFunding(ctx, task.FundingID)
	if err != nil {
		t.Fatalf("get funding: %v", err)
	}
	rec.Status = domain.FundingPending
	if err := store.PutFunding(ctx, rec); err != nil {
		t.Fatalf("put funding: %v", err)
	}

	_, err = coord.Resolve(ctx, task.ID, Outcome{Kind: Release}, domain.ActorSystem, "")
	if code := apperrors.CodeOf(err); code != apperrors.CodeInvalidStateTransition {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeInvalidStateTransition)
	}
	if len(fr.released) != 0 {
		t.Fatalf("released = %v, want no rail calls", fr.released)
	}
}

func TestResolveRejectsReleaseWithoutPayee(t *testing.T) {
	coord, store, fr, _ := setup(t)
	ctx := context.Background()
	task := seedTask(t, store, domain.TaskVerified, 50_000)

	task.PayeeRef = ""
	if err := store.PutTask(ctx, task); err != nil {
		t.Fatalf("put task: %v", err)
	}

	_, err := coord.Resolve(ctx, task.ID, Outcome{Kind: Release}, domain.ActorSystem, "")
	if code := apperrors.CodeOf(err); code != apperrors.CodeInvalidStateTransition {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeInvalidStateTransition)
	}
	if len(fr.released) != 0 {
		t.Fatalf("released = %v, want no rail calls", fr.released)
	}
}

func TestResolveSplitValidatesShare(t *testing.T) {
	coord, store, _, _ := setup(t)
	task := seedTask(t, store, domain.TaskDisputed, 50_000)

	for _, share := range []int64{0, -5, 50_000, 60_000} {
		_, err := coord.Resolve(context.Background(), task.ID, Outcome{Kind: Split, WorkerShare: share}, domain.ActorSystem, "")
		if code := apperrors.CodeOf(err); code != apperrors.CodeInvalidStateTransition {
			t.Fatalf("share %d: CodeOf(err) = %v, want %v", share, code, apperrors.CodeInvalidStateTransition)
		}
	}
}
