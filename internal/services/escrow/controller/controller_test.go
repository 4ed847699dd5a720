package controller

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
	"github.com/eltris/escrowd/internal/platform/keyedmutex"
	"github.com/eltris/escrowd/internal/services/escrow/auth"
	"github.com/eltris/escrowd/internal/services/escrow/domain"
	"github.com/eltris/escrowd/internal/services/escrow/rail"
	"github.com/eltris/escrowd/internal/services/escrow/settlement"
	"github.com/eltris/escrowd/internal/services/escrow/storage"
	storesqlite "github.com/eltris/escrowd/internal/services/escrow/storage/sqlite"
)

type fakeRail struct {
	kind      domain.RailKind
	holds     int
	cancelled []string
	released  []string
}

func (f *fakeRail) Kind() domain.RailKind { return f.kind }

func (f *fakeRail) CreateHold(ctx context.Context, req rail.CreateHoldRequest) (rail.Hold, error) {
	f.holds++
	return rail.Hold{
		InstrumentID:   "inv-1",
		Commitment:     "commit-1",
		PaymentRequest: "lnbc-test-request",
		ExpiresAt:      time.Now().UTC().Add(req.Expiry),
	}, nil
}

func (f *fakeRail) Release(ctx context.Context, commitment string) error {
	f.released = append(f.released, commitment)
	return nil
}

func (f *fakeRail) Cancel(ctx context.Context, commitment string) error {
	f.cancelled = append(f.cancelled, commitment)
	return nil
}

type fakeSettler struct {
	store storage.Store
	calls []settlement.Outcome
}

func (f *fakeSettler) Resolve(ctx context.Context, taskID string, outcome settlement.Outcome, actor domain.ActorType, actorID string) (settlement.Result, error) {
	f.calls = append(f.calls, outcome)
	task, err := f.store.GetTask(ctx, taskID)
	if err != nil {
		return settlement.Result{}, err
	}
	target := domain.TaskPaid
	if outcome.Kind == settlement.Refund {
		target = domain.TaskRefunded
	}
	if err := task.Transition(target); err != nil {
		return settlement.Result{}, err
	}
	if err := f.store.PutTask(ctx, task); err != nil {
		return settlement.Result{}, err
	}
	return settlement.Result{TaskID: taskID, Kind: outcome.Kind}, nil
}

type openCall struct {
	taskID string
	opener string
	role   domain.ActorType
	reason string
}

type ruleCall struct {
	disputeID  string
	arbitrator string
	outcome    domain.DisputeOutcome
}

type fakeArbitration struct {
	store   storage.Store
	opens   []openCall
	rulings []ruleCall
}

func (f *fakeArbitration) Open(ctx context.Context, taskID, opener string, role domain.ActorType, reason string, now time.Time) (domain.Dispute, error) {
	f.opens = append(f.opens, openCall{taskID: taskID, opener: opener, role: role, reason: reason})
	task, err := f.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if err := task.Transition(domain.TaskDisputed); err != nil {
		return domain.Dispute{}, err
	}
	if err := f.store.PutTask(ctx, task); err != nil {
		return domain.Dispute{}, err
	}
	return domain.Dispute{ID: "disp-1", TaskID: taskID}, nil
}

func (f *fakeArbitration) SubmitRuling(ctx context.Context, disputeID, arbitrator string, outcome domain.DisputeOutcome, rationale string, now time.Time) (domain.DisputeOutcome, error) {
	f.rulings = append(f.rulings, ruleCall{disputeID: disputeID, arbitrator: arbitrator, outcome: outcome})
	return domain.OutcomePending, nil
}

type harness struct {
	ctrl    *Controller
	store   storage.Store
	rail    *fakeRail
	settler *fakeSettler
	arb     *fakeArbitration
	issuer  auth.IssuerConfig
}

func setup(t *testing.T) *harness {
	t.Helper()
	store, err := storesqlite.Open(t.TempDir() + "/escrow.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	grants := auth.Config{Issuer: "eltris", Audience: "escrow", Key: pub}
	issuer := auth.IssuerConfig{Issuer: "eltris", Audience: "escrow", Key: priv}

	fr := &fakeRail{kind: domain.RailHoldInvoice}
	settler := &fakeSettler{store: store}
	arb := &fakeArbitration{store: store}
	ctrl := New(store,
		map[domain.RailKind]rail.Rail{domain.RailHoldInvoice: fr},
		settler, arb, keyedmutex.New(), grants,
		auth.NewNonceCache(1024, time.Now), Config{})
	return &harness{ctrl: ctrl, store: store, rail: fr, settler: settler, arb: arb, issuer: issuer}
}

func (h *harness) grant(t *testing.T, subject, operation, taskID string) string {
	t.Helper()
	g, err := auth.Issue(h.issuer, subject, operation, taskID)
	if err != nil {
		t.Fatalf("issue grant: %v", err)
	}
	return g
}

func (h *harness) seedTask(t *testing.T, state domain.TaskState, reward int64) domain.Task {
	t.Helper()
	task := domain.NewTask("translate docs", "", reward, "employer-1", nil)
	path := map[domain.TaskState][]domain.TaskState{
		domain.TaskDraft:          nil,
		domain.TaskPendingFunding: {domain.TaskPendingFunding},
		domain.TaskFunded:         {domain.TaskPendingFunding, domain.TaskFunded},
		domain.TaskClaimed:        {domain.TaskPendingFunding, domain.TaskFunded, domain.TaskClaimed},
	}
	for _, next := range path[state] {
		if err := task.Transition(next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if state == domain.TaskClaimed {
		task.Worker = "worker-1"
		task.PayeeRef = "payee-1"
	}
	if err := h.store.PutTask(context.Background(), task); err != nil {
		t.Fatalf("put task: %v", err)
	}
	return task
}

func TestCreateTask(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	if _, err := h.ctrl.CreateTask(ctx, "not-a-grant", "translate docs", "", 50_000, nil); err == nil {
		t.Fatal("create with bogus grant succeeded, want error")
	}

	task, err := h.ctrl.CreateTask(ctx, h.grant(t, "employer-1", auth.OpCreateTask, ""), "translate docs", "en to pt", 50_000, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.State != domain.TaskDraft || task.Employer != "employer-1" {
		t.Fatalf("task = %+v, want draft owned by employer-1", task)
	}

	events, err := h.store.ListTaskEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != domain.EventTaskCreated {
		t.Fatalf("events = %+v, want one task.created", events)
	}
}

func TestCreateTaskRejectsInvalidReward(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	_, err := h.ctrl.CreateTask(ctx, h.grant(t, "employer-1", auth.OpCreateTask, ""), "translate docs", "", 0, nil)
	if code := apperrors.CodeOf(err); code != apperrors.CodeTaskRewardInvalid {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeTaskRewardInvalid)
	}
}

func TestGrantReplayRejected(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	g := h.grant(t, "employer-1", auth.OpCreateTask, "")
	if _, err := h.ctrl.CreateTask(ctx, g, "translate docs", "", 50_000, nil); err != nil {
		t.Fatalf("first use: %v", err)
	}
	_, err := h.ctrl.CreateTask(ctx, g, "translate docs", "", 50_000, nil)
	if code := apperrors.CodeOf(err); code != apperrors.CodeAuthenticationFailure {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeAuthenticationFailure)
	}
}

func TestRequestFunding(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, domain.TaskDraft, 50_000)

	inst, err := h.ctrl.RequestFunding(ctx, h.grant(t, "employer-1", auth.OpRequestFunding, task.ID), task.ID, domain.RailHoldInvoice)
	if err != nil {
		t.Fatalf("request funding: %v", err)
	}
	if inst.PaymentRequest == "" || inst.Record.Commitment != "commit-1" {
		t.Fatalf("inst = %+v, want payment request and commitment", inst)
	}

	got, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != domain.TaskPendingFunding || got.FundingID != inst.Record.ID {
		t.Fatalf("task = %+v, want pending_funding bound to instrument", got)
	}

	_, err = h.ctrl.RequestFunding(ctx, h.grant(t, "employer-1", auth.OpRequestFunding, task.ID), task.ID, domain.RailHoldInvoice)
	if code := apperrors.CodeOf(err); code != apperrors.CodeFundingActiveExists {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeFundingActiveExists)
	}
}

func TestRequestFundingWrongSubject(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, domain.TaskDraft, 50_000)

	_, err := h.ctrl.RequestFunding(ctx, h.grant(t, "stranger", auth.OpRequestFunding, task.ID), task.ID, domain.RailHoldInvoice)
	if code := apperrors.CodeOf(err); code != apperrors.CodeTaskNotEmployer {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeTaskNotEmployer)
	}
}

func TestGrantPinnedToOtherTaskRejected(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, domain.TaskDraft, 50_000)

	_, err := h.ctrl.RequestFunding(ctx, h.grant(t, "employer-1", auth.OpRequestFunding, "other-task"), task.ID, domain.RailHoldInvoice)
	if code := apperrors.CodeOf(err); code != apperrors.CodeAuthenticationFailure {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeAuthenticationFailure)
	}
}

func TestClaim(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, domain.TaskFunded, 50_000)

	if _, err := h.ctrl.Claim(ctx, h.grant(t, "worker-1", auth.OpClaimTask, task.ID), task.ID, ""); err == nil {
		t.Fatal("claim without payee ref succeeded, want error")
	}
	if _, err := h.ctrl.Claim(ctx, h.grant(t, "employer-1", auth.OpClaimTask, task.ID), task.ID, "payee-1"); err == nil {
		t.Fatal("employer claimed own task, want error")
	}

	got, err := h.ctrl.Claim(ctx, h.grant(t, "worker-1", auth.OpClaimTask, task.ID), task.ID, "payee-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.State != domain.TaskClaimed || got.Worker != "worker-1" || got.PayeeRef != "payee-1" {
		t.Fatalf("task = %+v, want claimed by worker-1", got)
	}
	if got.ClaimedAt == nil {
		t.Fatal("ClaimedAt not set")
	}
}

func TestSubmitProofAndApprove(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, domain.TaskClaimed, 50_000)

	_, err := h.ctrl.SubmitProof(ctx, h.grant(t, "stranger", auth.OpSubmitProof, task.ID), task.ID, "https://example.com/p", "abc123", "")
	if code := apperrors.CodeOf(err); code != apperrors.CodeTaskNotWorker {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeTaskNotWorker)
	}

	got, err := h.ctrl.SubmitProof(ctx, h.grant(t, "worker-1", auth.OpSubmitProof, task.ID), task.ID, "https://example.com/p", "abc123", "")
	if err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	if got.Proof == nil || got.Proof.Hash != "abc123" {
		t.Fatalf("task.Proof = %+v, want hash abc123", got.Proof)
	}

	settled, err := h.ctrl.Verify(ctx, h.grant(t, "employer-1", auth.OpVerifyProof, task.ID), task.ID, true, "looks good")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if settled.State != domain.TaskPaid {
		t.Fatalf("task state = %v, want %v", settled.State, domain.TaskPaid)
	}
	if len(h.settler.calls) != 1 || h.settler.calls[0].Kind != settlement.Release {
		t.Fatalf("settler.calls = %+v, want one release", h.settler.calls)
	}
}

func TestVerifyWithoutProof(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, domain.TaskClaimed, 50_000)

	_, err := h.ctrl.Verify(ctx, h.grant(t, "employer-1", auth.OpVerifyProof, task.ID), task.ID, true, "")
	if code := apperrors.CodeOf(err); code != apperrors.CodeTaskProofInvalid {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeTaskProofInvalid)
	}
}

func TestVerifyRejectOpensDispute(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, domain.TaskClaimed, 50_000)

	if _, err := h.ctrl.SubmitProof(ctx, h.grant(t, "worker-1", auth.OpSubmitProof, task.ID), task.ID, "https://example.com/p", "abc123", ""); err != nil {
		t.Fatalf("submit proof: %v", err)
	}

	got, err := h.ctrl.Verify(ctx, h.grant(t, "employer-1", auth.OpVerifyProof, task.ID), task.ID, false, "wrong language")
	if err != nil {
		t.Fatalf("verify reject: %v", err)
	}
	if got.State != domain.TaskDisputed {
		t.Fatalf("task state = %v, want %v", got.State, domain.TaskDisputed)
	}
	if len(h.arb.opens) != 1 {
		t.Fatalf("arb.opens = %+v, want one", h.arb.opens)
	}
	open := h.arb.opens[0]
	if open.opener != "employer-1" || open.role != domain.ActorEmployer || open.reason != "wrong language" {
		t.Fatalf("open = %+v", open)
	}
	if len(h.settler.calls) != 0 {
		t.Fatalf("settler called on rejection: %+v", h.settler.calls)
	}
}

func TestCancelUnfundedTask(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, domain.TaskDraft, 50_000)

	got, err := h.ctrl.Cancel(ctx, h.grant(t, "employer-1", auth.OpCancelTask, task.ID), task.ID, "changed plans")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.State != domain.TaskExpired {
		t.Fatalf("task state = %v, want %v", got.State, domain.TaskExpired)
	}

	events, err := h.store.ListTaskEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != domain.EventTaskCancelled {
		t.Fatalf("events = %+v, want one task.cancelled", events)
	}
}

func TestCancelTearsDownOpenInstrument(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, domain.TaskDraft, 50_000)

	if _, err := h.ctrl.RequestFunding(ctx, h.grant(t, "employer-1", auth.OpRequestFunding, task.ID), task.ID, domain.RailHoldInvoice); err != nil {
		t.Fatalf("request funding: %v", err)
	}
	got, err := h.ctrl.Cancel(ctx, h.grant(t, "employer-1", auth.OpCancelTask, task.ID), task.ID, "changed plans")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.State != domain.TaskExpired {
		t.Fatalf("task state = %v, want %v", got.State, domain.TaskExpired)
	}
	if len(h.rail.cancelled) != 1 || h.rail.cancelled[0] != "commit-1" {
		t.Fatalf("rail.cancelled = %v, want the instrument torn down", h.rail.cancelled)
	}
	if _, err := h.store.GetActiveFunding(ctx, task.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("active funding after cancel err = %v, want ErrNotFound", err)
	}
}

func TestCancelFundedTaskRefunds(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, domain.TaskFunded, 50_000)

	got, err := h.ctrl.Cancel(ctx, h.grant(t, "employer-1", auth.OpCancelTask, task.ID), task.ID, "no longer needed")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.State != domain.TaskRefunded {
		t.Fatalf("task state = %v, want %v", got.State, domain.TaskRefunded)
	}
	if len(h.settler.calls) != 1 || h.settler.calls[0].Kind != settlement.Refund {
		t.Fatalf("settler.calls = %+v, want one refund", h.settler.calls)
	}
}

func TestCancelClaimedTaskRejected(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, domain.TaskClaimed, 50_000)

	_, err := h.ctrl.Cancel(ctx, h.grant(t, "employer-1", auth.OpCancelTask, task.ID), task.ID, "")
	if code := apperrors.CodeOf(err); code != apperrors.CodeInvalidStateTransition {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeInvalidStateTransition)
	}
}

func TestOpenDisputeByWorker(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, domain.TaskClaimed, 50_000)

	_, err := h.ctrl.OpenDispute(ctx, h.grant(t, "worker-1", auth.OpOpenDispute, task.ID), task.ID, "payment overdue")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if len(h.arb.opens) != 1 || h.arb.opens[0].role != domain.ActorWorker {
		t.Fatalf("arb.opens = %+v, want one worker-opened dispute", h.arb.opens)
	}

	_, err = h.ctrl.OpenDispute(ctx, h.grant(t, "stranger", auth.OpOpenDispute, task.ID), task.ID, "")
	if code := apperrors.CodeOf(err); code != apperrors.CodeInvalidStateTransition {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeInvalidStateTransition)
	}
}

func TestRuleDispute(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, domain.TaskClaimed, 50_000)

	d, err := domain.NewDispute(task.ID, "worker-1", "employer-1", domain.ActorWorker, "proof rejected unfairly", time.Now().UTC())
	if err != nil {
		t.Fatalf("new dispute: %v", err)
	}
	if err := h.store.PutDispute(ctx, *d); err != nil {
		t.Fatalf("put dispute: %v", err)
	}

	got, err := h.ctrl.RuleDispute(ctx, h.grant(t, "arb-1", auth.OpRuleDispute, task.ID), d.ID, domain.OutcomeWorkerFavor, "proof is sound")
	if err != nil {
		t.Fatalf("rule dispute: %v", err)
	}
	if got != domain.OutcomePending {
		t.Fatalf("outcome = %v, want %v", got, domain.OutcomePending)
	}
	if len(h.arb.rulings) != 1 || h.arb.rulings[0].arbitrator != "arb-1" {
		t.Fatalf("arb.rulings = %+v, want one ruling by arb-1", h.arb.rulings)
	}

	_, err = h.ctrl.RuleDispute(ctx, h.grant(t, "arb-1", auth.OpRuleDispute, "other-task"), d.ID, domain.OutcomeSplit, "")
	if code := apperrors.CodeOf(err); code != apperrors.CodeAuthenticationFailure {
		t.Fatalf("CodeOf(err) = %v, want %v", code, apperrors.CodeAuthenticationFailure)
	}
}
