// Package controller exposes the authenticated escrow operations: task
// lifecycle commands, funding requests, proof verification, and dispute
// entry points. Every state-changing call presents an operation grant.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
	"github.com/eltris/escrowd/internal/platform/keyedmutex"
	"github.com/eltris/escrowd/internal/services/escrow/auth"
	"github.com/eltris/escrowd/internal/services/escrow/domain"
	"github.com/eltris/escrowd/internal/services/escrow/rail"
	"github.com/eltris/escrowd/internal/services/escrow/settlement"
	"github.com/eltris/escrowd/internal/services/escrow/storage"
)

// DefaultMaxReward caps task rewards in minor units.
const DefaultMaxReward int64 = 100_000_000

// DefaultHoldExpiry is how long an issued funding instrument stays payable.
const DefaultHoldExpiry = 24 * time.Hour

// Settler finalizes settlements against the funding rail.
type Settler interface {
	Resolve(ctx context.Context, taskID string, outcome settlement.Outcome, actor domain.ActorType, actorID string) (settlement.Result, error)
}

// Arbitration contests tasks and collects arbitrator rulings.
type Arbitration interface {
	Open(ctx context.Context, taskID, opener string, role domain.ActorType, reason string, now time.Time) (domain.Dispute, error)
	SubmitRuling(ctx context.Context, disputeID, arbitrator string, outcome domain.DisputeOutcome, rationale string, now time.Time) (domain.DisputeOutcome, error)
}

// Config carries the controller's operational limits.
type Config struct {
	MaxReward  int64
	HoldExpiry time.Duration
}

// Controller orchestrates the escrow task lifecycle.
type Controller struct {
	store    storage.Store
	rails    map[domain.RailKind]rail.Rail
	settler  Settler
	disputes Arbitration
	locks    *keyedmutex.Mutex

	grants auth.Config
	nonces *auth.NonceCache

	maxReward  int64
	holdExpiry time.Duration
	now        func() time.Time
}

// New wires a task controller.
func New(store storage.Store, rails map[domain.RailKind]rail.Rail, settler Settler, disputes Arbitration, locks *keyedmutex.Mutex, grants auth.Config, nonces *auth.NonceCache, cfg Config) *Controller {
	if cfg.MaxReward <= 0 {
		cfg.MaxReward = DefaultMaxReward
	}
	if cfg.HoldExpiry <= 0 {
		cfg.HoldExpiry = DefaultHoldExpiry
	}
	now := grants.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		store:      store,
		rails:      rails,
		settler:    settler,
		disputes:   disputes,
		locks:      locks,
		grants:     grants,
		nonces:     nonces,
		maxReward:  cfg.MaxReward,
		holdExpiry: cfg.HoldExpiry,
		now:        now,
	}
}

func (c *Controller) authorize(grant, operation, taskID string) (auth.Claims, error) {
	return auth.Validate(grant, auth.Expectation{Operation: operation, TaskID: taskID}, c.grants, c.nonces)
}

// CreateTask registers a new task in draft. The grant subject becomes the
// employer.
func (c *Controller) CreateTask(ctx context.Context, grant, title, description string, reward int64, deadline *time.Time) (domain.Task, error) {
	claims, err := c.authorize(grant, auth.OpCreateTask, "")
	if err != nil {
		return domain.Task{}, err
	}

	task := domain.NewTask(title, description, reward, claims.Subject, deadline)
	if err := task.Validate(c.maxReward); err != nil {
		return domain.Task{}, err
	}

	if _, err := c.store.Apply(ctx, storage.Change{
		Task: &task,
		Events: []domain.Event{{
			TaskID:      task.ID,
			Type:        domain.EventTaskCreated,
			ActorType:   domain.ActorEmployer,
			ActorID:     claims.Subject,
			PayloadJSON: fmt.Sprintf(`{"title":%q,"reward":%d}`, task.Title, task.RewardAmount),
		}},
	}); err != nil {
		return domain.Task{}, err
	}
	log.Printf("event=task_created task_id=%s employer=%s reward=%d", task.ID, task.Employer, task.RewardAmount)
	return task, nil
}

// FundingInstrument is the payer-facing result of a funding request.
type FundingInstrument struct {
	Record         domain.FundingRecord
	PaymentRequest string
}

// RequestFunding issues a hold instrument for a draft task and moves it to
// pending funding. A failed instrument can be replaced by requesting again.
func (c *Controller) RequestFunding(ctx context.Context, grant, taskID string, kind domain.RailKind) (FundingInstrument, error) {
	claims, err := c.authorize(grant, auth.OpRequestFunding, taskID)
	if err != nil {
		return FundingInstrument{}, err
	}

	unlock, err := c.locks.Lock(ctx, taskID)
	if err != nil {
		return FundingInstrument{}, err
	}
	defer unlock()

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return FundingInstrument{}, err
	}
	if claims.Subject != task.Employer {
		return FundingInstrument{}, apperrors.WithMetadata(apperrors.CodeTaskNotEmployer,
			"only the employer may request funding",
			map[string]string{"task_id": taskID, "subject": claims.Subject})
	}
	r, ok := c.rails[kind]
	if !ok {
		return FundingInstrument{}, apperrors.WithMetadata(apperrors.CodeRailUnavailable,
			"no rail configured for kind",
			map[string]string{"rail": string(kind)})
	}
	if _, err := c.store.GetActiveFunding(ctx, taskID); err == nil {
		return FundingInstrument{}, storage.ErrActiveFundingExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return FundingInstrument{}, err
	}

	if task.State == domain.TaskDraft {
		if err := task.Transition(domain.TaskPendingFunding); err != nil {
			return FundingInstrument{}, err
		}
	} else if task.State != domain.TaskPendingFunding {
		return FundingInstrument{}, apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
			"task is not awaiting funding",
			map[string]string{"task_id": taskID, "state": string(task.State)})
	}

	hold, err := r.CreateHold(ctx, rail.CreateHoldRequest{
		TaskID: taskID,
		Amount: task.RewardAmount,
		Expiry: c.holdExpiry,
	})
	if err != nil {
		return FundingInstrument{}, err
	}

	rec := domain.NewFundingRecord(taskID, kind, task.RewardAmount, &hold.ExpiresAt)
	rec.InstrumentID = hold.InstrumentID
	rec.Commitment = hold.Commitment
	task.FundingID = rec.ID

	if _, err := c.store.Apply(ctx, storage.Change{
		Task:    &task,
		Funding: &rec,
		Events: []domain.Event{{
			TaskID:      taskID,
			Type:        domain.EventInstrumentCreated,
			FundingID:   rec.ID,
			Commitment:  rec.Commitment,
			ActorType:   domain.ActorEmployer,
			ActorID:     claims.Subject,
			PayloadJSON: fmt.Sprintf(`{"rail":%q,"amount":%d}`, kind, task.RewardAmount),
		}},
	}); err != nil {
		return FundingInstrument{}, err
	}
	log.Printf("event=funding_requested task_id=%s funding_id=%s rail=%s amount=%d", taskID, rec.ID, kind, task.RewardAmount)
	return FundingInstrument{Record: rec, PaymentRequest: hold.PaymentRequest}, nil
}

// Claim assigns the grant subject as the task worker. The payee reference is
// recorded for settlement.
func (c *Controller) Claim(ctx context.Context, grant, taskID, payeeRef string) (domain.Task, error) {
	claims, err := c.authorize(grant, auth.OpClaimTask, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if strings.TrimSpace(payeeRef) == "" {
		return domain.Task{}, apperrors.New(apperrors.CodeTaskProofInvalid,
			"payee reference is required to claim")
	}

	unlock, err := c.locks.Lock(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	defer unlock()

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if claims.Subject == task.Employer {
		return domain.Task{}, apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
			"employer cannot claim their own task",
			map[string]string{"task_id": taskID})
	}
	if err := task.Transition(domain.TaskClaimed); err != nil {
		return domain.Task{}, err
	}
	now := c.now().UTC().Truncate(time.Millisecond)
	task.Worker = claims.Subject
	task.PayeeRef = payeeRef
	task.ClaimedAt = &now

	if _, err := c.store.Apply(ctx, storage.Change{
		Task: &task,
		Events: []domain.Event{{
			TaskID:      taskID,
			Type:        domain.EventTaskClaimed,
			ActorType:   domain.ActorWorker,
			ActorID:     claims.Subject,
			PayloadJSON: fmt.Sprintf(`{"worker":%q}`, claims.Subject),
		}},
	}); err != nil {
		return domain.Task{}, err
	}
	log.Printf("event=task_claimed task_id=%s worker=%s", taskID, claims.Subject)
	return task, nil
}

// SubmitProof attaches the work product reference to a claimed task. Only the
// URL and content hash are stored; the product itself lives elsewhere.
func (c *Controller) SubmitProof(ctx context.Context, grant, taskID, url, hash, externalRef string) (domain.Task, error) {
	claims, err := c.authorize(grant, auth.OpSubmitProof, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if strings.TrimSpace(url) == "" || strings.TrimSpace(hash) == "" {
		return domain.Task{}, apperrors.New(apperrors.CodeTaskProofInvalid,
			"proof url and content hash are required")
	}

	unlock, err := c.locks.Lock(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	defer unlock()

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if claims.Subject != task.Worker {
		return domain.Task{}, apperrors.WithMetadata(apperrors.CodeTaskNotWorker,
			"only the assigned worker may submit proof",
			map[string]string{"task_id": taskID, "subject": claims.Subject})
	}
	if task.State != domain.TaskClaimed {
		return domain.Task{}, apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
			"proof can only be submitted on a claimed task",
			map[string]string{"task_id": taskID, "state": string(task.State)})
	}

	now := c.now().UTC().Truncate(time.Millisecond)
	task.Proof = &domain.Proof{URL: url, Hash: hash, ExternalRef: externalRef}
	task.CompletedAt = &now

	if _, err := c.store.Apply(ctx, storage.Change{
		Task: &task,
		Events: []domain.Event{{
			TaskID:      taskID,
			Type:        domain.EventProofSubmitted,
			ActorType:   domain.ActorWorker,
			ActorID:     claims.Subject,
			PayloadJSON: fmt.Sprintf(`{"url":%q,"hash":%q}`, url, hash),
		}},
	}); err != nil {
		return domain.Task{}, err
	}
	log.Printf("event=proof_submitted task_id=%s worker=%s hash=%s", taskID, claims.Subject, hash)
	return task, nil
}

// Verify records the employer's judgement of the submitted proof. Approval
// settles the task: the hold releases to the worker. Rejection contests the
// task and hands it to arbitration.
func (c *Controller) Verify(ctx context.Context, grant, taskID string, approved bool, reason string) (domain.Task, error) {
	claims, err := c.authorize(grant, auth.OpVerifyProof, taskID)
	if err != nil {
		return domain.Task{}, err
	}

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if claims.Subject != task.Employer {
		return domain.Task{}, apperrors.WithMetadata(apperrors.CodeTaskNotEmployer,
			"only the employer may verify proof",
			map[string]string{"task_id": taskID, "subject": claims.Subject})
	}
	if task.Proof == nil {
		return domain.Task{}, apperrors.WithMetadata(apperrors.CodeTaskProofInvalid,
			"no proof submitted for task",
			map[string]string{"task_id": taskID})
	}

	now := c.now().UTC().Truncate(time.Millisecond)

	if !approved {
		if reason == "" {
			reason = "proof rejected"
		}
		if _, err := c.disputes.Open(ctx, taskID, claims.Subject, domain.ActorEmployer, reason, now); err != nil {
			return domain.Task{}, err
		}
		return c.store.GetTask(ctx, taskID)
	}

	if err := func() error {
		unlock, err := c.locks.Lock(ctx, taskID)
		if err != nil {
			return err
		}
		defer unlock()

		task, err = c.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := task.Transition(domain.TaskVerified); err != nil {
			return err
		}
		task.Verification = &domain.Verification{
			Verifier: claims.Subject,
			Approved: true,
			Reason:   reason,
			At:       now,
		}
		_, err = c.store.Apply(ctx, storage.Change{
			Task: &task,
			Events: []domain.Event{{
				TaskID:      taskID,
				Type:        domain.EventProofVerified,
				ActorType:   domain.ActorEmployer,
				ActorID:     claims.Subject,
				PayloadJSON: fmt.Sprintf(`{"approved":true,"reason":%q}`, reason),
			}},
		})
		return err
	}(); err != nil {
		return domain.Task{}, err
	}
	log.Printf("event=proof_verified task_id=%s employer=%s", taskID, claims.Subject)

	// Verification settles. The coordinator takes its own task lock, so the
	// controller's must be released first.
	if _, err := c.settler.Resolve(ctx, taskID, settlement.Outcome{Kind: settlement.Release}, domain.ActorEmployer, claims.Subject); err != nil {
		return domain.Task{}, err
	}
	return c.store.GetTask(ctx, taskID)
}

// Cancel withdraws a task. Before funds are held the task simply expires;
// once a hold is accepted the funds refund through settlement. A claimed task
// can no longer be cancelled.
func (c *Controller) Cancel(ctx context.Context, grant, taskID, reason string) (domain.Task, error) {
	claims, err := c.authorize(grant, auth.OpCancelTask, taskID)
	if err != nil {
		return domain.Task{}, err
	}

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if claims.Subject != task.Employer {
		return domain.Task{}, apperrors.WithMetadata(apperrors.CodeTaskNotEmployer,
			"only the employer may cancel a task",
			map[string]string{"task_id": taskID, "subject": claims.Subject})
	}

	switch task.State {
	case domain.TaskDraft, domain.TaskPendingFunding:
		return c.cancelUnfunded(ctx, task, claims.Subject, reason)
	case domain.TaskFunded:
		// Funds are held but no worker has committed; refund through the
		// settlement coordinator.
		if _, err := c.settler.Resolve(ctx, taskID, settlement.Outcome{Kind: settlement.Refund}, domain.ActorEmployer, claims.Subject); err != nil {
			return domain.Task{}, err
		}
		if _, err := c.store.Apply(ctx, storage.Change{
			Events: []domain.Event{{
				TaskID:      taskID,
				Type:        domain.EventTaskCancelled,
				ActorType:   domain.ActorEmployer,
				ActorID:     claims.Subject,
				PayloadJSON: fmt.Sprintf(`{"reason":%q}`, reason),
			}},
		}); err != nil {
			return domain.Task{}, err
		}
		log.Printf("event=task_cancelled task_id=%s state=refunded", taskID)
		return c.store.GetTask(ctx, taskID)
	}
	return domain.Task{}, apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
		"task can no longer be cancelled",
		map[string]string{"task_id": taskID, "state": string(task.State)})
}

func (c *Controller) cancelUnfunded(ctx context.Context, task domain.Task, subject, reason string) (domain.Task, error) {
	unlock, err := c.locks.Lock(ctx, task.ID)
	if err != nil {
		return domain.Task{}, err
	}
	defer unlock()

	task, err = c.store.GetTask(ctx, task.ID)
	if err != nil {
		return domain.Task{}, err
	}

	change := storage.Change{
		Events: []domain.Event{{
			TaskID:      task.ID,
			Type:        domain.EventTaskCancelled,
			ActorType:   domain.ActorEmployer,
			ActorID:     subject,
			PayloadJSON: fmt.Sprintf(`{"reason":%q}`, reason),
		}},
	}

	// Tear down any open instrument so stray payments bounce.
	rec, err := c.store.GetActiveFunding(ctx, task.ID)
	switch {
	case err == nil:
		if r, ok := c.rails[rec.Rail]; ok {
			if err := r.Cancel(ctx, rec.Commitment); err != nil {
				return domain.Task{}, err
			}
		}
		if err := rec.Transition(domain.FundingExpired); err != nil {
			return domain.Task{}, err
		}
		change.Funding = &rec
		change.Events = append(change.Events, domain.Event{
			TaskID:     task.ID,
			Type:       domain.EventFundingExpired,
			FundingID:  rec.ID,
			Commitment: rec.Commitment,
			ActorType:  domain.ActorSystem,
		})
	case errors.Is(err, storage.ErrNotFound):
	default:
		return domain.Task{}, err
	}

	if err := task.Transition(domain.TaskExpired); err != nil {
		return domain.Task{}, err
	}
	change.Task = &task

	if _, err := c.store.Apply(ctx, change); err != nil {
		return domain.Task{}, err
	}
	log.Printf("event=task_cancelled task_id=%s state=expired", task.ID)
	return task, nil
}

// OpenDispute contests a task on behalf of the grant subject.
func (c *Controller) OpenDispute(ctx context.Context, grant, taskID, reason string) (domain.Dispute, error) {
	claims, err := c.authorize(grant, auth.OpOpenDispute, taskID)
	if err != nil {
		return domain.Dispute{}, err
	}
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Dispute{}, err
	}
	var role domain.ActorType
	switch claims.Subject {
	case task.Employer:
		role = domain.ActorEmployer
	case task.Worker:
		role = domain.ActorWorker
	default:
		return domain.Dispute{}, apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
			"disputes may only be opened by a task party",
			map[string]string{"task_id": taskID, "subject": claims.Subject})
	}
	return c.disputes.Open(ctx, taskID, claims.Subject, role, reason, c.now())
}

// RuleDispute records an arbitrator's vote on an open dispute. The grant is
// pinned to the disputed task.
func (c *Controller) RuleDispute(ctx context.Context, grant, disputeID string, outcome domain.DisputeOutcome, rationale string) (domain.DisputeOutcome, error) {
	d, err := c.store.GetDispute(ctx, disputeID)
	if err != nil {
		return domain.OutcomePending, err
	}
	claims, err := c.authorize(grant, auth.OpRuleDispute, d.TaskID)
	if err != nil {
		return domain.OutcomePending, err
	}
	return c.disputes.SubmitRuling(ctx, disputeID, claims.Subject, outcome, rationale, c.now())
}

// GetTask returns the current task row.
func (c *Controller) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return c.store.GetTask(ctx, taskID)
}

// ListTaskEvents returns the task's journal, oldest first.
func (c *Controller) ListTaskEvents(ctx context.Context, taskID string) ([]domain.Event, error) {
	return c.store.ListTaskEvents(ctx, taskID)
}
