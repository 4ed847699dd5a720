// Package settlement coordinates the irreversible step: revealing or
// discarding the release secret, then committing the matching local state in
// one transaction.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
	"github.com/eltris/escrowd/internal/platform/keyedmutex"
	"github.com/eltris/escrowd/internal/services/escrow/domain"
	"github.com/eltris/escrowd/internal/services/escrow/rail"
	"github.com/eltris/escrowd/internal/services/escrow/storage"
)

// OutcomeKind names the direction funds move on settlement.
type OutcomeKind string

const (
	// Release pays the worker by revealing the release secret.
	Release OutcomeKind = "release"
	// Refund returns funds to the employer by cancelling the hold.
	Refund OutcomeKind = "refund"
	// Split releases the full hold to the worker and records a compensating
	// refund owed to the employer for the remainder.
	Split OutcomeKind = "split"
)

// Outcome is the requested settlement of one task.
type Outcome struct {
	Kind OutcomeKind
	// WorkerShare is the worker's portion in minor units, Split only.
	WorkerShare int64
}

// Result records a completed settlement.
type Result struct {
	TaskID     string
	Commitment string
	Kind       OutcomeKind
	Amount     int64
	// EmployerRefundDue is the compensating refund recorded on a split.
	EmployerRefundDue int64
	SettledAt         time.Time
}

// Coordinator serializes settlement per task and keeps the rail and the
// store in agreement.
type Coordinator struct {
	store storage.Store
	rails map[domain.RailKind]rail.Rail
	locks *keyedmutex.Mutex

	mu   sync.Mutex
	done map[string]Result // keyed by task id + commitment
}

// New wires a settlement coordinator over the given rails.
func New(store storage.Store, rails map[domain.RailKind]rail.Rail, locks *keyedmutex.Mutex) *Coordinator {
	return &Coordinator{
		store: store,
		rails: rails,
		locks: locks,
		done:  make(map[string]Result),
	}
}

func resultKey(taskID, commitment string) string {
	return taskID + "/" + commitment
}

// Resolve settles one task. A second resolve with the same outcome returns
// the recorded result without another rail call; a conflicting outcome fails.
// Concurrent resolves on the same task fail fast with ALREADY_PROCESSING.
func (c *Coordinator) Resolve(ctx context.Context, taskID string, outcome Outcome, actor domain.ActorType, actorID string) (Result, error) {
	unlock, ok := c.locks.TryLock(taskID)
	if !ok {
		return Result{}, apperrors.WithMetadata(apperrors.CodeAlreadyProcessing,
			"task settlement already in progress",
			map[string]string{"task_id": taskID})
	}
	defer unlock()

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	rec, err := c.fundingFor(ctx, task)
	if err != nil {
		return Result{}, err
	}

	if done, ok := c.recall(task, rec, outcome); ok {
		return done, nil
	}

	target, err := targetState(task.State, outcome.Kind)
	if err != nil {
		return Result{}, err
	}
	if outcome.Kind == Split {
		if outcome.WorkerShare <= 0 || outcome.WorkerShare >= rec.ReceivedAmount {
			return Result{}, apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
				"split share must fall inside the held amount",
				map[string]string{"worker_share": fmt.Sprintf("%d", outcome.WorkerShare)})
		}
	}

	// Only an accepted hold may settle. Anything earlier has no funds to
	// move; anything later already moved them and is recall's business.
	if rec.Status != domain.FundingAccepted {
		return Result{}, apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
			"funding record is not in an accepted state",
			map[string]string{"funding_id": rec.ID, "status": string(rec.Status)})
	}
	if outcome.Kind == Release || outcome.Kind == Split {
		if task.Worker == "" || task.PayeeRef == "" {
			return Result{}, apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
				"release requires a claimed worker with a payee reference",
				map[string]string{"task_id": task.ID})
		}
	}

	r, ok := c.rails[rec.Rail]
	if !ok {
		return Result{}, apperrors.WithMetadata(apperrors.CodeRailUnavailable,
			"no rail configured for funding record",
			map[string]string{"rail": string(rec.Rail)})
	}

	// Rail first. If the process dies between the rail call and the local
	// commit, reconciliation repairs the row state from the rail outcome.
	switch outcome.Kind {
	case Release, Split:
		if err := r.Release(ctx, rec.Commitment); err != nil {
			return Result{}, err
		}
	case Refund:
		if err := r.Cancel(ctx, rec.Commitment); err != nil {
			return Result{}, err
		}
	default:
		return Result{}, fmt.Errorf("unknown settlement outcome %q", outcome.Kind)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	result := Result{
		TaskID:     task.ID,
		Commitment: rec.Commitment,
		Kind:       outcome.Kind,
		Amount:     rec.ReceivedAmount,
		SettledAt:  now,
	}

	var fundingTarget domain.FundingStatus
	var eventType domain.EventType
	payload := fmt.Sprintf(`{"outcome":%q,"amount":%d}`, outcome.Kind, rec.ReceivedAmount)
	switch outcome.Kind {
	case Release:
		fundingTarget = domain.FundingSettled
		eventType = domain.EventSettlementCompleted
	case Refund:
		fundingTarget = domain.FundingCancelled
		eventType = domain.EventRefundCompleted
	case Split:
		fundingTarget = domain.FundingSettled
		eventType = domain.EventSettlementCompleted
		result.EmployerRefundDue = rec.ReceivedAmount - outcome.WorkerShare
		payload = fmt.Sprintf(`{"outcome":%q,"amount":%d,"worker_share":%d,"employer_refund_due":%d}`,
			outcome.Kind, rec.ReceivedAmount, outcome.WorkerShare, result.EmployerRefundDue)
	}

	if err := rec.Transition(fundingTarget); err != nil {
		return Result{}, err
	}
	if err := task.Transition(target); err != nil {
		return Result{}, err
	}
	task.SettledAt = &now

	if _, err := c.store.Apply(ctx, storage.Change{
		Task:    &task,
		Funding: &rec,
		Events: []domain.Event{{
			TaskID:      task.ID,
			Type:        eventType,
			FundingID:   rec.ID,
			Commitment:  rec.Commitment,
			ActorType:   actor,
			ActorID:     actorID,
			PayloadJSON: payload,
		}},
	}); err != nil {
		return Result{}, err
	}

	c.mu.Lock()
	c.done[resultKey(task.ID, rec.Commitment)] = result
	c.mu.Unlock()

	log.Printf("event=settlement_completed task_id=%s outcome=%s amount=%d", task.ID, outcome.Kind, result.Amount)
	return result, nil
}

// fundingFor loads the task's funding record: the active one while the task
// is live, otherwise the record the task points at.
func (c *Coordinator) fundingFor(ctx context.Context, task domain.Task) (domain.FundingRecord, error) {
	rec, err := c.store.GetActiveFunding(ctx, task.ID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return domain.FundingRecord{}, err
	}
	if task.FundingID == "" {
		return domain.FundingRecord{}, apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
			"task has no funding to settle",
			map[string]string{"task_id": task.ID})
	}
	return c.store.GetFunding(ctx, task.FundingID)
}

// recall returns the recorded result when the task already settled with a
// matching outcome, and fails when the recorded outcome conflicts.
func (c *Coordinator) recall(task domain.Task, rec domain.FundingRecord, outcome Outcome) (Result, bool) {
	c.mu.Lock()
	done, ok := c.done[resultKey(task.ID, rec.Commitment)]
	c.mu.Unlock()
	if ok && done.Kind == outcome.Kind {
		return done, true
	}
	if !ok && task.State.IsTerminal() && rec.Status.IsTerminal() {
		// Settled before a restart; rebuild the result from row state.
		settledKind := Refund
		if task.State == domain.TaskPaid {
			settledKind = Release
		}
		if settledKind == outcome.Kind || (outcome.Kind == Split && settledKind == Release) {
			result := Result{
				TaskID:     task.ID,
				Commitment: rec.Commitment,
				Kind:       settledKind,
				Amount:     rec.ReceivedAmount,
			}
			if task.SettledAt != nil {
				result.SettledAt = *task.SettledAt
			}
			return result, true
		}
	}
	return Result{}, false
}

// targetState maps an outcome onto the task transition it requires. The
// transition table still has the final say inside the commit.
func targetState(from domain.TaskState, kind OutcomeKind) (domain.TaskState, error) {
	switch kind {
	case Release, Split:
		if from == domain.TaskVerified || from == domain.TaskDisputed {
			return domain.TaskPaid, nil
		}
	case Refund:
		if from == domain.TaskFunded || from == domain.TaskDisputed {
			return domain.TaskRefunded, nil
		}
	}
	return "", apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
		"task state does not permit settlement",
		map[string]string{"from": string(from), "outcome": string(kind)})
}
