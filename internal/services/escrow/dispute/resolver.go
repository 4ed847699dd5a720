// Package dispute runs arbitration over contested tasks: panel selection,
// ruling collection, quorum tallying, and deadline defaults.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
	"github.com/eltris/escrowd/internal/platform/keyedmutex"
	"github.com/eltris/escrowd/internal/services/escrow/domain"
	"github.com/eltris/escrowd/internal/services/escrow/settlement"
	"github.com/eltris/escrowd/internal/services/escrow/storage"
)

// EscalationStep is how many arbitrators join the panel when a tally reaches
// no strict majority. Panels stay odd-sized.
const EscalationStep = 2

// Settler finalizes a resolved dispute against the payment rail.
type Settler interface {
	Resolve(ctx context.Context, taskID string, outcome settlement.Outcome, actor domain.ActorType, actorID string) (settlement.Result, error)
}

// Resolver coordinates the dispute lifecycle for contested tasks.
type Resolver struct {
	store   storage.Store
	settler Settler
	roster  []string
	locks   *keyedmutex.Mutex

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// New wires a dispute resolver over the configured arbitrator roster. The
// locks must be the same per-task mutex the controller and sweeps share.
func New(store storage.Store, settler Settler, roster []string, locks *keyedmutex.Mutex, rng *rand.Rand) *Resolver {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if locks == nil {
		locks = keyedmutex.New()
	}
	return &Resolver{store: store, settler: settler, roster: roster, locks: locks, rng: rng}
}

// Open contests a task. The task moves to disputed, a panel is selected, and
// the opening is journaled. Panel members stay hidden from the parties.
func (r *Resolver) Open(ctx context.Context, taskID, opener string, role domain.ActorType, reason string, now time.Time) (domain.Dispute, error) {
	unlock, err := r.locks.Lock(ctx, taskID)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer unlock()

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Dispute{}, err
	}
	respondent, err := counterparty(task, opener, role)
	if err != nil {
		return domain.Dispute{}, err
	}
	if _, err := r.store.GetOpenDispute(ctx, taskID); err == nil {
		return domain.Dispute{}, apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
			"task already has an open dispute",
			map[string]string{"task_id": taskID})
	} else if !errors.Is(err, storage.ErrNotFound) {
		return domain.Dispute{}, err
	}

	if err := task.Transition(domain.TaskDisputed); err != nil {
		return domain.Dispute{}, err
	}

	d, err := domain.NewDispute(taskID, opener, respondent, role, reason, now)
	if err != nil {
		return domain.Dispute{}, err
	}
	d.Panel, err = r.selectPanel(ctx, domain.PanelSize(heldAmount(ctx, r.store, task)), map[string]bool{
		task.Employer: true,
		task.Worker:   true,
	})
	if err != nil {
		return domain.Dispute{}, err
	}

	if _, err := r.store.Apply(ctx, storage.Change{
		Task:    &task,
		Dispute: d,
		Events: []domain.Event{{
			TaskID:      taskID,
			Type:        domain.EventDisputeOpened,
			DisputeID:   d.ID,
			ActorType:   role,
			ActorID:     opener,
			PayloadJSON: fmt.Sprintf(`{"reason":%q,"panel_size":%d}`, reason, len(d.Panel)),
		}},
	}); err != nil {
		return domain.Dispute{}, err
	}
	log.Printf("event=dispute_opened task_id=%s dispute_id=%s opener_role=%s panel_size=%d", taskID, d.ID, role, len(d.Panel))
	return *d, nil
}

// RecordResponse marks the respondent's answer to an open dispute.
func (r *Resolver) RecordResponse(ctx context.Context, disputeID, actorID string, now time.Time) error {
	d, err := r.store.GetDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	if d.Outcome.Resolved() {
		return apperrors.WithMetadata(apperrors.CodeDisputeAlreadyResolved,
			"dispute is already resolved",
			map[string]string{"dispute_id": disputeID})
	}
	if actorID != d.Respondent {
		return apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
			"only the respondent may answer a dispute",
			map[string]string{"dispute_id": disputeID, "actor_id": actorID})
	}
	d.RecordResponse(now)
	return r.store.PutDispute(ctx, d)
}

// SubmitEvidence records an evidence submission from either party. A
// respondent's evidence also counts as their answer.
func (r *Resolver) SubmitEvidence(ctx context.Context, disputeID, actorID string, now time.Time) error {
	d, err := r.store.GetDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	if d.Outcome.Resolved() {
		return apperrors.WithMetadata(apperrors.CodeDisputeAlreadyResolved,
			"dispute is already resolved",
			map[string]string{"dispute_id": disputeID})
	}
	switch actorID {
	case d.Opener:
		d.RecordEvidence(d.OpenerRole)
	case d.Respondent:
		d.RecordEvidence(otherRole(d.OpenerRole))
		if d.RespondentRepliedAt == nil {
			d.RecordResponse(now)
		}
	default:
		return apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
			"only dispute parties may submit evidence",
			map[string]string{"dispute_id": disputeID, "actor_id": actorID})
	}
	return r.store.PutDispute(ctx, d)
}

// SubmitRuling records one arbitrator's vote. Once a strict majority exists
// the dispute settles; a full panel without a majority escalates to a larger
// one. The returned outcome is pending until either happens.
func (r *Resolver) SubmitRuling(ctx context.Context, disputeID, arbitrator string, outcome domain.DisputeOutcome, rationale string, now time.Time) (domain.DisputeOutcome, error) {
	d, err := r.store.GetDispute(ctx, disputeID)
	if err != nil {
		return domain.OutcomePending, err
	}
	if d.Outcome.Resolved() {
		return d.Outcome, apperrors.WithMetadata(apperrors.CodeDisputeAlreadyResolved,
			"dispute is already resolved",
			map[string]string{"dispute_id": disputeID})
	}
	if !onPanel(d.Panel, arbitrator) {
		return domain.OutcomePending, apperrors.WithMetadata(apperrors.CodeDisputeArbitratorUnknown,
			"arbitrator is not on the dispute panel",
			map[string]string{"dispute_id": disputeID, "arbitrator": arbitrator})
	}
	switch outcome {
	case domain.OutcomeEmployerFavor, domain.OutcomeWorkerFavor, domain.OutcomeSplit:
	default:
		return domain.OutcomePending, apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
			"ruling outcome must favor a party or split",
			map[string]string{"outcome": string(outcome)})
	}

	if err := r.store.PutRuling(ctx, domain.Ruling{
		DisputeID:  disputeID,
		Arbitrator: arbitrator,
		Outcome:    outcome,
		Rationale:  rationale,
		RuledAt:    now.UTC().Truncate(time.Millisecond),
	}); err != nil {
		return domain.OutcomePending, err
	}

	rulings, err := r.store.ListRulings(ctx, disputeID)
	if err != nil {
		return domain.OutcomePending, err
	}
	tally, err := domain.Tally(rulings, len(d.Panel))
	if err != nil {
		if len(rulings) < len(d.Panel) {
			// Majority still reachable; wait for the rest of the panel.
			return domain.OutcomePending, nil
		}
		return domain.OutcomeEscalated, r.escalate(ctx, d)
	}
	if err := r.finalize(ctx, d, tally, rulings, domain.ActorArbitrator, arbitrator, now); err != nil {
		return domain.OutcomePending, err
	}
	return tally, nil
}

// ApplyDefaults sweeps overdue disputes and forces the deadline outcomes: a
// silent respondent loses, a responsive panel with no evidence splits. It
// returns how many disputes were resolved.
func (r *Resolver) ApplyDefaults(ctx context.Context, now time.Time, limit int) (int, error) {
	overdue, err := r.store.ListOverdueDisputes(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, d := range overdue {
		outcome, ok := d.DefaultOutcome(now)
		if !ok {
			continue
		}
		if err := r.finalize(ctx, d, outcome, nil, domain.ActorSystem, "", now); err != nil {
			log.Printf("event=dispute_default_failed dispute_id=%s outcome=%s error=%v", d.ID, outcome, err)
			continue
		}
		log.Printf("event=dispute_defaulted dispute_id=%s task_id=%s outcome=%s", d.ID, d.TaskID, outcome)
		resolved++
	}
	return resolved, nil
}

// finalize settles the rail first, then commits the dispute resolution and
// its journal event. Settlement is idempotent, so a crash between the two
// replays cleanly.
func (r *Resolver) finalize(ctx context.Context, d domain.Dispute, outcome domain.DisputeOutcome, rulings []domain.Ruling, actor domain.ActorType, actorID string, now time.Time) error {
	var share int64
	var settleOutcome settlement.Outcome
	switch outcome {
	case domain.OutcomeEmployerFavor:
		settleOutcome = settlement.Outcome{Kind: settlement.Refund}
	case domain.OutcomeWorkerFavor:
		settleOutcome = settlement.Outcome{Kind: settlement.Release}
	case domain.OutcomeSplit:
		task, err := r.store.GetTask(ctx, d.TaskID)
		if err != nil {
			return err
		}
		share = heldAmount(ctx, r.store, task) / 2
		settleOutcome = settlement.Outcome{Kind: settlement.Split, WorkerShare: share}
	default:
		return fmt.Errorf("cannot finalize dispute with outcome %q", outcome)
	}

	result, err := r.settler.Resolve(ctx, d.TaskID, settleOutcome, actor, actorID)
	if err != nil {
		return err
	}

	if err := d.Resolve(outcome, share, now); err != nil {
		return err
	}
	if _, err := r.store.Apply(ctx, storage.Change{
		Dispute: &d,
		Events: []domain.Event{{
			TaskID:      d.TaskID,
			Type:        domain.EventDisputeResolved,
			DisputeID:   d.ID,
			Commitment:  result.Commitment,
			ActorType:   actor,
			ActorID:     actorID,
			PayloadJSON: fmt.Sprintf(`{"outcome":%q,"worker_share":%d,"employer_refund_due":%d}`,
				outcome, share, result.EmployerRefundDue),
		}},
	}); err != nil {
		return err
	}

	r.recordRulings(ctx, rulings)
	log.Printf("event=dispute_resolved dispute_id=%s task_id=%s outcome=%s", d.ID, d.TaskID, outcome)
	return nil
}

// recordRulings folds panel votes into the public arbitrator histories.
// Flagging is forward-looking only; rulings already made stand.
func (r *Resolver) recordRulings(ctx context.Context, rulings []domain.Ruling) {
	for _, ruling := range rulings {
		rec, err := r.store.GetArbitratorRecord(ctx, ruling.Arbitrator)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Printf("event=arbitrator_record_failed arbitrator=%s error=%v", ruling.Arbitrator, err)
			continue
		}
		rec.Arbitrator = ruling.Arbitrator
		wasFlagged := rec.Flagged
		rec.Record(ruling.Outcome)
		if err := r.store.PutArbitratorRecord(ctx, rec); err != nil {
			log.Printf("event=arbitrator_record_failed arbitrator=%s error=%v", ruling.Arbitrator, err)
			continue
		}
		if rec.Flagged && !wasFlagged {
			log.Printf("event=arbitrator_flagged arbitrator=%s rulings_total=%d", rec.Arbitrator, rec.RulingsTotal)
		}
	}
}

// escalate grows the panel after a hung tally. Existing rulings stand and
// count toward the larger majority.
func (r *Resolver) escalate(ctx context.Context, d domain.Dispute) error {
	exclude := make(map[string]bool, len(d.Panel)+2)
	for _, member := range d.Panel {
		exclude[member] = true
	}
	exclude[d.Opener] = true
	exclude[d.Respondent] = true

	extra, err := r.selectPanel(ctx, EscalationStep, exclude)
	if err != nil {
		return err
	}
	d.Panel = append(d.Panel, extra...)
	if err := r.store.PutDispute(ctx, d); err != nil {
		return err
	}
	log.Printf("event=dispute_escalated dispute_id=%s task_id=%s panel_size=%d", d.ID, d.TaskID, len(d.Panel))
	return nil
}

// selectPanel draws arbitrators from the roster, weighted by ruling history.
// Flagged arbitrators and excluded identities never qualify.
func (r *Resolver) selectPanel(ctx context.Context, size int, exclude map[string]bool) ([]string, error) {
	records, err := r.store.ListArbitratorRecords(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]domain.ArbitratorRecord, len(records))
	for _, rec := range records {
		byName[rec.Arbitrator] = rec
	}

	candidates := make([]string, 0, len(r.roster))
	weights := make([]int, 0, len(r.roster))
	for _, arbitrator := range r.roster {
		if exclude[arbitrator] {
			continue
		}
		rec, ok := byName[arbitrator]
		if ok && rec.Flagged {
			continue
		}
		candidates = append(candidates, arbitrator)
		weights = append(weights, 1+rec.RulingsTotal)
	}
	if len(candidates) < size {
		return nil, apperrors.WithMetadata(apperrors.CodeDisputeArbitratorUnknown,
			"not enough eligible arbitrators for panel",
			map[string]string{
				"eligible": fmt.Sprintf("%d", len(candidates)),
				"needed":   fmt.Sprintf("%d", size),
			})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	panel := make([]string, 0, size)
	for len(panel) < size {
		total := 0
		for _, w := range weights {
			total += w
		}
		pick := r.rng.Intn(total)
		for i, w := range weights {
			pick -= w
			if pick < 0 {
				panel = append(panel, candidates[i])
				candidates = append(candidates[:i], candidates[i+1:]...)
				weights = append(weights[:i], weights[i+1:]...)
				break
			}
		}
	}
	return panel, nil
}

func counterparty(task domain.Task, opener string, role domain.ActorType) (string, error) {
	switch role {
	case domain.ActorEmployer:
		if opener != task.Employer {
			return "", apperrors.WithMetadata(apperrors.CodeTaskNotEmployer,
				"opener is not the task employer",
				map[string]string{"task_id": task.ID, "opener": opener})
		}
		return task.Worker, nil
	case domain.ActorWorker:
		if opener != task.Worker {
			return "", apperrors.WithMetadata(apperrors.CodeTaskNotWorker,
				"opener is not the assigned worker",
				map[string]string{"task_id": task.ID, "opener": opener})
		}
		return task.Employer, nil
	}
	return "", apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
		"disputes may only be opened by a task party",
		map[string]string{"role": string(role)})
}

func otherRole(role domain.ActorType) domain.ActorType {
	if role == domain.ActorEmployer {
		return domain.ActorWorker
	}
	return domain.ActorEmployer
}

func onPanel(panel []string, arbitrator string) bool {
	for _, member := range panel {
		if member == arbitrator {
			return true
		}
	}
	return false
}

// heldAmount prefers the funds actually held over the listed reward.
func heldAmount(ctx context.Context, store storage.Store, task domain.Task) int64 {
	rec, err := store.GetActiveFunding(ctx, task.ID)
	if err == nil && rec.ReceivedAmount > 0 {
		return rec.ReceivedAmount
	}
	if task.FundingID != "" {
		if rec, err := store.GetFunding(ctx, task.FundingID); err == nil && rec.ReceivedAmount > 0 {
			return rec.ReceivedAmount
		}
	}
	return task.RewardAmount
}
