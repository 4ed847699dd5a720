package domain

import (
	"time"

	"github.com/google/uuid"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
)

// DisputeOutcome is the final or pending resolution of a dispute.
type DisputeOutcome string

const (
	// OutcomePending means the dispute is still open.
	OutcomePending DisputeOutcome = "pending"
	// OutcomeEmployerFavor refunds the full held amount to the employer.
	OutcomeEmployerFavor DisputeOutcome = "employer_favor"
	// OutcomeWorkerFavor releases the full held amount to the worker.
	OutcomeWorkerFavor DisputeOutcome = "worker_favor"
	// OutcomeSplit releases the hold to the worker and records a
	// compensating refund instruction for the employer's share.
	OutcomeSplit DisputeOutcome = "split"
	// OutcomeEscalated means the panel reached no strict majority and the
	// dispute moved to a larger panel.
	OutcomeEscalated DisputeOutcome = "escalated"
	// OutcomeWithdrawn means the opener withdrew before resolution.
	OutcomeWithdrawn DisputeOutcome = "withdrawn"
)

// Resolved reports whether the outcome terminates the dispute.
func (o DisputeOutcome) Resolved() bool {
	switch o {
	case OutcomeEmployerFavor, OutcomeWorkerFavor, OutcomeSplit, OutcomeWithdrawn:
		return true
	}
	return false
}

// Default panel behavior. Tasks at or below SinglePanelThreshold get one
// arbitrator; above it, an odd panel of DefaultPanelSize.
const (
	SinglePanelThreshold int64 = 100_000
	DefaultPanelSize           = 3

	// ResponseWindow is how long a respondent has before the dispute
	// defaults against them.
	ResponseWindow = 7 * 24 * time.Hour
)

// Ruling is one arbitrator's vote on a dispute.
type Ruling struct {
	DisputeID  string
	Arbitrator string
	Outcome    DisputeOutcome
	Rationale  string
	RuledAt    time.Time
}

// Dispute tracks a contested task through arbitration.
type Dispute struct {
	ID     string
	TaskID string

	// Opener identifies who opened the dispute and in what role.
	Opener     string
	OpenerRole ActorType
	// Respondent is the counterparty expected to answer the dispute.
	Respondent string
	Reason     string

	// RespondentRepliedAt is set when the respondent answers; absent past
	// RespondBy, the dispute defaults in the opener's favor.
	RespondentRepliedAt *time.Time

	// Evidence submission flags per side. Neither set past EvidenceBy
	// defaults the dispute to a split.
	OpenerEvidence     bool
	RespondentEvidence bool

	// Panel is the selected arbitrator set, blinded from the parties until
	// resolution.
	Panel []string

	Outcome DisputeOutcome

	// SplitWorkerShare is the worker's share of the held amount when
	// Outcome is OutcomeSplit, in minor units.
	SplitWorkerShare int64

	// RespondBy is the deadline for the counterparty response; passing it
	// without a reply defaults the outcome against the respondent.
	RespondBy time.Time

	// EvidenceBy is the deadline for evidence submission from both sides.
	EvidenceBy time.Time

	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// NewDispute opens a dispute over a task. Panel selection happens separately.
func NewDispute(taskID, opener, respondent string, role ActorType, reason string, now time.Time) (*Dispute, error) {
	if role != ActorEmployer && role != ActorWorker {
		return nil, apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
			"disputes may only be opened by a task party",
			map[string]string{"role": string(role)})
	}
	now = now.UTC().Truncate(time.Millisecond)
	return &Dispute{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		Opener:     opener,
		OpenerRole: role,
		Respondent: respondent,
		Reason:     reason,
		Outcome:    OutcomePending,
		RespondBy:  now.Add(ResponseWindow),
		EvidenceBy: now.Add(ResponseWindow),
		CreatedAt:  now,
	}, nil
}

// RecordResponse marks the respondent as having answered.
func (d *Dispute) RecordResponse(now time.Time) {
	at := now.UTC().Truncate(time.Millisecond)
	d.RespondentRepliedAt = &at
}

// RecordEvidence marks evidence submitted by one side.
func (d *Dispute) RecordEvidence(role ActorType) {
	switch {
	case role == d.OpenerRole:
		d.OpenerEvidence = true
	default:
		d.RespondentEvidence = true
	}
}

// DefaultOutcome returns the forced resolution once the deadline elapsed:
// no respondent reply favors the opener; no evidence from either side splits.
// The second return is false while no default applies.
func (d *Dispute) DefaultOutcome(now time.Time) (DisputeOutcome, bool) {
	if d.Outcome.Resolved() || now.Before(d.RespondBy) {
		return OutcomePending, false
	}
	if d.RespondentRepliedAt == nil {
		if d.OpenerRole == ActorEmployer {
			return OutcomeEmployerFavor, true
		}
		return OutcomeWorkerFavor, true
	}
	if !d.OpenerEvidence && !d.RespondentEvidence {
		return OutcomeSplit, true
	}
	return OutcomePending, false
}

// PanelSize returns the arbitrator count for a held amount.
func PanelSize(amount int64) int {
	if amount <= SinglePanelThreshold {
		return 1
	}
	return DefaultPanelSize
}

// Resolve applies the final outcome. Resolving twice fails.
func (d *Dispute) Resolve(outcome DisputeOutcome, workerShare int64, now time.Time) error {
	if d.Outcome.Resolved() {
		return apperrors.WithMetadata(apperrors.CodeDisputeAlreadyResolved,
			"dispute is already resolved",
			map[string]string{"dispute_id": d.ID, "outcome": string(d.Outcome)})
	}
	if outcome == OutcomeSplit {
		if workerShare <= 0 {
			return apperrors.New(apperrors.CodeInvalidStateTransition,
				"split outcome requires a positive worker share")
		}
		d.SplitWorkerShare = workerShare
	}
	d.Outcome = outcome
	if outcome.Resolved() {
		at := now.UTC().Truncate(time.Millisecond)
		d.ResolvedAt = &at
	}
	return nil
}

// Tally reduces a set of rulings to a panel outcome. A strict majority for
// one outcome wins; anything less escalates.
func Tally(rulings []Ruling, panelSize int) (DisputeOutcome, error) {
	if panelSize < 1 {
		return OutcomePending, apperrors.New(apperrors.CodeDisputeQuorumUnreached,
			"panel size must be at least one")
	}
	counts := make(map[DisputeOutcome]int)
	for _, r := range rulings {
		counts[r.Outcome]++
	}
	need := panelSize/2 + 1
	for outcome, n := range counts {
		if n >= need {
			return outcome, nil
		}
	}
	return OutcomeEscalated, apperrors.WithMetadata(apperrors.CodeDisputeQuorumUnreached,
		"no outcome reached a strict majority",
		map[string]string{"rulings": formatAmount(int64(len(rulings))), "panel": formatAmount(int64(panelSize))})
}

// ArbitratorRecord is the public ruling history for one arbitrator, derived
// by replaying dispute resolution events.
type ArbitratorRecord struct {
	Arbitrator string

	RulingsTotal  int
	EmployerFavor int
	WorkerFavor   int
	Split         int

	// Flagged marks arbitrators whose rulings skew past the threshold in
	// one direction. Flagged arbitrators drop out of future panel
	// selection; past rulings stand.
	Flagged bool
}

// SkewThresholdBps flags arbitrators above 95% one-sided rulings.
const SkewThresholdBps = 9_500

// MinRulingsForSkew is the history floor before skew flagging applies.
const MinRulingsForSkew = 20

// Record folds one ruling into the history and recomputes the skew flag.
func (a *ArbitratorRecord) Record(outcome DisputeOutcome) {
	switch outcome {
	case OutcomeEmployerFavor:
		a.EmployerFavor++
	case OutcomeWorkerFavor:
		a.WorkerFavor++
	case OutcomeSplit:
		a.Split++
	default:
		return
	}
	a.RulingsTotal++
	a.Flagged = a.skewed()
}

func (a *ArbitratorRecord) skewed() bool {
	if a.RulingsTotal < MinRulingsForSkew {
		return false
	}
	for _, n := range []int{a.EmployerFavor, a.WorkerFavor} {
		if n*10_000 > a.RulingsTotal*SkewThresholdBps {
			return true
		}
	}
	return false
}
