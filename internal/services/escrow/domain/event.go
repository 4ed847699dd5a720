package domain

import "time"

// EventType identifies the type of an escrow journal event.
type EventType string

// Task lifecycle events.
const (
	// EventTaskCreated records the creation of a task.
	EventTaskCreated EventType = "task.created"
	// EventTaskClaimed records a worker claiming a task.
	EventTaskClaimed EventType = "task.claimed"
	// EventTaskExpired records a deadline transition to expired.
	EventTaskExpired EventType = "task.expired"
	// EventTaskCancelled records an employer cancellation before claim.
	EventTaskCancelled EventType = "task.cancelled"
)

// Funding events.
const (
	// EventInstrumentCreated records issuance of a hold instrument.
	EventInstrumentCreated EventType = "funding.instrument_created"
	// EventPaymentDetected records an unconfirmed inbound payment.
	EventPaymentDetected EventType = "funding.payment_detected"
	// EventPaymentAccepted records funds irrevocably held.
	EventPaymentAccepted EventType = "funding.payment_accepted"
	// EventFundingExpired records instrument expiry without payment.
	EventFundingExpired EventType = "funding.expired"
	// EventFundingFailed records a failed payment or swap.
	EventFundingFailed EventType = "funding.failed"
)

// Proof and verification events.
const (
	// EventProofSubmitted records a proof submission.
	EventProofSubmitted EventType = "proof.submitted"
	// EventProofVerified records an accepted proof.
	EventProofVerified EventType = "proof.verified"
	// EventProofRejected records a rejected proof.
	EventProofRejected EventType = "proof.rejected"
)

// Settlement events.
const (
	// EventSettlementCompleted records an irrevocable fund release.
	EventSettlementCompleted EventType = "settlement.completed"
	// EventRefundCompleted records a hold cancellation returning funds.
	EventRefundCompleted EventType = "settlement.refunded"
)

// Dispute events.
const (
	// EventDisputeOpened records the opening of a dispute.
	EventDisputeOpened EventType = "dispute.opened"
	// EventDisputeResolved records the final dispute resolution.
	EventDisputeResolved EventType = "dispute.resolved"
)

// Reconciliation events.
const (
	// EventStateCorrected records a divergence repair against the public log.
	EventStateCorrected EventType = "reconcile.state_corrected"
)

// ActorType identifies who or what triggered an event.
type ActorType string

const (
	// ActorSystem indicates the event was triggered by the engine itself.
	ActorSystem ActorType = "system"
	// ActorEmployer indicates the event was triggered by the task employer.
	ActorEmployer ActorType = "employer"
	// ActorWorker indicates the event was triggered by the assigned worker.
	ActorWorker ActorType = "worker"
	// ActorArbitrator indicates the event was triggered by an arbitrator.
	ActorArbitrator ActorType = "arbitrator"
)

// Event is one immutable row of the escrow journal. Rows are append-only,
// ordered per task by Seq, and form the authoritative replay source for task
// and funding state. The release secret never appears in any field.
type Event struct {
	// TaskID scopes the event; Seq starts at 1 per task. Assigned on append.
	TaskID string
	Seq    uint64

	Type EventType

	FundingID string
	DisputeID string

	// Commitment is the payment-hash analogue when the event concerns a rail
	// instrument, empty otherwise.
	Commitment string

	ActorType ActorType
	ActorID   string

	// PayloadJSON carries event-specific fields as canonical JSON.
	PayloadJSON string

	// ExternalEventID is the attestation-network record id once published.
	ExternalEventID string

	CreatedAt time.Time
}
