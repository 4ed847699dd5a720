// Package storage defines persistence contracts for escrow engine state.
package storage

import (
	"context"
	"time"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
	"github.com/eltris/escrowd/internal/services/escrow/domain"
)

// ErrNotFound indicates a requested persistence record is missing.
// Callers use this to differentiate between legitimate "no such entity" states
// and transport or data corruption failures.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrActiveFundingExists indicates a command tried to issue a second active
// funding instrument for the same task.
var ErrActiveFundingExists = apperrors.New(apperrors.CodeFundingActiveExists, "active funding instrument already exists for task")

// Change is one atomic mutation of escrow state. Everything in a Change
// commits in a single transaction together with its journal events, so the
// journal can never disagree with the row state it describes.
type Change struct {
	Task    *domain.Task
	Funding *domain.FundingRecord
	Dispute *domain.Dispute
	Rulings []domain.Ruling

	// Events are appended to the task journal with sequence numbers assigned
	// inside the transaction.
	Events []domain.Event
}

// TaskStore persists task rows.
type TaskStore interface {
	PutTask(ctx context.Context, task domain.Task) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasksByState(ctx context.Context, state domain.TaskState, limit int) ([]domain.Task, error)
	// ListTasksPastDeadline returns non-terminal tasks whose deadline elapsed
	// before cutoff.
	ListTasksPastDeadline(ctx context.Context, cutoff time.Time, limit int) ([]domain.Task, error)
}

// FundingStore persists funding instrument rows.
type FundingStore interface {
	PutFunding(ctx context.Context, rec domain.FundingRecord) error
	GetFunding(ctx context.Context, id string) (domain.FundingRecord, error)
	GetFundingByCommitment(ctx context.Context, commitment string) (domain.FundingRecord, error)
	// GetActiveFunding returns the single non-terminal funding record for a
	// task, or ErrNotFound.
	GetActiveFunding(ctx context.Context, taskID string) (domain.FundingRecord, error)
	// ListStuckHolds returns accepted holds whose task settled or refunded
	// before cutoff without the hold reaching a terminal status.
	ListStuckHolds(ctx context.Context, cutoff time.Time, limit int) ([]domain.FundingRecord, error)
	// ListExpiredFunding returns non-terminal funding records whose
	// instrument expiry elapsed before cutoff.
	ListExpiredFunding(ctx context.Context, cutoff time.Time, limit int) ([]domain.FundingRecord, error)
}

// EventStore reads and annotates the append-only task journal. Appends happen
// only through Transactor.Apply.
type EventStore interface {
	ListTaskEvents(ctx context.Context, taskID string) ([]domain.Event, error)
	// ListUnpublishedEvents returns journal rows not yet mirrored to the
	// public log, oldest first.
	ListUnpublishedEvents(ctx context.Context, limit int) ([]domain.Event, error)
	// MarkEventPublished records the public-log record id for one journal row.
	MarkEventPublished(ctx context.Context, taskID string, seq uint64, externalEventID string) error
	// ListEventsSince returns journal rows created at or after cutoff, for
	// reconciliation diffs.
	ListEventsSince(ctx context.Context, cutoff time.Time) ([]domain.Event, error)
}

// DisputeStore persists disputes, rulings, and arbitrator histories.
type DisputeStore interface {
	PutDispute(ctx context.Context, d domain.Dispute) error
	GetDispute(ctx context.Context, id string) (domain.Dispute, error)
	// GetOpenDispute returns the unresolved dispute for a task, or ErrNotFound.
	GetOpenDispute(ctx context.Context, taskID string) (domain.Dispute, error)
	// ListOverdueDisputes returns unresolved disputes whose response deadline
	// elapsed before cutoff.
	ListOverdueDisputes(ctx context.Context, cutoff time.Time, limit int) ([]domain.Dispute, error)
	PutRuling(ctx context.Context, r domain.Ruling) error
	ListRulings(ctx context.Context, disputeID string) ([]domain.Ruling, error)
	GetArbitratorRecord(ctx context.Context, arbitrator string) (domain.ArbitratorRecord, error)
	PutArbitratorRecord(ctx context.Context, rec domain.ArbitratorRecord) error
	ListArbitratorRecords(ctx context.Context) ([]domain.ArbitratorRecord, error)
}

// Transactor applies a Change atomically. Returned events carry their
// assigned sequence numbers.
type Transactor interface {
	Apply(ctx context.Context, change Change) ([]domain.Event, error)
}

// Store is the full persistence surface the escrow engine depends on.
type Store interface {
	TaskStore
	FundingStore
	EventStore
	DisputeStore
	Transactor
	Close() error
}
