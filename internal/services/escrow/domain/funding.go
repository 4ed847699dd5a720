package domain

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
)

// RailKind identifies which payment rail backs a funding record.
type RailKind string

const (
	// RailHoldInvoice is a conditional hold invoice released by secret reveal.
	RailHoldInvoice RailKind = "hold-invoice"
	// RailChainSwap is the on-chain swap fallback with confirmation gating.
	RailChainSwap RailKind = "chain-swap"
)

// FundingStatus describes the funding record lifecycle.
type FundingStatus string

const (
	// FundingCreated means the instrument was issued and awaits payment.
	FundingCreated FundingStatus = "created"
	// FundingPending means an inbound payment was detected but not confirmed.
	FundingPending FundingStatus = "pending"
	// FundingAccepted means funds are irrevocably held.
	FundingAccepted FundingStatus = "accepted"
	// FundingSettled means the secret was revealed and funds released. Terminal.
	FundingSettled FundingStatus = "settled"
	// FundingCancelled means the hold was cancelled and funds returned. Terminal.
	FundingCancelled FundingStatus = "cancelled"
	// FundingExpired means the instrument expired without payment. Terminal.
	FundingExpired FundingStatus = "expired"
	// FundingFailed means the payment or swap failed. Terminal.
	FundingFailed FundingStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s FundingStatus) IsTerminal() bool {
	switch s {
	case FundingSettled, FundingCancelled, FundingExpired, FundingFailed:
		return true
	}
	return false
}

var fundingTransitions = map[FundingStatus][]FundingStatus{
	FundingCreated:  {FundingPending, FundingExpired, FundingFailed},
	FundingPending:  {FundingAccepted, FundingExpired, FundingFailed},
	FundingAccepted: {FundingSettled, FundingCancelled, FundingExpired, FundingFailed},
}

// DefaultAmountToleranceBps is the accepted deviation between expected and
// received amounts, in basis points (100 = 1%).
const DefaultAmountToleranceBps = 100

// FundingRecord binds a task to one payment rail instrument.
type FundingRecord struct {
	ID     string
	TaskID string

	Rail RailKind
	// InstrumentID is the provider-assigned identifier of the hold instrument.
	InstrumentID string
	// Commitment correlates external rail callbacks without exposing the
	// release secret. For hold invoices this is the payment-hash analogue.
	Commitment string

	ExpectedAmount int64
	ReceivedAmount int64

	Status FundingStatus

	// Metadata is an opaque rail-specific blob (JSON). Overpayment excess is
	// recorded here under excess_minor_units, never silently dropped.
	Metadata map[string]string

	ExpiresAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	AcceptedAt  *time.Time
	SettledAt   *time.Time
	CancelledAt *time.Time
}

// NewFundingRecord creates a funding record in the created status.
func NewFundingRecord(taskID string, rail RailKind, expectedAmount int64, expiresAt *time.Time) FundingRecord {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return FundingRecord{
		ID:             uuid.NewString(),
		TaskID:         taskID,
		Rail:           rail,
		ExpectedAmount: expectedAmount,
		Status:         FundingCreated,
		Metadata:       map[string]string{},
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Transition moves the record to the target status after checking the table.
func (f *FundingRecord) Transition(to FundingStatus) error {
	allowed := false
	for _, next := range fundingTransitions[f.Status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
			"illegal funding transition "+string(f.Status)+" -> "+string(to),
			map[string]string{
				"from": string(f.Status),
				"to":   string(to),
			})
	}
	f.Status = to
	now := time.Now().UTC().Truncate(time.Millisecond)
	f.UpdatedAt = now
	switch to {
	case FundingAccepted:
		f.AcceptedAt = &now
	case FundingSettled:
		f.SettledAt = &now
	case FundingCancelled:
		f.CancelledAt = &now
	}
	return nil
}

// CheckAmount validates a received amount against the expected amount under
// the given tolerance (basis points). Amounts outside tolerance are rejected
// with AMOUNT_MISMATCH carrying expected vs received for the caller to retry.
func (f FundingRecord) CheckAmount(received int64, toleranceBps int64) error {
	if toleranceBps < 0 {
		toleranceBps = DefaultAmountToleranceBps
	}
	margin := f.ExpectedAmount * toleranceBps / 10_000
	if received < f.ExpectedAmount-margin || received > f.ExpectedAmount+margin {
		return apperrors.WithMetadata(apperrors.CodeAmountMismatch,
			"received amount outside tolerance",
			map[string]string{
				"expected": formatAmount(f.ExpectedAmount),
				"received": formatAmount(received),
			})
	}
	return nil
}

// RecordReceived stores the received amount and records any overpayment excess
// in metadata so it can be credited to the eventual payee.
func (f *FundingRecord) RecordReceived(received int64) {
	f.ReceivedAmount = received
	if excess := received - f.ExpectedAmount; excess > 0 {
		if f.Metadata == nil {
			f.Metadata = map[string]string{}
		}
		f.Metadata["excess_minor_units"] = formatAmount(excess)
	}
}

// MetadataJSON serializes metadata for storage; nil maps marshal to "{}".
func (f FundingRecord) MetadataJSON() (string, error) {
	if len(f.Metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(f.Metadata)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Expired reports whether the instrument expiry has elapsed at now.
func (f FundingRecord) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && f.ExpiresAt.Before(now)
}

func formatAmount(v int64) string {
	return strconv.FormatInt(v, 10)
}
