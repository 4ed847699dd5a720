// Package ledger tracks inbound payments against funding instruments and
// advances tasks to funded once money is irrevocably held.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
	"github.com/eltris/escrowd/internal/platform/keyedmutex"
	"github.com/eltris/escrowd/internal/services/escrow/domain"
	"github.com/eltris/escrowd/internal/services/escrow/rail"
	"github.com/eltris/escrowd/internal/services/escrow/storage"
)

// Ledger applies normalized payment updates to funding records. One update is
// processed per task at a time; everything it changes lands in one
// transaction with its journal events.
type Ledger struct {
	store        storage.Store
	locks        *keyedmutex.Mutex
	toleranceBps int64
}

// New wires a funding ledger over the given store.
func New(store storage.Store, locks *keyedmutex.Mutex, toleranceBps int64) *Ledger {
	if toleranceBps <= 0 {
		toleranceBps = domain.DefaultAmountToleranceBps
	}
	return &Ledger{store: store, locks: locks, toleranceBps: toleranceBps}
}

// HandlePaymentUpdate implements rail.Handler.
func (l *Ledger) HandlePaymentUpdate(ctx context.Context, update rail.PaymentUpdate) error {
	rec, err := l.store.GetFundingByCommitment(ctx, update.Commitment)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.WithMetadata(apperrors.CodeFundingInstrumentUnknown,
				"no funding instrument for commitment",
				map[string]string{"commitment": update.Commitment})
		}
		return err
	}

	unlock, err := l.locks.Lock(ctx, rec.TaskID)
	if err != nil {
		return err
	}
	defer unlock()

	// Reload under the lock; another update may have advanced the record.
	rec, err = l.store.GetFunding(ctx, rec.ID)
	if err != nil {
		return err
	}

	switch update.Status {
	case rail.UpdateDetected:
		return l.applyDetected(ctx, rec, update)
	case rail.UpdateAccepted:
		return l.applyAccepted(ctx, rec, update)
	case rail.UpdateFailed:
		return l.applyFailed(ctx, rec, update)
	}
	return fmt.Errorf("unknown payment update status %q", update.Status)
}

func (l *Ledger) applyDetected(ctx context.Context, rec domain.FundingRecord, update rail.PaymentUpdate) error {
	switch rec.Status {
	case domain.FundingPending, domain.FundingAccepted:
		return apperrors.WithMetadata(apperrors.CodeFundingDuplicateInbound,
			"inbound payment already recorded for instrument",
			map[string]string{"funding_id": rec.ID, "status": string(rec.Status)})
	case domain.FundingCreated:
	default:
		return apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
			"payment detected on terminal instrument",
			map[string]string{"funding_id": rec.ID, "status": string(rec.Status)})
	}

	if err := rec.CheckAmount(update.Amount, l.toleranceBps); err != nil {
		// The instrument stays open; the payer retries with the right amount.
		return err
	}
	rec.RecordReceived(update.Amount)
	if err := rec.Transition(domain.FundingPending); err != nil {
		return err
	}

	_, err := l.store.Apply(ctx, storage.Change{
		Funding: &rec,
		Events: []domain.Event{{
			TaskID:      rec.TaskID,
			Type:        domain.EventPaymentDetected,
			FundingID:   rec.ID,
			Commitment:  rec.Commitment,
			PayloadJSON: fmt.Sprintf(`{"amount":%d,"rail":%q}`, update.Amount, rec.Rail),
		}},
	})
	if err != nil {
		return err
	}
	log.Printf("event=payment_detected task_id=%s funding_id=%s amount=%d", rec.TaskID, rec.ID, update.Amount)
	return nil
}

func (l *Ledger) applyAccepted(ctx context.Context, rec domain.FundingRecord, update rail.PaymentUpdate) error {
	task, err := l.store.GetTask(ctx, rec.TaskID)
	if err != nil {
		return err
	}

	if rec.Status == domain.FundingAccepted {
		return apperrors.WithMetadata(apperrors.CodeFundingDuplicateInbound,
			"instrument already holds an accepted payment",
			map[string]string{"funding_id": rec.ID})
	}

	if err := rec.CheckAmount(update.Amount, l.toleranceBps); err != nil {
		return err
	}

	var events []domain.Event
	if rec.Status == domain.FundingCreated {
		// Providers may report acceptance without a prior detection.
		if err := rec.Transition(domain.FundingPending); err != nil {
			return err
		}
		events = append(events, domain.Event{
			TaskID:      rec.TaskID,
			Type:        domain.EventPaymentDetected,
			FundingID:   rec.ID,
			Commitment:  rec.Commitment,
			PayloadJSON: fmt.Sprintf(`{"amount":%d,"rail":%q}`, update.Amount, rec.Rail),
		})
	}
	rec.RecordReceived(update.Amount)
	if err := rec.Transition(domain.FundingAccepted); err != nil {
		return err
	}
	if err := task.Transition(domain.TaskFunded); err != nil {
		return err
	}
	task.FundingID = rec.ID

	events = append(events, domain.Event{
		TaskID:      rec.TaskID,
		Type:        domain.EventPaymentAccepted,
		FundingID:   rec.ID,
		Commitment:  rec.Commitment,
		PayloadJSON: fmt.Sprintf(`{"amount":%d,"rail":%q}`, update.Amount, rec.Rail),
	})

	if _, err := l.store.Apply(ctx, storage.Change{Task: &task, Funding: &rec, Events: events}); err != nil {
		return err
	}
	log.Printf("event=payment_accepted task_id=%s funding_id=%s amount=%d rail=%s",
		rec.TaskID, rec.ID, update.Amount, rec.Rail)
	return nil
}

func (l *Ledger) applyFailed(ctx context.Context, rec domain.FundingRecord, update rail.PaymentUpdate) error {
	if rec.Status.IsTerminal() {
		return nil
	}
	if err := rec.Transition(domain.FundingFailed); err != nil {
		return err
	}

	_, err := l.store.Apply(ctx, storage.Change{
		Funding: &rec,
		Events: []domain.Event{{
			TaskID:      rec.TaskID,
			Type:        domain.EventFundingFailed,
			FundingID:   rec.ID,
			Commitment:  rec.Commitment,
			PayloadJSON: fmt.Sprintf(`{"reason":%q}`, update.Reason),
		}},
	})
	if err != nil {
		return err
	}
	log.Printf("event=funding_failed task_id=%s funding_id=%s reason=%q", rec.TaskID, rec.ID, update.Reason)
	return nil
}

// ExpireInstrument marks an unpaid instrument expired and, when the task is
// still awaiting funding, expires the task with it.
func (l *Ledger) ExpireInstrument(ctx context.Context, fundingID string, now time.Time) error {
	rec, err := l.store.GetFunding(ctx, fundingID)
	if err != nil {
		return err
	}

	unlock, err := l.locks.Lock(ctx, rec.TaskID)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err = l.store.GetFunding(ctx, fundingID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return nil
	}
	if !rec.Expired(now) {
		return nil
	}
	if err := rec.Transition(domain.FundingExpired); err != nil {
		return err
	}

	change := storage.Change{
		Funding: &rec,
		Events: []domain.Event{{
			TaskID:     rec.TaskID,
			Type:       domain.EventFundingExpired,
			FundingID:  rec.ID,
			Commitment: rec.Commitment,
		}},
	}

	task, err := l.store.GetTask(ctx, rec.TaskID)
	if err != nil {
		return err
	}
	if task.State == domain.TaskPendingFunding {
		if err := task.Transition(domain.TaskExpired); err != nil {
			return err
		}
		change.Task = &task
		change.Events = append(change.Events, domain.Event{
			TaskID: task.ID,
			Type:   domain.EventTaskExpired,
		})
	}

	if _, err := l.store.Apply(ctx, change); err != nil {
		return err
	}
	log.Printf("event=funding_expired task_id=%s funding_id=%s", rec.TaskID, rec.ID)
	return nil
}
