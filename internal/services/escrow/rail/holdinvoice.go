package rail

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
	"github.com/eltris/escrowd/internal/platform/timeouts"
	"github.com/eltris/escrowd/internal/services/escrow/domain"
)

// railMaxAttempts bounds retries against a flapping provider before the
// failure surfaces as RAIL_UNAVAILABLE.
const railMaxAttempts = 3

// HoldUpdate is a raw provider report about one hold invoice.
type HoldUpdate struct {
	Commitment string
	Amount     int64
	// Accepted means the payment is locked in and irrevocable once settled.
	Accepted bool
	// Failed means the payment attempt failed before acceptance.
	Failed bool
	Reason string
}

// InvoiceProvider is the external hold-invoice node client.
type InvoiceProvider interface {
	// CreateHoldInvoice issues an invoice locked to the commitment hash.
	CreateHoldInvoice(ctx context.Context, commitment string, amount int64, expiry time.Duration) (instrumentID, paymentRequest string, err error)
	// SettleHold reveals the preimage, settling the held payment.
	SettleHold(ctx context.Context, preimage string) error
	// CancelHold releases the held payment back to the payer.
	CancelHold(ctx context.Context, commitment string) error
	// SubscribeHolds streams hold state reports until ctx is cancelled.
	SubscribeHolds(ctx context.Context) (<-chan HoldUpdate, error)
}

// HoldInvoice is the primary rail: conditional invoices that hold funds
// until the release secret is revealed.
type HoldInvoice struct {
	provider InvoiceProvider
	vault    *vault
	expiry   time.Duration
}

// NewHoldInvoice wires a hold-invoice rail over the given provider.
func NewHoldInvoice(provider InvoiceProvider, defaultExpiry time.Duration) *HoldInvoice {
	if defaultExpiry <= 0 {
		defaultExpiry = 24 * time.Hour
	}
	return &HoldInvoice{
		provider: provider,
		vault:    newVault(),
		expiry:   defaultExpiry,
	}
}

// Kind implements Rail.
func (h *HoldInvoice) Kind() domain.RailKind {
	return domain.RailHoldInvoice
}

// CreateHold draws a fresh secret and issues a hold invoice locked to its
// commitment.
func (h *HoldInvoice) CreateHold(ctx context.Context, req CreateHoldRequest) (Hold, error) {
	if req.Amount <= 0 {
		return Hold{}, fmt.Errorf("hold amount must be positive")
	}
	expiry := req.Expiry
	if expiry <= 0 {
		expiry = h.expiry
	}

	sec, commitment, err := newSecret()
	if err != nil {
		return Hold{}, err
	}

	invoice, err := callRail(ctx, func(callCtx context.Context) (invoiceResult, error) {
		id, request, err := h.provider.CreateHoldInvoice(callCtx, commitment, req.Amount, expiry)
		return invoiceResult{instrumentID: id, paymentRequest: request}, err
	})
	if err != nil {
		return Hold{}, err
	}

	h.vault.put(commitment, sec)
	return Hold{
		InstrumentID:   invoice.instrumentID,
		Commitment:     commitment,
		PaymentRequest: invoice.paymentRequest,
		ExpiresAt:      time.Now().UTC().Add(expiry).Truncate(time.Millisecond),
	}, nil
}

type invoiceResult struct {
	instrumentID   string
	paymentRequest string
}

// Release reveals the secret behind the commitment. The secret stays in the
// vault until the provider confirms settlement, so a failed release can be
// retried.
func (h *HoldInvoice) Release(ctx context.Context, commitment string) error {
	sec, ok := h.vault.take(commitment)
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeRailUnavailable,
			"release secret unavailable for commitment",
			map[string]string{"commitment": commitment, "rail": string(domain.RailHoldInvoice)})
	}
	_, err := callRail(ctx, func(callCtx context.Context) (struct{}, error) {
		return struct{}{}, h.provider.SettleHold(callCtx, hex.EncodeToString(sec[:]))
	})
	if err != nil {
		return err
	}
	h.vault.drop(commitment)
	return nil
}

// Cancel returns the held payment to the payer and discards the secret.
func (h *HoldInvoice) Cancel(ctx context.Context, commitment string) error {
	_, err := callRail(ctx, func(callCtx context.Context) (struct{}, error) {
		return struct{}{}, h.provider.CancelHold(callCtx, commitment)
	})
	if err != nil {
		return err
	}
	h.vault.drop(commitment)
	return nil
}

// Run consumes provider hold reports and forwards normalized payment updates
// to the handler until ctx is cancelled.
func (h *HoldInvoice) Run(ctx context.Context, handler Handler) error {
	updates, err := h.provider.SubscribeHolds(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeRailUnavailable, "subscribe to hold updates", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return apperrors.New(apperrors.CodeRailUnavailable, "hold update stream closed")
			}
			normalized := PaymentUpdate{
				Rail:       domain.RailHoldInvoice,
				Commitment: update.Commitment,
				Amount:     update.Amount,
				Status:     UpdateDetected,
				Reason:     update.Reason,
			}
			switch {
			case update.Failed:
				normalized.Status = UpdateFailed
			case update.Accepted:
				normalized.Status = UpdateAccepted
			}
			if err := handler.HandlePaymentUpdate(ctx, normalized); err != nil {
				log.Printf("event=hold_update_rejected commitment=%s error=%v", update.Commitment, err)
			}
		}
	}
}

// callRail runs one provider call under the rail timeout with bounded
// exponential retries, mapping exhaustion to RAIL_UNAVAILABLE.
func callRail[T any](ctx context.Context, call func(ctx context.Context) (T, error)) (T, error) {
	result, err := backoff.Retry(ctx, func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeouts.RailCall)
		defer cancel()
		return call(callCtx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(railMaxAttempts))
	if err != nil {
		var zero T
		return zero, apperrors.Wrap(apperrors.CodeRailUnavailable, "payment rail call failed", err)
	}
	return result, nil
}
