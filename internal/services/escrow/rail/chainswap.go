package rail

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
	"github.com/eltris/escrowd/internal/services/escrow/domain"
)

// DefaultSwapConfirmations gates on-chain funds until this many confirmations.
const DefaultSwapConfirmations = 3

// SwapUpdate is a raw provider report about one swap lock.
type SwapUpdate struct {
	Commitment    string
	Amount        int64
	Confirmations int
	Failed        bool
	Reason        string
}

// SwapProvider is the external on-chain swap client.
type SwapProvider interface {
	// CreateSwap sets up a hash-locked swap address bound to the commitment.
	CreateSwap(ctx context.Context, commitment string, amount int64, expiry time.Duration) (swapID, address string, err error)
	// ClaimSwap reveals the preimage and claims the locked output to the payee.
	ClaimSwap(ctx context.Context, preimage string) error
	// RefundSwap returns the locked output to the payer after timeout.
	RefundSwap(ctx context.Context, commitment string) error
	// SubscribeSwaps streams swap state reports until ctx is cancelled.
	SubscribeSwaps(ctx context.Context) (<-chan SwapUpdate, error)
}

// ChainSwap is the fallback rail: on-chain hash-locked swaps for payers whose
// wallets cannot carry a hold invoice. Funds count as held only after the
// configured confirmation depth.
type ChainSwap struct {
	provider      SwapProvider
	vault         *vault
	expiry        time.Duration
	confirmations int
}

// NewChainSwap wires a chain-swap rail over the given provider.
func NewChainSwap(provider SwapProvider, defaultExpiry time.Duration, confirmations int) *ChainSwap {
	if defaultExpiry <= 0 {
		defaultExpiry = 24 * time.Hour
	}
	if confirmations <= 0 {
		confirmations = DefaultSwapConfirmations
	}
	return &ChainSwap{
		provider:      provider,
		vault:         newVault(),
		expiry:        defaultExpiry,
		confirmations: confirmations,
	}
}

// Kind implements Rail.
func (c *ChainSwap) Kind() domain.RailKind {
	return domain.RailChainSwap
}

// CreateHold draws a fresh secret and sets up a swap lock bound to its
// commitment.
func (c *ChainSwap) CreateHold(ctx context.Context, req CreateHoldRequest) (Hold, error) {
	if req.Amount <= 0 {
		return Hold{}, fmt.Errorf("hold amount must be positive")
	}
	expiry := req.Expiry
	if expiry <= 0 {
		expiry = c.expiry
	}

	sec, commitment, err := newSecret()
	if err != nil {
		return Hold{}, err
	}

	swap, err := callRail(ctx, func(callCtx context.Context) (invoiceResult, error) {
		id, address, err := c.provider.CreateSwap(callCtx, commitment, req.Amount, expiry)
		return invoiceResult{instrumentID: id, paymentRequest: address}, err
	})
	if err != nil {
		return Hold{}, err
	}

	c.vault.put(commitment, sec)
	return Hold{
		InstrumentID:   swap.instrumentID,
		Commitment:     commitment,
		PaymentRequest: swap.paymentRequest,
		ExpiresAt:      time.Now().UTC().Add(expiry).Truncate(time.Millisecond),
	}, nil
}

// Release claims the swap output by revealing the secret.
func (c *ChainSwap) Release(ctx context.Context, commitment string) error {
	sec, ok := c.vault.take(commitment)
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeRailUnavailable,
			"release secret unavailable for commitment",
			map[string]string{"commitment": commitment, "rail": string(domain.RailChainSwap)})
	}
	_, err := callRail(ctx, func(callCtx context.Context) (struct{}, error) {
		return struct{}{}, c.provider.ClaimSwap(callCtx, hex.EncodeToString(sec[:]))
	})
	if err != nil {
		return err
	}
	c.vault.drop(commitment)
	return nil
}

// Cancel refunds the swap lock to the payer and discards the secret.
func (c *ChainSwap) Cancel(ctx context.Context, commitment string) error {
	_, err := callRail(ctx, func(callCtx context.Context) (struct{}, error) {
		return struct{}{}, c.provider.RefundSwap(callCtx, commitment)
	})
	if err != nil {
		return err
	}
	c.vault.drop(commitment)
	return nil
}

// Run consumes provider swap reports and forwards normalized payment updates
// to the handler until ctx is cancelled. Updates below the confirmation depth
// surface as detected, never accepted.
func (c *ChainSwap) Run(ctx context.Context, handler Handler) error {
	updates, err := c.provider.SubscribeSwaps(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeRailUnavailable, "subscribe to swap updates", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return apperrors.New(apperrors.CodeRailUnavailable, "swap update stream closed")
			}
			normalized := PaymentUpdate{
				Rail:       domain.RailChainSwap,
				Commitment: update.Commitment,
				Amount:     update.Amount,
				Status:     UpdateDetected,
				Reason:     update.Reason,
			}
			switch {
			case update.Failed:
				normalized.Status = UpdateFailed
			case update.Confirmations >= c.confirmations:
				normalized.Status = UpdateAccepted
			}
			if err := handler.HandlePaymentUpdate(ctx, normalized); err != nil {
				log.Printf("event=swap_update_rejected commitment=%s error=%v", update.Commitment, err)
			}
		}
	}
}
