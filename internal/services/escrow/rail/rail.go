// Package rail abstracts the payment rails that hold and move task funds.
// Release secrets are generated and kept inside this package; everything
// outside it sees only the SHA-256 commitment.
package rail

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/eltris/escrowd/internal/services/escrow/domain"
)

// Secret is a 32-byte release preimage. It never leaves this package except
// through provider calls that settle a hold.
type secret [32]byte

// NewSecret draws a fresh release secret and returns its commitment.
func newSecret() (secret, string, error) {
	var s secret
	if _, err := rand.Read(s[:]); err != nil {
		return secret{}, "", fmt.Errorf("draw release secret: %w", err)
	}
	sum := sha256.Sum256(s[:])
	return s, hex.EncodeToString(sum[:]), nil
}

// Hold describes an issued funding instrument.
type Hold struct {
	InstrumentID string
	// Commitment is the hash of the release secret; safe to share.
	Commitment string
	// PaymentRequest is the payer-facing encoded instrument.
	PaymentRequest string
	ExpiresAt      time.Time
}

// CreateHoldRequest carries the parameters for issuing a hold instrument.
type CreateHoldRequest struct {
	TaskID string
	Amount int64
	Expiry time.Duration
}

// UpdateStatus is the normalized state of an inbound payment report.
type UpdateStatus string

const (
	// UpdateDetected means a payment arrived but is not yet irrevocable.
	UpdateDetected UpdateStatus = "detected"
	// UpdateAccepted means the funds are irrevocably held.
	UpdateAccepted UpdateStatus = "accepted"
	// UpdateFailed means the payment or swap failed before acceptance.
	UpdateFailed UpdateStatus = "failed"
)

// PaymentUpdate is a normalized inbound payment report forwarded to the
// funding ledger.
type PaymentUpdate struct {
	Rail       domain.RailKind
	Commitment string
	Amount     int64
	Status     UpdateStatus
	Reason     string
}

// Handler consumes normalized payment updates.
type Handler interface {
	HandlePaymentUpdate(ctx context.Context, update PaymentUpdate) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, update PaymentUpdate) error

// HandlePaymentUpdate implements Handler.
func (f HandlerFunc) HandlePaymentUpdate(ctx context.Context, update PaymentUpdate) error {
	return f(ctx, update)
}

// Rail issues, releases, and cancels hold instruments on one payment rail.
type Rail interface {
	Kind() domain.RailKind
	CreateHold(ctx context.Context, req CreateHoldRequest) (Hold, error)
	// Release reveals the secret behind the commitment, making the transfer
	// irrevocable. Succeeds idempotently if the hold is already settled.
	Release(ctx context.Context, commitment string) error
	// Cancel returns held funds to the payer. Succeeds idempotently if the
	// hold is already cancelled.
	Cancel(ctx context.Context, commitment string) error
}

// vault keeps release secrets keyed by commitment. In-process only: a secret
// lost to a restart means the hold times out and refunds, never a fund loss.
type vault struct {
	mu      sync.Mutex
	secrets map[string]secret
}

func newVault() *vault {
	return &vault{secrets: make(map[string]secret)}
}

func (v *vault) put(commitment string, s secret) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[commitment] = s
}

func (v *vault) take(commitment string) (secret, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.secrets[commitment]
	return s, ok
}

func (v *vault) drop(commitment string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, commitment)
}
