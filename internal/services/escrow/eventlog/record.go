// Package eventlog mirrors the escrow journal onto a public append-only log
// of signed records. Records are self-verifying: the id is the SHA-256 of a
// canonical serialization and the signature is ed25519 over the id.
package eventlog

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eltris/escrowd/internal/services/escrow/domain"
)

// Record kinds, one per event family. Kind plus the task tag make records
// addressable for replay.
const (
	KindTask       = 30078
	KindFunding    = 30079
	KindProof      = 30080
	KindSettlement = 30081
	KindDispute    = 30082
	KindArbitrator = 30083
	KindCorrection = 30084
)

// Record is one signed public log entry.
type Record struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// kindFor maps journal event types onto record kinds.
func kindFor(eventType domain.EventType) int {
	switch eventType {
	case domain.EventTaskCreated, domain.EventTaskClaimed, domain.EventTaskExpired, domain.EventTaskCancelled:
		return KindTask
	case domain.EventInstrumentCreated, domain.EventPaymentDetected, domain.EventPaymentAccepted,
		domain.EventFundingExpired, domain.EventFundingFailed:
		return KindFunding
	case domain.EventProofSubmitted, domain.EventProofVerified, domain.EventProofRejected:
		return KindProof
	case domain.EventSettlementCompleted, domain.EventRefundCompleted:
		return KindSettlement
	case domain.EventDisputeOpened, domain.EventDisputeResolved:
		return KindDispute
	case domain.EventStateCorrected:
		return KindCorrection
	}
	return KindTask
}

// recordContent is the journal payload carried in a record body.
type recordContent struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// canonicalID computes the record id: SHA-256 over the canonical array
// serialization. Any field change invalidates the id.
func canonicalID(r Record) (string, error) {
	canonical, err := json.Marshal([]any{0, r.PubKey, r.CreatedAt, r.Kind, r.Tags, r.Content})
	if err != nil {
		return "", fmt.Errorf("serialize record: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Signer produces signed records from journal events.
type Signer struct {
	priv   ed25519.PrivateKey
	pubHex string
}

// NewSigner wraps an ed25519 private key for record signing.
func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signing key has no ed25519 public key")
	}
	return &Signer{priv: priv, pubHex: hex.EncodeToString(pub)}, nil
}

// PublicKey returns the hex-encoded verification key.
func (s *Signer) PublicKey() string {
	return s.pubHex
}

// Sign converts one journal event into a signed public record.
func (s *Signer) Sign(evt domain.Event) (Record, error) {
	payload := evt.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	content, err := json.Marshal(recordContent{
		Type:    string(evt.Type),
		Seq:     evt.Seq,
		Payload: json.RawMessage(payload),
	})
	if err != nil {
		return Record{}, fmt.Errorf("encode record content: %w", err)
	}

	tags := [][]string{{"d", evt.TaskID}}
	if evt.FundingID != "" {
		tags = append(tags, []string{"funding", evt.FundingID})
	}
	if evt.DisputeID != "" {
		tags = append(tags, []string{"dispute", evt.DisputeID})
	}
	if evt.Commitment != "" {
		tags = append(tags, []string{"commitment", evt.Commitment})
	}

	createdAt := evt.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	record := Record{
		PubKey:    s.pubHex,
		CreatedAt: createdAt.Unix(),
		Kind:      kindFor(evt.Type),
		Tags:      tags,
		Content:   string(content),
	}
	record.ID, err = canonicalID(record)
	if err != nil {
		return Record{}, err
	}
	record.Sig = hex.EncodeToString(ed25519.Sign(s.priv, []byte(record.ID)))
	return record, nil
}

// Verify checks record integrity: the id matches the canonical serialization
// and the signature verifies against the embedded public key.
func Verify(r Record) error {
	id, err := canonicalID(r)
	if err != nil {
		return err
	}
	if id != r.ID {
		return fmt.Errorf("record id mismatch: computed %s, claimed %s", id, r.ID)
	}
	pub, err := hex.DecodeString(r.PubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("record public key is not a valid ed25519 key")
	}
	sig, err := hex.DecodeString(r.Sig)
	if err != nil {
		return fmt.Errorf("record signature is not valid hex")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(r.ID), sig) {
		return fmt.Errorf("record signature verification failed")
	}
	return nil
}

// TaskID returns the task the record belongs to, from its d tag.
func (r Record) TaskID() string {
	for _, tag := range r.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// DecodeContent decodes the journal payload carried by the record.
func (r Record) DecodeContent() (eventType string, seq uint64, payload string, err error) {
	var content recordContent
	if err := json.Unmarshal([]byte(r.Content), &content); err != nil {
		return "", 0, "", fmt.Errorf("decode record content: %w", err)
	}
	payload = string(content.Payload)
	if payload == "" {
		payload = "{}"
	}
	return content.Type, content.Seq, payload, nil
}
