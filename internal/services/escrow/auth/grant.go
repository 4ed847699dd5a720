// Package auth issues and verifies operation grants: short-lived ed25519 JWTs
// that authorize exactly one escrow operation on one task.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
)

// Operation tags name the escrow operation a grant authorizes.
const (
	OpCreateTask     = "task.create"
	OpRequestFunding = "task.request_funding"
	OpClaimTask      = "task.claim"
	OpSubmitProof    = "task.submit_proof"
	OpVerifyProof    = "task.verify"
	OpCancelTask     = "task.cancel"
	OpOpenDispute    = "dispute.open"
	OpRuleDispute    = "dispute.rule"
)

// DefaultGrantWindow is the validity window of an issued grant.
const DefaultGrantWindow = 5 * time.Minute

// grantEnv holds raw env values before post-parse validation.
type grantEnv struct {
	Issuer    string `env:"ELTRIS_GRANT_ISSUER"`
	Audience  string `env:"ELTRIS_GRANT_AUDIENCE"`
	PublicKey string `env:"ELTRIS_GRANT_PUBLIC_KEY"`
}

// Config defines how operation grants are verified.
type Config struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Expectation pins the operation and task a presented grant must match.
type Expectation struct {
	Operation string
	TaskID    string
}

// Claims captures validated operation grant claims.
type Claims struct {
	Subject   string
	Operation string
	TaskID    string
	JWTID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// grantClaims is the internal claims type used for JWT parsing.
type grantClaims struct {
	jwt.RegisteredClaims
	Operation string `json:"op"`
	TaskID    string `json:"task_id"`
}

// LoadConfigFromEnv reads grant verification configuration.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw grantEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" {
		return Config{}, fmt.Errorf("ELTRIS_GRANT_ISSUER is required")
	}
	if audience == "" {
		return Config{}, fmt.Errorf("ELTRIS_GRANT_AUDIENCE is required")
	}
	if publicKey == "" {
		return Config{}, fmt.Errorf("ELTRIS_GRANT_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return Config{}, fmt.Errorf("decode grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return Config{}, fmt.Errorf("grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// IssuerConfig defines how operation grants are minted.
type IssuerConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PrivateKey
	Window   time.Duration
	Now      func() time.Time
}

// Issue mints a grant authorizing subject to perform operation on taskID.
func Issue(cfg IssuerConfig, subject, operation, taskID string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("grant subject is required")
	}
	if strings.TrimSpace(operation) == "" {
		return "", fmt.Errorf("grant operation is required")
	}
	if len(cfg.Key) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("grant signing key must be %d bytes", ed25519.PrivateKeySize)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultGrantWindow
	}

	now := cfg.Now().UTC()
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Audience:  jwt.ClaimStrings{cfg.Audience},
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(window)),
		},
		Operation: operation,
		TaskID:    taskID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(cfg.Key)
	if err != nil {
		return "", fmt.Errorf("sign grant: %w", err)
	}
	return signed, nil
}

// Validate verifies an operation grant and checks it against the expected
// operation and task. Replay of an already-seen jti is rejected by the nonces
// cache when one is supplied.
func Validate(grant string, expected Expectation, cfg Config, nonces *NonceCache) (Claims, error) {
	grant = strings.TrimSpace(grant)
	if grant == "" {
		return Claims{}, apperrors.New(apperrors.CodeAuthenticationFailure, "operation grant is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return Claims{}, errors.New("grant verifier is not configured")
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(grant, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeAuthenticationFailure,
			"grant issuer mismatch", map[string]string{"Field": "issuer"})
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeAuthenticationFailure,
			"grant audience mismatch", map[string]string{"Field": "audience"})
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return Claims{}, apperrors.New(apperrors.CodeAuthenticationFailure, "grant subject is required")
	}
	if parsed.ID == "" {
		return Claims{}, apperrors.New(apperrors.CodeAuthenticationFailure, "grant jti is required")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodeAuthenticationFailure, "grant exp is required")
	}

	now := cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, apperrors.New(apperrors.CodeAuthenticationFailure, "grant is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return Claims{}, apperrors.New(apperrors.CodeAuthenticationFailure, "grant not active yet")
	}

	if strings.TrimSpace(parsed.Operation) == "" || parsed.Operation != expected.Operation {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeAuthenticationFailure,
			"grant operation mismatch", map[string]string{"Field": "op"})
	}
	if expected.TaskID != "" && parsed.TaskID != expected.TaskID {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeAuthenticationFailure,
			"grant task mismatch", map[string]string{"Field": "task_id"})
	}

	if nonces != nil && !nonces.Use(parsed.ID, exp) {
		return Claims{}, apperrors.New(apperrors.CodeAuthenticationFailure, "grant was already used")
	}

	claims := Claims{
		Subject:   parsed.Subject,
		Operation: parsed.Operation,
		TaskID:    parsed.TaskID,
		JWTID:     parsed.ID,
		ExpiresAt: exp,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeAuthenticationFailure, "grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeAuthenticationFailure, "grant alg is invalid")
	}
	return apperrors.New(apperrors.CodeAuthenticationFailure, "grant is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
