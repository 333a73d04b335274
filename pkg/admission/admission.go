// Package admission implements the controller admission protocol: a
// candidate presents a bootstrap token to its immediate parent, proves
// possession of its private key through a challenge/response exchange, and
// receives an allocated identity, a signed certificate, and, for regional
// controllers, a delegation credential. The parent persists the new
// controller and the validation event atomically in the NIB.
package admission

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Named failure reasons carried in an error VALIDATION_RESULT. Failures are
// terminal for the attempt; the candidate must start over.
const (
	ReasonStaleTimestamp      = "stale_timestamp"
	ReasonBlockedTempID       = "blocked_temp_id"
	ReasonInvalidBootstrap    = "invalid_bootstrap_token"
	ReasonChallengeSigInvalid = "challenge_signature_invalid"
	ReasonUnknownChallenge    = "unknown_challenge"
	ReasonPolicyMismatch      = "policy_mismatch"
	ReasonNIBWriteFailed      = "nib_write_failed"
)

// maxBootstrapFailures is the number of invalid bootstrap tokens tolerated
// per temp_id before it is blocklisted.
const maxBootstrapFailures = 3

// ValidationRequest is step 1: the candidate's opening claim.
type ValidationRequest struct {
	TempID         string    `json:"temp_id"`
	Role           string    `json:"role"`
	Region         string    `json:"region,omitempty"`
	PublicKey      string    `json:"public_key"`
	BootstrapToken string    `json:"bootstrap_token"`
	Timestamp      time.Time `json:"timestamp"`
}

// Challenge is step 4: a fresh nonce the candidate must sign.
type Challenge struct {
	ChallengeID string `json:"challenge_id"`
	Nonce       string `json:"nonce"`
}

// ChallengeResponse is step 5: the nonce signed by the candidate's private
// key.
type ChallengeResponse struct {
	ChallengeID string `json:"challenge_id"`
	Signature   string `json:"signature"`
}

// ValidationResult is step 6. On success it carries the allocated identity
// and credentials; on failure, Error is true and Reason names the cause.
type ValidationResult struct {
	Error      bool   `json:"error"`
	Reason     string `json:"reason,omitempty"`
	AssignedID string `json:"assigned_id,omitempty"`
	// Certificate is a signed assertion binding the assigned identity to the
	// candidate's public key.
	Certificate string `json:"certificate,omitempty"`
	// Delegation authorizes a regional controller to admit locals in its
	// region. For local candidates it instead carries the parent's own
	// credential so the candidate can verify the parent's authority.
	Delegation string `json:"delegation_credential,omitempty"`
}

// failure builds an error result.
func failure(reason string) *ValidationResult {
	return &ValidationResult{Error: true, Reason: reason}
}

// ToPayload converts a message struct to the envelope payload form.
func ToPayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// FromPayload converts an envelope payload back into a message struct.
func FromPayload[T any](p map[string]any) (*T, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func newChallengeNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("challenge nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
