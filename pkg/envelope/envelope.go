// Package envelope implements the signed inter-controller wire format: a
// canonical JSON envelope authenticated with HMAC-SHA256 and defended
// against replay with a nonce plus freshness window.
package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pdsno/pdsno/pkg/canonicalize"
)

// NonceSize is the number of random bytes in an envelope nonce.
const NonceSize = 32

// Envelope is the unit of inter-controller communication. RecipientID holds
// either a controller ID (request/response) or a topic (pub/sub). Signature
// is the hex HMAC-SHA256 over the JCS form of the remaining fields.
type Envelope struct {
	MessageID   string         `json:"message_id"`
	SenderID    string         `json:"sender_id"`
	RecipientID string         `json:"recipient_id"`
	MessageType string         `json:"message_type"`
	Payload     map[string]any `json:"payload"`
	SignedAt    time.Time      `json:"signed_at"`
	Nonce       string         `json:"nonce"`
	Signature   string         `json:"signature,omitempty"`
}

// New builds an unsigned envelope with a fresh message ID.
func New(sender, recipient, messageType string, payload map[string]any) *Envelope {
	return &Envelope{
		MessageID:   uuid.New().String(),
		SenderID:    sender,
		RecipientID: recipient,
		MessageType: messageType,
		Payload:     payload,
	}
}

// CanonicalBytes returns the JCS serialization of the envelope with the
// signature field removed; this is the exact byte string that is signed and
// verified.
func (e *Envelope) CanonicalBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = ""
	b, err := canonicalize.JCS(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("envelope canonicalization failed: %w", err)
	}
	return b, nil
}

func newNonce() (string, error) {
	raw := make([]byte, NonceSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("nonce generation failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
