package envelope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pdsno/pdsno/pkg/crypto"
)

// FreshnessWindow is the maximum accepted clock skew between signing and
// verification.
const FreshnessWindow = 5 * time.Minute

// Verification failures, ordered by pipeline stage. The pipeline rejects on
// the first failure and names it.
var (
	ErrMalformed    = errors.New("malformed")
	ErrStale        = errors.New("stale")
	ErrFutureDated  = errors.New("future_dated")
	ErrReplay       = errors.New("replay")
	ErrBadSignature = errors.New("bad_signature")
	ErrWrongSender  = errors.New("wrong_sender")
)

// Authenticator signs and verifies envelopes. Verification runs the fixed
// pipeline: structure, freshness, replay, signature, then the optional
// sender check; the nonce is recorded only after every stage passes.
type Authenticator struct {
	nonces NonceStore
	window time.Duration
	clock  func() time.Time
}

// NewAuthenticator creates an authenticator over the given nonce store.
func NewAuthenticator(nonces NonceStore) *Authenticator {
	return &Authenticator{
		nonces: nonces,
		window: FreshnessWindow,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Authenticator) WithClock(clock func() time.Time) *Authenticator {
	a.clock = clock
	return a
}

// Sign stamps the envelope with the current time and a fresh nonce, then
// signs its canonical form under key.
func (a *Authenticator) Sign(e *Envelope, key []byte) error {
	nonce, err := newNonce()
	if err != nil {
		return err
	}
	e.SignedAt = a.clock().UTC()
	e.Nonce = nonce
	canonical, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	e.Signature = crypto.SignHMAC(key, canonical)
	return nil
}

// VerifyOption adjusts a single verification call.
type VerifyOption func(*verifyOptions)

type verifyOptions struct {
	expectedSender string
	deferNonce     bool
}

// ExpectSender enforces that the envelope's sender_id matches the expected
// peer (pipeline step 5).
func ExpectSender(id string) VerifyOption {
	return func(o *verifyOptions) { o.expectedSender = id }
}

// DeferNonce checks the replay window without spending the nonce. The
// caller commits it with RecordNonce once the envelope has actually been
// processed, so a failed handler leaves the sender free to retry.
func DeferNonce() VerifyOption {
	return func(o *verifyOptions) { o.deferNonce = true }
}

// Verify runs the verification pipeline against one or more candidate keys
// (the current pair key, plus the pre-rotation key while inside its grace
// period). On success the nonce is recorded in the store.
func (a *Authenticator) Verify(ctx context.Context, e *Envelope, keys [][]byte, opts ...VerifyOption) error {
	var o verifyOptions
	for _, opt := range opts {
		opt(&o)
	}

	// 1. Structural.
	if err := a.checkStructure(e); err != nil {
		return err
	}

	// 2. Freshness.
	now := a.clock()
	if e.SignedAt.After(now.Add(a.window)) {
		return ErrFutureDated
	}
	if e.SignedAt.Before(now.Add(-a.window)) {
		return ErrStale
	}

	// 3. Replay.
	seen, err := a.nonces.Contains(ctx, e.Nonce)
	if err != nil {
		return fmt.Errorf("nonce store: %w", err)
	}
	if seen {
		return ErrReplay
	}

	// 4. Signature, constant-time compare per candidate key.
	canonical, err := e.CanonicalBytes()
	if err != nil {
		return ErrMalformed
	}
	valid := false
	for _, key := range keys {
		if key == nil {
			continue
		}
		if crypto.VerifyHMAC(key, canonical, e.Signature) {
			valid = true
			break
		}
	}
	if !valid {
		return ErrBadSignature
	}

	// 5. Sender check.
	if o.expectedSender != "" && e.SenderID != o.expectedSender {
		return ErrWrongSender
	}

	if o.deferNonce {
		return nil
	}
	return a.RecordNonce(ctx, e)
}

// RecordNonce spends the envelope's nonce. Pairs with DeferNonce.
func (a *Authenticator) RecordNonce(ctx context.Context, e *Envelope) error {
	if err := a.nonces.Record(ctx, e.Nonce, a.window); err != nil {
		return fmt.Errorf("nonce store: %w", err)
	}
	return nil
}

func (a *Authenticator) checkStructure(e *Envelope) error {
	switch {
	case e == nil,
		e.MessageID == "",
		e.SenderID == "",
		e.RecipientID == "",
		e.MessageType == "",
		e.SignedAt.IsZero(),
		e.Nonce == "",
		e.Signature == "":
		return ErrMalformed
	}
	if !Known(e.MessageType) {
		return ErrMalformed
	}
	return nil
}
