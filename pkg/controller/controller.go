// Package controller wires the PDSNO subsystems into per-tier runtimes: the
// global controller admits regionals and decides escalated approvals, the
// regional controller admits locals, folds discovery reports into the NIB,
// and approves routine changes, and the local controller discovers devices
// and executes approved configurations. All inter-controller traffic rides
// signed envelopes over the transport fabric.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pdsno/pdsno/pkg/crypto"
	"github.com/pdsno/pdsno/pkg/envelope"
	"github.com/pdsno/pdsno/pkg/model"
	"github.com/pdsno/pdsno/pkg/nib"
	"github.com/pdsno/pdsno/pkg/transport"
)

// PayloadHandler processes one verified inbound envelope and returns the
// response payload, or nil for fire-and-forget types.
type PayloadHandler func(ctx context.Context, senderID string, payload map[string]any) (map[string]any, string, error)

// Runtime is the shared controller core: identity, signing, dispatch, and
// the NIB handle. Role-specific behavior is attached as payload handlers.
type Runtime struct {
	id       string
	role     model.Role
	region   string
	store    *nib.Store
	keyring  *crypto.Keyring
	auth     *envelope.Authenticator
	selector *transport.Selector
	clock    func() time.Time
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]PayloadHandler
}

// NewRuntime assembles a controller core.
func NewRuntime(id string, role model.Role, region string, store *nib.Store, keyring *crypto.Keyring, auth *envelope.Authenticator, selector *transport.Selector) (*Runtime, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	return &Runtime{
		id:       id,
		role:     role,
		region:   region,
		store:    store,
		keyring:  keyring,
		auth:     auth,
		selector: selector,
		clock:    time.Now,
		logger:   slog.Default().With("component", "controller", "controller_id", id, "role", string(role)),
		handlers: make(map[string]PayloadHandler),
	}, nil
}

// ID returns the controller's identity.
func (r *Runtime) ID() string { return r.id }

// Region returns the controller's region, empty for the global tier.
func (r *Runtime) Region() string { return r.region }

// Handle installs the handler for a message type.
func (r *Runtime) Handle(messageType string, h PayloadHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[messageType] = h
}

// Dispatch is the transport-facing entry point: it routes a verified
// envelope to the registered handler and signs the response.
func (r *Runtime) Dispatch(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	r.mu.RLock()
	h, ok := r.handlers[env.MessageType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler for %s", env.MessageType)
	}

	payload, responseType, err := h(ctx, env.SenderID, env.Payload)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	return r.Seal(env.SenderID, responseType, payload)
}

// Verify runs the authentication pipeline with the current pair key and,
// inside the rotation grace period, the previous one.
func (r *Runtime) Verify(ctx context.Context, env *envelope.Envelope) error {
	keys, err := r.pairKeys(r.id, env.SenderID)
	if err != nil {
		return err
	}
	return r.auth.Verify(ctx, env, keys)
}

// VerifyDeferred runs the authentication pipeline without spending the
// nonce; CommitNonce spends it once the handler has succeeded. The HTTP
// server uses the pair so an idempotent retry after a handler failure is
// not rejected as a replay.
func (r *Runtime) VerifyDeferred(ctx context.Context, env *envelope.Envelope) error {
	keys, err := r.pairKeys(r.id, env.SenderID)
	if err != nil {
		return err
	}
	return r.auth.Verify(ctx, env, keys, envelope.DeferNonce())
}

// CommitNonce spends a verified envelope's nonce.
func (r *Runtime) CommitNonce(ctx context.Context, env *envelope.Envelope) error {
	return r.auth.RecordNonce(ctx, env)
}

// VerifyBroadcast verifies a topic envelope. Broadcasts carry the topic in
// the recipient slot, so the key pair is (sender, topic) rather than
// (sender, self).
func (r *Runtime) VerifyBroadcast(ctx context.Context, env *envelope.Envelope) error {
	keys, err := r.pairKeys(env.SenderID, env.RecipientID)
	if err != nil {
		return err
	}
	return r.auth.Verify(ctx, env, keys)
}

// Seal builds and signs an envelope to a recipient.
func (r *Runtime) Seal(recipientID, messageType string, payload map[string]any) (*envelope.Envelope, error) {
	key, err := r.keyring.PairKey(r.id, recipientID)
	if err != nil {
		return nil, err
	}
	env := envelope.New(r.id, recipientID, messageType, payload)
	if err := r.auth.Sign(env, key); err != nil {
		return nil, err
	}
	return env, nil
}

// Send seals a request and delivers it over the fabric, verifying the
// response envelope.
func (r *Runtime) Send(ctx context.Context, recipientID, messageType string, payload map[string]any) (*envelope.Envelope, error) {
	env, err := r.Seal(recipientID, messageType, payload)
	if err != nil {
		return nil, err
	}
	resp, err := r.selector.Send(ctx, env)
	if err != nil {
		return nil, err
	}
	if err := r.Verify(ctx, resp); err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrInvalidResponse, err)
	}
	return resp, nil
}

// SubscribeBroadcast routes envelopes matching the topic pattern through
// verification and the handler table. Broadcast handlers produce no
// response.
func (r *Runtime) SubscribeBroadcast(ctx context.Context, pattern string) (func(), error) {
	return r.selector.Subscribe(ctx, pattern, func(ctx context.Context, topic string, env *envelope.Envelope) {
		if err := r.VerifyBroadcast(ctx, env); err != nil {
			r.logger.Warn("discarding unverifiable broadcast", "topic", topic, "error", err)
			return
		}
		if _, err := r.Dispatch(ctx, env); err != nil {
			r.logger.Warn("broadcast dispatch failed", "topic", topic, "message_type", env.MessageType, "error", err)
		}
	})
}

// Publish seals an envelope and publishes it on a topic.
func (r *Runtime) Publish(ctx context.Context, topic, messageType string, payload map[string]any) error {
	env, err := r.Seal(topic, messageType, payload)
	if err != nil {
		return err
	}
	return r.selector.Publish(ctx, topic, env)
}

func (r *Runtime) pairKeys(a, b string) ([][]byte, error) {
	current, err := r.keyring.PairKey(a, b)
	if err != nil {
		return nil, err
	}
	keys := [][]byte{current}
	previous, err := r.keyring.PreviousPairKey(a, b)
	if err != nil {
		return nil, err
	}
	if previous != nil {
		keys = append(keys, previous)
	}
	return keys, nil
}
