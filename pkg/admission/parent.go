package admission

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pdsno/pdsno/pkg/crypto"
	"github.com/pdsno/pdsno/pkg/envelope"
	"github.com/pdsno/pdsno/pkg/model"
	"github.com/pdsno/pdsno/pkg/nib"
)

// Parent is the admitting side of the protocol, run by the global controller
// for regional candidates and by regional controllers for local candidates.
// It tracks outstanding challenges and a per-temp_id failure count; a temp_id
// that presents too many invalid bootstrap tokens is blocklisted.
type Parent struct {
	id              string
	role            model.Role
	region          string
	store           *nib.Store
	bootstrapSecret []byte
	key             *crypto.IdentityKey
	delegation      string
	clock           func() time.Time
	logger          *slog.Logger

	mu       sync.Mutex
	failures map[string]int
	blocked  map[string]bool
	pending  map[string]*pendingChallenge
}

type pendingChallenge struct {
	req      ValidationRequest
	nonce    string
	issuedAt time.Time
}

// NewParent creates an admitting parent. Only global and regional
// controllers admit.
func NewParent(id string, role model.Role, region string, store *nib.Store, bootstrapSecret []byte, key *crypto.IdentityKey) (*Parent, error) {
	if role != model.RoleGlobal && role != model.RoleRegional {
		return nil, fmt.Errorf("role %s cannot admit controllers", role)
	}
	if role == model.RoleRegional && region == "" {
		return nil, fmt.Errorf("regional parent requires a region")
	}
	if err := crypto.CheckSecret(bootstrapSecret); err != nil {
		return nil, err
	}
	return &Parent{
		id:              id,
		role:            role,
		region:          region,
		store:           store,
		bootstrapSecret: bootstrapSecret,
		key:             key,
		clock:           time.Now,
		logger:          slog.Default().With("component", "admission", "controller_id", id),
		failures:        make(map[string]int),
		blocked:         make(map[string]bool),
		pending:         make(map[string]*pendingChallenge),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (p *Parent) WithClock(clock func() time.Time) *Parent {
	p.clock = clock
	return p
}

// WithDelegation installs this parent's own delegation credential, forwarded
// to admitted local controllers so they can verify the parent's authority.
func (p *Parent) WithDelegation(credential string) *Parent {
	p.delegation = credential
	return p
}

// HandleValidationRequest runs steps 2 and 3 and, when they pass, issues the
// step-4 challenge. Exactly one of the returns is non-nil; a non-nil result
// is always a failure.
func (p *Parent) HandleValidationRequest(ctx context.Context, req *ValidationRequest) (*Challenge, *ValidationResult) {
	now := p.clock()

	if d := now.Sub(req.Timestamp); d > envelope.FreshnessWindow || d < -envelope.FreshnessWindow {
		return nil, p.reject(ctx, req.TempID, ReasonStaleTimestamp)
	}

	p.mu.Lock()
	isBlocked := p.blocked[req.TempID]
	p.mu.Unlock()
	if isBlocked {
		return nil, p.reject(ctx, req.TempID, ReasonBlockedTempID)
	}

	if !crypto.VerifyHMAC(p.bootstrapSecret, bootstrapPayload(req), req.BootstrapToken) {
		p.recordBootstrapFailure(ctx, req.TempID)
		return nil, p.reject(ctx, req.TempID, ReasonInvalidBootstrap)
	}

	if reason := p.checkPolicy(req); reason != "" {
		return nil, p.reject(ctx, req.TempID, reason)
	}

	nonce, err := newChallengeNonce()
	if err != nil {
		p.logger.Error("challenge nonce generation failed", "error", err)
		return nil, failure(ReasonNIBWriteFailed)
	}
	ch := &Challenge{ChallengeID: uuid.NewString(), Nonce: nonce}

	p.mu.Lock()
	p.pruneLocked(now)
	p.pending[ch.ChallengeID] = &pendingChallenge{req: *req, nonce: nonce, issuedAt: now}
	p.mu.Unlock()

	return ch, nil
}

// HandleChallengeResponse runs step 5 verification and, on success, step 6:
// identity allocation, credential issuance, and atomic NIB persistence.
func (p *Parent) HandleChallengeResponse(ctx context.Context, resp *ChallengeResponse) *ValidationResult {
	now := p.clock()

	p.mu.Lock()
	p.pruneLocked(now)
	pc, ok := p.pending[resp.ChallengeID]
	if ok {
		delete(p.pending, resp.ChallengeID)
	}
	p.mu.Unlock()
	if !ok {
		return failure(ReasonUnknownChallenge)
	}

	nonceBytes, err := base64.StdEncoding.DecodeString(pc.nonce)
	if err != nil {
		p.logger.Error("stored challenge nonce undecodable", "challenge_id", resp.ChallengeID)
		return failure(ReasonNIBWriteFailed)
	}
	valid, err := crypto.VerifyEd25519(pc.req.PublicKey, resp.Signature, nonceBytes)
	if err != nil || !valid {
		return p.reject(ctx, pc.req.TempID, ReasonChallengeSigInvalid)
	}

	return p.admit(ctx, &pc.req, now)
}

// admit allocates the identity and writes the controller record and the
// validation event in one transaction. NIB failure aborts the admission.
func (p *Parent) admit(ctx context.Context, req *ValidationRequest, now time.Time) *ValidationResult {
	role := model.Role(req.Role)
	var (
		assignedID  string
		certificate string
		delegation  string
	)
	err := p.store.Transaction(ctx, func(tx *nib.Tx) error {
		seq, err := tx.CountControllers(ctx, role, req.Region)
		if err != nil {
			return err
		}
		assignedID = fmt.Sprintf("%s_cntl_%s_%d", role, req.Region, seq+1)

		certificate, err = IssueCertificate(p.key, p.id, assignedID, req.Role, req.Region, req.PublicKey, now)
		if err != nil {
			return err
		}
		if role == model.RoleRegional {
			delegation, err = IssueDelegation(p.key, p.id, assignedID, req.Region, now)
			if err != nil {
				return err
			}
		} else {
			delegation = p.delegation
		}

		controller := &model.Controller{
			ControllerID: assignedID,
			Role:         role,
			Region:       req.Region,
			Status:       model.ControllerActive,
			ValidatedBy:  p.id,
			ValidatedAt:  now,
			PublicKey:    req.PublicKey,
			Certificate:  certificate,
		}
		if _, err := tx.UpsertController(ctx, controller, 0); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &model.Event{
			EventID:   uuid.NewString(),
			EventType: model.EventControllerValidated,
			ActorID:   p.id,
			Timestamp: now,
			Payload: map[string]any{
				"controller_id": assignedID,
				"temp_id":       req.TempID,
				"role":          req.Role,
				"region":        req.Region,
			},
		})
	})
	if err != nil {
		p.logger.Error("admission persistence failed", "temp_id", req.TempID, "error", err)
		return failure(ReasonNIBWriteFailed)
	}

	p.logger.Info("controller admitted", "assigned_id", assignedID, "role", req.Role, "region", req.Region)
	return &ValidationResult{
		AssignedID:  assignedID,
		Certificate: certificate,
		Delegation:  delegation,
	}
}

// checkPolicy enforces the tier hierarchy: the global controller admits
// regionals, a regional admits locals for its own region.
func (p *Parent) checkPolicy(req *ValidationRequest) string {
	role := model.Role(req.Role)
	switch p.role {
	case model.RoleGlobal:
		if role != model.RoleRegional {
			return ReasonPolicyMismatch
		}
	case model.RoleRegional:
		if role != model.RoleLocal || req.Region != p.region {
			return ReasonPolicyMismatch
		}
	}
	if req.Region == "" || req.PublicKey == "" {
		return ReasonPolicyMismatch
	}
	return ""
}

// reject records an AUTH_FAILURE event and returns the named failure.
func (p *Parent) reject(ctx context.Context, tempID, reason string) *ValidationResult {
	p.appendEvent(ctx, model.EventAuthFailure, map[string]any{"temp_id": tempID, "reason": reason})
	p.logger.Warn("admission rejected", "temp_id", tempID, "reason", reason)
	return failure(reason)
}

func (p *Parent) recordBootstrapFailure(ctx context.Context, tempID string) {
	p.mu.Lock()
	p.failures[tempID]++
	crossed := p.failures[tempID] >= maxBootstrapFailures && !p.blocked[tempID]
	if crossed {
		p.blocked[tempID] = true
	}
	p.mu.Unlock()

	if crossed {
		p.appendEvent(ctx, model.EventTempIDBlocked, map[string]any{"temp_id": tempID, "failures": maxBootstrapFailures})
		p.logger.Warn("temp_id blocklisted", "temp_id", tempID)
	}
}

func (p *Parent) appendEvent(ctx context.Context, eventType string, payload map[string]any) {
	err := p.store.AppendEvent(ctx, &model.Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		ActorID:   p.id,
		Timestamp: p.clock(),
		Payload:   payload,
	})
	if err != nil {
		p.logger.Error("audit event append failed", "event_type", eventType, "error", err)
	}
}

// pruneLocked drops challenges older than the freshness window. Callers hold
// p.mu.
func (p *Parent) pruneLocked(now time.Time) {
	for id, pc := range p.pending {
		if now.Sub(pc.issuedAt) > envelope.FreshnessWindow {
			delete(p.pending, id)
		}
	}
}

func bootstrapPayload(req *ValidationRequest) []byte {
	return []byte(req.TempID + "|" + req.Region + "|" + req.Role)
}
