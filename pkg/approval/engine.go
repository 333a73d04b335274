package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pdsno/pdsno/pkg/canonicalize"
	"github.com/pdsno/pdsno/pkg/crypto"
	"github.com/pdsno/pdsno/pkg/model"
	"github.com/pdsno/pdsno/pkg/nib"
)

// DefaultLockTTL bounds per-device conflict locks held across an approval.
const DefaultLockTTL = 2 * time.Minute

// Decision is the outcome of routing a request through one tier.
type Decision struct {
	RequestID   string
	State       model.RequestState
	Sensitivity model.Sensitivity
	Reason      string
	// Token is set when this tier approved; the requester presents it at
	// execution time.
	Token *model.ExecutionToken
	// Escalate is set when the request needs the global controller's
	// decision.
	Escalate bool
}

// NewRequest builds a proposed ConfigRequest; the config hash is the
// canonical hash of the payload.
func NewRequest(payload map[string]any, targets []string, declared model.Sensitivity, policyVersion, createdBy string) (*model.ConfigRequest, error) {
	hash, err := canonicalize.Hash(payload)
	if err != nil {
		return nil, fmt.Errorf("hash payload: %w", err)
	}
	return &model.ConfigRequest{
		RequestID:           "req_" + uuid.NewString(),
		ConfigHash:          hash,
		Payload:             payload,
		TargetDevices:       sortedCopy(targets),
		DeclaredSensitivity: declared,
		PolicyVersion:       policyVersion,
		State:               model.StateProposed,
		CreatedBy:           createdBy,
	}, nil
}

// Engine routes configuration requests through one approving tier. The
// regional engine handles proposals and approves LOW and MEDIUM; the global
// engine decides escalated HIGH requests. Neither trusts the proposer's
// declared sensitivity.
type Engine struct {
	id         string
	role       model.Role
	store      *nib.Store
	classifier *Classifier
	issuer     *TokenIssuer
	lockTTL    time.Duration
	clock      func() time.Time
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string][]heldLock
}

type heldLock struct {
	resourceKey  string
	fencingToken int64
}

// NewEngine creates an approving engine for a regional or global
// controller.
func NewEngine(id string, role model.Role, store *nib.Store, classifier *Classifier, key *crypto.IdentityKey) (*Engine, error) {
	if role != model.RoleRegional && role != model.RoleGlobal {
		return nil, fmt.Errorf("role %s does not approve configuration requests", role)
	}
	return &Engine{
		id:         id,
		role:       role,
		store:      store,
		classifier: classifier,
		issuer:     NewTokenIssuer(id, key),
		lockTTL:    DefaultLockTTL,
		clock:      time.Now,
		logger:     slog.Default().With("component", "approval", "controller_id", id),
		locks:      make(map[string][]heldLock),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	e.issuer.WithClock(clock)
	return e
}

// WithLockTTL overrides the conflict-lock TTL.
func (e *Engine) WithLockTTL(ttl time.Duration) *Engine {
	e.lockTTL = ttl
	return e
}

// HandleProposal persists a proposed request and routes it: rejected on
// policy drift, duplicate hash, or degraded targets; queued on device
// conflicts; escalated when HIGH; otherwise approved with a token.
func (e *Engine) HandleProposal(ctx context.Context, req *model.ConfigRequest) (*Decision, error) {
	if e.role != model.RoleRegional {
		return nil, fmt.Errorf("proposals enter through a regional controller")
	}
	if req.State != model.StateProposed {
		return nil, fmt.Errorf("%w: proposal in state %s", ErrBadTransition, req.State)
	}

	v, err := e.store.UpsertConfig(ctx, req, 0)
	if err != nil {
		var inv *nib.InvalidError
		if errors.As(err, &inv) {
			if inv.Duplicate {
				// Rejected rows sit outside the hash uniqueness index, so
				// the rejection itself still persists.
				return e.transition(ctx, req, model.StateRejected, ReasonDuplicateHash)
			}
			// A malformed request never made it into the store; there is no
			// row to transition.
			e.logger.Warn("rejecting malformed proposal", "request_id", req.RequestID, "error", inv)
			req.State = model.StateRejected
			return &Decision{RequestID: req.RequestID, State: model.StateRejected, Reason: ReasonInvalidConfig}, nil
		}
		return nil, fmt.Errorf("persist proposal: %w", err)
	}
	req.Version = v

	if err := e.classifier.CheckDrift(req.PolicyVersion); err != nil {
		e.logger.Warn("policy drift", "request_id", req.RequestID, "error", err)
		return e.transition(ctx, req, model.StateRejected, ReasonPolicyDrift)
	}

	sensitivity, err := e.classify(ctx, req)
	if err != nil {
		return nil, err
	}
	req.ClassifiedSensitivity = sensitivity

	if degraded, err := e.degradedTargets(ctx, req); err != nil {
		return nil, err
	} else if len(degraded) > 0 {
		e.logger.Warn("degraded targets", "request_id", req.RequestID, "devices", degraded)
		return e.transition(ctx, req, model.StateRejected, ReasonDeviceDegraded)
	}

	if _, err := e.transition(ctx, req, model.StatePendingRegional, ""); err != nil {
		return nil, err
	}

	if sensitivity == model.SensitivityHigh {
		d, err := e.transition(ctx, req, model.StatePendingGlobal, "")
		if err != nil {
			return nil, err
		}
		d.Escalate = true
		return d, nil
	}

	return e.approveWithLocks(ctx, req, sensitivity)
}

// HandleEscalation is the global controller's decision on a HIGH request.
// The global tier classifies again under its own policy; its decision is
// final.
func (e *Engine) HandleEscalation(ctx context.Context, requestID string) (*Decision, error) {
	if e.role != model.RoleGlobal {
		return nil, fmt.Errorf("only the global controller decides escalations")
	}
	req, err := e.store.GetConfig(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	if req.State != model.StatePendingGlobal {
		return nil, fmt.Errorf("%w: escalation in state %s", ErrBadTransition, req.State)
	}

	if err := e.classifier.CheckDrift(req.PolicyVersion); err != nil {
		return e.transition(ctx, req, model.StateRejected, ReasonPolicyDrift)
	}
	sensitivity, err := e.classify(ctx, req)
	if err != nil {
		return nil, err
	}
	req.ClassifiedSensitivity = sensitivity

	return e.approveWithLocks(ctx, req, sensitivity)
}

// RetryConflicts re-attempts approval for requests parked in
// pending_conflict; called periodically or on lock release.
func (e *Engine) RetryConflicts(ctx context.Context) ([]*Decision, error) {
	pending, err := e.store.QueryConfigsByState(ctx, model.StatePendingConflict)
	if err != nil {
		return nil, err
	}
	var out []*Decision
	for _, req := range pending {
		d, err := e.approveWithLocks(ctx, req, req.ClassifiedSensitivity)
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ReviewEmergency flags an already-executed emergency change for operator
// review. The change itself cannot be rescinded, only rolled back.
func (e *Engine) ReviewEmergency(ctx context.Context, requestID string) error {
	req, err := e.store.GetConfig(ctx, requestID)
	if err != nil {
		return err
	}
	if req.ClassifiedSensitivity != model.SensitivityEmergency && req.DeclaredSensitivity != model.SensitivityEmergency {
		return fmt.Errorf("request %s is not an emergency change", requestID)
	}
	req.RequiresReview = true
	if _, err := e.store.UpsertConfig(ctx, req, req.Version); err != nil {
		return fmt.Errorf("flag review: %w", err)
	}
	return nil
}

// ReleaseLocks frees the conflict locks held for a settled request.
func (e *Engine) ReleaseLocks(ctx context.Context, requestID string) {
	e.mu.Lock()
	held := e.locks[requestID]
	delete(e.locks, requestID)
	e.mu.Unlock()

	for _, l := range held {
		if err := e.store.ReleaseLock(ctx, l.resourceKey, l.fencingToken); err != nil &&
			!errors.Is(err, nib.ErrNotHeld) && !errors.Is(err, nib.ErrStaleToken) {
			e.logger.Warn("lock release failed", "resource", l.resourceKey, "error", err)
		}
	}
}

// approveWithLocks takes per-device locks and, when all are acquired,
// writes the approved transition and issues the execution token. A lock
// held by another unsettled request parks this one in pending_conflict.
func (e *Engine) approveWithLocks(ctx context.Context, req *model.ConfigRequest, sensitivity model.Sensitivity) (*Decision, error) {
	var acquired []heldLock
	for _, device := range req.TargetDevices {
		key := "device/" + device
		token, err := e.store.AcquireLock(ctx, key, req.RequestID, e.lockTTL)
		if err != nil {
			var held *nib.HeldError
			if errors.As(err, &held) {
				for _, l := range acquired {
					_ = e.store.ReleaseLock(ctx, l.resourceKey, l.fencingToken)
				}
				e.logger.Info("approval deferred on device conflict",
					"request_id", req.RequestID, "device", device, "holder", held.HolderID)
				if req.State == model.StatePendingConflict {
					return &Decision{RequestID: req.RequestID, State: req.State, Sensitivity: sensitivity}, nil
				}
				return e.transition(ctx, req, model.StatePendingConflict, "lock held by "+held.HolderID)
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		acquired = append(acquired, heldLock{resourceKey: key, fencingToken: token})
	}

	e.mu.Lock()
	e.locks[req.RequestID] = acquired
	e.mu.Unlock()

	token, err := e.issuer.Issue(req, sensitivity, model.TokenConstraints{})
	if err != nil {
		return nil, err
	}
	req.ExecutionTokenID = token.TokenID
	req.Approvers = append(req.Approvers, e.id)

	d, err := e.transition(ctx, req, model.StateApproved, "")
	if err != nil {
		return nil, err
	}
	e.appendEvent(ctx, model.EventTokenIssued, map[string]any{
		"request_id": req.RequestID,
		"token_id":   token.TokenID,
		"expires_at": token.ExpiresAt.Format(time.RFC3339),
	})
	d.Sensitivity = sensitivity
	d.Token = token
	return d, nil
}

// classify resolves the target devices' roles from the NIB and runs the
// tier's classifier.
func (e *Engine) classify(ctx context.Context, req *model.ConfigRequest) (model.Sensitivity, error) {
	var roles []string
	total := 0
	region := ""
	for _, id := range req.TargetDevices {
		d, err := e.store.GetDevice(ctx, id)
		if errors.Is(err, nib.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("load device %s: %w", id, err)
		}
		region = d.Region
		if d.DeviceRole != "" {
			roles = append(roles, d.DeviceRole)
		}
	}
	if region != "" {
		all, err := e.store.QueryDevices(ctx, region)
		if err != nil {
			return "", fmt.Errorf("size blast radius: %w", err)
		}
		total = len(all)
	}
	return e.classifier.Classify(BuildInput(req, roles, total))
}

func (e *Engine) degradedTargets(ctx context.Context, req *model.ConfigRequest) ([]string, error) {
	var out []string
	for _, id := range req.TargetDevices {
		d, err := e.store.GetDevice(ctx, id)
		if errors.Is(err, nib.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if d.Degraded {
			out = append(out, id)
		}
	}
	return out, nil
}

// transition moves the request along one state-machine edge, updating the
// audit trail and appending the STATE_TRANSITION event in one transaction.
func (e *Engine) transition(ctx context.Context, req *model.ConfigRequest, to model.RequestState, reason string) (*Decision, error) {
	updated, err := Transition(ctx, e.store, req, to, e.id, reason, e.clock())
	if err != nil {
		return nil, err
	}
	*req = *updated
	return &Decision{
		RequestID:   req.RequestID,
		State:       req.State,
		Sensitivity: req.ClassifiedSensitivity,
		Reason:      reason,
	}, nil
}

func (e *Engine) appendEvent(ctx context.Context, eventType string, payload map[string]any) {
	err := e.store.AppendEvent(ctx, &model.Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		ActorID:   e.id,
		Timestamp: e.clock(),
		Payload:   payload,
	})
	if err != nil {
		e.logger.Error("audit event append failed", "event_type", eventType, "error", err)
	}
}

// Transition applies one state-machine edge atomically: the request row and
// the STATE_TRANSITION event commit together. It returns the stored
// request.
func Transition(ctx context.Context, store *nib.Store, req *model.ConfigRequest, to model.RequestState, actor, reason string, now time.Time) (*model.ConfigRequest, error) {
	if err := CheckTransition(req.State, to); err != nil {
		return nil, err
	}
	updated := *req
	updated.AuditTrail = append(append([]model.Transition(nil), req.AuditTrail...), model.Transition{
		From:    req.State,
		To:      to,
		ActorID: actor,
		At:      now.UTC(),
		Reason:  reason,
	})
	updated.State = to

	err := store.Transaction(ctx, func(tx *nib.Tx) error {
		v, err := tx.UpsertConfig(ctx, &updated, req.Version)
		if err != nil {
			return err
		}
		updated.Version = v
		return tx.AppendEvent(ctx, &model.Event{
			EventID:   uuid.NewString(),
			EventType: model.EventStateTransition,
			ActorID:   actor,
			Timestamp: now,
			Payload: map[string]any{
				"request_id": req.RequestID,
				"from":       string(req.State),
				"to":         string(to),
				"reason":     reason,
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("transition %s -> %s: %w", req.State, to, err)
	}
	return &updated, nil
}
