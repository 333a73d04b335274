package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pdsno/pdsno/pkg/crypto"
	"github.com/pdsno/pdsno/pkg/model"
	"github.com/pdsno/pdsno/pkg/nib"
)

// ErrDeviceDegraded refuses execution against a device parked in degraded
// state.
var ErrDeviceDegraded = errors.New("device degraded")

// ApplyFunc pushes the change to one device.
type ApplyFunc func(ctx context.Context, deviceID string) error

// RestoreFunc re-applies a device's pre-change snapshot during rollback.
type RestoreFunc func(ctx context.Context, deviceID string, snapshot *model.Device) error

// KeyLookup resolves an approver's public key (hex) for token
// verification.
type KeyLookup func(issuerID string) (string, error)

// Executor is the local controller's execution side: it verifies and spends
// execution tokens, drives per-device application under the token's rate
// constraints, and runs the rollback path when devices fail.
type Executor struct {
	id     string
	store  *nib.Store
	lookup KeyLookup
	issuer *TokenIssuer
	clock  func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	snapshots map[string]map[string]*model.Device
}

// NewExecutor creates an executor. key is the local controller's identity
// key, used only for emergency self-approval.
func NewExecutor(id string, store *nib.Store, lookup KeyLookup, key *crypto.IdentityKey) *Executor {
	return &Executor{
		id:        id,
		store:     store,
		lookup:    lookup,
		issuer:    NewTokenIssuer(id, key),
		clock:     time.Now,
		logger:    slog.Default().With("component", "approval.executor", "controller_id", id),
		snapshots: make(map[string]map[string]*model.Device),
	}
}

// WithClock overrides the clock for deterministic testing.
func (x *Executor) WithClock(clock func() time.Time) *Executor {
	x.clock = clock
	x.issuer.WithClock(clock)
	return x
}

// EmergencyApprove lets the local controller act before asking: it
// self-issues a short-TTL token, moves the request straight to approved,
// and flags it for upstream review. The request is still reported upward
// and fully audited.
func (x *Executor) EmergencyApprove(ctx context.Context, req *model.ConfigRequest) (*model.ExecutionToken, error) {
	if req.State != model.StateProposed {
		return nil, fmt.Errorf("%w: emergency approval in state %s", ErrBadTransition, req.State)
	}
	req.ClassifiedSensitivity = model.SensitivityEmergency
	req.RequiresReview = true
	req.Approvers = append(req.Approvers, x.id)

	v, err := x.store.UpsertConfig(ctx, req, 0)
	if err != nil {
		return nil, fmt.Errorf("persist emergency request: %w", err)
	}
	req.Version = v

	token, err := x.issuer.Issue(req, model.SensitivityEmergency, model.TokenConstraints{})
	if err != nil {
		return nil, err
	}
	req.ExecutionTokenID = token.TokenID

	updated, err := Transition(ctx, x.store, req, model.StateApproved, x.id, "emergency self-approval", x.clock())
	if err != nil {
		return nil, err
	}
	*req = *updated
	x.appendEvent(ctx, model.EventTokenIssued, map[string]any{
		"request_id": req.RequestID,
		"token_id":   token.TokenID,
		"emergency":  true,
	})
	return token, nil
}

// Execute spends the token and applies the change device by device. All
// devices succeeding moves the request to succeeded and consumes the token
// in the same transaction; any device failing moves it to failed with the
// per-device results recorded.
func (x *Executor) Execute(ctx context.Context, req *model.ConfigRequest, token *model.ExecutionToken, apply ApplyFunc) (*model.ConfigRequest, error) {
	issuerPub, err := x.lookup(token.IssuerID)
	if err != nil {
		return nil, fmt.Errorf("resolve issuer key: %w", err)
	}
	if err := VerifyToken(token, issuerPub, req.TargetDevices, x.clock()); err != nil {
		return nil, err
	}
	if req.TokenConsumedAt != nil {
		return nil, ErrTokenConsumed
	}
	if req.State != model.StateApproved {
		return nil, fmt.Errorf("%w: execute in state %s", ErrBadTransition, req.State)
	}

	snapshot, err := x.snapshotTargets(ctx, req)
	if err != nil {
		return nil, err
	}

	updated, err := Transition(ctx, x.store, req, model.StateExecuting, x.id, "", x.clock())
	if err != nil {
		return nil, err
	}
	*req = *updated

	x.mu.Lock()
	x.snapshots[req.RequestID] = snapshot
	x.mu.Unlock()

	var limiter *rate.Limiter
	if r := token.Constraints.RatePerSecond; r > 0 {
		limiter = rate.NewLimiter(rate.Limit(r), 1)
	}

	results := make(map[string]bool, len(req.TargetDevices))
	allOK := true
	for _, device := range req.TargetDevices {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				results[device] = false
				allOK = false
				continue
			}
		}
		if err := apply(ctx, device); err != nil {
			x.logger.Warn("device application failed", "request_id", req.RequestID, "device", device, "error", err)
			results[device] = false
			allOK = false
			continue
		}
		results[device] = true
	}
	req.DeviceResults = results

	if !allOK {
		updated, err = Transition(ctx, x.store, req, model.StateFailed, x.id, "partial device failure", x.clock())
		if err != nil {
			return nil, err
		}
		*req = *updated
		return req, nil
	}

	// Token consumption and the succeeded transition commit together.
	now := x.clock().UTC()
	consumed := now
	token.ConsumedAt = &consumed
	req.TokenConsumedAt = &consumed
	updated, err = x.transitionWithEvent(ctx, req, model.StateSucceeded, "", &model.Event{
		EventID:   uuid.NewString(),
		EventType: model.EventTokenConsumed,
		ActorID:   x.id,
		Timestamp: now,
		Payload:   map[string]any{"request_id": req.RequestID, "token_id": token.TokenID},
	})
	if err != nil {
		return nil, err
	}
	*req = *updated

	x.mu.Lock()
	delete(x.snapshots, req.RequestID)
	x.mu.Unlock()
	return req, nil
}

// Rollback re-applies the pre-change snapshots captured when execution
// began. Full restoration yields rolled_back; any restore failure parks the
// request in degraded and marks the affected devices, which then refuse
// further changes until an operator clears them.
func (x *Executor) Rollback(ctx context.Context, req *model.ConfigRequest, restore RestoreFunc) (*model.ConfigRequest, error) {
	if req.State != model.StateFailed {
		return nil, fmt.Errorf("%w: rollback in state %s", ErrBadTransition, req.State)
	}

	x.mu.Lock()
	snapshot := x.snapshots[req.RequestID]
	delete(x.snapshots, req.RequestID)
	x.mu.Unlock()
	if snapshot == nil {
		return x.degrade(ctx, req, req.TargetDevices, "no pre-change snapshot")
	}

	var stuck []string
	for _, device := range req.TargetDevices {
		// Only devices the change actually touched need restoring.
		if applied, ok := req.DeviceResults[device]; ok && !applied {
			continue
		}
		if err := restore(ctx, device, snapshot[device]); err != nil {
			x.logger.Error("rollback failed", "request_id", req.RequestID, "device", device, "error", err)
			stuck = append(stuck, device)
		}
	}

	if len(stuck) > 0 {
		return x.degrade(ctx, req, stuck, "rollback failed")
	}

	updated, err := Transition(ctx, x.store, req, model.StateRolledBack, x.id, "", x.clock())
	if err != nil {
		return nil, err
	}
	*req = *updated
	return req, nil
}

// ClearDegraded is the operator escape hatch: it unmarks the device and
// records the clearance.
func (x *Executor) ClearDegraded(ctx context.Context, deviceID, operator string) error {
	d, err := x.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !d.Degraded {
		return nil
	}
	updated := *d
	updated.Degraded = false
	if _, err := x.store.UpsertDevice(ctx, &updated, d.Version); err != nil {
		return fmt.Errorf("clear degraded %s: %w", deviceID, err)
	}
	x.appendEvent(ctx, model.EventDegradedCleared, map[string]any{
		"device_id": deviceID,
		"operator":  operator,
	})
	return nil
}

func (x *Executor) degrade(ctx context.Context, req *model.ConfigRequest, devices []string, reason string) (*model.ConfigRequest, error) {
	for _, id := range devices {
		d, err := x.store.GetDevice(ctx, id)
		if errors.Is(err, nib.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		updated := *d
		updated.Degraded = true
		if _, err := x.store.UpsertDevice(ctx, &updated, d.Version); err != nil {
			x.logger.Error("degraded mark failed", "device", id, "error", err)
		}
	}

	updated, err := Transition(ctx, x.store, req, model.StateDegraded, x.id, reason, x.clock())
	if err != nil {
		return nil, err
	}
	*req = *updated
	return req, nil
}

// snapshotTargets captures the pre-change device records and refuses to
// touch degraded devices.
func (x *Executor) snapshotTargets(ctx context.Context, req *model.ConfigRequest) (map[string]*model.Device, error) {
	snapshot := make(map[string]*model.Device, len(req.TargetDevices))
	for _, id := range req.TargetDevices {
		d, err := x.store.GetDevice(ctx, id)
		if errors.Is(err, nib.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if d.Degraded {
			return nil, fmt.Errorf("%w: %s", ErrDeviceDegraded, id)
		}
		snapshot[id] = d
	}
	return snapshot, nil
}

// transitionWithEvent is Transition plus one extra event in the same
// transaction.
func (x *Executor) transitionWithEvent(ctx context.Context, req *model.ConfigRequest, to model.RequestState, reason string, extra *model.Event) (*model.ConfigRequest, error) {
	if err := CheckTransition(req.State, to); err != nil {
		return nil, err
	}
	now := x.clock()
	updated := *req
	updated.AuditTrail = append(append([]model.Transition(nil), req.AuditTrail...), model.Transition{
		From:    req.State,
		To:      to,
		ActorID: x.id,
		At:      now.UTC(),
		Reason:  reason,
	})
	updated.State = to

	err := x.store.Transaction(ctx, func(tx *nib.Tx) error {
		v, err := tx.UpsertConfig(ctx, &updated, req.Version)
		if err != nil {
			return err
		}
		updated.Version = v
		if err := tx.AppendEvent(ctx, &model.Event{
			EventID:   uuid.NewString(),
			EventType: model.EventStateTransition,
			ActorID:   x.id,
			Timestamp: now,
			Payload: map[string]any{
				"request_id": req.RequestID,
				"from":       string(req.State),
				"to":         string(to),
				"reason":     reason,
			},
		}); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, extra)
	})
	if err != nil {
		return nil, fmt.Errorf("transition %s -> %s: %w", req.State, to, err)
	}
	return &updated, nil
}

func (x *Executor) appendEvent(ctx context.Context, eventType string, payload map[string]any) {
	err := x.store.AppendEvent(ctx, &model.Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		ActorID:   x.id,
		Timestamp: x.clock(),
		Payload:   payload,
	})
	if err != nil {
		x.logger.Error("audit event append failed", "event_type", eventType, "error", err)
	}
}
