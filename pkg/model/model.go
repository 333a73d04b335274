// Package model defines the shared PDSNO entity types: the records held in
// the Network Information Base and the credentials that flow between
// controller tiers. Persistence and wire concerns live elsewhere; these types
// carry only identity, state, and versioning.
package model

import "time"

// Role identifies a controller tier.
type Role string

const (
	RoleGlobal   Role = "global"
	RoleRegional Role = "regional"
	RoleLocal    Role = "local"
)

// Valid reports whether r is one of the three tiers.
func (r Role) Valid() bool {
	switch r {
	case RoleGlobal, RoleRegional, RoleLocal:
		return true
	}
	return false
}

// DeviceStatus is the lifecycle state of a discovered device.
type DeviceStatus string

const (
	DeviceDiscovered  DeviceStatus = "discovered"
	DeviceQuarantined DeviceStatus = "quarantined"
	DeviceActive      DeviceStatus = "active"
	DeviceInactive    DeviceStatus = "inactive"
)

// Device is a network device observed by discovery.
// (Region, MAC) is unique among non-inactive devices.
type Device struct {
	DeviceID   string            `json:"device_id"`
	Region     string            `json:"region"`
	MAC        string            `json:"mac"`
	IP         string            `json:"ip"`
	Hostname   string            `json:"hostname,omitempty"`
	DeviceRole string            `json:"device_role,omitempty"` // e.g. "backbone", "edge"
	Status     DeviceStatus      `json:"status"`
	LastSeenBy string            `json:"last_seen_by"`
	LastSeenAt time.Time         `json:"last_seen_at"`
	Degraded   bool              `json:"degraded,omitempty"`
	Version    int64             `json:"version"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ControllerStatus is the admission state of a controller.
type ControllerStatus string

const (
	ControllerPending ControllerStatus = "pending"
	ControllerActive  ControllerStatus = "active"
	ControllerRevoked ControllerStatus = "revoked"
)

// Controller is a registered member of the control hierarchy.
type Controller struct {
	ControllerID string           `json:"controller_id"`
	Role         Role             `json:"role"`
	Region       string           `json:"region,omitempty"`
	Status       ControllerStatus `json:"status"`
	ValidatedBy  string           `json:"validated_by"`
	ValidatedAt  time.Time        `json:"validated_at"`
	PublicKey    string           `json:"public_key"`
	Certificate  string           `json:"certificate"`
	Capabilities []string         `json:"capabilities,omitempty"`
	Version      int64            `json:"version"`
}

// Sensitivity is the risk class of a configuration change; it governs which
// tier must approve.
type Sensitivity string

const (
	SensitivityLow       Sensitivity = "LOW"
	SensitivityMedium    Sensitivity = "MEDIUM"
	SensitivityHigh      Sensitivity = "HIGH"
	SensitivityEmergency Sensitivity = "EMERGENCY"
)

// RequestState is a node of the config-request state machine. Transitions are
// one-way; each transition appends an audit Event.
type RequestState string

const (
	StateProposed        RequestState = "proposed"
	StatePendingRegional RequestState = "pending_regional"
	StatePendingGlobal   RequestState = "pending_global"
	StatePendingConflict RequestState = "pending_conflict"
	StateApproved        RequestState = "approved"
	StateExecuting       RequestState = "executing"
	StateSucceeded       RequestState = "succeeded"
	StateFailed          RequestState = "failed"
	StateRolledBack      RequestState = "rolled_back"
	StateRejected        RequestState = "rejected"
	StateDegraded        RequestState = "degraded"
)

// Terminal reports whether s admits no further transitions.
func (s RequestState) Terminal() bool {
	switch s {
	case StateSucceeded, StateRolledBack, StateRejected, StateDegraded:
		return true
	}
	return false
}

// Transition is one audit-trail entry of a ConfigRequest.
type Transition struct {
	From    RequestState `json:"from"`
	To      RequestState `json:"to"`
	ActorID string       `json:"actor_id"`
	At      time.Time    `json:"at"`
	Reason  string       `json:"reason,omitempty"`
}

// ConfigRequest is a configuration intent moving through the approval tiers.
// ConfigHash is unique across non-rejected requests.
type ConfigRequest struct {
	RequestID             string          `json:"request_id"`
	ConfigHash            string          `json:"config_hash"`
	Payload               map[string]any  `json:"payload"`
	TargetDevices         []string        `json:"target_devices"`
	DeclaredSensitivity   Sensitivity     `json:"declared_sensitivity"`
	ClassifiedSensitivity Sensitivity     `json:"classified_sensitivity,omitempty"`
	PolicyVersion         string          `json:"policy_version"`
	State                 RequestState    `json:"state"`
	CreatedBy             string          `json:"created_by"`
	Approvers             []string        `json:"approvers,omitempty"`
	ExecutionTokenID      string          `json:"execution_token_id,omitempty"`
	TokenConsumedAt       *time.Time      `json:"token_consumed_at,omitempty"`
	RequiresReview        bool            `json:"requires_review,omitempty"`
	AuditTrail            []Transition    `json:"audit_trail"`
	DeviceResults         map[string]bool `json:"device_results,omitempty"`
	Version               int64           `json:"version"`
}

// TokenConstraints bound how an execution token may be spent.
type TokenConstraints struct {
	// RatePerSecond caps device applications per second; zero means no cap.
	RatePerSecond float64 `json:"rate_per_second,omitempty"`
	// NotBefore delays use until the given instant.
	NotBefore time.Time `json:"not_before,omitempty"`
}

// ExecutionToken is a signed, single-use, scope-bound credential authorizing
// one application of an approved change.
type ExecutionToken struct {
	TokenID     string           `json:"token_id"`
	RequestID   string           `json:"request_id"`
	ConfigHash  string           `json:"config_hash"`
	Scope       []string         `json:"scope"`
	IssuerID    string           `json:"issuer_id"`
	IssuedAt    time.Time        `json:"issued_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	MaxUses     int              `json:"max_uses"`
	ConsumedAt  *time.Time       `json:"consumed_at,omitempty"`
	Constraints TokenConstraints `json:"constraints"`
	Signature   string           `json:"signature,omitempty"`
}

// Event is one immutable row of the audit stream. The events table is
// append-only; the store rejects updates and deletes.
type Event struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	ActorID   string         `json:"actor_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
	HMAC      string         `json:"hmac,omitempty"`
}

// Well-known event types.
const (
	EventControllerValidated = "CONTROLLER_VALIDATED"
	EventControllerRevoked   = "CONTROLLER_REVOKED"
	EventMACConflict         = "MAC_CONFLICT"
	EventMACCollision        = "MAC_COLLISION"
	EventStateTransition     = "STATE_TRANSITION"
	EventTokenIssued         = "TOKEN_ISSUED"
	EventTokenConsumed       = "TOKEN_CONSUMED"
	EventPolicyApplied       = "POLICY_APPLIED"
	EventDegradedCleared     = "DEGRADED_CLEARED"
	EventAuthFailure         = "AUTH_FAILURE"
	EventTempIDBlocked       = "TEMP_ID_BLOCKED"
)

// Lock is an advisory, TTL-bounded coordination lock. FencingToken strictly
// increases across successive acquisitions of the same resource.
type Lock struct {
	ResourceKey  string    `json:"resource_key"`
	HolderID     string    `json:"holder_id"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	FencingToken int64     `json:"fencing_token"`
}

// Policy is a versioned classification policy distributed via POLICY_UPDATE.
// SemVer is the policy_version config requests are classified under; Version
// is the NIB record version used for optimistic concurrency.
type Policy struct {
	PolicyID string   `json:"policy_id"`
	SemVer   string   `json:"semver"`
	Rules    []string `json:"rules"` // CEL expressions, see pkg/approval
	Version  int64    `json:"version"`
}
