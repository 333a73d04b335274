// Package approval implements the tiered configuration approval engine:
// CEL-based sensitivity classification, routing across the controller
// tiers, single-use signed execution tokens, and the one-way request state
// machine with rollback and degraded handling.
package approval

import (
	"errors"
	"fmt"

	"github.com/pdsno/pdsno/pkg/model"
)

// Rejection reasons recorded on the audit trail.
const (
	ReasonPolicyDrift    = "policy_drift"
	ReasonDeviceDegraded = "device_degraded"
	ReasonDuplicateHash  = "duplicate_config_hash"
	ReasonInvalidConfig  = "invalid_config"
)

// ErrBadTransition reports an attempt to move a request against the state
// machine. Transitions are one-way; there is no path back from a terminal
// state.
var ErrBadTransition = errors.New("invalid state transition")

var allowedTransitions = map[model.RequestState][]model.RequestState{
	model.StateProposed:        {model.StatePendingRegional, model.StatePendingGlobal, model.StatePendingConflict, model.StateApproved, model.StateRejected},
	model.StatePendingRegional: {model.StatePendingGlobal, model.StatePendingConflict, model.StateApproved, model.StateRejected},
	model.StatePendingGlobal:   {model.StateApproved, model.StateRejected},
	model.StatePendingConflict: {model.StatePendingRegional, model.StatePendingGlobal, model.StateApproved, model.StateRejected},
	model.StateApproved:        {model.StateExecuting},
	model.StateExecuting:       {model.StateSucceeded, model.StateFailed},
	model.StateFailed:          {model.StateRolledBack, model.StateDegraded},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to model.RequestState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrBadTransition for an illegal edge.
func CheckTransition(from, to model.RequestState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	return nil
}
