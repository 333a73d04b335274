package envelope

// Message types carried by the fabric. The set is closed: an unknown type
// fails structural validation and, over HTTP, returns 404.
const (
	TypeValidationRequest  = "VALIDATION_REQUEST"
	TypeChallenge          = "CHALLENGE"
	TypeChallengeResponse  = "CHALLENGE_RESPONSE"
	TypeValidationResult   = "VALIDATION_RESULT"
	TypeDiscoveryReport    = "DISCOVERY_REPORT"
	TypeDiscoveryReportAck = "DISCOVERY_REPORT_ACK"
	TypeConfigProposal     = "CONFIG_PROPOSAL"
	TypeConfigApproval     = "CONFIG_APPROVAL"
	TypeConfigRejection    = "CONFIG_REJECTION"
	TypeExecutionReport    = "EXECUTION_REPORT"
	TypePolicyUpdate       = "POLICY_UPDATE"
	TypeHeartbeat          = "HEARTBEAT"
)

// Category groups message types for topic construction and delivery
// guarantees: discovery and policy traffic is at-least-once, heartbeats are
// at-most-once.
type Category string

const (
	CategoryAdmission Category = "admission"
	CategoryDiscovery Category = "discovery"
	CategoryConfig    Category = "config"
	CategoryPolicy    Category = "policy"
	CategoryHeartbeat Category = "heartbeat"
)

// TypeSpec describes the static properties of a message type. Idempotent
// types are the only ones the HTTP transport may retry.
type TypeSpec struct {
	Name       string
	Category   Category
	Idempotent bool
}

var registry = map[string]TypeSpec{
	TypeValidationRequest:  {TypeValidationRequest, CategoryAdmission, false},
	TypeChallenge:          {TypeChallenge, CategoryAdmission, false},
	TypeChallengeResponse:  {TypeChallengeResponse, CategoryAdmission, false},
	TypeValidationResult:   {TypeValidationResult, CategoryAdmission, false},
	TypeDiscoveryReport:    {TypeDiscoveryReport, CategoryDiscovery, true},
	TypeDiscoveryReportAck: {TypeDiscoveryReportAck, CategoryDiscovery, true},
	TypeConfigProposal:     {TypeConfigProposal, CategoryConfig, false},
	TypeConfigApproval:     {TypeConfigApproval, CategoryConfig, false},
	TypeConfigRejection:    {TypeConfigRejection, CategoryConfig, true},
	TypeExecutionReport:    {TypeExecutionReport, CategoryConfig, true},
	TypePolicyUpdate:       {TypePolicyUpdate, CategoryPolicy, true},
	TypeHeartbeat:          {TypeHeartbeat, CategoryHeartbeat, true},
}

// Types returns the names of all registered message types.
func Types() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}

// Known reports whether name is a registered message type.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Spec returns the registered TypeSpec for name.
func Spec(name string) (TypeSpec, bool) {
	s, ok := registry[name]
	return s, ok
}

// Idempotent reports whether the type is safe to retry. Unknown types are
// never retried.
func Idempotent(name string) bool {
	s, ok := registry[name]
	return ok && s.Idempotent
}
