package controller

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pdsno/pdsno/pkg/admission"
	"github.com/pdsno/pdsno/pkg/approval"
	"github.com/pdsno/pdsno/pkg/discovery"
	"github.com/pdsno/pdsno/pkg/envelope"
	"github.com/pdsno/pdsno/pkg/model"
	"github.com/pdsno/pdsno/pkg/transport"
)

// ApprovalOutcome is what a proposer gets back from the approving tiers.
type ApprovalOutcome struct {
	RequestID   string                `json:"request_id"`
	State       model.RequestState    `json:"state"`
	Sensitivity model.Sensitivity     `json:"sensitivity,omitempty"`
	Reason      string                `json:"reason,omitempty"`
	Token       *model.ExecutionToken `json:"token,omitempty"`
}

// Global is the top-tier runtime: it admits regional controllers, decides
// escalated approvals, and broadcasts policy updates.
type Global struct {
	*Runtime
	parent *admission.Parent
	engine *approval.Engine
}

// NewGlobal wires the global controller's handlers.
func NewGlobal(rt *Runtime, parent *admission.Parent, engine *approval.Engine) *Global {
	g := &Global{Runtime: rt, parent: parent, engine: engine}
	rt.Handle(envelope.TypeValidationRequest, g.handleValidationRequest)
	rt.Handle(envelope.TypeChallengeResponse, g.handleChallengeResponse)
	rt.Handle(envelope.TypeConfigProposal, g.handleEscalation)
	return g
}

func (g *Global) handleValidationRequest(ctx context.Context, _ string, payload map[string]any) (map[string]any, string, error) {
	return admitStep1(ctx, g.parent, payload)
}

func (g *Global) handleChallengeResponse(ctx context.Context, _ string, payload map[string]any) (map[string]any, string, error) {
	return admitStep5(ctx, g.parent, payload)
}

// handleEscalation decides a HIGH request forwarded by a regional
// controller.
func (g *Global) handleEscalation(ctx context.Context, _ string, payload map[string]any) (map[string]any, string, error) {
	requestID, _ := payload["request_id"].(string)
	if requestID == "" {
		return nil, "", fmt.Errorf("escalation payload missing request_id")
	}
	decision, err := g.engine.HandleEscalation(ctx, requestID)
	if err != nil {
		return nil, "", err
	}
	return outcomeResponse(decision)
}

// BroadcastPolicy publishes a classification policy to every tier.
func (g *Global) BroadcastPolicy(ctx context.Context, policy *model.Policy) error {
	payload, err := encode(policy)
	if err != nil {
		return err
	}
	topic := transport.Topic(envelope.CategoryPolicy, "global", g.id)
	return g.Publish(ctx, topic, envelope.TypePolicyUpdate, payload)
}

// Regional is the middle-tier runtime: it admits local controllers, folds
// discovery reports into the NIB, and approves or escalates configuration
// requests.
type Regional struct {
	*Runtime
	parent   *admission.Parent
	engine   *approval.Engine
	sink     *discovery.Sink
	globalID string
}

// NewRegional wires the regional controller's handlers. globalID names the
// escalation target.
func NewRegional(rt *Runtime, parent *admission.Parent, engine *approval.Engine, sink *discovery.Sink, globalID string) *Regional {
	r := &Regional{Runtime: rt, parent: parent, engine: engine, sink: sink, globalID: globalID}
	rt.Handle(envelope.TypeValidationRequest, r.handleValidationRequest)
	rt.Handle(envelope.TypeChallengeResponse, r.handleChallengeResponse)
	rt.Handle(envelope.TypeConfigProposal, r.handleProposal)
	rt.Handle(envelope.TypeExecutionReport, r.handleExecutionReport)
	rt.Handle(envelope.TypePolicyUpdate, r.handlePolicyUpdate)
	return r
}

func (r *Regional) handleValidationRequest(ctx context.Context, _ string, payload map[string]any) (map[string]any, string, error) {
	return admitStep1(ctx, r.parent, payload)
}

func (r *Regional) handleChallengeResponse(ctx context.Context, _ string, payload map[string]any) (map[string]any, string, error) {
	return admitStep5(ctx, r.parent, payload)
}

// handleProposal routes a configuration request through the regional
// engine; HIGH requests are forwarded to the global controller and its
// final decision is relayed.
func (r *Regional) handleProposal(ctx context.Context, _ string, payload map[string]any) (map[string]any, string, error) {
	req, err := decode[model.ConfigRequest](payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode proposal: %w", err)
	}
	decision, err := r.engine.HandleProposal(ctx, req)
	if err != nil {
		return nil, "", err
	}

	if decision.Escalate {
		resp, err := r.Send(ctx, r.globalID, envelope.TypeConfigProposal, map[string]any{"request_id": req.RequestID})
		if err != nil {
			return nil, "", fmt.Errorf("escalate %s: %w", req.RequestID, err)
		}
		return resp.Payload, resp.MessageType, nil
	}
	return outcomeResponse(decision)
}

// handleExecutionReport settles a request after the local controller
// executed it: conflict locks are released and emergency changes are
// flagged for review.
func (r *Regional) handleExecutionReport(ctx context.Context, senderID string, payload map[string]any) (map[string]any, string, error) {
	outcome, err := decode[ApprovalOutcome](payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode execution report: %w", err)
	}
	r.engine.ReleaseLocks(ctx, outcome.RequestID)
	if outcome.Sensitivity == model.SensitivityEmergency {
		if err := r.engine.ReviewEmergency(ctx, outcome.RequestID); err != nil {
			r.logger.Warn("emergency review flag failed", "request_id", outcome.RequestID, "error", err)
		}
	}
	r.logger.Info("execution reported", "request_id", outcome.RequestID, "state", outcome.State, "lc_id", senderID)
	return map[string]any{"request_id": outcome.RequestID, "acknowledged": true}, envelope.TypeExecutionReport, nil
}

func (r *Regional) handlePolicyUpdate(ctx context.Context, _ string, payload map[string]any) (map[string]any, string, error) {
	return nil, "", applyPolicy(ctx, r.Runtime, payload)
}

// SubscribeDiscovery attaches the sink to this region's discovery topics.
// Acks travel back over request/response.
func (r *Regional) SubscribeDiscovery(ctx context.Context) (func(), error) {
	pattern := transport.Topic(envelope.CategoryDiscovery, r.region, "+")
	return r.selector.Subscribe(ctx, pattern, func(ctx context.Context, topic string, env *envelope.Envelope) {
		if err := r.VerifyBroadcast(ctx, env); err != nil {
			r.logger.Warn("discarding unverifiable discovery report", "topic", topic, "error", err)
			return
		}
		report, err := decode[discovery.Report](env.Payload)
		if err != nil {
			r.logger.Warn("discarding undecodable discovery report", "topic", topic, "error", err)
			return
		}
		ack, err := r.sink.Apply(ctx, report)
		if err != nil {
			r.logger.Error("discovery report apply failed", "lc_id", report.LCID, "error", err)
			return
		}
		payload, err := encode(ack)
		if err != nil {
			return
		}
		if _, err := r.Send(ctx, report.LCID, envelope.TypeDiscoveryReportAck, payload); err != nil {
			r.logger.Warn("discovery ack failed", "lc_id", report.LCID, "error", err)
		}
	})
}

// Local is the leaf runtime: it runs discovery, proposes configuration
// changes upward, and executes approved ones.
type Local struct {
	*Runtime
	orchestrator *discovery.Orchestrator
	executor     *approval.Executor
	regionalID   string
	policyVer    string
}

// NewLocal wires the local controller. regionalID names its parent.
func NewLocal(rt *Runtime, orchestrator *discovery.Orchestrator, executor *approval.Executor, regionalID, policyVersion string) *Local {
	l := &Local{Runtime: rt, orchestrator: orchestrator, executor: executor, regionalID: regionalID, policyVer: policyVersion}
	rt.Handle(envelope.TypeDiscoveryReportAck, l.handleDiscoveryAck)
	rt.Handle(envelope.TypePolicyUpdate, l.handlePolicyUpdate)
	return l
}

func (l *Local) handleDiscoveryAck(ctx context.Context, _ string, payload map[string]any) (map[string]any, string, error) {
	ack, err := decode[discovery.Ack](payload)
	if err != nil {
		return nil, "", err
	}
	l.logger.Info("discovery cycle acknowledged", "cycle", ack.Cycle, "accepted", ack.Accepted, "collisions", len(ack.Collisions))
	return map[string]any{"cycle": ack.Cycle}, envelope.TypeDiscoveryReportAck, nil
}

func (l *Local) handlePolicyUpdate(ctx context.Context, _ string, payload map[string]any) (map[string]any, string, error) {
	return nil, "", applyPolicy(ctx, l.Runtime, payload)
}

// RunDiscoveryCycle executes one probe sweep and publishes the report on
// this controller's discovery topic.
func (l *Local) RunDiscoveryCycle(ctx context.Context) (*discovery.Report, error) {
	report, err := l.orchestrator.RunCycle(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := encode(report)
	if err != nil {
		return nil, err
	}
	topic := transport.Topic(envelope.CategoryDiscovery, l.region, l.id)
	if err := l.Publish(ctx, topic, envelope.TypeDiscoveryReport, payload); err != nil {
		return nil, fmt.Errorf("publish discovery report: %w", err)
	}
	return report, nil
}

// Propose submits a configuration intent to the regional tier and returns
// the stored request alongside the final decision. Emergency intents are
// self-approved locally and reviewed after the fact.
func (l *Local) Propose(ctx context.Context, payload map[string]any, targets []string, declared model.Sensitivity) (*model.ConfigRequest, *ApprovalOutcome, error) {
	req, err := approval.NewRequest(payload, targets, declared, l.policyVer, l.id)
	if err != nil {
		return nil, nil, err
	}

	if declared == model.SensitivityEmergency {
		token, err := l.executor.EmergencyApprove(ctx, req)
		if err != nil {
			return nil, nil, err
		}
		return req, &ApprovalOutcome{
			RequestID:   req.RequestID,
			State:       req.State,
			Sensitivity: model.SensitivityEmergency,
			Token:       token,
		}, nil
	}

	body, err := encode(req)
	if err != nil {
		return nil, nil, err
	}
	resp, err := l.Send(ctx, l.regionalID, envelope.TypeConfigProposal, body)
	if err != nil {
		return nil, nil, err
	}
	outcome, err := decode[ApprovalOutcome](resp.Payload)
	if err != nil {
		return nil, nil, err
	}
	stored, err := l.store.GetConfig(ctx, req.RequestID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch decided request: %w", err)
	}
	return stored, outcome, nil
}

// Execute spends the token against the targets and reports the outcome
// upward.
func (l *Local) Execute(ctx context.Context, req *model.ConfigRequest, token *model.ExecutionToken, apply approval.ApplyFunc) (*model.ConfigRequest, error) {
	out, err := l.executor.Execute(ctx, req, token, apply)
	if err != nil {
		return nil, err
	}
	report := &ApprovalOutcome{
		RequestID:   out.RequestID,
		State:       out.State,
		Sensitivity: out.ClassifiedSensitivity,
	}
	body, err := encode(report)
	if err != nil {
		return out, err
	}
	if _, err := l.Send(ctx, l.regionalID, envelope.TypeExecutionReport, body); err != nil {
		l.logger.Warn("execution report failed", "request_id", out.RequestID, "error", err)
	}
	return out, nil
}

// SubscribePolicy attaches a runtime to the global policy topic.
func SubscribePolicy(ctx context.Context, rt *Runtime) (func(), error) {
	return rt.SubscribeBroadcast(ctx, transport.Topic(envelope.CategoryPolicy, "global", "+"))
}

// admitStep1 and admitStep5 adapt the admission protocol to the handler
// shape.
func admitStep1(ctx context.Context, parent *admission.Parent, payload map[string]any) (map[string]any, string, error) {
	req, err := admission.FromPayload[admission.ValidationRequest](payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode validation request: %w", err)
	}
	challenge, result := parent.HandleValidationRequest(ctx, req)
	if result != nil {
		out, err := admission.ToPayload(result)
		return out, envelope.TypeValidationResult, err
	}
	out, err := admission.ToPayload(challenge)
	return out, envelope.TypeChallenge, err
}

func admitStep5(ctx context.Context, parent *admission.Parent, payload map[string]any) (map[string]any, string, error) {
	resp, err := admission.FromPayload[admission.ChallengeResponse](payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode challenge response: %w", err)
	}
	result := parent.HandleChallengeResponse(ctx, resp)
	out, err := admission.ToPayload(result)
	return out, envelope.TypeValidationResult, err
}

// applyPolicy stores a broadcast policy and records its application.
func applyPolicy(ctx context.Context, rt *Runtime, payload map[string]any) error {
	policy, err := decode[model.Policy](payload)
	if err != nil {
		return fmt.Errorf("decode policy: %w", err)
	}
	expected := int64(0)
	if current, err := rt.store.GetPolicy(ctx, policy.PolicyID); err == nil {
		expected = current.Version
	}
	policy.Version = 0
	if _, err := rt.store.UpsertPolicy(ctx, policy, expected); err != nil {
		return fmt.Errorf("store policy: %w", err)
	}
	return rt.store.AppendEvent(ctx, &model.Event{
		EventID:   uuid.NewString(),
		EventType: model.EventPolicyApplied,
		ActorID:   rt.id,
		Timestamp: rt.clock(),
		Payload:   map[string]any{"policy_id": policy.PolicyID, "semver": policy.SemVer},
	})
}

func outcomeResponse(d *approval.Decision) (map[string]any, string, error) {
	outcome := &ApprovalOutcome{
		RequestID:   d.RequestID,
		State:       d.State,
		Sensitivity: d.Sensitivity,
		Reason:      d.Reason,
		Token:       d.Token,
	}
	payload, err := encode(outcome)
	if err != nil {
		return nil, "", err
	}
	if d.State == model.StateRejected {
		return payload, envelope.TypeConfigRejection, nil
	}
	return payload, envelope.TypeConfigApproval, nil
}

func encode(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

func decode[T any](payload map[string]any) (*T, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
