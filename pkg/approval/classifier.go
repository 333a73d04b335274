package approval

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"

	"github.com/pdsno/pdsno/pkg/model"
)

// ErrPolicyDrift reports that a request was classified under a different
// policy version than the one this tier holds.
var ErrPolicyDrift = errors.New("policy version drift")

// Input is what classification sees. It is derived purely from the request
// and the NIB; the declared sensitivity is advisory only.
type Input struct {
	PayloadShape  []string
	TargetDevices int
	DeviceRoles   []string
	BlastRadius   float64
	Declared      model.Sensitivity
}

// Classifier evaluates a tier's policy rules against a request. Each rule
// is "<SENSITIVITY> <cel-expression>"; rules are tried in order and the
// first match wins, with LOW as the default. Classification is a pure
// function of its input, so every tier reaches the same verdict under the
// same policy version.
type Classifier struct {
	policyVersion *semver.Version
	rules         []compiledRule
}

type compiledRule struct {
	sensitivity model.Sensitivity
	source      string
	program     cel.Program
}

// NewClassifier compiles a policy's rules.
func NewClassifier(policy *model.Policy) (*Classifier, error) {
	version, err := semver.NewVersion(policy.SemVer)
	if err != nil {
		return nil, fmt.Errorf("policy %s version %q: %w", policy.PolicyID, policy.SemVer, err)
	}

	env, err := cel.NewEnv(
		cel.Variable("payload_shape", cel.ListType(cel.StringType)),
		cel.Variable("target_devices", cel.IntType),
		cel.Variable("device_roles", cel.ListType(cel.StringType)),
		cel.Variable("blast_radius", cel.DoubleType),
		cel.Variable("declared", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("classification env: %w", err)
	}

	c := &Classifier{policyVersion: version}
	for _, rule := range policy.Rules {
		sensitivity, expr, ok := splitRule(rule)
		if !ok {
			return nil, fmt.Errorf("policy %s: malformed rule %q", policy.PolicyID, rule)
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy %s: rule %q: %w", policy.PolicyID, rule, issues.Err())
		}
		program, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("policy %s: rule %q: %w", policy.PolicyID, rule, err)
		}
		c.rules = append(c.rules, compiledRule{sensitivity: sensitivity, source: rule, program: program})
	}
	return c, nil
}

// PolicyVersion returns the semantic version the classifier operates under.
func (c *Classifier) PolicyVersion() string {
	return c.policyVersion.String()
}

// CheckDrift compares a request's policy_version with this tier's. Any
// difference is drift; approving under mismatched rules is worse than
// making the proposer resubmit.
func (c *Classifier) CheckDrift(requestVersion string) error {
	v, err := semver.NewVersion(requestVersion)
	if err != nil {
		return fmt.Errorf("%w: unparsable request version %q", ErrPolicyDrift, requestVersion)
	}
	if !v.Equal(c.policyVersion) {
		return fmt.Errorf("%w: request %s, tier %s", ErrPolicyDrift, v, c.policyVersion)
	}
	return nil
}

// Classify returns the first matching rule's sensitivity, LOW when nothing
// matches.
func (c *Classifier) Classify(in Input) (model.Sensitivity, error) {
	vars := map[string]any{
		"payload_shape":  in.PayloadShape,
		"target_devices": in.TargetDevices,
		"device_roles":   in.DeviceRoles,
		"blast_radius":   in.BlastRadius,
		"declared":       string(in.Declared),
	}
	for _, rule := range c.rules {
		out, _, err := rule.program.Eval(vars)
		if err != nil {
			return "", fmt.Errorf("rule %q: %w", rule.source, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return "", fmt.Errorf("rule %q: non-boolean result", rule.source)
		}
		if matched {
			return rule.sensitivity, nil
		}
	}
	return model.SensitivityLow, nil
}

// BuildInput derives the classification input from a request and the
// resolved roles of its target devices. totalDevices sizes the blast
// radius; zero avoids a division and yields radius 0.
func BuildInput(req *model.ConfigRequest, deviceRoles []string, totalDevices int) Input {
	shape := make([]string, 0, len(req.Payload))
	for k := range req.Payload {
		shape = append(shape, k)
	}
	sort.Strings(shape)

	radius := 0.0
	if totalDevices > 0 {
		radius = float64(len(req.TargetDevices)) / float64(totalDevices)
	}
	return Input{
		PayloadShape:  shape,
		TargetDevices: len(req.TargetDevices),
		DeviceRoles:   deviceRoles,
		BlastRadius:   radius,
		Declared:      req.DeclaredSensitivity,
	}
}

func splitRule(rule string) (model.Sensitivity, string, bool) {
	parts := strings.SplitN(strings.TrimSpace(rule), " ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	s := model.Sensitivity(parts[0])
	switch s {
	case model.SensitivityLow, model.SensitivityMedium, model.SensitivityHigh, model.SensitivityEmergency:
		return s, strings.TrimSpace(parts[1]), true
	}
	return "", "", false
}
