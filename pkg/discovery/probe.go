// Package discovery implements the device discovery framework: probe
// lifecycle enforcement, concurrent probe orchestration on local
// controllers, merge and delta detection across cycles, and the regional
// sink that folds reports into the NIB.
//
// The on-wire probe protocols (ARP, ICMP, SNMP) are pluggable adapters
// behind the Probe interface and live outside this package.
package discovery

import (
	"context"
	"errors"
	"fmt"
)

// Target describes what a probe should sweep.
type Target struct {
	Region string
	Subnet string
	// Params carries probe-specific settings, e.g. SNMP community strings.
	Params map[string]string
}

// Observation is one device sighting reported by a probe.
type Observation struct {
	MAC        string            `json:"mac"`
	IP         string            `json:"ip"`
	Hostname   string            `json:"hostname,omitempty"`
	DeviceRole string            `json:"device_role,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Probe is a discovery algorithm with three phases. The orchestrator calls
// Initialize, Execute, Finalize in that order exactly once per cycle;
// anything else is a programming error.
type Probe interface {
	Name() string
	Initialize(ctx context.Context, target Target) error
	Execute(ctx context.Context) ([]Observation, error)
	Finalize() ([]Observation, error)
}

// ErrOutOfOrder reports a lifecycle violation. It aborts the cycle rather
// than risking a half-initialized probe.
var ErrOutOfOrder = errors.New("probe phase out of order")

type phase int

const (
	phaseNew phase = iota
	phaseInitialized
	phaseExecuted
	phaseFinalized
)

// runner wraps a probe and enforces the phase ordering.
type runner struct {
	probe Probe
	phase phase
}

func newRunner(p Probe) *runner {
	return &runner{probe: p}
}

func (r *runner) initialize(ctx context.Context, target Target) error {
	if r.phase != phaseNew {
		return fmt.Errorf("%w: initialize called in phase %d", ErrOutOfOrder, r.phase)
	}
	if err := r.probe.Initialize(ctx, target); err != nil {
		return fmt.Errorf("probe %s initialize: %w", r.probe.Name(), err)
	}
	r.phase = phaseInitialized
	return nil
}

// execute runs the probe's sweep. A context cancellation is not a probe
// failure: the probe stops at its next suspension point and whatever it
// gathered so far is surrendered through Finalize, so the phase still
// advances and cancelled is reported to the caller.
func (r *runner) execute(ctx context.Context) (cancelled bool, err error) {
	if r.phase != phaseInitialized {
		return false, fmt.Errorf("%w: execute called in phase %d", ErrOutOfOrder, r.phase)
	}
	if _, err := r.probe.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.phase = phaseExecuted
			return true, nil
		}
		return false, fmt.Errorf("probe %s execute: %w", r.probe.Name(), err)
	}
	r.phase = phaseExecuted
	return false, nil
}

func (r *runner) finalize() ([]Observation, error) {
	if r.phase != phaseExecuted {
		return nil, fmt.Errorf("%w: finalize called in phase %d", ErrOutOfOrder, r.phase)
	}
	report, err := r.probe.Finalize()
	if err != nil {
		return nil, fmt.Errorf("probe %s finalize: %w", r.probe.Name(), err)
	}
	r.phase = phaseFinalized
	return report, nil
}

// run drives the full lifecycle for one probe. cancelled marks a sweep cut
// short by context cancellation; its observations are partial but valid.
func (r *runner) run(ctx context.Context, target Target) (obs []Observation, cancelled bool, err error) {
	if err := r.initialize(ctx, target); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, true, nil
		}
		return nil, false, err
	}
	cancelled, err = r.execute(ctx)
	if err != nil {
		return nil, false, err
	}
	obs, err = r.finalize()
	if err != nil {
		return nil, false, err
	}
	return obs, cancelled, nil
}
