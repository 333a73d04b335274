package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pdsno/pdsno/pkg/model"
)

// DefaultWorkers bounds concurrent probe execution per cycle.
const DefaultWorkers = 4

// Report is one cycle's outcome, published upstream as the payload of a
// DISCOVERY_REPORT.
type Report struct {
	LCID        string        `json:"lc_id"`
	Region      string        `json:"region"`
	Cycle       int64         `json:"cycle"`
	Devices     []Observation `json:"devices"`
	Delta       Delta         `json:"delta"`
	Conflicts   []Conflict    `json:"conflicts,omitempty"`
	// Cancelled marks a cycle cut short by context cancellation. Devices
	// holds whatever the probes gathered before stopping.
	Cancelled   bool      `json:"cancelled,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// EventSink receives audit events produced during a cycle. The local
// controller forwards them to the NIB.
type EventSink func(ctx context.Context, e *model.Event)

type probeResult struct {
	probe        string
	observations []Observation
	cancelled    bool
	err          error
}

// Orchestrator drives the probes of one local controller: each cycle runs
// every probe through its lifecycle inside a bounded worker pool, merges the
// results by MAC, and computes the delta against prior cycles.
type Orchestrator struct {
	lcID     string
	target   Target
	probes   []Probe
	workers  int
	detector *Detector
	events   EventSink
	clock    func() time.Time
	logger   *slog.Logger

	mu    sync.Mutex
	cycle int64
}

// NewOrchestrator creates an orchestrator for the given probes.
func NewOrchestrator(lcID string, target Target, probes []Probe, events EventSink) *Orchestrator {
	return &Orchestrator{
		lcID:     lcID,
		target:   target,
		probes:   probes,
		workers:  DefaultWorkers,
		detector: NewDetector(0),
		events:   events,
		clock:    time.Now,
		logger:   slog.Default().With("component", "discovery", "lc_id", lcID),
	}
}

// WithWorkers overrides the worker pool size.
func (o *Orchestrator) WithWorkers(n int) *Orchestrator {
	if n > 0 {
		o.workers = n
	}
	return o
}

// WithAbsenceCycles overrides the inactive threshold.
func (o *Orchestrator) WithAbsenceCycles(k int) *Orchestrator {
	o.detector = NewDetector(k)
	return o
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// RunCycle executes one discovery cycle. A probe failing its lifecycle
// aborts the cycle; individual probe errors are tolerated as long as at
// least one probe succeeds. Cancelling ctx stops each probe at its next
// suspension point and yields a partial report marked Cancelled.
func (o *Orchestrator) RunCycle(ctx context.Context) (*Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.probes) == 0 {
		return nil, fmt.Errorf("no probes configured")
	}

	results := o.runProbes(ctx)

	var (
		batches   []probeResult
		succeeded int
		cancelled bool
	)
	for _, res := range results {
		if res.err != nil {
			if isLifecycleError(res.err) {
				return nil, res.err
			}
			o.logger.Warn("probe failed", "probe", res.probe, "error", res.err)
			continue
		}
		if res.cancelled {
			cancelled = true
		}
		succeeded++
		batches = append(batches, res)
	}
	if succeeded == 0 {
		return nil, fmt.Errorf("all probes failed")
	}

	merged, conflicts := mergeObservations(batches)
	for _, c := range conflicts {
		o.logger.Warn("mac conflict", "mac", c.MAC, "kept_ip", c.KeptIP, "lost_ip", c.LostIP)
		if o.events != nil {
			o.events(ctx, &model.Event{
				EventID:   uuid.NewString(),
				EventType: model.EventMACConflict,
				ActorID:   o.lcID,
				Timestamp: o.clock(),
				Payload: map[string]any{
					"mac":       c.MAC,
					"kept_ip":   c.KeptIP,
					"lost_ip":   c.LostIP,
					"kept_from": c.KeptFrom,
					"lost_from": c.LostFrom,
				},
			})
		}
	}

	// A cut-short sweep is not evidence of absence; leave the detector
	// history untouched so the next full cycle computes the real delta.
	var delta Delta
	if !cancelled {
		delta = o.detector.Observe(merged)
	}
	o.cycle++

	devices := make([]Observation, 0, len(merged))
	for _, obs := range merged {
		devices = append(devices, obs)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].MAC < devices[j].MAC })

	return &Report{
		LCID:        o.lcID,
		Region:      o.target.Region,
		Cycle:       o.cycle,
		Devices:     devices,
		Delta:       delta,
		Conflicts:   conflicts,
		Cancelled:   cancelled,
		GeneratedAt: o.clock().UTC(),
	}, nil
}

// runProbes drives every probe through its lifecycle, at most workers at a
// time. Cancellation propagates through the probe contexts.
func (o *Orchestrator) runProbes(ctx context.Context) []probeResult {
	results := make([]probeResult, len(o.probes))
	sem := make(chan struct{}, o.workers)
	var wg sync.WaitGroup

	for i, p := range o.probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = probeResult{probe: p.Name(), cancelled: true}
				return
			}
			obs, cancelled, err := newRunner(p).run(ctx, o.target)
			results[i] = probeResult{probe: p.Name(), observations: obs, cancelled: cancelled, err: err}
		}(i, p)
	}
	wg.Wait()
	return results
}

func isLifecycleError(err error) bool {
	return errors.Is(err, ErrOutOfOrder)
}
