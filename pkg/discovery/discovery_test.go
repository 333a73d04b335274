package discovery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdsno/pdsno/pkg/model"
	"github.com/pdsno/pdsno/pkg/nib"
)

type fakeProbe struct {
	name    string
	results []Observation
	execErr error

	initialized atomic.Bool
	executed    atomic.Bool
}

func (p *fakeProbe) Name() string { return p.name }

func (p *fakeProbe) Initialize(ctx context.Context, target Target) error {
	p.initialized.Store(true)
	return nil
}

func (p *fakeProbe) Execute(ctx context.Context) ([]Observation, error) {
	if !p.initialized.Load() {
		return nil, fmt.Errorf("execute before initialize")
	}
	p.executed.Store(true)
	return p.results, p.execErr
}

func (p *fakeProbe) Finalize() ([]Observation, error) {
	if !p.executed.Load() {
		return nil, fmt.Errorf("finalize before execute")
	}
	return p.results, nil
}

// haltingProbe gathers its partial set, signals, then cooperatively blocks
// until its context is cancelled, like a sweep interrupted mid-subnet.
type haltingProbe struct {
	name    string
	partial []Observation
	started chan struct{}

	gathered []Observation
}

func (p *haltingProbe) Name() string { return p.name }

func (p *haltingProbe) Initialize(ctx context.Context, target Target) error { return nil }

func (p *haltingProbe) Execute(ctx context.Context) ([]Observation, error) {
	p.gathered = append(p.gathered, p.partial...)
	close(p.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *haltingProbe) Finalize() ([]Observation, error) { return p.gathered, nil }

func obs(mac, ip string) Observation {
	return Observation{MAC: mac, IP: ip}
}

func TestRunnerEnforcesPhaseOrder(t *testing.T) {
	ctx := context.Background()
	target := Target{Region: "zone-A"}

	r := newRunner(&fakeProbe{name: "arp"})
	_, err := r.execute(ctx)
	assert.ErrorIs(t, err, ErrOutOfOrder)

	r = newRunner(&fakeProbe{name: "arp"})
	_, err = r.finalize()
	assert.ErrorIs(t, err, ErrOutOfOrder)

	r = newRunner(&fakeProbe{name: "arp"})
	require.NoError(t, r.initialize(ctx, target))
	assert.ErrorIs(t, r.initialize(ctx, target), ErrOutOfOrder)
	_, err = r.execute(ctx)
	require.NoError(t, err)
	_, err = r.execute(ctx)
	assert.ErrorIs(t, err, ErrOutOfOrder)
	_, err = r.finalize()
	require.NoError(t, err)
}

func TestMergeConflictNewerWins(t *testing.T) {
	merged, conflicts := mergeObservations([]probeResult{
		{probe: "arp", observations: []Observation{obs("aa:01", "10.0.0.1"), obs("aa:02", "10.0.0.2")}},
		{probe: "snmp", observations: []Observation{{MAC: "aa:01", IP: "10.0.0.9", Hostname: "sw1"}}},
	})

	require.Len(t, conflicts, 1)
	assert.Equal(t, "aa:01", conflicts[0].MAC)
	assert.Equal(t, "10.0.0.9", conflicts[0].KeptIP)
	assert.Equal(t, "10.0.0.1", conflicts[0].LostIP)

	assert.Equal(t, "10.0.0.9", merged["aa:01"].IP, "newer observation wins")
	assert.Equal(t, "sw1", merged["aa:01"].Hostname)
	assert.Len(t, merged, 2)
}

func TestMergeLaterProbeAddsAttributes(t *testing.T) {
	merged, conflicts := mergeObservations([]probeResult{
		{probe: "arp", observations: []Observation{{MAC: "aa:01", IP: "10.0.0.1", Attributes: map[string]string{"vendor": "acme"}}}},
		{probe: "snmp", observations: []Observation{{MAC: "aa:01", IP: "10.0.0.1", Attributes: map[string]string{"model": "x9"}}}},
	})
	assert.Empty(t, conflicts)
	assert.Equal(t, map[string]string{"vendor": "acme", "model": "x9"}, merged["aa:01"].Attributes)
}

func TestDetectorAbsenceThreshold(t *testing.T) {
	d := NewDetector(2)

	both := map[string]Observation{"aa:01": obs("aa:01", "10.0.0.1"), "aa:02": obs("aa:02", "10.0.0.2")}
	delta := d.Observe(both)
	assert.Equal(t, []string{"aa:01", "aa:02"}, delta.New)

	// One flaky absence does not inactivate.
	only1 := map[string]Observation{"aa:01": obs("aa:01", "10.0.0.1")}
	delta = d.Observe(only1)
	assert.Empty(t, delta.Inactive)

	// Second consecutive absence does.
	delta = d.Observe(only1)
	assert.Equal(t, []string{"aa:02"}, delta.Inactive)

	// Inactive is reported once, not every cycle.
	delta = d.Observe(only1)
	assert.Empty(t, delta.Inactive)

	// Reappearance counts as an update and resets the counter.
	delta = d.Observe(both)
	assert.Equal(t, []string{"aa:02"}, delta.Updated)
	assert.Empty(t, delta.New)
}

func TestDetectorFlakyAbsenceResets(t *testing.T) {
	d := NewDetector(2)
	full := map[string]Observation{"aa:01": obs("aa:01", "10.0.0.1")}
	empty := map[string]Observation{}

	d.Observe(full)
	assert.Empty(t, d.Observe(empty).Inactive)
	d.Observe(full)
	// Counter reset: one more absence is again below the threshold.
	assert.Empty(t, d.Observe(empty).Inactive)
	assert.Equal(t, []string{"aa:01"}, d.Observe(empty).Inactive)
}

func TestDetectorAttributeChangeIsUpdate(t *testing.T) {
	d := NewDetector(2)
	d.Observe(map[string]Observation{"aa:01": obs("aa:01", "10.0.0.1")})
	delta := d.Observe(map[string]Observation{"aa:01": obs("aa:01", "10.0.0.5")})
	assert.Equal(t, []string{"aa:01"}, delta.Updated)
	assert.Empty(t, delta.New)
}

func TestOrchestratorCycle(t *testing.T) {
	var events []*model.Event
	sink := func(ctx context.Context, e *model.Event) { events = append(events, e) }

	o := NewOrchestrator("local_cntl_zone-A_1", Target{Region: "zone-A", Subnet: "10.0.0.0/24"},
		[]Probe{
			&fakeProbe{name: "arp", results: []Observation{obs("aa:01", "10.0.0.1"), obs("aa:02", "10.0.0.2")}},
			&fakeProbe{name: "snmp", results: []Observation{{MAC: "aa:01", IP: "10.0.0.9", Hostname: "sw1"}}},
			&fakeProbe{name: "icmp", execErr: errors.New("timed out")},
		}, sink).WithWorkers(2)

	report, err := o.RunCycle(context.Background())
	require.NoError(t, err, "one failing probe does not abort the cycle")

	assert.Equal(t, int64(1), report.Cycle)
	assert.Equal(t, "zone-A", report.Region)
	require.Len(t, report.Devices, 2)
	assert.Equal(t, []string{"aa:01", "aa:02"}, report.Delta.New)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventMACConflict, events[0].EventType)
}

func TestOrchestratorCancellationYieldsPartialReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &haltingProbe{
		name:    "arp",
		partial: []Observation{obs("aa:01", "10.0.0.1")},
		started: make(chan struct{}),
	}
	o := NewOrchestrator("local_cntl_zone-A_1", Target{Region: "zone-A"}, []Probe{p}, nil)

	go func() {
		<-p.started
		cancel()
	}()

	report, err := o.RunCycle(ctx)
	require.NoError(t, err, "cancellation is not a probe failure")
	assert.True(t, report.Cancelled)
	require.Len(t, report.Devices, 1, "observations gathered before the cancel survive")
	assert.Equal(t, "aa:01", report.Devices[0].MAC)
	assert.Empty(t, report.Delta.Inactive, "a cut-short sweep must not inactivate devices")
}

func TestOrchestratorAllProbesFailing(t *testing.T) {
	o := NewOrchestrator("local_cntl_zone-A_1", Target{Region: "zone-A"},
		[]Probe{&fakeProbe{name: "arp", execErr: errors.New("down")}}, nil)
	_, err := o.RunCycle(context.Background())
	assert.Error(t, err)
}

func openStore(t *testing.T) *nib.Store {
	t.Helper()
	s, err := nib.Open(filepath.Join(t.TempDir(), "nib.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSinkNewDevicesQuarantined(t *testing.T) {
	store := openStore(t)
	sink := NewSink("regional_cntl_zone-A_1", "zone-A", store)

	ack, err := sink.Apply(context.Background(), &Report{
		LCID:    "local_cntl_zone-A_1",
		Region:  "zone-A",
		Cycle:   1,
		Devices: []Observation{obs("aa:01", "10.0.0.1")},
		Delta:   Delta{New: []string{"aa:01"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Accepted)
	assert.Empty(t, ack.Collisions)

	d, err := store.GetDeviceByMAC(context.Background(), "zone-A", "aa:01")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceQuarantined, d.Status, "graduation needs an explicit policy decision")
	assert.Equal(t, "local_cntl_zone-A_1", d.LastSeenBy)
}

func TestSinkUpdateBumpsVersion(t *testing.T) {
	store := openStore(t)
	sink := NewSink("regional_cntl_zone-A_1", "zone-A", store)
	ctx := context.Background()

	_, err := sink.Apply(ctx, &Report{LCID: "local_cntl_zone-A_1", Region: "zone-A", Cycle: 1,
		Devices: []Observation{obs("aa:01", "10.0.0.1")}})
	require.NoError(t, err)

	_, err = sink.Apply(ctx, &Report{LCID: "local_cntl_zone-A_1", Region: "zone-A", Cycle: 2,
		Devices: []Observation{{MAC: "aa:01", IP: "10.0.0.5", Hostname: "sw1"}}})
	require.NoError(t, err)

	d, err := store.GetDeviceByMAC(ctx, "zone-A", "aa:01")
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Version)
	assert.Equal(t, "10.0.0.5", d.IP)
	assert.Equal(t, "sw1", d.Hostname)
}

func TestSinkMACCollisionAcrossLCs(t *testing.T) {
	store := openStore(t)
	sink := NewSink("regional_cntl_zone-A_1", "zone-A", store)
	ctx := context.Background()

	_, err := sink.Apply(ctx, &Report{LCID: "local_cntl_zone-A_1", Region: "zone-A", Cycle: 1,
		Devices: []Observation{obs("aa:01", "10.0.0.1")}})
	require.NoError(t, err)

	ack, err := sink.Apply(ctx, &Report{LCID: "local_cntl_zone-A_2", Region: "zone-A", Cycle: 1,
		Devices: []Observation{obs("aa:01", "10.0.0.1")}})
	require.NoError(t, err)
	assert.Equal(t, []string{"aa:01"}, ack.Collisions)

	n, err := store.CountEvents(ctx, nib.EventFilter{EventType: model.EventMACCollision})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	d, err := store.GetDeviceByMAC(ctx, "zone-A", "aa:01")
	require.NoError(t, err)
	assert.Equal(t, "local_cntl_zone-A_2", d.LastSeenBy, "newer observation wins")
}

func TestSinkDeactivatesOnDelta(t *testing.T) {
	store := openStore(t)
	sink := NewSink("regional_cntl_zone-A_1", "zone-A", store)
	ctx := context.Background()

	_, err := sink.Apply(ctx, &Report{LCID: "local_cntl_zone-A_1", Region: "zone-A", Cycle: 1,
		Devices: []Observation{obs("aa:01", "10.0.0.1")}})
	require.NoError(t, err)

	ack, err := sink.Apply(ctx, &Report{LCID: "local_cntl_zone-A_1", Region: "zone-A", Cycle: 3,
		Delta: Delta{Inactive: []string{"aa:01"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Inactivated)

	_, err = store.GetDeviceByMAC(ctx, "zone-A", "aa:01")
	assert.ErrorIs(t, err, nib.ErrNotFound, "inactive devices leave the mac namespace")
}

func TestSinkRejectsForeignRegion(t *testing.T) {
	store := openStore(t)
	sink := NewSink("regional_cntl_zone-A_1", "zone-A", store)
	_, err := sink.Apply(context.Background(), &Report{LCID: "lc", Region: "zone-B", Cycle: 1})
	assert.Error(t, err)
}

func TestSinkRedeliveryIsIdempotent(t *testing.T) {
	store := openStore(t)
	sink := NewSink("regional_cntl_zone-A_1", "zone-A", store)
	ctx := context.Background()

	report := &Report{LCID: "local_cntl_zone-A_1", Region: "zone-A", Cycle: 1,
		Devices: []Observation{obs("aa:01", "10.0.0.1")}}
	_, err := sink.Apply(ctx, report)
	require.NoError(t, err)
	_, err = sink.Apply(ctx, report)
	require.NoError(t, err)

	devices, err := store.QueryDevices(ctx, "zone-A")
	require.NoError(t, err)
	assert.Len(t, devices, 1, "redelivery must not duplicate devices")
}
