package controller

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdsno/pdsno/pkg/admission"
	"github.com/pdsno/pdsno/pkg/approval"
	"github.com/pdsno/pdsno/pkg/crypto"
	"github.com/pdsno/pdsno/pkg/discovery"
	"github.com/pdsno/pdsno/pkg/envelope"
	"github.com/pdsno/pdsno/pkg/model"
	"github.com/pdsno/pdsno/pkg/nib"
	"github.com/pdsno/pdsno/pkg/transport"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

const (
	gcID = "global_cntl_1"
	rcID = "regional_cntl_zone-A_1"
	lcID = "local_cntl_zone-A_1"
)

type fixture struct {
	t        *testing.T
	store    *nib.Store
	keyring  *crypto.Keyring
	bus      *transport.Bus
	selector *transport.Selector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := nib.Open(filepath.Join(t.TempDir(), "nib.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	keyring, err := crypto.NewKeyring(testSecret, time.Minute)
	require.NoError(t, err)

	bus := transport.NewBus()
	return &fixture{
		t:        t,
		store:    store,
		keyring:  keyring,
		bus:      bus,
		selector: transport.NewSelector(bus, nil, nil),
	}
}

// runtime creates a controller core and registers it on the bus behind the
// verification step, the way a deployed node fronts its dispatcher.
func (f *fixture) runtime(id string, role model.Role, region string) *Runtime {
	f.t.Helper()
	auth := envelope.NewAuthenticator(envelope.NewMemoryNonceStore(1024))
	rt, err := NewRuntime(id, role, region, f.store, f.keyring, auth, f.selector)
	require.NoError(f.t, err)
	f.bus.Register(id, func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		if err := rt.Verify(ctx, env); err != nil {
			return nil, err
		}
		return rt.Dispatch(ctx, env)
	})
	return rt
}

func (f *fixture) key() *crypto.IdentityKey {
	f.t.Helper()
	k, err := crypto.NewIdentityKey()
	require.NoError(f.t, err)
	return k
}

func TestSealVerifyRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.runtime(rcID, model.RoleRegional, "zone-A")
	b := f.runtime(lcID, model.RoleLocal, "zone-A")

	env, err := a.Seal(b.ID(), envelope.TypeHeartbeat, map[string]any{"n": float64(1)})
	require.NoError(t, err)
	require.NoError(t, b.Verify(ctx, env))

	// The nonce is spent; redelivery is a replay.
	assert.ErrorIs(t, b.Verify(ctx, env), envelope.ErrReplay)

	tampered, err := a.Seal(b.ID(), envelope.TypeHeartbeat, map[string]any{"n": float64(1)})
	require.NoError(t, err)
	tampered.Payload["n"] = float64(2)
	assert.ErrorIs(t, b.Verify(ctx, tampered), envelope.ErrBadSignature)
}

func TestVerifyAcceptsPreRotationKeyInsideGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.runtime(rcID, model.RoleRegional, "zone-A")
	b := f.runtime(lcID, model.RoleLocal, "zone-A")

	env, err := a.Seal(b.ID(), envelope.TypeHeartbeat, map[string]any{"n": float64(1)})
	require.NoError(t, err)

	require.NoError(t, f.keyring.Rotate([]byte("fedcba9876543210fedcba9876543210")))
	assert.NoError(t, b.Verify(ctx, env), "in-flight envelopes must survive a rotation")
}

func TestSendDispatchesToHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.runtime(lcID, model.RoleLocal, "zone-A")
	b := f.runtime(rcID, model.RoleRegional, "zone-A")

	b.Handle(envelope.TypeConfigProposal, func(_ context.Context, senderID string, payload map[string]any) (map[string]any, string, error) {
		return map[string]any{"echo": payload["ping"], "from": senderID}, envelope.TypeConfigApproval, nil
	})

	resp, err := a.Send(ctx, b.ID(), envelope.TypeConfigProposal, map[string]any{"ping": "pong"})
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeConfigApproval, resp.MessageType)
	assert.Equal(t, "pong", resp.Payload["echo"])
	assert.Equal(t, lcID, resp.Payload["from"])

	_, err = a.Send(ctx, b.ID(), envelope.TypeChallenge, map[string]any{})
	assert.Error(t, err, "unhandled message types must not be silently dropped")
}

func TestBroadcastVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.runtime(gcID, model.RoleGlobal, "")
	b := f.runtime(rcID, model.RoleRegional, "zone-A")

	var mu sync.Mutex
	var got []string
	b.Handle(envelope.TypeHeartbeat, func(_ context.Context, senderID string, _ map[string]any) (map[string]any, string, error) {
		mu.Lock()
		got = append(got, senderID)
		mu.Unlock()
		return nil, "", nil
	})
	stop, err := b.SubscribeBroadcast(ctx, transport.Topic(envelope.CategoryHeartbeat, "+", "+"))
	require.NoError(t, err)
	defer stop()

	topic := transport.Topic(envelope.CategoryHeartbeat, "global", a.ID())
	require.NoError(t, a.Publish(ctx, topic, envelope.TypeHeartbeat, map[string]any{"x": "y"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{gcID}, got)
}

func TestMonitorSuspectAfterThreeMissed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var changes []string
	m := NewMonitor(10*time.Second, func(id string, suspect bool) {
		if suspect {
			changes = append(changes, id+":suspect")
		} else {
			changes = append(changes, id+":recovered")
		}
	}).WithClock(func() time.Time { return now })

	m.Observe("lc-1")

	now = now.Add(25 * time.Second)
	assert.Empty(t, m.Sweep(), "two missed intervals are tolerated")
	assert.False(t, m.Suspect("lc-1"))

	now = now.Add(10 * time.Second)
	assert.Equal(t, []string{"lc-1"}, m.Sweep())
	assert.True(t, m.Suspect("lc-1"))
	assert.Empty(t, m.Sweep(), "a suspect peer is reported once")

	m.Observe("lc-1")
	assert.False(t, m.Suspect("lc-1"))
	assert.Equal(t, []string{"lc-1:suspect", "lc-1:recovered"}, changes)
}

func TestMonitorObservesPublishedHeartbeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.runtime(lcID, model.RoleLocal, "zone-A")
	observer := f.runtime(rcID, model.RoleRegional, "zone-A")

	now := time.Now()
	m := NewMonitor(10*time.Second, nil).WithClock(func() time.Time { return now })
	stop, err := m.Run(ctx, observer)
	require.NoError(t, err)
	defer stop()

	topic := transport.Topic(envelope.CategoryHeartbeat, "zone-A", a.ID())
	require.NoError(t, a.Publish(ctx, topic, envelope.TypeHeartbeat, map[string]any{"controller_id": a.ID()}))

	now = now.Add(35 * time.Second)
	assert.Equal(t, []string{lcID}, m.Sweep(), "the published heartbeat must have been observed")
}

func TestMonitorIgnoresForgedHeartbeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.runtime(lcID, model.RoleLocal, "zone-A")
	observer := f.runtime(rcID, model.RoleRegional, "zone-A")

	now := time.Now()
	m := NewMonitor(10*time.Second, nil).WithClock(func() time.Time { return now })
	stop, err := m.Run(ctx, observer)
	require.NoError(t, err)
	defer stop()

	topic := transport.Topic(envelope.CategoryHeartbeat, "zone-A", a.ID())
	require.NoError(t, a.Publish(ctx, topic, envelope.TypeHeartbeat, map[string]any{"controller_id": a.ID()}))

	// An attacker claiming the peer's identity without its pair key must not
	// keep the peer alive: one envelope unsigned, one with a bad signature.
	now = now.Add(25 * time.Second)
	unsigned := envelope.New(a.ID(), topic, envelope.TypeHeartbeat, map[string]any{"controller_id": a.ID()})
	require.NoError(t, f.selector.Publish(ctx, topic, unsigned))

	tampered, err := a.Seal(topic, envelope.TypeHeartbeat, map[string]any{"controller_id": a.ID()})
	require.NoError(t, err)
	tampered.Payload["controller_id"] = "someone-else"
	require.NoError(t, f.selector.Publish(ctx, topic, tampered))

	now = now.Add(10 * time.Second)
	assert.Equal(t, []string{lcID}, m.Sweep(), "forged heartbeats must not refresh liveness")
	assert.True(t, m.Suspect(lcID))
}

// admissionFixture builds a global controller that can admit, plus the raw
// key material a joining node starts from.
type admissionFixture struct {
	*fixture
	gcKey    *crypto.IdentityKey
	global   *Global
	globalRT *Runtime
}

func newAdmissionFixture(t *testing.T) *admissionFixture {
	f := newFixture(t)
	gcKey := f.key()

	gcRT := f.runtime(gcID, model.RoleGlobal, "")
	parent, err := admission.NewParent(gcID, model.RoleGlobal, "", f.store, testSecret, gcKey)
	require.NoError(t, err)

	classifier, err := approval.NewClassifier(testPolicy())
	require.NoError(t, err)
	engine, err := approval.NewEngine(gcID, model.RoleGlobal, f.store, classifier, gcKey)
	require.NoError(t, err)

	return &admissionFixture{
		fixture:  f,
		gcKey:    gcKey,
		global:   NewGlobal(gcRT, parent, engine),
		globalRT: gcRT,
	}
}

func testPolicy() *model.Policy {
	return &model.Policy{
		PolicyID: "classification",
		SemVer:   "1.0.0",
		Rules: []string{
			`HIGH "backbone" in device_roles`,
			`MEDIUM target_devices > 1`,
		},
	}
}

func TestAdmissionOverBus(t *testing.T) {
	f := newAdmissionFixture(t)
	ctx := context.Background()

	candKey := f.key()
	cand, err := admission.NewCandidate("tmp-rc-1", model.RoleRegional, "zone-A", candKey, testSecret, f.gcKey.Public(), f.gcKey.Public())
	require.NoError(t, err)

	// Pre-admission, the candidate talks under its temporary identity.
	candRT := f.runtime("tmp-rc-1", model.RoleRegional, "zone-A")

	payload, err := admission.ToPayload(cand.Request())
	require.NoError(t, err)
	resp, err := candRT.Send(ctx, gcID, envelope.TypeValidationRequest, payload)
	require.NoError(t, err)
	require.Equal(t, envelope.TypeChallenge, resp.MessageType)

	ch, err := admission.FromPayload[admission.Challenge](resp.Payload)
	require.NoError(t, err)
	answer, err := cand.Respond(ch)
	require.NoError(t, err)

	payload, err = admission.ToPayload(answer)
	require.NoError(t, err)
	resp, err = candRT.Send(ctx, gcID, envelope.TypeChallengeResponse, payload)
	require.NoError(t, err)
	require.Equal(t, envelope.TypeValidationResult, resp.MessageType)

	result, err := admission.FromPayload[admission.ValidationResult](resp.Payload)
	require.NoError(t, err)
	identity, err := cand.Accept(result)
	require.NoError(t, err)
	assert.Equal(t, rcID, identity.ControllerID)
	assert.NotEmpty(t, identity.Delegation)

	stored, err := f.store.GetController(ctx, rcID)
	require.NoError(t, err)
	assert.Equal(t, model.ControllerActive, stored.Status)
	assert.Equal(t, gcID, stored.ValidatedBy)
}

// tieredFixture is the full three-tier wiring over the in-process bus.
type tieredFixture struct {
	*admissionFixture
	rcKey    *crypto.IdentityKey
	lcKey    *crypto.IdentityKey
	regional *Regional
	local    *Local
	probe    *staticProbe
}

type staticProbe struct {
	name string
	obs  []discovery.Observation
}

func (p *staticProbe) Name() string { return p.name }

func (p *staticProbe) Initialize(context.Context, discovery.Target) error { return nil }

func (p *staticProbe) Execute(context.Context) ([]discovery.Observation, error) {
	return p.obs, nil
}

func (p *staticProbe) Finalize() ([]discovery.Observation, error) { return p.obs, nil }

func newTieredFixture(t *testing.T) *tieredFixture {
	af := newAdmissionFixture(t)
	f := af.fixture
	rcKey, lcKey := f.key(), f.key()

	classifier, err := approval.NewClassifier(testPolicy())
	require.NoError(t, err)

	rcRT := f.runtime(rcID, model.RoleRegional, "zone-A")
	rcParent, err := admission.NewParent(rcID, model.RoleRegional, "zone-A", f.store, testSecret, rcKey)
	require.NoError(t, err)
	rcEngine, err := approval.NewEngine(rcID, model.RoleRegional, f.store, classifier, rcKey)
	require.NoError(t, err)
	sink := discovery.NewSink(rcID, "zone-A", f.store)
	regional := NewRegional(rcRT, rcParent, rcEngine, sink, gcID)

	keys := map[string]string{
		gcID: af.gcKey.PublicKeyHex(),
		rcID: rcKey.PublicKeyHex(),
		lcID: lcKey.PublicKeyHex(),
	}
	lookup := func(issuerID string) (string, error) {
		pub, ok := keys[issuerID]
		if !ok {
			return "", nib.ErrNotFound
		}
		return pub, nil
	}

	lcRT := f.runtime(lcID, model.RoleLocal, "zone-A")
	probe := &staticProbe{name: "arp", obs: []discovery.Observation{
		{MAC: "aa:bb:cc:00:00:01", IP: "10.0.0.10", Hostname: "sw-edge-1", DeviceRole: "edge"},
	}}
	orch := discovery.NewOrchestrator(lcID, discovery.Target{Region: "zone-A", Subnet: "10.0.0.0/24"}, []discovery.Probe{probe}, nil)
	executor := approval.NewExecutor(lcID, f.store, lookup, lcKey)
	local := NewLocal(lcRT, orch, executor, rcID, "1.0.0")

	return &tieredFixture{
		admissionFixture: af,
		rcKey:            rcKey,
		lcKey:            lcKey,
		regional:         regional,
		local:            local,
		probe:            probe,
	}
}

func (f *tieredFixture) seedDevice(t *testing.T, id, mac, role string) {
	t.Helper()
	_, err := f.store.UpsertDevice(context.Background(), &model.Device{
		DeviceID:   id,
		Region:     "zone-A",
		MAC:        mac,
		IP:         "10.0.0.2",
		DeviceRole: role,
		Status:     model.DeviceActive,
		LastSeenBy: lcID,
		LastSeenAt: time.Now().UTC(),
	}, 0)
	require.NoError(t, err)
}

func TestDiscoveryReportReachesSink(t *testing.T) {
	f := newTieredFixture(t)
	ctx := context.Background()

	stop, err := f.regional.SubscribeDiscovery(ctx)
	require.NoError(t, err)
	defer stop()

	report, err := f.local.RunDiscoveryCycle(ctx)
	require.NoError(t, err)
	require.Len(t, report.Devices, 1)

	device, err := f.store.GetDeviceByMAC(ctx, "zone-A", "aa:bb:cc:00:00:01")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceQuarantined, device.Status)
	assert.Equal(t, lcID, device.LastSeenBy)
	assert.Equal(t, "sw-edge-1", device.Hostname)
}

func TestProposalApprovalExecutionRoundTrip(t *testing.T) {
	f := newTieredFixture(t)
	ctx := context.Background()
	f.seedDevice(t, "dev-01", "aa:bb:cc:00:00:99", "edge")

	req, outcome, err := f.local.Propose(ctx, map[string]any{"vlan": 120}, []string{"dev-01"}, model.SensitivityLow)
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, outcome.State)
	assert.Equal(t, model.SensitivityLow, outcome.Sensitivity)
	require.NotNil(t, outcome.Token)
	assert.Equal(t, rcID, outcome.Token.IssuerID)
	assert.Equal(t, model.StateApproved, req.State)

	var applied []string
	out, err := f.local.Execute(ctx, req, outcome.Token, func(_ context.Context, deviceID string) error {
		applied = append(applied, deviceID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateSucceeded, out.State)
	assert.Equal(t, []string{"dev-01"}, applied)
	require.NotNil(t, out.TokenConsumedAt)

	// The token is spent.
	_, err = f.local.Execute(ctx, out, outcome.Token, func(context.Context, string) error { return nil })
	assert.ErrorIs(t, err, approval.ErrTokenConsumed)
}

func TestHighSensitivityEscalatesOverBus(t *testing.T) {
	f := newTieredFixture(t)
	ctx := context.Background()
	f.seedDevice(t, "dev-03", "aa:bb:cc:00:00:03", "backbone")

	_, outcome, err := f.local.Propose(ctx, map[string]any{"routing": "ospf"}, []string{"dev-03"}, model.SensitivityLow)
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, outcome.State)
	assert.Equal(t, model.SensitivityHigh, outcome.Sensitivity)
	require.NotNil(t, outcome.Token)
	assert.Equal(t, gcID, outcome.Token.IssuerID, "HIGH changes are approved by the global tier")
}

func TestRejectionRelayedToProposer(t *testing.T) {
	f := newTieredFixture(t)
	ctx := context.Background()
	f.seedDevice(t, "dev-01", "aa:bb:cc:00:00:99", "edge")

	// A stale policy version must come back as a rejection, not an error.
	lcRT := f.local.Runtime
	stale := NewLocal(lcRT, f.local.orchestrator, f.local.executor, rcID, "0.9.0")
	req, outcome, err := stale.Propose(ctx, map[string]any{"vlan": 7}, []string{"dev-01"}, model.SensitivityLow)
	require.NoError(t, err)
	assert.Equal(t, model.StateRejected, outcome.State)
	assert.NotEmpty(t, outcome.Reason)
	assert.Equal(t, model.StateRejected, req.State)
}

func TestEmergencyProposalSelfApproves(t *testing.T) {
	f := newTieredFixture(t)
	ctx := context.Background()
	f.seedDevice(t, "dev-01", "aa:bb:cc:00:00:99", "edge")

	req, outcome, err := f.local.Propose(ctx, map[string]any{"shutdown": "port-7"}, []string{"dev-01"}, model.SensitivityEmergency)
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, outcome.State)
	require.NotNil(t, outcome.Token)
	assert.Equal(t, lcID, outcome.Token.IssuerID, "emergency tokens are self-issued")
	assert.True(t, req.RequiresReview)

	out, err := f.local.Execute(ctx, req, outcome.Token, func(context.Context, string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, model.StateSucceeded, out.State)
	assert.True(t, out.RequiresReview, "execution must not clear the review flag")
}

func TestPolicyBroadcastApplied(t *testing.T) {
	f := newTieredFixture(t)
	ctx := context.Background()

	stopRC, err := SubscribePolicy(ctx, f.regional.Runtime)
	require.NoError(t, err)
	defer stopRC()
	stopLC, err := SubscribePolicy(ctx, f.local.Runtime)
	require.NoError(t, err)
	defer stopLC()

	policy := testPolicy()
	policy.SemVer = "1.1.0"
	require.NoError(t, f.global.BroadcastPolicy(ctx, policy))

	stored, err := f.store.GetPolicy(ctx, policy.PolicyID)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", stored.SemVer)

	applied, err := f.store.CountEvents(ctx, nib.EventFilter{EventType: model.EventPolicyApplied})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, applied, int64(1))
}
