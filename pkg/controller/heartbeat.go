package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pdsno/pdsno/pkg/envelope"
	"github.com/pdsno/pdsno/pkg/transport"
)

// DefaultHeartbeatInterval is the gap between heartbeat publications.
const DefaultHeartbeatInterval = 10 * time.Second

// SuspectAfterMissed is how many consecutive heartbeats a peer may miss
// before the monitor marks it suspect.
const SuspectAfterMissed = 3

// StartHeartbeats publishes this controller's heartbeat on
// pdsno/heartbeat/<region>/<id> until the context is cancelled.
func (r *Runtime) StartHeartbeats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	topic := transport.Topic(envelope.CategoryHeartbeat, r.heartbeatRegion(), r.id)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				payload := map[string]any{
					"controller_id": r.id,
					"role":          string(r.role),
					"sent_at":       r.clock().UTC().Format(time.RFC3339Nano),
				}
				if err := r.Publish(ctx, topic, envelope.TypeHeartbeat, payload); err != nil {
					r.logger.Warn("heartbeat publish failed", "error", err)
				}
			}
		}
	}()
}

func (r *Runtime) heartbeatRegion() string {
	if r.region == "" {
		return "global"
	}
	return r.region
}

// SuspectFunc is notified when a peer transitions to or from suspect.
type SuspectFunc func(controllerID string, suspect bool)

// Monitor tracks peer liveness from heartbeats. Heartbeats are
// at-most-once, so a single miss means nothing; three in a row marks the
// peer suspect until it is heard from again.
type Monitor struct {
	interval time.Duration
	onChange SuspectFunc
	clock    func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
	suspect  map[string]bool
}

// NewMonitor creates a liveness monitor; interval must match the fleet's
// heartbeat interval.
func NewMonitor(interval time.Duration, onChange SuspectFunc) *Monitor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Monitor{
		interval: interval,
		onChange: onChange,
		clock:    time.Now,
		logger:   slog.Default().With("component", "controller.monitor"),
		lastSeen: make(map[string]time.Time),
		suspect:  make(map[string]bool),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// Observe records a heartbeat from a peer.
func (m *Monitor) Observe(controllerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[controllerID] = m.clock()
	if m.suspect[controllerID] {
		delete(m.suspect, controllerID)
		m.logger.Info("controller recovered", "controller_id", controllerID)
		if m.onChange != nil {
			m.onChange(controllerID, false)
		}
	}
}

// Sweep marks peers silent for SuspectAfterMissed intervals as suspect and
// returns the newly suspect IDs.
func (m *Monitor) Sweep() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadline := m.clock().Add(-time.Duration(SuspectAfterMissed) * m.interval)
	var newly []string
	for id, seen := range m.lastSeen {
		if seen.After(deadline) || m.suspect[id] {
			continue
		}
		m.suspect[id] = true
		newly = append(newly, id)
		m.logger.Warn("controller suspect", "controller_id", id, "last_seen", seen)
		if m.onChange != nil {
			m.onChange(id, true)
		}
	}
	return newly
}

// Suspect reports whether a peer is currently suspect.
func (m *Monitor) Suspect(controllerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspect[controllerID]
}

// Run subscribes the monitor to the heartbeat topic tree and sweeps
// periodically until the context is cancelled. Heartbeats run through the
// runtime's broadcast verification first; liveness must not be refreshable
// by an envelope that merely claims a sender_id.
func (m *Monitor) Run(ctx context.Context, rt *Runtime) (func(), error) {
	pattern := transport.Topic(envelope.CategoryHeartbeat, "+", "+")
	unsubscribe, err := rt.selector.Subscribe(ctx, pattern, func(ctx context.Context, topic string, env *envelope.Envelope) {
		if err := rt.VerifyBroadcast(ctx, env); err != nil {
			m.logger.Warn("discarding unverifiable heartbeat", "topic", topic, "error", err)
			return
		}
		m.Observe(env.SenderID)
	})
	if err != nil {
		return nil, err
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
	return func() { cancel(); unsubscribe() }, nil
}
