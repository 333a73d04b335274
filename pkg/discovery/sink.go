package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pdsno/pdsno/pkg/model"
	"github.com/pdsno/pdsno/pkg/nib"
)

// GraduationPolicy decides when a quarantined device becomes active. The
// core never graduates on its own; deployments plug in an operator-driven
// policy.
type GraduationPolicy interface {
	Graduate(d *model.Device) bool
}

// NeverGraduate is the default policy: devices stay quarantined until an
// operator intervenes.
type NeverGraduate struct{}

func (NeverGraduate) Graduate(*model.Device) bool { return false }

// Ack is the payload of a DISCOVERY_REPORT_ACK.
type Ack struct {
	LCID        string   `json:"lc_id"`
	Region      string   `json:"region"`
	Cycle       int64    `json:"cycle"`
	Accepted    int      `json:"accepted"`
	Inactivated int      `json:"inactivated"`
	Collisions  []string `json:"collisions,omitempty"`
}

// Sink is the regional side of discovery: it folds incoming reports into
// the NIB, checks MAC uniqueness across the region's local controllers, and
// produces the ack. Handlers are idempotent, so redelivered reports are
// safe.
type Sink struct {
	rcID       string
	region     string
	store      *nib.Store
	graduation GraduationPolicy
	clock      func() time.Time
	logger     *slog.Logger
}

// NewSink creates a sink for one region.
func NewSink(rcID, region string, store *nib.Store) *Sink {
	return &Sink{
		rcID:       rcID,
		region:     region,
		store:      store,
		graduation: NeverGraduate{},
		clock:      time.Now,
		logger:     slog.Default().With("component", "discovery.sink", "rc_id", rcID),
	}
}

// WithGraduation installs a graduation policy.
func (s *Sink) WithGraduation(p GraduationPolicy) *Sink {
	s.graduation = p
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Sink) WithClock(clock func() time.Time) *Sink {
	s.clock = clock
	return s
}

// Apply ingests one report. Device writes use optimistic concurrency with a
// single refetch on conflict; a MAC last seen by a different local
// controller is recorded as a collision event.
func (s *Sink) Apply(ctx context.Context, report *Report) (*Ack, error) {
	if report.Region != s.region {
		return nil, fmt.Errorf("report region %s does not match sink region %s", report.Region, s.region)
	}

	ack := &Ack{LCID: report.LCID, Region: report.Region, Cycle: report.Cycle}
	now := s.clock().UTC()

	for _, obs := range report.Devices {
		collided, err := s.applyObservation(ctx, report.LCID, obs, now)
		if err != nil {
			return nil, err
		}
		if collided {
			ack.Collisions = append(ack.Collisions, obs.MAC)
		}
		ack.Accepted++
	}

	for _, mac := range report.Delta.Inactive {
		done, err := s.deactivate(ctx, mac)
		if err != nil {
			return nil, err
		}
		if done {
			ack.Inactivated++
		}
	}

	return ack, nil
}

func (s *Sink) applyObservation(ctx context.Context, lcID string, obs Observation, now time.Time) (collided bool, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.store.GetDeviceByMAC(ctx, s.region, obs.MAC)
		if errors.Is(err, nib.ErrNotFound) {
			device := &model.Device{
				DeviceID:   "dev_" + uuid.NewString(),
				Region:     s.region,
				MAC:        obs.MAC,
				IP:         obs.IP,
				Hostname:   obs.Hostname,
				DeviceRole: obs.DeviceRole,
				Status:     model.DeviceQuarantined,
				LastSeenBy: lcID,
				LastSeenAt: now,
				Attributes: obs.Attributes,
			}
			if s.graduation.Graduate(device) {
				device.Status = model.DeviceActive
			}
			if _, err := s.store.UpsertDevice(ctx, device, 0); err != nil {
				if _, conflict := nib.IsConflict(err); conflict {
					continue
				}
				return false, fmt.Errorf("insert device %s: %w", obs.MAC, err)
			}
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("lookup mac %s: %w", obs.MAC, err)
		}

		if existing.LastSeenBy != "" && existing.LastSeenBy != lcID {
			collided = true
			s.recordCollision(ctx, lcID, existing, obs)
		}

		updated := *existing
		updated.IP = obs.IP
		if obs.Hostname != "" {
			updated.Hostname = obs.Hostname
		}
		if obs.DeviceRole != "" {
			updated.DeviceRole = obs.DeviceRole
		}
		if len(obs.Attributes) > 0 {
			updated.Attributes = obs.Attributes
		}
		updated.LastSeenBy = lcID
		updated.LastSeenAt = now
		if updated.Status == model.DeviceQuarantined && s.graduation.Graduate(&updated) {
			updated.Status = model.DeviceActive
		}

		if _, err := s.store.UpsertDevice(ctx, &updated, existing.Version); err != nil {
			if _, conflict := nib.IsConflict(err); conflict {
				continue
			}
			return false, fmt.Errorf("update device %s: %w", obs.MAC, err)
		}
		return collided, nil
	}
	return false, fmt.Errorf("device %s: persistent version conflict", obs.MAC)
}

func (s *Sink) deactivate(ctx context.Context, mac string) (bool, error) {
	existing, err := s.store.GetDeviceByMAC(ctx, s.region, mac)
	if errors.Is(err, nib.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup mac %s: %w", mac, err)
	}
	updated := *existing
	updated.Status = model.DeviceInactive
	if _, err := s.store.UpsertDevice(ctx, &updated, existing.Version); err != nil {
		if _, conflict := nib.IsConflict(err); conflict {
			// Somebody else moved the device this cycle; leave it to them.
			return false, nil
		}
		return false, fmt.Errorf("deactivate device %s: %w", mac, err)
	}
	return true, nil
}

func (s *Sink) recordCollision(ctx context.Context, lcID string, existing *model.Device, obs Observation) {
	s.logger.Warn("mac collision across local controllers",
		"mac", obs.MAC, "previous_lc", existing.LastSeenBy, "reporting_lc", lcID)
	err := s.store.AppendEvent(ctx, &model.Event{
		EventID:   uuid.NewString(),
		EventType: model.EventMACCollision,
		ActorID:   s.rcID,
		Timestamp: s.clock(),
		Payload: map[string]any{
			"mac":          obs.MAC,
			"device_id":    existing.DeviceID,
			"previous_lc":  existing.LastSeenBy,
			"reporting_lc": lcID,
			"ip":           obs.IP,
		},
	})
	if err != nil {
		s.logger.Error("collision event append failed", "mac", obs.MAC, "error", err)
	}
}
