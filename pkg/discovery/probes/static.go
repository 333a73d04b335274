package probes

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/pdsno/pdsno/pkg/discovery"
)

// Static reports a fixed inventory declared in the profile. It exists for
// lab setups and for devices that never answer a probe, e.g. one-way
// telemetry taps.
type Static struct {
	entries []discovery.Observation
	found   []discovery.Observation
}

// newStatic parses params["devices"], a comma-separated list of mac=ip
// entries, with params["device_role"] applied to all of them.
func newStatic(params map[string]string) (discovery.Probe, error) {
	raw := params["devices"]
	if raw == "" {
		return nil, fmt.Errorf("static probe requires a devices param")
	}
	role := params["device_role"]

	var entries []discovery.Observation
	for _, item := range strings.Split(raw, ",") {
		mac, ip, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok || mac == "" || ip == "" {
			return nil, fmt.Errorf("malformed device entry %q, want mac=ip", item)
		}
		if _, err := netip.ParseAddr(ip); err != nil {
			return nil, fmt.Errorf("device entry %q: %w", item, err)
		}
		entries = append(entries, discovery.Observation{
			MAC:        strings.ToLower(mac),
			IP:         ip,
			DeviceRole: role,
			Attributes: map[string]string{"source": "static"},
		})
	}
	return &Static{entries: entries}, nil
}

func (p *Static) Name() string { return "static" }

// Initialize keeps only the entries inside the target subnet.
func (p *Static) Initialize(_ context.Context, target discovery.Target) error {
	prefix, err := netip.ParsePrefix(target.Subnet)
	if err != nil {
		return fmt.Errorf("parse subnet %q: %w", target.Subnet, err)
	}
	p.found = nil
	for _, obs := range p.entries {
		addr, err := netip.ParseAddr(obs.IP)
		if err == nil && prefix.Contains(addr) {
			p.found = append(p.found, obs)
		}
	}
	return nil
}

func (p *Static) Execute(context.Context) ([]discovery.Observation, error) {
	return p.found, nil
}

func (p *Static) Finalize() ([]discovery.Observation, error) {
	return p.found, nil
}
