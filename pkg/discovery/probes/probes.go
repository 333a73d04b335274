// Package probes provides the built-in discovery probe adapters. Each
// adapter implements the discovery.Probe lifecycle; which adapters run in a
// region is declared in its profile.
package probes

import (
	"fmt"

	"github.com/pdsno/pdsno/pkg/config"
	"github.com/pdsno/pdsno/pkg/discovery"
)

// Factory builds one probe instance from its profile params.
type Factory func(params map[string]string) (discovery.Probe, error)

var factories = map[string]Factory{
	"arptable": newARPTable,
	"static":   newStatic,
}

// Build instantiates the probes a region profile names.
func Build(cfgs []config.ProbeConfig) ([]discovery.Probe, error) {
	out := make([]discovery.Probe, 0, len(cfgs))
	for _, c := range cfgs {
		factory, ok := factories[c.Name]
		if !ok {
			return nil, fmt.Errorf("unknown probe %q", c.Name)
		}
		p, err := factory(c.Params)
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", c.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}
