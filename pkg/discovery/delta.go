package discovery

import "sort"

// DefaultAbsenceCycles is how many consecutive cycles a device must be
// missing before it is reported inactive, damping probe flakiness.
const DefaultAbsenceCycles = 2

// Delta summarizes one cycle's changes, each list holding MACs.
type Delta struct {
	New      []string `json:"new,omitempty"`
	Updated  []string `json:"updated,omitempty"`
	Inactive []string `json:"inactive,omitempty"`
}

// Detector compares successive discovery cycles. A device absent for k
// consecutive cycles is reported inactive once; a reappearance resets its
// counter.
type Detector struct {
	k       int
	prev    map[string]Observation
	absent  map[string]int
	retired map[string]bool
}

// NewDetector creates a detector; k <= 0 selects DefaultAbsenceCycles.
func NewDetector(k int) *Detector {
	if k <= 0 {
		k = DefaultAbsenceCycles
	}
	return &Detector{
		k:       k,
		prev:    make(map[string]Observation),
		absent:  make(map[string]int),
		retired: make(map[string]bool),
	}
}

// Observe ingests the merged device set of the current cycle and returns
// its delta against the accumulated history.
func (d *Detector) Observe(current map[string]Observation) Delta {
	var delta Delta

	for mac, obs := range current {
		prev, seen := d.prev[mac]
		wasAbsent := d.absent[mac] > 0 || d.retired[mac]
		delete(d.absent, mac)
		delete(d.retired, mac)
		switch {
		case !seen:
			delta.New = append(delta.New, mac)
		case wasAbsent || changed(prev, obs):
			delta.Updated = append(delta.Updated, mac)
		}
		d.prev[mac] = obs
	}

	for mac := range d.prev {
		if _, present := current[mac]; present || d.retired[mac] {
			continue
		}
		d.absent[mac]++
		if d.absent[mac] >= d.k {
			delta.Inactive = append(delta.Inactive, mac)
			d.retired[mac] = true
			delete(d.absent, mac)
		}
	}

	sort.Strings(delta.New)
	sort.Strings(delta.Updated)
	sort.Strings(delta.Inactive)
	return delta
}

func changed(a, b Observation) bool {
	if a.IP != b.IP || a.Hostname != b.Hostname || a.DeviceRole != b.DeviceRole {
		return true
	}
	if len(a.Attributes) != len(b.Attributes) {
		return true
	}
	for k, v := range a.Attributes {
		if b.Attributes[k] != v {
			return true
		}
	}
	return false
}
