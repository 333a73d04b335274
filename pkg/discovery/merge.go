package discovery

// Conflict records two probes disagreeing about a MAC's address. The later
// observation wins for the cycle; both sides are preserved in the event
// stream.
type Conflict struct {
	MAC      string `json:"mac"`
	KeptIP   string `json:"kept_ip"`
	LostIP   string `json:"lost_ip"`
	KeptFrom string `json:"kept_from"`
	LostFrom string `json:"lost_from"`
}

type sourced struct {
	obs   Observation
	probe string
}

// mergeObservations folds per-probe observations into one device set keyed
// by MAC. Later probes may add attributes; a differing MAC/IP pair is a
// conflict and the newer observation replaces the older.
func mergeObservations(batches []probeResult) (map[string]Observation, []Conflict) {
	merged := make(map[string]sourced)
	var conflicts []Conflict

	for _, batch := range batches {
		for _, obs := range batch.observations {
			prev, seen := merged[obs.MAC]
			if !seen {
				merged[obs.MAC] = sourced{obs: obs, probe: batch.probe}
				continue
			}
			if prev.obs.IP != obs.IP {
				conflicts = append(conflicts, Conflict{
					MAC:      obs.MAC,
					KeptIP:   obs.IP,
					LostIP:   prev.obs.IP,
					KeptFrom: batch.probe,
					LostFrom: prev.probe,
				})
				merged[obs.MAC] = sourced{obs: withMergedAttrs(obs, prev.obs), probe: batch.probe}
				continue
			}
			merged[obs.MAC] = sourced{obs: withMergedAttrs(obs, prev.obs), probe: batch.probe}
		}
	}

	out := make(map[string]Observation, len(merged))
	for mac, s := range merged {
		out[mac] = s.obs
	}
	return out, conflicts
}

// withMergedAttrs keeps the newer observation but fills gaps from the older
// one.
func withMergedAttrs(newer, older Observation) Observation {
	if newer.Hostname == "" {
		newer.Hostname = older.Hostname
	}
	if newer.DeviceRole == "" {
		newer.DeviceRole = older.DeviceRole
	}
	if len(older.Attributes) > 0 {
		attrs := make(map[string]string, len(older.Attributes)+len(newer.Attributes))
		for k, v := range older.Attributes {
			attrs[k] = v
		}
		for k, v := range newer.Attributes {
			attrs[k] = v
		}
		newer.Attributes = attrs
	}
	return newer
}
