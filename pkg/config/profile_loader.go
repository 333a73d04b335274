package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// RegionProfile describes one region's discovery and policy setup. Profiles
// are operator-authored YAML, validated against a schema before use.
type RegionProfile struct {
	Name      string          `yaml:"name" json:"name"`
	Region    string          `yaml:"region" json:"region"`
	Subnet    string          `yaml:"subnet" json:"subnet"`
	Probes    []ProbeConfig   `yaml:"probes" json:"probes"`
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`
	Policy    PolicyConfig    `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// ProbeConfig names a probe adapter and its settings.
type ProbeConfig struct {
	Name   string            `yaml:"name" json:"name"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// DiscoveryConfig tunes the per-region discovery orchestrator.
type DiscoveryConfig struct {
	Workers       int `yaml:"workers,omitempty" json:"workers,omitempty"`
	AbsenceCycles int `yaml:"absence_cycles,omitempty" json:"absence_cycles,omitempty"`
}

// PolicyConfig seeds the region's classification policy.
type PolicyConfig struct {
	PolicyID string   `yaml:"policy_id" json:"policy_id"`
	SemVer   string   `yaml:"semver" json:"semver"`
	Rules    []string `yaml:"rules" json:"rules"`
}

const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["region", "subnet", "probes"],
  "properties": {
    "name": {"type": "string"},
    "region": {"type": "string", "minLength": 1},
    "subnet": {"type": "string", "pattern": "^[0-9a-fA-F.:]+/[0-9]+$"},
    "probes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "params": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }
    },
    "discovery": {
      "type": "object",
      "properties": {
        "workers": {"type": "integer", "minimum": 1},
        "absence_cycles": {"type": "integer", "minimum": 1}
      }
    },
    "policy": {
      "type": "object",
      "required": ["policy_id", "semver", "rules"],
      "properties": {
        "policy_id": {"type": "string", "minLength": 1},
        "semver": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+"},
        "rules": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

var compiledProfileSchema = jsonschema.MustCompileString("region_profile.json", profileSchema)

// LoadProfile loads and validates the profile for one region. Profiles live
// at <dir>/region_<code>.yaml.
func LoadProfile(profileDir, region string) (*RegionProfile, error) {
	path := filepath.Join(profileDir, fmt.Sprintf("region_%s.yaml", strings.ToLower(region)))
	return loadProfileFile(path)
}

// LoadAllProfiles loads every region_*.yaml under the profile directory,
// keyed by region.
func LoadAllProfiles(profileDir string) (map[string]*RegionProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profileDir, "region_*.yaml"))
	if err != nil {
		return nil, err
	}
	profiles := make(map[string]*RegionProfile, len(matches))
	for _, path := range matches {
		p, err := loadProfileFile(path)
		if err != nil {
			return nil, err
		}
		profiles[p.Region] = p
	}
	return profiles, nil
}

func loadProfileFile(path string) (*RegionProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := validateProfile(raw); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}

	var profile RegionProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &profile, nil
}

// validateProfile runs the schema over the decoded document. The YAML value
// tree is round-tripped through JSON so the validator sees JSON types.
func validateProfile(raw map[string]any) error {
	buf, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("normalize profile: %w", err)
	}
	var doc any
	if err := json.Unmarshal(buf, &doc); err != nil {
		return fmt.Errorf("normalize profile: %w", err)
	}
	if err := compiledProfileSchema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
