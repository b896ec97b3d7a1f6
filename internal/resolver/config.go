package resolver

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Config controls tie-breaking and numeric merging.
type Config struct {
	// DefaultTolerance is the max-min spread under which numeric candidates
	// are averaged when no per-field tolerance is set.
	DefaultTolerance float64                `yaml:"default_tolerance"`
	Priorities       []string               `yaml:"priorities"`
	Fields           map[string]FieldConfig `yaml:"fields"`
}

// FieldConfig overrides resolution settings for one field.
type FieldConfig struct {
	Tolerance *float64 `yaml:"tolerance,omitempty"`
}

// DefaultConfig returns the built-in resolver settings. The offline
// connectors are unranked peers; their ties fall through to averaging or a
// flagged disagreement.
func DefaultConfig() *Config {
	return &Config{
		DefaultTolerance: 0.01,
		Priorities:       []string{"remote", "census-geographies"},
		Fields: map[string]FieldConfig{
			"elevation_m":  {Tolerance: floatPtr(1.0)},
			"heat_index_c": {Tolerance: floatPtr(0.5)},
		},
	}
}

func floatPtr(v float64) *float64 {
	return &v
}

// LoadConfig reads resolver config from a YAML file with a top-level
// "resolver" key. Unset values keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "resolver: read config %s", path)
	}

	wrapper := struct {
		Resolver *Config `yaml:"resolver"`
	}{Resolver: DefaultConfig()}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "resolver: parse config")
	}

	cfg := wrapper.Resolver
	if cfg.Fields == nil {
		cfg.Fields = map[string]FieldConfig{}
	}
	if cfg.DefaultTolerance < 0 {
		return nil, eris.Errorf("resolver: default_tolerance %g is negative", cfg.DefaultTolerance)
	}
	for name, fc := range cfg.Fields {
		if fc.Tolerance != nil && *fc.Tolerance < 0 {
			return nil, eris.Errorf("resolver: tolerance for %s is negative", name)
		}
	}
	return cfg, nil
}

// Tolerance returns the merge tolerance for a field.
func (c *Config) Tolerance(field string) float64 {
	if fc, ok := c.Fields[field]; ok && fc.Tolerance != nil {
		return *fc.Tolerance
	}
	return c.DefaultTolerance
}

// Rank returns the position of source in the priority list. Unranked
// sources rank after every listed one.
func (c *Config) Rank(source string) int {
	for i, s := range c.Priorities {
		if s == source {
			return i
		}
	}
	return len(c.Priorities)
}
