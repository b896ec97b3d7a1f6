// Package scoring maps resolved fields to per-scenario risk scores.
package scoring

import (
	"math"
	"strings"

	"github.com/thapasuman5202/Engineering/internal/model"
)

// Func is a pure scoring function. Results are clamped to [0, 1].
type Func func(fields map[string]any, scenario string) float64

// Weights are the hazard index component weights.
type Weights struct {
	Heat       float64 `mapstructure:"heat"`
	Flood      float64 `mapstructure:"flood"`
	Pollution  float64 `mapstructure:"pollution"`
	Impervious float64 `mapstructure:"impervious"`
	// Mitigation is the share of the index greenspace can remove.
	Mitigation float64 `mapstructure:"mitigation"`
}

// Config parameterises the default hazard index.
type Config struct {
	Weights     Weights            `mapstructure:"weights"`
	Multipliers map[string]float64 `mapstructure:"multipliers"`
}

// DefaultMultipliers scale the index per climate scenario. Keys are
// lower-case.
func DefaultMultipliers() map[string]float64 {
	return map[string]float64{
		"baseline":   1.0,
		"historical": 1.0,
		"ssp1_2.6":   1.1,
		"ssp2_4.5":   1.3,
		"rcp4.5":     1.3,
		"ssp5_8.5":   1.8,
		"rcp8.5":     1.8,
	}
}

// DefaultConfig returns the shipped weights and multipliers.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Heat:       0.30,
			Flood:      0.30,
			Pollution:  0.20,
			Impervious: 0.20,
			Mitigation: 0.5,
		},
		Multipliers: DefaultMultipliers(),
	}
}

// Default scores with DefaultConfig.
var Default = New(DefaultConfig())

// New returns a hazard index scoring function. Missing or non-numeric fields
// contribute zero; unknown scenarios use a multiplier of 1.
func New(cfg Config) Func {
	w := cfg.Weights
	mult := make(map[string]float64, len(cfg.Multipliers))
	for k, v := range cfg.Multipliers {
		mult[strings.ToLower(k)] = v
	}

	return func(fields map[string]any, scenario string) float64 {
		heat := clamp01((num(fields, "heat_index_c") - 20) / 25)
		flood := clamp01(num(fields, "flood_depth_m") / 2)
		pollution := clamp01(num(fields, "pm25_ugm3") / 75)
		impervious := clamp01(num(fields, "impervious_pct"))
		green := clamp01(num(fields, "greenspace_pct"))

		h := w.Heat*heat + w.Flood*flood + w.Pollution*pollution + w.Impervious*impervious
		h *= 1 - w.Mitigation*green
		return clamp01(h * Multiplier(mult, scenario))
	}
}

// Multiplier returns the multiplier for scenario, or 1 when unknown.
func Multiplier(mult map[string]float64, scenario string) float64 {
	if m, ok := mult[strings.ToLower(scenario)]; ok {
		return m
	}
	return 1
}

// ScoreAll scores every scenario.
func ScoreAll(fn Func, fields map[string]any, scenarios []string) map[string]float64 {
	out := make(map[string]float64, len(scenarios))
	for _, s := range scenarios {
		out[s] = clamp01(fn(fields, s))
	}
	return out
}

func num(fields map[string]any, name string) float64 {
	f, ok := model.AsFloat(fields[name])
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
