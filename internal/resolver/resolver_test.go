package resolver

import (
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thapasuman5202/Engineering/internal/model"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func rec(source string, value any, conf float64, at time.Time) model.SourceRecord {
	return model.SourceRecord{SourceID: source, FieldName: "f", Value: value, Confidence: conf, FetchedAt: at}
}

func testConfig() *Config {
	return &Config{
		DefaultTolerance: 0.5,
		Priorities:       []string{"alpha", "beta"},
		Fields:           map[string]FieldConfig{},
	}
}

func TestResolveField_Rules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		records      []model.SourceRecord
		value        any
		chosen       string
		rule         string
		disagreement bool
		alternates   int
	}{
		{
			name:    "single",
			records: []model.SourceRecord{rec("alpha", 1.0, 0.5, t0)},
			value:   1.0, chosen: "alpha", rule: model.RuleSingle,
		},
		{
			name: "confidence",
			records: []model.SourceRecord{
				rec("alpha", 1.0, 0.5, t0),
				rec("beta", 9.0, 0.9, t0),
			},
			value: 9.0, chosen: "beta", rule: model.RuleConfidence, alternates: 1,
		},
		{
			name: "recency",
			records: []model.SourceRecord{
				rec("alpha", 1.0, 0.8, t0),
				rec("beta", 9.0, 0.8, t0.Add(time.Hour)),
			},
			value: 9.0, chosen: "beta", rule: model.RuleRecency, alternates: 1,
		},
		{
			name: "priority",
			records: []model.SourceRecord{
				rec("gamma", 5.0, 0.8, t0),
				rec("beta", 9.0, 0.8, t0),
			},
			value: 9.0, chosen: "beta", rule: model.RulePriority, alternates: 1,
		},
		{
			name: "averaged within tolerance",
			records: []model.SourceRecord{
				rec("gamma", 1.0, 0.6, t0),
				rec("delta", 1.3, 0.6, t0),
			},
			value: 1.15, chosen: "delta", rule: model.RuleAveraged,
		},
		{
			name: "higher confidence beats averaging",
			records: []model.SourceRecord{
				rec("gamma", 1.0, 0.25, t0),
				rec("delta", 1.2, 0.75, t0),
			},
			value: 1.2, chosen: "delta", rule: model.RuleConfidence, alternates: 1,
		},
		{
			name: "averaged zero confidence uses plain mean",
			records: []model.SourceRecord{
				rec("gamma", 1.0, 0, t0),
				rec("delta", 1.2, 0, t0),
			},
			value: 1.1, chosen: "delta", rule: model.RuleAveraged,
		},
		{
			name: "disagreement picks first by source id",
			records: []model.SourceRecord{
				rec("zeta", 1.0, 0.8, t0),
				rec("gamma", 4.0, 0.8, t0),
			},
			value: 4.0, chosen: "gamma", rule: model.RuleDisagreement, disagreement: true, alternates: 1,
		},
		{
			name: "categorical agreement",
			records: []model.SourceRecord{
				rec("zeta", "R1", 0.8, t0),
				rec("gamma", "R1", 0.8, t0),
			},
			value: "R1", chosen: "gamma", rule: model.RuleAgreement, alternates: 1,
		},
		{
			name: "categorical disagreement",
			records: []model.SourceRecord{
				rec("zeta", "R1", 0.8, t0),
				rec("gamma", "C2", 0.8, t0),
			},
			value: "C2", chosen: "gamma", rule: model.RuleDisagreement, disagreement: true, alternates: 1,
		},
		{
			name: "tied best rank falls through to disagreement",
			records: []model.SourceRecord{
				rec("alpha", 1.0, 0.8, t0),
				rec("alpha", 7.0, 0.8, t0),
			},
			value: 1.0, chosen: "alpha", rule: model.RuleDisagreement, disagreement: true, alternates: 1,
		},
	}

	r := New(testConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.ResolveField("f", tt.records)
			require.True(t, got.Resolved)
			if f, ok := tt.value.(float64); ok {
				assert.InDelta(t, f, got.Value, 1e-9)
			} else {
				assert.Equal(t, tt.value, got.Value)
			}
			assert.Equal(t, tt.chosen, got.Lineage.ChosenSourceID)
			assert.Equal(t, tt.rule, got.Lineage.RuleApplied)
			assert.Equal(t, tt.disagreement, got.Lineage.Disagreement)
			assert.Len(t, got.Lineage.Alternates, tt.alternates)
		})
	}
}

func TestResolveField_AveragedMergedFrom(t *testing.T) {
	t.Parallel()

	r := New(testConfig())
	got := r.ResolveField("f", []model.SourceRecord{
		rec("gamma", 1.0, 0.5, t0),
		rec("delta", 1.0, 0.5, t0),
		rec("omega", 1.0, 0.1, t0),
	})
	assert.Equal(t, model.RuleAveraged, got.Lineage.RuleApplied)
	assert.Equal(t, []string{"delta", "gamma"}, got.Lineage.MergedFrom)
	require.Len(t, got.Lineage.Alternates, 1)
	assert.Equal(t, "omega", got.Lineage.Alternates[0].SourceID)
	assert.Equal(t, "delta", got.Lineage.ChosenSourceID, "first merged source names the lineage")
}

func TestResolveField_ToleranceBoundary(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	tight := 0.1
	cfg.Fields["f"] = FieldConfig{Tolerance: &tight}
	r := New(cfg)

	got := r.ResolveField("f", []model.SourceRecord{
		rec("gamma", 1.0, 0.5, t0),
		rec("delta", 1.1, 0.5, t0),
	})
	assert.Equal(t, model.RuleDisagreement, got.Lineage.RuleApplied, "spread equal to tolerance does not merge")

	zero := 0.0
	cfg.Fields["f"] = FieldConfig{Tolerance: &zero}
	got = r.ResolveField("f", []model.SourceRecord{
		rec("gamma", 2.0, 0.5, t0),
		rec("delta", 2, 0.5, t0),
	})
	assert.Equal(t, model.RuleAveraged, got.Lineage.RuleApplied, "identical numbers always merge")
	assert.InDelta(t, 2.0, got.Value, 1e-9)
}

func TestResolveField_Failures(t *testing.T) {
	t.Parallel()

	r := New(testConfig())
	failed := rec("beta", nil, 0, t0)
	failed.Error = "upstream 500"

	got := r.ResolveField("f", []model.SourceRecord{failed, rec("alpha", 3.0, 0.6, t0)})
	require.True(t, got.Resolved)
	assert.Equal(t, model.RuleSingle, got.Lineage.RuleApplied)
	require.Len(t, got.Lineage.Failures, 1)
	assert.Equal(t, "beta", got.Lineage.Failures[0].SourceID)
	assert.Equal(t, "upstream 500", got.Lineage.Failures[0].Error)

	got = r.ResolveField("f", []model.SourceRecord{failed})
	assert.False(t, got.Resolved)
	assert.Nil(t, got.Value)
}

func TestResolveField_ShuffleInvariant(t *testing.T) {
	t.Parallel()

	failed := rec("eta", nil, 0, t0)
	failed.Error = "timeout"
	fixture := []model.SourceRecord{
		rec("zeta", 4.0, 0.7, t0),
		rec("gamma", 4.3, 0.7, t0),
		rec("delta", 9.0, 0.7, t0),
		rec("theta", 1.0, 0.2, t0.Add(time.Hour)),
		failed,
	}

	r := New(testConfig())
	want := r.ResolveField("f", fixture)

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 50; i++ {
		shuffled := append([]model.SourceRecord(nil), fixture...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, r.ResolveField("f", shuffled))
	}
}

func TestResolveField_InvalidConfidence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		conf float64
	}{
		{"nan", math.NaN()},
		{"above one", 7},
		{"negative", -0.1},
		{"positive infinity", math.Inf(1)},
	}

	r := New(testConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.ResolveField("f", []model.SourceRecord{
				rec("alpha", 100.0, tt.conf, t0),
				rec("beta", 2.0, 0.5, t0),
			})
			require.True(t, got.Resolved)
			assert.Equal(t, "beta", got.Lineage.ChosenSourceID)
			assert.Equal(t, model.RuleSingle, got.Lineage.RuleApplied)
			assert.InDelta(t, 2.0, got.Value, 1e-9)
			require.Len(t, got.Lineage.Failures, 1)
			assert.Equal(t, "alpha", got.Lineage.Failures[0].SourceID)
			assert.Equal(t, string(model.SourceFetchFailure), got.Lineage.Failures[0].Kind)
			assert.Contains(t, got.Lineage.Failures[0].Error, "outside [0,1]")
		})
	}

	got := r.ResolveField("f", []model.SourceRecord{
		rec("alpha", 1.0, math.NaN(), t0),
		rec("beta", 2.0, math.NaN(), t0),
	})
	assert.False(t, got.Resolved)
	assert.Len(t, got.Lineage.Failures, 2)
}

func TestResolveField_MixedTypeTieIsOrderIndependent(t *testing.T) {
	t.Parallel()

	r := New(testConfig())
	asText := rec("alpha", "1", 0.5, t0)
	asInt := rec("alpha", 1, 0.5, t0)

	first := r.ResolveField("f", []model.SourceRecord{asText, asInt})
	second := r.ResolveField("f", []model.SourceRecord{asInt, asText})
	assert.Equal(t, first, second)
	assert.Equal(t, 1, first.Value, "numeric values order before text")
	require.Len(t, first.Lineage.Alternates, 1)
	assert.Equal(t, "1", first.Lineage.Alternates[0].Value)

	asFloat := rec("alpha", 1.0, 0.5, t0)
	asString := rec("alpha", "x", 0.5, t0)
	a := r.ResolveField("f", []model.SourceRecord{asFloat, asInt, asString})
	b := r.ResolveField("f", []model.SourceRecord{asString, asInt, asFloat})
	assert.Equal(t, a, b)
}

func TestResolveAll(t *testing.T) {
	t.Parallel()

	failed := model.SourceRecord{SourceID: "beta", FieldName: "flood", Error: "boom", FetchedAt: t0}
	records := []model.SourceRecord{
		{SourceID: "alpha", FieldName: "heat", Value: 31.0, Confidence: 0.8, FetchedAt: t0},
		{SourceID: "beta", FieldName: "heat", Value: 35.0, Confidence: 0.6, FetchedAt: t0},
		failed,
	}

	res := New(testConfig()).ResolveAll(records)
	assert.Equal(t, map[string]any{"heat": 31.0}, res.Fields)
	assert.Equal(t, []string{"flood"}, res.Missing)
	require.Contains(t, res.Lineage, "heat")
	assert.NotContains(t, res.Lineage, "flood")
	assert.Equal(t, "alpha", res.Lineage["heat"].ChosenSourceID)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "flood", res.Failures[0].Field)
}

func TestResolveField_ValueIsCopied(t *testing.T) {
	t.Parallel()

	v := map[string]any{"k": "v"}
	got := New(nil).ResolveField("f", []model.SourceRecord{rec("alpha", v, 1, t0)})
	v["k"] = "changed"
	assert.Equal(t, map[string]any{"k": "v"}, got.Value)
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "resolver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
resolver:
  default_tolerance: 0.2
  priorities: [hazard-atlas, synthetic-data]
  fields:
    heat_index_c:
      tolerance: 1.5
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0.2, cfg.DefaultTolerance)
	assert.Equal(t, []string{"hazard-atlas", "synthetic-data"}, cfg.Priorities)
	assert.Equal(t, 1.5, cfg.Tolerance("heat_index_c"))
	assert.Equal(t, 0.2, cfg.Tolerance("pm25_ugm3"))
	assert.Equal(t, 0, cfg.Rank("hazard-atlas"))
	assert.Equal(t, 2, cfg.Rank("unknown"))
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resolver:\n  default_tolerance: -1\n"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)

	path = filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resolver: [unclosed"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_KeepsDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resolver:\n  priorities: [remote]\n"), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().DefaultTolerance, cfg.DefaultTolerance)
	assert.Equal(t, []string{"remote"}, cfg.Priorities)
}
