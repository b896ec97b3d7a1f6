// Package resolver reconciles candidate values from several sources into one
// value per field with a lineage record explaining the choice.
package resolver

import (
	"fmt"
	"math"
	"sort"

	"github.com/thapasuman5202/Engineering/internal/model"
)

// Resolver applies the rule pipeline. It holds only read-only configuration
// and is safe for concurrent use.
type Resolver struct {
	cfg *Config
}

// New creates a resolver. A nil config uses DefaultConfig.
func New(cfg *Config) *Resolver {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Resolver{cfg: cfg}
}

// Config returns the resolver configuration.
func (r *Resolver) Config() *Config {
	return r.cfg
}

// FieldResult is the outcome of resolving one field.
type FieldResult struct {
	Value    any
	Lineage  model.FieldLineage
	Resolved bool
}

// Result is the outcome of resolving a whole record set.
type Result struct {
	Fields   map[string]any
	Lineage  map[string]model.FieldLineage
	Missing  []string
	Failures []model.SourceFailure
}

type candidate struct {
	rec  model.SourceRecord
	rank int
}

// narrowing rules, applied in order until one candidate remains.
var pipeline = []struct {
	rule   string
	narrow func(set []candidate) []candidate
}{
	{model.RuleConfidence, byConfidence},
	{model.RuleRecency, byRecency},
	{model.RulePriority, byPriority},
}

// ResolveField resolves the candidates for one field. Records for other
// fields are ignored. The result does not depend on record order.
func (r *Resolver) ResolveField(field string, records []model.SourceRecord) FieldResult {
	lin := model.FieldLineage{FieldName: field, Alternates: []model.Alternate{}}

	var cands []candidate
	for _, rec := range records {
		if rec.FieldName != field {
			continue
		}
		if msg := rec.FailureReason(); msg != "" {
			lin.Failures = append(lin.Failures, model.SourceFailure{
				SourceID: rec.SourceID,
				Field:    field,
				Kind:     string(model.SourceFetchFailure),
				Error:    msg,
			})
			continue
		}
		cands = append(cands, candidate{rec: rec, rank: r.cfg.Rank(rec.SourceID)})
	}
	sort.SliceStable(lin.Failures, func(i, j int) bool {
		a, b := lin.Failures[i], lin.Failures[j]
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.Error < b.Error
	})

	if len(cands) == 0 {
		return FieldResult{Lineage: lin}
	}
	presort(cands)

	if len(cands) == 1 {
		lin.ChosenSourceID = cands[0].rec.SourceID
		lin.RuleApplied = model.RuleSingle
		return FieldResult{Value: model.CloneValue(cands[0].rec.Value), Lineage: lin, Resolved: true}
	}

	set := cands
	for _, step := range pipeline {
		set = step.narrow(set)
		if len(set) == 1 {
			return decided(set[0], step.rule, cands, lin)
		}
	}

	if mean, ok := r.average(field, set); ok {
		merged := make(map[string]bool, len(set))
		for _, c := range set {
			lin.MergedFrom = append(lin.MergedFrom, c.rec.SourceID)
			merged[key(c)] = true
		}
		for _, c := range cands {
			if !merged[key(c)] {
				lin.Alternates = append(lin.Alternates, alternate(c))
			}
		}
		lin.ChosenSourceID = lin.MergedFrom[0]
		lin.RuleApplied = model.RuleAveraged
		return FieldResult{Value: mean, Lineage: lin, Resolved: true}
	}

	ordered := append([]candidate(nil), set...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].rank != ordered[j].rank {
			return ordered[i].rank < ordered[j].rank
		}
		return less(ordered[i], ordered[j])
	})
	winner := ordered[0]

	rule := model.RuleAgreement
	for _, c := range set[1:] {
		if !model.ValuesEqual(c.rec.Value, set[0].rec.Value) {
			rule = model.RuleDisagreement
			lin.Disagreement = true
			break
		}
	}
	return decided(winner, rule, cands, lin)
}

// ResolveAll resolves every field named in records. Fields that only have
// failed records are reported as missing.
func (r *Resolver) ResolveAll(records []model.SourceRecord) Result {
	names := make(map[string]struct{})
	for _, rec := range records {
		names[rec.FieldName] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	res := Result{
		Fields:  make(map[string]any, len(sorted)),
		Lineage: make(map[string]model.FieldLineage, len(sorted)),
	}
	for _, name := range sorted {
		fr := r.ResolveField(name, records)
		res.Failures = append(res.Failures, fr.Lineage.Failures...)
		if !fr.Resolved {
			res.Missing = append(res.Missing, name)
			continue
		}
		res.Fields[name] = fr.Value
		res.Lineage[name] = fr.Lineage
	}
	return res
}

func decided(winner candidate, rule string, all []candidate, lin model.FieldLineage) FieldResult {
	lin.ChosenSourceID = winner.rec.SourceID
	lin.RuleApplied = rule
	skipped := false
	for _, c := range all {
		if !skipped && key(c) == key(winner) {
			skipped = true
			continue
		}
		lin.Alternates = append(lin.Alternates, alternate(c))
	}
	return FieldResult{Value: model.CloneValue(winner.rec.Value), Lineage: lin, Resolved: true}
}

func (r *Resolver) average(field string, set []candidate) (float64, bool) {
	vals := make([]float64, len(set))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, c := range set {
		f, ok := model.AsFloat(c.rec.Value)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		vals[i] = f
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}
	if hi-lo != 0 && hi-lo >= r.cfg.Tolerance(field) {
		return 0, false
	}

	var sum, weighted, wsum float64
	for i, c := range set {
		sum += vals[i]
		weighted += vals[i] * c.rec.Confidence
		wsum += c.rec.Confidence
	}
	if wsum == 0 {
		return sum / float64(len(vals)), true
	}
	return weighted / wsum, true
}

func byConfidence(set []candidate) []candidate {
	best := math.Inf(-1)
	for _, c := range set {
		best = math.Max(best, c.rec.Confidence)
	}
	return keep(set, func(c candidate) bool { return c.rec.Confidence == best })
}

func byRecency(set []candidate) []candidate {
	latest := set[0].rec.FetchedAt
	for _, c := range set[1:] {
		if c.rec.FetchedAt.After(latest) {
			latest = c.rec.FetchedAt
		}
	}
	return keep(set, func(c candidate) bool { return c.rec.FetchedAt.Equal(latest) })
}

func byPriority(set []candidate) []candidate {
	best := set[0].rank
	for _, c := range set[1:] {
		best = min(best, c.rank)
	}
	top := keep(set, func(c candidate) bool { return c.rank == best })
	if len(top) == 1 {
		return top
	}
	return set
}

func keep(set []candidate, pred func(candidate) bool) []candidate {
	out := make([]candidate, 0, len(set))
	for _, c := range set {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}

// presort orders candidates by (source_id, fetched_at). Confidence, then
// numeric value, then printed value, then dynamic type break the remaining
// ties so the order is total.
func presort(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool { return less(cands[i], cands[j]) })
}

func less(a, b candidate) bool {
	if a.rec.SourceID != b.rec.SourceID {
		return a.rec.SourceID < b.rec.SourceID
	}
	if !a.rec.FetchedAt.Equal(b.rec.FetchedAt) {
		return a.rec.FetchedAt.Before(b.rec.FetchedAt)
	}
	if a.rec.Confidence != b.rec.Confidence {
		return a.rec.Confidence < b.rec.Confidence
	}
	af, aNum := model.AsFloat(a.rec.Value)
	bf, bNum := model.AsFloat(b.rec.Value)
	aNum = aNum && !math.IsNaN(af)
	bNum = bNum && !math.IsNaN(bf)
	switch {
	case aNum && bNum && af != bf:
		return af < bf
	case aNum != bNum:
		return aNum
	}
	if as, bs := fmt.Sprint(a.rec.Value), fmt.Sprint(b.rec.Value); as != bs {
		return as < bs
	}
	return fmt.Sprintf("%T", a.rec.Value) < fmt.Sprintf("%T", b.rec.Value)
}

func key(c candidate) string {
	return fmt.Sprintf("%s|%d|%g|%T|%v", c.rec.SourceID, c.rec.FetchedAt.UnixNano(), c.rec.Confidence, c.rec.Value, c.rec.Value)
}

func alternate(c candidate) model.Alternate {
	return model.Alternate{
		SourceID:   c.rec.SourceID,
		Value:      model.CloneValue(c.rec.Value),
		Confidence: c.rec.Confidence,
	}
}
