package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/thapasuman5202/Engineering/internal/model"
)

// Resolve applies manual overrides to the main-line head and commits the
// result as the next main-line version. A concurrent commit against the same
// head makes this fail with VersionConflict.
func (e *Engine) Resolve(ctx context.Context, contextID string, patch model.Patch) (*model.Context, error) {
	if patch.Empty() {
		return nil, model.Errorf(model.ValidationFailure, "patch has no fields and no constraints")
	}
	overrides := patch.Overrides()
	if _, ok := overrides[""]; ok {
		return nil, model.Errorf(model.ValidationFailure, "patch field name is empty")
	}

	head, err := e.store.Get(ctx, contextID)
	if err != nil {
		return nil, err
	}

	next := derive(head, model.KindResolved, e.clock.Now().UTC())
	for _, name := range sortedKeys(overrides) {
		value := normalizeValue(overrides[name])
		next.Lineage[name] = replacedLineage(head, name, model.ManualSource, model.RuleManual)
		next.Fields[name] = value
		next.MissingFields = without(next.MissingFields, name)
	}
	if patch.Constraints != nil {
		next.Constraints = append([]string{}, patch.Constraints...)
	}
	e.rescore(next)

	committed, err := e.commit(ctx, next)
	if err != nil {
		return nil, err
	}
	zap.L().Info("engine: context resolved",
		zap.String("context_id", contextID),
		zap.Int("version", committed.Version),
		zap.Int("overrides", len(overrides)),
	)
	return committed.Clone(), nil
}

// Counterfactual derives a branch from base (the main-line head when nil).
// Numeric adjustments are added to numeric fields; any other value replaces
// the field. The stored base is never modified and Get keeps returning the
// main line.
func (e *Engine) Counterfactual(ctx context.Context, contextID string, delta model.Delta, base *int) (*model.Context, error) {
	if len(delta) == 0 {
		return nil, model.Errorf(model.ValidationFailure, "delta is empty")
	}
	if _, ok := delta[""]; ok {
		return nil, model.Errorf(model.ValidationFailure, "delta field name is empty")
	}

	var (
		from *model.Context
		err  error
	)
	if base == nil {
		from, err = e.store.Get(ctx, contextID)
	} else {
		from, err = e.store.GetVersion(ctx, contextID, *base)
	}
	if err != nil {
		return nil, err
	}

	next := derive(from, model.KindCounterfactual, e.clock.Now().UTC())
	for _, name := range sortedKeys(delta) {
		next.Fields[name] = applyDelta(from.Fields[name], delta[name])
		source := model.RuleCounterfactual
		if lin, ok := from.Lineage[name]; ok && lin.ChosenSourceID != "" {
			source = lin.ChosenSourceID
		}
		next.Lineage[name] = replacedLineage(from, name, source, model.RuleCounterfactual)
		next.MissingFields = without(next.MissingFields, name)
	}
	e.rescore(next)

	committed, err := e.commit(ctx, next)
	if err != nil {
		return nil, err
	}
	zap.L().Info("engine: counterfactual committed",
		zap.String("context_id", contextID),
		zap.Int("base", from.Version),
		zap.Int("version", committed.Version),
	)
	return committed.Clone(), nil
}

// applyDelta adds a numeric adjustment to a numeric value and otherwise
// replaces it.
func applyDelta(current, adjustment any) any {
	adj, adjNumeric := model.AsFloat(adjustment)
	cur, curNumeric := model.AsFloat(current)
	if adjNumeric && curNumeric {
		return cur + adj
	}
	return normalizeValue(adjustment)
}

// replacedLineage is the lineage of a field whose value no longer comes from
// resolution. The previous winner is kept as the first alternate; its
// confidence is not retained in lineage and is reported as zero.
func replacedLineage(from *model.Context, field, source, rule string) model.FieldLineage {
	lin := model.FieldLineage{
		FieldName:      field,
		ChosenSourceID: source,
		RuleApplied:    rule,
		Alternates:     []model.Alternate{},
	}
	prev, hadValue := from.Fields[field]
	if !hadValue {
		return lin
	}
	old := from.Lineage[field]
	lin.Alternates = append(lin.Alternates, model.Alternate{
		SourceID: old.ChosenSourceID,
		Value:    model.CloneValue(prev),
	})
	for _, a := range old.Alternates {
		a.Value = model.CloneValue(a.Value)
		lin.Alternates = append(lin.Alternates, a)
	}
	lin.Failures = append(lin.Failures, old.Failures...)
	return lin
}

// derive returns an uncommitted child of parent. The version is
// provisional; the store assigns the real one.
func derive(parent *model.Context, kind model.Kind, now time.Time) *model.Context {
	next := parent.Clone()
	next.Kind = kind
	next.ParentVersion = model.IntPtr(parent.Version)
	next.Version = parent.Version + 1
	next.CreatedAt = now
	if next.Fields == nil {
		next.Fields = map[string]any{}
	}
	if next.Lineage == nil {
		next.Lineage = map[string]model.FieldLineage{}
	}
	return next
}

func without(list []string, name string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != name {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
