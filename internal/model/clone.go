package model

// Clone returns a deep copy of c. Stored versions are only ever handed out
// as clones.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.ParentVersion = cloneIntPtr(c.ParentVersion)
	out.Boundary = c.Boundary.Clone()
	out.Scenarios = cloneStrings(c.Scenarios)
	out.Constraints = cloneStrings(c.Constraints)
	out.MissingFields = cloneStrings(c.MissingFields)

	if c.Fields != nil {
		out.Fields = make(map[string]any, len(c.Fields))
		for k, v := range c.Fields {
			out.Fields[k] = CloneValue(v)
		}
	}
	if c.Lineage != nil {
		out.Lineage = make(map[string]FieldLineage, len(c.Lineage))
		for k, l := range c.Lineage {
			out.Lineage[k] = l.Clone()
		}
	}
	if c.RiskScores != nil {
		out.RiskScores = make(map[string]float64, len(c.RiskScores))
		for k, v := range c.RiskScores {
			out.RiskScores[k] = v
		}
	}
	if c.SourceFailures != nil {
		out.SourceFailures = append([]SourceFailure(nil), c.SourceFailures...)
	}
	if c.Audit != nil {
		a := *c.Audit
		a.Sources = cloneStrings(c.Audit.Sources)
		out.Audit = &a
	}
	return &out
}

// Clone returns a deep copy of b.
func (b Boundary) Clone() Boundary {
	out := b
	if b.Coordinates != nil {
		out.Coordinates = make([][][]float64, len(b.Coordinates))
		for i, ring := range b.Coordinates {
			r := make([][]float64, len(ring))
			for j, pos := range ring {
				r[j] = append([]float64(nil), pos...)
			}
			out.Coordinates[i] = r
		}
	}
	if b.Centroid != nil {
		c := *b.Centroid
		out.Centroid = &c
	}
	return out
}

// Clone returns a deep copy of l.
func (l FieldLineage) Clone() FieldLineage {
	out := l
	out.MergedFrom = cloneStrings(l.MergedFrom)
	if l.Alternates != nil {
		out.Alternates = make([]Alternate, len(l.Alternates))
		for i, a := range l.Alternates {
			a.Value = CloneValue(a.Value)
			out.Alternates[i] = a
		}
	}
	if l.Failures != nil {
		out.Failures = append([]SourceFailure(nil), l.Failures...)
	}
	return out
}

// CloneValue deep-copies JSON-shaped values (maps, slices, scalars).
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = CloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = CloneValue(e)
		}
		return s
	case []string:
		return cloneStrings(t)
	case []float64:
		return append([]float64(nil), t...)
	default:
		return v
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
