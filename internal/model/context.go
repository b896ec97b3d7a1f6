package model

import "time"

// Kind tags how a context version came to exist.
type Kind string

const (
	KindBuilt          Kind = "built"
	KindResolved       Kind = "resolved"
	KindCounterfactual Kind = "counterfactual"
)

// MainLine reports whether versions of this kind belong to the main line.
func (k Kind) MainLine() bool {
	return k == KindBuilt || k == KindResolved
}

// Mode selects between live external fetches and cached/synthetic data.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// LatLon is a WGS84 coordinate.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Boundary is a validated GeoJSON polygon. Positions are [lon, lat].
type Boundary struct {
	Type        string        `json:"type"`
	Coordinates [][][]float64 `json:"coordinates"`
	Centroid    *LatLon       `json:"centroid,omitempty"`
	RadiusM     float64       `json:"radius_m,omitempty"`
}

// Context is one immutable version of a site's resolved risk profile.
type Context struct {
	ContextID      string                  `json:"context_id" validate:"required"`
	Version        int                     `json:"version" validate:"gte=1"`
	ParentVersion  *int                    `json:"parent_version,omitempty" validate:"omitempty,gte=1"`
	Kind           Kind                    `json:"kind" validate:"required,oneof=built resolved counterfactual"`
	SiteName       string                  `json:"site_name,omitempty"`
	Brief          string                  `json:"brief,omitempty"`
	Mode           Mode                    `json:"mode,omitempty"`
	Boundary       Boundary                `json:"boundary"`
	Scenarios      []string                `json:"scenarios" validate:"required,min=1,dive,required"`
	Fields         map[string]any          `json:"fields"`
	Lineage        map[string]FieldLineage `json:"lineage"`
	RiskScores     map[string]float64      `json:"risk_scores"`
	Constraints    []string                `json:"constraints,omitempty"`
	MissingFields  []string                `json:"missing_fields,omitempty"`
	SourceFailures []SourceFailure         `json:"source_failures,omitempty"`
	Audit          *Audit                  `json:"audit,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
}

// Audit records what went into a build.
type Audit struct {
	InputsHash    string   `json:"inputs_hash"`
	Sources       []string `json:"sources"`
	EngineVersion string   `json:"engine_version"`
}

// VersionRef summarises one entry of a context's history.
type VersionRef struct {
	Version       int       `json:"version"`
	ParentVersion *int      `json:"parent_version,omitempty"`
	Kind          Kind      `json:"kind"`
	CreatedAt     time.Time `json:"created_at"`
}

// Ref returns the history entry for c.
func (c *Context) Ref() VersionRef {
	return VersionRef{
		Version:       c.Version,
		ParentVersion: cloneIntPtr(c.ParentVersion),
		Kind:          c.Kind,
		CreatedAt:     c.CreatedAt,
	}
}

// Patch holds manual overrides applied by resolve. Field/Value is a
// single-override shorthand merged into Fields.
type Patch struct {
	Fields      map[string]any `json:"fields,omitempty"`
	Field       string         `json:"field,omitempty"`
	Value       any            `json:"value,omitempty"`
	Constraints []string       `json:"constraints,omitempty"`
}

// Overrides returns the merged field overrides of the patch.
func (p Patch) Overrides() map[string]any {
	out := make(map[string]any, len(p.Fields)+1)
	for k, v := range p.Fields {
		out[k] = v
	}
	if p.Field != "" {
		out[p.Field] = p.Value
	}
	return out
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return len(p.Fields) == 0 && p.Field == "" && p.Constraints == nil
}

// Delta maps a field to a numeric adjustment or a categorical replacement.
type Delta map[string]any

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
