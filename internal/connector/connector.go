// Package connector defines pluggable data sources that produce candidate
// field values for a boundary.
package connector

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"github.com/thapasuman5202/Engineering/internal/geometry"
	"github.com/thapasuman5202/Engineering/internal/model"
)

// Request is what a connector is asked to fetch for.
type Request struct {
	Boundary  model.Boundary
	Scenarios []string
	Mode      model.Mode
}

// Centroid returns the boundary centroid, computing it when absent.
func (r Request) Centroid() model.LatLon {
	if r.Boundary.Centroid != nil {
		return *r.Boundary.Centroid
	}
	return geometry.Centroid(r.Boundary)
}

// Connector is a data source. Fetch must return once ctx is done. A whole
// failure is a returned error; a per-field failure is a record with Error set.
type Connector interface {
	// Name returns the unique source id (e.g., "synthetic-data").
	Name() string

	// Fields returns the field names this connector can produce.
	Fields() []string

	// Supports reports whether the connector runs in the given mode.
	Supports(mode model.Mode) bool

	// Fetch returns candidate records for the request.
	Fetch(ctx context.Context, req Request) ([]model.SourceRecord, error)
}

// record builds a successful record.
func record(source, field string, value any, confidence float64, at time.Time) model.SourceRecord {
	return model.SourceRecord{
		SourceID:   source,
		FieldName:  field,
		Value:      value,
		Confidence: confidence,
		FetchedAt:  at,
	}
}

// failedRecord builds a per-field failure.
func failedRecord(source, field string, err error, at time.Time) model.SourceRecord {
	return model.SourceRecord{
		SourceID:  source,
		FieldName: field,
		FetchedAt: at,
		Error:     err.Error(),
	}
}

// seededRand returns a generator keyed on the salt and the location rounded
// to 4 decimal places, so nearby requests resolve to the same site.
func seededRand(salt string, loc model.LatLon) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(salt))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(strconv.FormatFloat(round(loc.Lat, 4), 'f', 4, 64)))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(strconv.FormatFloat(round(loc.Lon, 4), 'f', 4, 64)))
	seed := h.Sum64()
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
