package geometry

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/thapasuman5202/Engineering/internal/model"
)

// SRID is the spatial reference of every boundary (WGS84).
const SRID = 4326

// envelope covers the GeoJSON object shapes accepted as a boundary.
type envelope struct {
	Type        string            `json:"type"`
	Coordinates json.RawMessage   `json:"coordinates"`
	Geometry    *envelope         `json:"geometry"`
	Features    []json.RawMessage `json:"features"`
}

// ParseGeoJSON decodes a Polygon geometry, a Feature or the first feature of
// a FeatureCollection into a boundary without validating it. Ring-level
// faults are left for Check so they can be reported individually.
func ParseGeoJSON(raw []byte) (model.Boundary, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.Boundary{}, eris.Wrap(err, "geometry: decode geojson")
	}
	return fromEnvelope(env)
}

func fromEnvelope(env envelope) (model.Boundary, error) {
	switch env.Type {
	case "Feature":
		if env.Geometry == nil {
			return model.Boundary{}, eris.New("geometry: feature has no geometry")
		}
		return fromEnvelope(*env.Geometry)
	case "FeatureCollection":
		if len(env.Features) == 0 {
			return model.Boundary{}, eris.New("geometry: feature collection is empty")
		}
		var first envelope
		if err := json.Unmarshal(env.Features[0], &first); err != nil {
			return model.Boundary{}, eris.Wrap(err, "geometry: decode first feature")
		}
		return fromEnvelope(first)
	case "Polygon":
		var coords [][][]float64
		if err := json.Unmarshal(env.Coordinates, &coords); err != nil {
			return model.Boundary{}, eris.Wrap(err, "geometry: decode polygon coordinates")
		}
		return model.Boundary{Type: "Polygon", Coordinates: coords}, nil
	default:
		// Keep the type so Check reports it as not_polygon.
		return model.Boundary{Type: env.Type}, nil
	}
}

// ToPolygon converts a boundary into a go-geom polygon tagged with SRID 4326.
func ToPolygon(b model.Boundary) (*geom.Polygon, error) {
	rings := make([][]geom.Coord, len(b.Coordinates))
	for i, ring := range b.Coordinates {
		coords := make([]geom.Coord, len(ring))
		for j, pos := range ring {
			if len(pos) < 2 {
				return nil, eris.Errorf("geometry: ring %d position %d has %d coordinates", i, j, len(pos))
			}
			coords[j] = geom.Coord{pos[0], pos[1]}
		}
		rings[i] = coords
	}
	p, err := geom.NewPolygon(geom.XY).SetCoords(rings)
	if err != nil {
		return nil, eris.Wrap(err, "geometry: build polygon")
	}
	return p.SetSRID(SRID), nil
}

// FromGeom converts a decoded geometry into a boundary. MultiPolygons
// contribute their largest member.
func FromGeom(g geom.T) (model.Boundary, error) {
	switch t := g.(type) {
	case *geom.Polygon:
		return fromPolygon(t), nil
	case *geom.MultiPolygon:
		if t.NumPolygons() == 0 {
			return model.Boundary{}, eris.New("geometry: empty multipolygon")
		}
		best := t.Polygon(0)
		for i := 1; i < t.NumPolygons(); i++ {
			if p := t.Polygon(i); p.Area() > best.Area() {
				best = p
			}
		}
		return fromPolygon(best), nil
	case nil:
		return model.Boundary{}, eris.New("geometry: missing geometry")
	default:
		return model.Boundary{}, eris.Errorf("geometry: unsupported geometry %T", g)
	}
}

func fromPolygon(p *geom.Polygon) model.Boundary {
	coords := make([][][]float64, p.NumLinearRings())
	for i := 0; i < p.NumLinearRings(); i++ {
		ring := p.LinearRing(i).Coords()
		out := make([][]float64, len(ring))
		for j, c := range ring {
			out[j] = []float64{c.X(), c.Y()}
		}
		coords[i] = out
	}
	return model.Boundary{Type: "Polygon", Coordinates: coords}
}

// DecodeFeatures decodes an uploaded GeoJSON document (geometry, Feature or
// FeatureCollection) through go-geom and returns the first polygonal
// boundary found.
func DecodeFeatures(data []byte) (model.Boundary, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return model.Boundary{}, eris.Wrap(err, "geometry: decode upload")
	}

	switch head.Type {
	case "FeatureCollection":
		var fc geojson.FeatureCollection
		if err := json.Unmarshal(data, &fc); err != nil {
			return model.Boundary{}, eris.Wrap(err, "geometry: decode feature collection")
		}
		for _, f := range fc.Features {
			if b, err := FromGeom(f.Geometry); err == nil {
				return b, nil
			}
		}
		return model.Boundary{}, eris.New("geometry: feature collection has no polygon")
	case "Feature":
		var f geojson.Feature
		if err := json.Unmarshal(data, &f); err != nil {
			return model.Boundary{}, eris.Wrap(err, "geometry: decode feature")
		}
		return FromGeom(f.Geometry)
	default:
		var g geom.T
		if err := geojson.Unmarshal(data, &g); err != nil {
			return model.Boundary{}, eris.Wrap(err, "geometry: decode geometry")
		}
		return FromGeom(g)
	}
}

// EncodeEWKB encodes a boundary as little-endian EWKB with SRID 4326.
func EncodeEWKB(b model.Boundary) ([]byte, error) {
	p, err := ToPolygon(b)
	if err != nil {
		return nil, err
	}
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geometry: encode EWKB")
	}
	return data, nil
}

// MarshalGeoJSON renders the bare polygon geometry of a boundary.
func MarshalGeoJSON(b model.Boundary) ([]byte, error) {
	p, err := ToPolygon(b)
	if err != nil {
		return nil, err
	}
	data, err := geojson.Marshal(p)
	if err != nil {
		return nil, eris.Wrap(err, "geometry: encode geojson")
	}
	return data, nil
}
