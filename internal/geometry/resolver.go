// Package geometry turns points and polygons into canonical, validated
// boundaries.
package geometry

import (
	"math"

	"github.com/thapasuman5202/Engineering/internal/model"
)

// Radius and segment limits for point+radius inputs.
const (
	MinRadiusM      = 50.0
	MaxRadiusM      = 50000.0
	DefaultSegments = 64
	MinSegments     = 32
	MaxSegments     = 64

	earthRadiusM = 6371008.8
	coordScale   = 1e7
)

// Input is either an explicit polygon or a point with a radius.
type Input struct {
	Boundary *model.Boundary
	Lat      *float64
	Lon      *float64
	RadiusM  float64
}

// Resolver produces canonical boundaries. It holds no mutable state and is
// safe for concurrent use.
type Resolver struct {
	segments int
}

// NewResolver creates a resolver that approximates circles with the given
// number of segments, clamped to [MinSegments, MaxSegments].
func NewResolver(segments int) *Resolver {
	if segments <= 0 {
		segments = DefaultSegments
	}
	segments = max(MinSegments, min(MaxSegments, segments))
	return &Resolver{segments: segments}
}

// Segments returns the vertex count used for circles.
func (r *Resolver) Segments() int {
	return r.segments
}

// Resolve validates an explicit polygon or builds the circle polygon for a
// point and radius.
func (r *Resolver) Resolve(in Input) (model.Boundary, error) {
	if in.Boundary != nil {
		b := in.Boundary.Clone()
		if issues := Check(b); len(issues) > 0 {
			return model.Boundary{}, model.Errorf(model.InvalidGeometry, "%s", issues[0].Message)
		}
		if b.Centroid == nil {
			c := Centroid(b)
			b.Centroid = &c
		}
		return b, nil
	}

	if in.Lat == nil || in.Lon == nil {
		return model.Boundary{}, model.Errorf(model.InvalidGeometry, "either boundary or lat/lon is required")
	}
	lat, lon := *in.Lat, *in.Lon
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return model.Boundary{}, model.Errorf(model.OutOfRange, "lat %g outside [-90, 90]", lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return model.Boundary{}, model.Errorf(model.OutOfRange, "lon %g outside [-180, 180]", lon)
	}
	if math.IsNaN(in.RadiusM) || in.RadiusM < MinRadiusM || in.RadiusM > MaxRadiusM {
		return model.Boundary{}, model.Errorf(model.OutOfRange, "radius_m %g outside [%g, %g]", in.RadiusM, MinRadiusM, MaxRadiusM)
	}

	b := Circle(lat, lon, in.RadiusM, r.segments)
	if issues := Check(b); len(issues) > 0 || lonSpan(b.Coordinates[0]) >= 180 {
		return model.Boundary{}, model.Errorf(model.OutOfRange,
			"radius %gm around (%g, %g) crosses a pole or the antimeridian", in.RadiusM, lat, lon)
	}
	return b, nil
}

// Circle approximates a geodesic circle on the sphere with a closed,
// counter-clockwise ring of n vertices. Coordinates are rounded to 1e-7
// degrees so the output is canonical.
func Circle(lat, lon, radiusM float64, n int) model.Boundary {
	phi1 := lat * math.Pi / 180
	lambda1 := lon * math.Pi / 180
	delta := radiusM / earthRadiusM

	ring := make([][]float64, 0, n+1)
	for i := 0; i < n; i++ {
		// Negative bearings walk the ring counter-clockwise in lon/lat space.
		theta := -2 * math.Pi * float64(i) / float64(n)
		sinPhi2 := math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta)
		phi2 := math.Asin(sinPhi2)
		lambda2 := lambda1 + math.Atan2(
			math.Sin(theta)*math.Sin(delta)*math.Cos(phi1),
			math.Cos(delta)-math.Sin(phi1)*sinPhi2,
		)
		ring = append(ring, []float64{
			round(normalizeLon(lambda2 * 180 / math.Pi)),
			round(phi2 * 180 / math.Pi),
		})
	}
	ring = append(ring, []float64{ring[0][0], ring[0][1]})

	return model.Boundary{
		Type:        "Polygon",
		Coordinates: [][][]float64{ring},
		Centroid:    &model.LatLon{Lat: lat, Lon: lon},
		RadiusM:     radiusM,
	}
}

// Centroid returns the vertex average of the exterior ring.
func Centroid(b model.Boundary) model.LatLon {
	if len(b.Coordinates) == 0 {
		return model.LatLon{}
	}
	verts := distinctVertices(b.Coordinates[0])
	if len(verts) == 0 {
		return model.LatLon{}
	}
	var sx, sy float64
	for _, v := range verts {
		sx += v[0]
		sy += v[1]
	}
	n := float64(len(verts))
	return model.LatLon{Lat: round(sy / n), Lon: round(sx / n)}
}

// lonSpan is the longitude extent of a ring. A wrapped circle spans
// nearly 360 degrees.
func lonSpan(ring [][]float64) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range ring {
		lo = math.Min(lo, p[0])
		hi = math.Max(hi, p[0])
	}
	return hi - lo
}

func normalizeLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}

func round(v float64) float64 {
	return math.Round(v*coordScale) / coordScale
}
