package geometry

import (
	"fmt"
	"math"

	"github.com/thapasuman5202/Engineering/internal/model"
)

// Issue codes reported by Check.
const (
	CodeNotPolygon       = "not_polygon"
	CodeMalformed        = "malformed"
	CodeTooFewPoints     = "too_few_points"
	CodeUnclosed         = "unclosed"
	CodeSelfIntersecting = "self_intersecting"
	CodeZeroArea         = "zero_area"
	CodeOutOfRange       = "out_of_range"
)

// MinVertices is the minimum number of distinct vertices in a ring,
// not counting the closing position.
const MinVertices = 4

// areaEpsilon is the smallest shoelace area (square degrees) treated as
// non-degenerate.
const areaEpsilon = 1e-12

// Check runs the structural checks on a polygon and returns every issue
// found. An empty result means the polygon is valid.
func Check(b model.Boundary) []model.Issue {
	var issues []model.Issue
	if b.Type != "Polygon" {
		return append(issues, model.Issue{
			Code:    CodeNotPolygon,
			Message: fmt.Sprintf("geometry type %q is not Polygon", b.Type),
		})
	}
	if len(b.Coordinates) == 0 {
		return append(issues, model.Issue{Code: CodeMalformed, Message: "polygon has no rings"})
	}

	for i, ring := range b.Coordinates {
		issues = append(issues, checkRing(i, ring)...)
	}
	return issues
}

func checkRing(idx int, ring [][]float64) []model.Issue {
	name := "exterior ring"
	if idx > 0 {
		name = fmt.Sprintf("interior ring %d", idx)
	}

	for j, pos := range ring {
		if len(pos) < 2 {
			return []model.Issue{{
				Code:    CodeMalformed,
				Message: fmt.Sprintf("%s position %d has %d coordinates", name, j, len(pos)),
			}}
		}
	}

	var issues []model.Issue
	for j, pos := range ring {
		if math.IsNaN(pos[0]) || math.IsNaN(pos[1]) || pos[0] < -180 || pos[0] > 180 || pos[1] < -90 || pos[1] > 90 {
			issues = append(issues, model.Issue{
				Code:    CodeOutOfRange,
				Message: fmt.Sprintf("%s position %d [%g, %g] is outside lon [-180,180] / lat [-90,90]", name, j, pos[0], pos[1]),
			})
			break
		}
	}

	if len(ring) == 0 {
		return append(issues, model.Issue{Code: CodeTooFewPoints, Message: name + " is empty"})
	}

	closed := samePoint(ring[0], ring[len(ring)-1])
	if !closed || len(ring) < 2 {
		issues = append(issues, model.Issue{
			Code:    CodeUnclosed,
			Message: fmt.Sprintf("%s is not closed: first and last positions differ", name),
		})
	}

	verts := distinctVertices(ring)
	if len(verts) < MinVertices {
		issues = append(issues, model.Issue{
			Code: CodeTooFewPoints,
			Message: fmt.Sprintf("%s has %d distinct vertices, at least %d plus the closing position are required",
				name, len(verts), MinVertices),
		})
		return issues
	}

	if !closed {
		return issues
	}

	if selfIntersects(verts) {
		issues = append(issues, model.Issue{
			Code:    CodeSelfIntersecting,
			Message: name + " intersects itself",
		})
	}
	if math.Abs(signedArea(verts)) <= areaEpsilon {
		issues = append(issues, model.Issue{
			Code:    CodeZeroArea,
			Message: name + " encloses zero area",
		})
	}
	return issues
}

// distinctVertices drops the closing position and consecutive duplicates.
func distinctVertices(ring [][]float64) [][2]float64 {
	out := make([][2]float64, 0, len(ring))
	for _, p := range ring {
		v := [2]float64{p[0], p[1]}
		if len(out) > 0 && out[len(out)-1] == v {
			continue
		}
		out = append(out, v)
	}
	if len(out) > 1 && out[0] == out[len(out)-1] {
		out = out[:len(out)-1]
	}
	return out
}

// signedArea is the shoelace area of an implicitly closed vertex list.
// Counter-clockwise rings are positive.
func signedArea(v [][2]float64) float64 {
	var sum float64
	n := len(v)
	for i := 0; i < n; i++ {
		a, b := v[i], v[(i+1)%n]
		sum += a[0]*b[1] - b[0]*a[1]
	}
	return sum / 2
}

// selfIntersects tests every pair of edges of an implicitly closed ring.
// Adjacent edges may only share their common vertex.
func selfIntersects(v [][2]float64) bool {
	n := len(v)
	for i := 0; i < n; i++ {
		a1, a2 := v[i], v[(i+1)%n]
		for j := i + 1; j < n; j++ {
			b1, b2 := v[j], v[(j+1)%n]
			adjacent := j == i+1 || (i == 0 && j == n-1)
			if adjacent {
				if overlapsAdjacent(a1, a2, b1, b2) {
					return true
				}
				continue
			}
			if segmentsIntersect(a1, a2, b1, b2) {
				return true
			}
		}
	}
	return false
}

// overlapsAdjacent reports whether two edges sharing a vertex fold back
// onto each other.
func overlapsAdjacent(a1, a2, b1, b2 [2]float64) bool {
	var shared, pa, pb [2]float64
	switch {
	case a2 == b1:
		shared, pa, pb = a2, a1, b2
	case a1 == b2:
		shared, pa, pb = a1, a2, b1
	default:
		return segmentsIntersect(a1, a2, b1, b2)
	}
	if orientation(pa, shared, pb) != 0 {
		return false
	}
	// Collinear: overlapping when both far ends lie on the same side.
	return onSegment(shared, pa, pb) || onSegment(shared, pb, pa)
}

func segmentsIntersect(p1, p2, q1, q2 [2]float64) bool {
	o1 := orientation(p1, p2, q1)
	o2 := orientation(p1, p2, q2)
	o3 := orientation(q1, q2, p1)
	o4 := orientation(q1, q2, p2)

	if o1 != o2 && o3 != o4 {
		return true
	}
	if o1 == 0 && onSegment(p1, q1, p2) {
		return true
	}
	if o2 == 0 && onSegment(p1, q2, p2) {
		return true
	}
	if o3 == 0 && onSegment(q1, p1, q2) {
		return true
	}
	return o4 == 0 && onSegment(q1, p2, q2)
}

// orientation returns 1 for counter-clockwise, -1 for clockwise and 0 for
// collinear triples.
func orientation(a, b, c [2]float64) int {
	v := (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// onSegment reports whether q lies on segment p-r, given collinearity.
func onSegment(p, q, r [2]float64) bool {
	return q[0] <= math.Max(p[0], r[0]) && q[0] >= math.Min(p[0], r[0]) &&
		q[1] <= math.Max(p[1], r[1]) && q[1] >= math.Min(p[1], r[1])
}

func samePoint(a, b []float64) bool {
	return len(a) >= 2 && len(b) >= 2 && a[0] == b[0] && a[1] == b[1]
}
