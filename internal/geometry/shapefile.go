package geometry

import (
	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/thapasuman5202/Engineering/internal/model"
)

// shapeReader is the part of the go-shp readers used here.
type shapeReader interface {
	Next() bool
	Shape() (int, shp.Shape)
}

// ReadShapefile returns the first polygon record of a .shp file as a
// boundary. The first part becomes the exterior ring, later parts become
// interior rings.
func ReadShapefile(shpPath string) (model.Boundary, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return model.Boundary{}, eris.Wrapf(err, "geometry: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()
	return firstPolygon(reader, shpPath)
}

// ReadZippedShapefile reads the first polygon of the shapefile inside a zip
// archive. The archive must hold exactly one .shp with its .dbf.
func ReadZippedShapefile(zipPath string) (model.Boundary, error) {
	reader, err := shp.OpenZip(zipPath)
	if err != nil {
		return model.Boundary{}, eris.Wrapf(err, "geometry: open zipped shapefile %s", zipPath)
	}
	defer func() { _ = reader.Close() }()
	return firstPolygon(reader, zipPath)
}

func firstPolygon(reader shapeReader, name string) (model.Boundary, error) {
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok || poly == nil || poly.NumParts == 0 || len(poly.Points) == 0 {
			skipped++
			continue
		}
		if skipped > 0 {
			zap.L().Debug("geometry: skipped non-polygon shapefile records", zap.Int("skipped", skipped))
		}
		return polygonToBoundary(poly), nil
	}
	return model.Boundary{}, eris.Errorf("geometry: no polygon in shapefile %s", name)
}

func polygonToBoundary(p *shp.Polygon) model.Boundary {
	rings := make([][][]float64, 0, p.NumParts)
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		ring := make([][]float64, 0, end-start)
		for j := start; j < end; j++ {
			ring = append(ring, []float64{p.Points[j].X, p.Points[j].Y})
		}
		rings = append(rings, ring)
	}
	return model.Boundary{Type: "Polygon", Coordinates: rings}
}
