package connector

import (
	"context"

	"github.com/thapasuman5202/Engineering/internal/model"
)

var hazardFields = []string{
	"heat_index_c",
	"flood_depth_m",
	"pm25_ugm3",
	"elevation_m",
	"greenspace_pct",
}

// HazardAtlas is an offline second opinion on the hazard fields. Its values
// overlap the synthetic source with its own bias and confidences:
//   - heat_index_c, elevation_m: same confidence, within merge tolerance
//   - flood_depth_m: higher confidence, wins outright
//   - pm25_ugm3: same confidence, materially different value
//   - greenspace_pct: lower confidence, kept as an alternate
type HazardAtlas struct{}

// NewHazardAtlas creates the hazard-atlas connector.
func NewHazardAtlas() *HazardAtlas {
	return &HazardAtlas{}
}

func (h *HazardAtlas) Name() string { return HazardName }

func (h *HazardAtlas) Fields() []string {
	return append([]string(nil), hazardFields...)
}

func (h *HazardAtlas) Supports(model.Mode) bool { return true }

func (h *HazardAtlas) Fetch(ctx context.Context, req Request) ([]model.SourceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loc := req.Centroid()
	p := siteProfile(loc)
	r := seededRand(HazardName, loc)
	at := DataVintage

	heat := round(p.heatIndex+0.4*(2*r.Float64()-1), 2)
	flood := round(p.floodDepth*(1.05+0.2*r.Float64()), 3)
	pm25 := round(p.pm25+3+3*r.Float64(), 2)
	elevation := round(p.elevation+0.4*(2*r.Float64()-1), 1)
	green := round(clamp(p.greenspace+0.1*(2*r.Float64()-1), 0, 1), 4)

	return []model.SourceRecord{
		record(HazardName, "heat_index_c", heat, 0.6, at),
		record(HazardName, "flood_depth_m", flood, 0.75, at),
		record(HazardName, "pm25_ugm3", pm25, 0.6, at),
		record(HazardName, "elevation_m", elevation, 0.8, at),
		record(HazardName, "greenspace_pct", green, 0.55, at),
	}, nil
}
