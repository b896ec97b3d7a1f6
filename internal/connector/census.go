package connector

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"github.com/thapasuman5202/Engineering/internal/model"
	"github.com/thapasuman5202/Engineering/internal/resilience"
	"github.com/thapasuman5202/Engineering/pkg/geocode"
)

var censusFields = []string{"state_fips", "county_fips", "census_tract"}

// Census looks up the state, county and tract containing the boundary
// centroid. Online only.
type Census struct {
	client     geocode.Client
	clock      clockwork.Clock
	confidence float64
}

// NewCensus creates the census-geographies connector. A nil clock uses the
// real clock.
func NewCensus(client geocode.Client, clock clockwork.Clock) *Census {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Census{client: client, clock: clock, confidence: 0.95}
}

func (c *Census) Name() string { return CensusName }

func (c *Census) Fields() []string {
	return append([]string(nil), censusFields...)
}

func (c *Census) Supports(mode model.Mode) bool { return mode == model.ModeOnline }

func (c *Census) Fetch(ctx context.Context, req Request) ([]model.SourceRecord, error) {
	loc := req.Centroid()
	g, err := c.client.Geographies(ctx, loc.Lat, loc.Lon)
	if err != nil {
		var se *geocode.StatusError
		if errors.As(err, &se) && resilience.IsTransientStatus(se.StatusCode) {
			return nil, resilience.Transient(err, se.StatusCode)
		}
		return nil, eris.Wrap(err, "connector: census lookup")
	}

	at := c.clock.Now().UTC()
	if !g.Matched {
		miss := eris.New("no census geography at location")
		out := make([]model.SourceRecord, 0, len(censusFields))
		for _, f := range censusFields {
			out = append(out, failedRecord(CensusName, f, miss, at))
		}
		return out, nil
	}

	return []model.SourceRecord{
		record(CensusName, "state_fips", g.StateFIPS, c.confidence, at),
		record(CensusName, "county_fips", g.CountyFIPS, c.confidence, at),
		record(CensusName, "census_tract", g.Tract, c.confidence, at),
	}, nil
}
