package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"
)

const (
	censusCoordinatesURL = "https://geocoding.geo.census.gov/geocoder/geographies/coordinates"
	censusBenchmark      = "Public_AR_Current"
	censusVintage        = "Current_Current"
)

// censusGeographiesResponse is the JSON response from the Census coordinates API.
type censusGeographiesResponse struct {
	Result struct {
		Geographies map[string][]censusGeography `json:"geographies"`
	} `json:"result"`
}

type censusGeography struct {
	GEOID  string `json:"GEOID"`
	Name   string `json:"NAME"`
	State  string `json:"STATE"`
	County string `json:"COUNTY"`
	Tract  string `json:"TRACT"`
	StUSAB string `json:"STUSAB"`
}

// geographiesCensus looks up the geographies containing a coordinate.
func (g *geocoder) geographiesCensus(ctx context.Context, lat, lon float64) (*Geographies, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "geocode: census rate limit")
	}

	params := url.Values{
		"x":         {strconv.FormatFloat(lon, 'f', 6, 64)},
		"y":         {strconv.FormatFloat(lat, 'f', 6, 64)},
		"benchmark": {g.benchmark},
		"vintage":   {g.vintage},
		"layers":    {"States,Counties,Census Tracts"},
		"format":    {"json"},
	}

	reqURL := censusCoordinatesURL + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: census build request")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: census request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: census read body")
	}

	var censusResp censusGeographiesResponse
	if err := json.Unmarshal(body, &censusResp); err != nil {
		return nil, eris.Wrap(err, "geocode: census parse response")
	}

	return parseGeographies(censusResp.Result.Geographies), nil
}

// parseGeographies picks the first unit of each layer. A coordinate outside
// every tract is reported as unmatched, not as an error.
func parseGeographies(layers map[string][]censusGeography) *Geographies {
	out := &Geographies{}

	if states := layers["States"]; len(states) > 0 {
		out.StateFIPS = states[0].State
		out.StateAbbr = states[0].StUSAB
	}
	if counties := layers["Counties"]; len(counties) > 0 {
		c := counties[0]
		out.CountyName = c.Name
		out.CountyFIPS = c.GEOID
		if out.CountyFIPS == "" {
			out.CountyFIPS = c.State + c.County
		}
		if out.StateFIPS == "" {
			out.StateFIPS = c.State
		}
	}
	if tracts := layers["Census Tracts"]; len(tracts) > 0 {
		tr := tracts[0]
		out.Tract = tr.GEOID
		if out.Tract == "" {
			out.Tract = tr.State + tr.County + tr.Tract
		}
		if out.CountyFIPS == "" {
			out.CountyFIPS = tr.State + tr.County
		}
		if out.StateFIPS == "" {
			out.StateFIPS = tr.State
		}
	}

	out.Matched = out.Tract != ""
	return out
}
