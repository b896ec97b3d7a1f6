// Package geocode looks up Census geographies (state, county, tract) for a
// coordinate via the Census Geocoder.
package geocode

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Client resolves coordinates to Census geographies.
type Client interface {
	// Geographies returns the state, county and tract containing lat/lon.
	Geographies(ctx context.Context, lat, lon float64) (*Geographies, error)
}

// Geographies holds the Census units containing a coordinate.
type Geographies struct {
	StateFIPS  string
	StateAbbr  string
	CountyFIPS string // five digits: state + county
	CountyName string
	Tract      string // eleven-digit tract GEOID
	Matched    bool
}

// StatusError is returned when the Census Geocoder answers with a non-200
// status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("geocode: census returned status %d", e.StatusCode)
}

// Option configures the geocoder.
type Option func(*geocoder)

// WithHTTPClient sets a custom HTTP client for Census requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *geocoder) {
		g.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second rate limit for Census API calls.
func WithRateLimit(rps float64) Option {
	return func(g *geocoder) {
		burst := max(1, int(rps))
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBenchmark overrides the Census benchmark and vintage names.
func WithBenchmark(benchmark, vintage string) Option {
	return func(g *geocoder) {
		if benchmark != "" {
			g.benchmark = benchmark
		}
		if vintage != "" {
			g.vintage = vintage
		}
	}
}

type geocoder struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	benchmark  string
	vintage    string
}

// NewClient creates a new Census geographies Client with the given options.
func NewClient(opts ...Option) Client {
	g := &geocoder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(10, 10),
		benchmark:  censusBenchmark,
		vintage:    censusVintage,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *geocoder) Geographies(ctx context.Context, lat, lon float64) (*Geographies, error) {
	return g.geographiesCensus(ctx, lat, lon)
}
