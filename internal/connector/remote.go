package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"github.com/thapasuman5202/Engineering/internal/fetcher"
	"github.com/thapasuman5202/Engineering/internal/model"
	"github.com/thapasuman5202/Engineering/internal/resilience"
)

// RemoteConfig describes a JSON HTTP source.
type RemoteConfig struct {
	Name   string
	URL    string
	Fields []string
	// Confidence is used for values that carry none. Default: 0.5.
	Confidence float64
}

// remoteResponse is the body a remote source returns.
type remoteResponse struct {
	FetchedAt *time.Time             `json:"fetched_at,omitempty"`
	Fields    map[string]remoteValue `json:"fields"`
}

type remoteValue struct {
	Value      any      `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Remote queries a configured HTTP endpoint:
//
//	GET {url}?lat=..&lon=..&radius_m=..&scenarios=a,b
//
// and expects {"fields": {"name": {"value": .., "confidence": ..}}}.
// Online only.
type Remote struct {
	cfg     RemoteConfig
	fetcher fetcher.Fetcher
	clock   clockwork.Clock
}

// NewRemote creates a remote connector.
func NewRemote(cfg RemoteConfig, f fetcher.Fetcher, clock clockwork.Clock) (*Remote, error) {
	if cfg.URL == "" {
		return nil, eris.New("connector: remote url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, eris.Wrapf(err, "connector: remote url %q", cfg.URL)
	}
	if cfg.Name == "" {
		cfg.Name = RemoteName
	}
	if cfg.Confidence <= 0 || cfg.Confidence > 1 {
		cfg.Confidence = 0.5
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Remote{cfg: cfg, fetcher: f, clock: clock}, nil
}

func (r *Remote) Name() string { return r.cfg.Name }

func (r *Remote) Fields() []string {
	return append([]string(nil), r.cfg.Fields...)
}

func (r *Remote) Supports(mode model.Mode) bool { return mode == model.ModeOnline }

func (r *Remote) Fetch(ctx context.Context, req Request) ([]model.SourceRecord, error) {
	body, err := r.fetcher.Download(ctx, r.requestURL(req))
	if err != nil {
		var se *fetcher.StatusError
		if errors.As(err, &se) && resilience.IsTransientStatus(se.StatusCode) {
			return nil, resilience.Transient(err, se.StatusCode)
		}
		return nil, eris.Wrapf(err, "connector: %s fetch", r.cfg.Name)
	}
	defer body.Close() //nolint:errcheck

	var resp remoteResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, eris.Wrapf(err, "connector: %s decode", r.cfg.Name)
	}

	at := r.clock.Now().UTC()
	if resp.FetchedAt != nil {
		at = resp.FetchedAt.UTC()
	}

	names := r.cfg.Fields
	if len(names) == 0 {
		names = sortedKeys(resp.Fields)
	}

	out := make([]model.SourceRecord, 0, len(names))
	for _, name := range names {
		v, ok := resp.Fields[name]
		switch {
		case !ok:
			out = append(out, failedRecord(r.cfg.Name, name, eris.New("field not returned"), at))
		case v.Error != "":
			out = append(out, failedRecord(r.cfg.Name, name, eris.New(v.Error), at))
		default:
			conf := r.cfg.Confidence
			if v.Confidence != nil {
				conf = clamp(*v.Confidence, 0, 1)
			}
			out = append(out, record(r.cfg.Name, name, v.Value, conf, at))
		}
	}
	return out, nil
}

func (r *Remote) requestURL(req Request) string {
	loc := req.Centroid()
	q := url.Values{
		"lat":       {strconv.FormatFloat(loc.Lat, 'f', 6, 64)},
		"lon":       {strconv.FormatFloat(loc.Lon, 'f', 6, 64)},
		"scenarios": {strings.Join(req.Scenarios, ",")},
	}
	if req.Boundary.RadiusM > 0 {
		q.Set("radius_m", strconv.FormatFloat(req.Boundary.RadiusM, 'f', -1, 64))
	}
	sep := "?"
	if strings.Contains(r.cfg.URL, "?") {
		sep = "&"
	}
	return r.cfg.URL + sep + q.Encode()
}
