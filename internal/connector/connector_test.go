package connector

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thapasuman5202/Engineering/internal/fetcher"
	"github.com/thapasuman5202/Engineering/internal/geometry"
	"github.com/thapasuman5202/Engineering/internal/model"
	"github.com/thapasuman5202/Engineering/internal/observability"
	"github.com/thapasuman5202/Engineering/internal/resilience"
	"github.com/thapasuman5202/Engineering/pkg/geocode"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func request(lat, lon float64, mode model.Mode) Request {
	return Request{
		Boundary:  geometry.Circle(lat, lon, 500, 64),
		Scenarios: []string{"baseline", "ssp5_8.5"},
		Mode:      mode,
	}
}

func byField(recs []model.SourceRecord) map[string]model.SourceRecord {
	out := make(map[string]model.SourceRecord, len(recs))
	for _, r := range recs {
		out[r.FieldName] = r
	}
	return out
}

// stub is a scripted connector.
type stub struct {
	name  string
	modes []model.Mode
	calls atomic.Int32
	fetch func(ctx context.Context, req Request) ([]model.SourceRecord, error)
}

func (s *stub) Name() string     { return s.name }
func (s *stub) Fields() []string { return []string{"x"} }
func (s *stub) Supports(mode model.Mode) bool {
	for _, m := range s.modes {
		if m == mode {
			return true
		}
	}
	return false
}

func (s *stub) Fetch(ctx context.Context, req Request) ([]model.SourceRecord, error) {
	s.calls.Add(1)
	return s.fetch(ctx, req)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(NewSynthetic()))
	require.NoError(t, r.Register(NewHazardAtlas()))
	require.NoError(t, r.Register(&stub{name: "online-only", modes: []model.Mode{model.ModeOnline}}))

	assert.Equal(t, []string{SyntheticName, HazardName, "online-only"}, r.Names())
	assert.Len(t, r.All(), 3)

	err := r.Register(NewSynthetic())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
	assert.Error(t, r.Register(&stub{}))

	c, err := r.Get(HazardName)
	require.NoError(t, err)
	assert.Equal(t, HazardName, c.Name())

	_, err = r.Get("nope")
	assert.Equal(t, model.NotFound, model.KindOf(err))

	var offline []string
	for _, c := range r.ForMode(model.ModeOffline) {
		offline = append(offline, c.Name())
	}
	assert.Equal(t, []string{SyntheticName, HazardName}, offline)
	assert.Len(t, r.ForMode(model.ModeOnline), 3)
}

func TestSynthetic_Deterministic(t *testing.T) {
	t.Parallel()

	s := NewSynthetic()
	a, err := s.Fetch(context.Background(), request(40.7484, -73.9857, model.ModeOffline))
	require.NoError(t, err)
	b, err := s.Fetch(context.Background(), request(40.74842, -73.98571, model.ModeOffline))
	require.NoError(t, err)
	assert.Equal(t, a, b, "locations equal at 4 dp yield the same values")

	c, err := s.Fetch(context.Background(), request(34.05, -118.24, model.ModeOffline))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	assert.Len(t, a, len(s.Fields()))
	for _, r := range a {
		assert.Equal(t, SyntheticName, r.SourceID)
		assert.Equal(t, DataVintage, r.FetchedAt)
		assert.Empty(t, r.Error)
		assert.GreaterOrEqual(t, r.Confidence, 0.0)
		assert.LessOrEqual(t, r.Confidence, 1.0)
	}
}

func TestSynthetic_ValueRanges(t *testing.T) {
	t.Parallel()

	s := NewSynthetic()
	for _, loc := range [][2]float64{{0, 0}, {51.5, -0.12}, {-33.86, 151.2}, {64.1, -21.9}} {
		recs, err := s.Fetch(context.Background(), request(loc[0], loc[1], model.ModeOffline))
		require.NoError(t, err)
		f := byField(recs)

		for _, name := range []string{"greenspace_pct", "impervious_pct", "data_completeness"} {
			v := f[name].Value.(float64)
			assert.True(t, v >= 0 && v <= 1, "%s=%v", name, v)
		}
		assert.IsType(t, true, f["zoning_compliant"].Value)
		days := f["heatwave_days"].Value.(float64)
		assert.Equal(t, math.Trunc(days), days)
	}
}

func TestSynthetic_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSynthetic().Fetch(ctx, request(1, 1, model.ModeOffline))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHazardAtlas_Overlap(t *testing.T) {
	t.Parallel()

	req := request(40.7484, -73.9857, model.ModeOffline)
	syn, err := NewSynthetic().Fetch(context.Background(), req)
	require.NoError(t, err)
	haz, err := NewHazardAtlas().Fetch(context.Background(), req)
	require.NoError(t, err)

	s, h := byField(syn), byField(haz)
	assert.Len(t, h, len(NewHazardAtlas().Fields()))
	for name := range h {
		assert.Contains(t, s, name, "hazard field %s overlaps synthetic", name)
		assert.Equal(t, s[name].FetchedAt, h[name].FetchedAt)
	}

	assert.Equal(t, s["heat_index_c"].Confidence, h["heat_index_c"].Confidence)
	assert.Less(t, math.Abs(s["heat_index_c"].Value.(float64)-h["heat_index_c"].Value.(float64)), 0.5)
	assert.Less(t, math.Abs(s["elevation_m"].Value.(float64)-h["elevation_m"].Value.(float64)), 1.0)
	assert.Greater(t, h["flood_depth_m"].Confidence, s["flood_depth_m"].Confidence)
	assert.Greater(t, h["pm25_ugm3"].Value.(float64)-s["pm25_ugm3"].Value.(float64), 2.9)
	assert.Less(t, h["greenspace_pct"].Confidence, s["greenspace_pct"].Confidence)
}

type fakeGeocoder struct {
	g   *geocode.Geographies
	err error
}

func (f fakeGeocoder) Geographies(context.Context, float64, float64) (*geocode.Geographies, error) {
	return f.g, f.err
}

func TestCensus(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(now)
	c := NewCensus(fakeGeocoder{g: &geocode.Geographies{
		StateFIPS: "36", CountyFIPS: "36061", Tract: "36061007600", Matched: true,
	}}, clock)

	assert.True(t, c.Supports(model.ModeOnline))
	assert.False(t, c.Supports(model.ModeOffline))

	recs, err := c.Fetch(context.Background(), request(40.7484, -73.9857, model.ModeOnline))
	require.NoError(t, err)
	f := byField(recs)
	assert.Equal(t, "36", f["state_fips"].Value)
	assert.Equal(t, "36061", f["county_fips"].Value)
	assert.Equal(t, "36061007600", f["census_tract"].Value)
	assert.Equal(t, now, f["state_fips"].FetchedAt)
}

func TestCensus_NoMatchIsPartialFailure(t *testing.T) {
	t.Parallel()

	c := NewCensus(fakeGeocoder{g: &geocode.Geographies{}}, clockwork.NewFakeClockAt(now))
	recs, err := c.Fetch(context.Background(), request(0, -30, model.ModeOnline))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.True(t, r.Failed())
		assert.Contains(t, r.Error, "no census geography")
	}
}

func TestCensus_Errors(t *testing.T) {
	t.Parallel()

	c := NewCensus(fakeGeocoder{err: &geocode.StatusError{StatusCode: 503}}, nil)
	_, err := c.Fetch(context.Background(), request(1, 1, model.ModeOnline))
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	c = NewCensus(fakeGeocoder{err: &geocode.StatusError{StatusCode: 400}}, nil)
	_, err = c.Fetch(context.Background(), request(1, 1, model.ModeOnline))
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func newRemote(t *testing.T, handler http.HandlerFunc, fields []string) *Remote {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{MaxRetries: 1, RatePerHost: 1000})
	r, err := NewRemote(RemoteConfig{URL: srv.URL + "/site", Fields: fields}, f, clockwork.NewFakeClockAt(now))
	require.NoError(t, err)
	return r
}

func TestRemote_Fetch(t *testing.T) {
	t.Parallel()

	var query map[string][]string
	r := newRemote(t, func(w http.ResponseWriter, req *http.Request) {
		query = req.URL.Query()
		_, _ = io.WriteString(w, `{"fields": {
			"heat_index_c": {"value": 33.1, "confidence": 0.9},
			"flood_zone": {"value": "AE"},
			"pm25_ugm3": {"error": "sensor offline"}
		}}`)
	}, []string{"heat_index_c", "flood_zone", "pm25_ugm3", "elevation_m"})

	recs, err := r.Fetch(context.Background(), request(40.7484, -73.9857, model.ModeOnline))
	require.NoError(t, err)
	f := byField(recs)

	assert.Equal(t, 33.1, f["heat_index_c"].Value)
	assert.Equal(t, 0.9, f["heat_index_c"].Confidence)
	assert.Equal(t, "AE", f["flood_zone"].Value)
	assert.Equal(t, 0.5, f["flood_zone"].Confidence)
	assert.Equal(t, "sensor offline", f["pm25_ugm3"].Error)
	assert.Equal(t, "field not returned", f["elevation_m"].Error)
	assert.Equal(t, now, f["heat_index_c"].FetchedAt)

	assert.Equal(t, []string{"40.748400"}, query["lat"])
	assert.Equal(t, []string{"-73.985700"}, query["lon"])
	assert.Equal(t, []string{"500"}, query["radius_m"])
	assert.Equal(t, []string{"baseline,ssp5_8.5"}, query["scenarios"])
}

func TestRemote_UndeclaredFieldsTakeResponseOrder(t *testing.T) {
	t.Parallel()

	r := newRemote(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"fetched_at": "2025-05-01T00:00:00Z", "fields": {"b": {"value": 2}, "a": {"value": 1}}}`)
	}, nil)

	recs, err := r.Fetch(context.Background(), request(1, 1, model.ModeOnline))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].FieldName)
	assert.Equal(t, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), recs[0].FetchedAt)
}

func TestRemote_Errors(t *testing.T) {
	t.Parallel()

	r := newRemote(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, []string{"x"})
	_, err := r.Fetch(context.Background(), request(1, 1, model.ModeOnline))
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	r = newRemote(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{broken`)
	}, []string{"x"})
	_, err = r.Fetch(context.Background(), request(1, 1, model.ModeOnline))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")

	_, err = NewRemote(RemoteConfig{}, nil, nil)
	assert.Error(t, err)
}

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenCache(CacheConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCached_OnlineThenOffline(t *testing.T) {
	t.Parallel()

	cache := openTestCache(t)
	m := observability.NewMetricsForTesting()
	cache.SetMetrics(m)

	inner := &stub{name: "census", modes: []model.Mode{model.ModeOnline}, fetch: func(context.Context, Request) ([]model.SourceRecord, error) {
		return []model.SourceRecord{record("census", "x", "36061", 0.9, now)}, nil
	}}
	c := cache.Wrap(inner)
	assert.True(t, c.Supports(model.ModeOffline))
	assert.True(t, c.Supports(model.ModeOnline))

	req := request(40, -74, model.ModeOnline)
	first, err := c.Fetch(context.Background(), req)
	require.NoError(t, err)
	second, err := c.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, first[0].Value, second[0].Value)
	assert.True(t, first[0].FetchedAt.Equal(second[0].FetchedAt))

	req.Mode = model.ModeOffline
	req.Scenarios = []string{"ssp5_8.5", "baseline"}
	offline, err := c.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, offline, 1)
	assert.Equal(t, "36061", offline[0].Value)
	assert.Equal(t, int32(1), inner.calls.Load())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("census", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("census", "miss")))
}

func TestCached_OfflineMissReturnsNothing(t *testing.T) {
	t.Parallel()

	inner := &stub{name: "census", modes: []model.Mode{model.ModeOnline}}
	c := openTestCache(t).Wrap(inner)

	recs, err := c.Fetch(context.Background(), request(10, 10, model.ModeOffline))
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Zero(t, inner.calls.Load())
}

func TestCached_FailuresAreNotCached(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	fail.Store(true)
	inner := &stub{name: "remote", modes: []model.Mode{model.ModeOnline}, fetch: func(context.Context, Request) ([]model.SourceRecord, error) {
		if fail.Load() {
			return []model.SourceRecord{failedRecord("remote", "x", errors.New("down"), now)}, nil
		}
		return []model.SourceRecord{record("remote", "x", 1.0, 0.5, now)}, nil
	}}
	c := openTestCache(t).Wrap(inner)
	req := request(10, 10, model.ModeOnline)

	_, err := c.Fetch(context.Background(), req)
	require.NoError(t, err)
	fail.Store(false)
	recs, err := c.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1.0, recs[0].Value)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCache_TTLJitter(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	for range 50 {
		ttl := c.ttl()
		assert.GreaterOrEqual(t, ttl, 15*time.Minute)
		assert.LessOrEqual(t, ttl, 60*time.Minute)
	}
}

func TestCacheKey(t *testing.T) {
	t.Parallel()

	a := request(40, -74, model.ModeOnline)
	b := a
	b.Scenarios = []string{"ssp5_8.5", "baseline"}
	b.Mode = model.ModeOffline
	assert.Equal(t, cacheKey("x", a), cacheKey("x", b))
	assert.NotEqual(t, cacheKey("x", a), cacheKey("y", a))
	assert.NotEqual(t, cacheKey("x", a), cacheKey("x", request(40.001, -74, model.ModeOnline)))
}

func TestGuarded_RetriesTransient(t *testing.T) {
	t.Parallel()

	inner := &stub{name: "remote", modes: []model.Mode{model.ModeOnline}}
	inner.fetch = func(context.Context, Request) ([]model.SourceRecord, error) {
		if inner.calls.Load() < 2 {
			return nil, resilience.Transient(errors.New("503"), 503)
		}
		return []model.SourceRecord{record("remote", "x", 1.0, 0.5, now)}, nil
	}

	breakers := resilience.NewBreakers(resilience.BreakerConfig{FailureThreshold: 2}, nil)
	g := Guard(inner, breakers, resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}, nil)

	recs, err := g.Fetch(context.Background(), request(1, 1, model.ModeOnline))
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, resilience.Closed, g.Breaker().State())
	assert.Equal(t, "remote", g.Name())
	assert.False(t, g.Supports(model.ModeOffline))
}

func TestGuarded_OpensBreaker(t *testing.T) {
	t.Parallel()

	inner := &stub{name: "remote", modes: []model.Mode{model.ModeOnline}, fetch: func(context.Context, Request) ([]model.SourceRecord, error) {
		return nil, errors.New("bad request")
	}}
	breakers := resilience.NewBreakers(resilience.BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}, clockwork.NewFakeClockAt(now))
	g := Guard(inner, breakers, resilience.RetryConfig{MaxAttempts: 3}, nil)

	for range 2 {
		_, err := g.Fetch(context.Background(), request(1, 1, model.ModeOnline))
		require.Error(t, err)
	}
	_, err := g.Fetch(context.Background(), request(1, 1, model.ModeOnline))
	assert.ErrorIs(t, err, resilience.ErrOpen)
	assert.Equal(t, int32(2), inner.calls.Load())
}
