package main

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/thapasuman5202/Engineering/internal/config"
	"github.com/thapasuman5202/Engineering/internal/connector"
	"github.com/thapasuman5202/Engineering/internal/engine"
	"github.com/thapasuman5202/Engineering/internal/events"
	"github.com/thapasuman5202/Engineering/internal/fetcher"
	"github.com/thapasuman5202/Engineering/internal/observability"
	"github.com/thapasuman5202/Engineering/internal/policy"
	"github.com/thapasuman5202/Engineering/internal/resilience"
	"github.com/thapasuman5202/Engineering/internal/resolver"
	"github.com/thapasuman5202/Engineering/internal/scoring"
	"github.com/thapasuman5202/Engineering/internal/store"
	"github.com/thapasuman5202/Engineering/pkg/geocode"
)

// appEnv holds everything the serve and build commands need.
type appEnv struct {
	Store    store.Store
	Engine   *engine.Engine
	Watcher  *policy.Watcher
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (e *appEnv) Close() {
	if e.Watcher != nil {
		e.Watcher.Close()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
}

func (e *appEnv) onClose(fn func() error) {
	e.closers = append(e.closers, fn)
}

// initEnv wires the store, connectors, engine and policy watcher from c.
// Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config, mode string) (*appEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{}
	fail := func(err error) (*appEnv, error) {
		env.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewMetricsOn(reg)
	if err != nil {
		return nil, eris.Wrap(err, "register metrics")
	}
	env.Metrics, env.Gatherer = metrics, reg

	st, err := initStore(ctx, c.Store)
	if err != nil {
		return fail(err)
	}
	env.Store = st
	env.onClose(st.Close)

	if err := st.Migrate(ctx); err != nil {
		return fail(eris.Wrap(err, "migrate store"))
	}

	clock := clockwork.NewRealClock()
	httpFetcher := fetcher.NewHTTPFetcher(fetcherOptions(c.Connectors.HTTP))

	registry, err := initConnectors(env, c, httpFetcher, clock, metrics)
	if err != nil {
		return fail(err)
	}

	resCfg, err := resolverConfig(c.Resolver)
	if err != nil {
		return fail(err)
	}

	publisher, err := initPublisher(c.Kafka)
	if err != nil {
		return fail(err)
	}
	env.onClose(publisher.Close)

	env.Engine = engine.New(engineConfig(c.Build), registry, st, resolver.New(resCfg),
		engine.WithScoring(scoring.New(scoringConfig(c.Scoring))),
		engine.WithClock(clock),
		engine.WithPublisher(publisher),
		engine.WithMetrics(metrics),
	)

	scanner, err := policy.NewScanner(c.Policy.Keywords)
	if err != nil {
		return fail(err)
	}
	env.Watcher = policy.NewWatcher(policy.Config{
		FetchTimeout: c.Policy.FetchTimeout,
		PollInterval: c.Policy.PollInterval,
		MaxBodyBytes: c.Policy.MaxBodyBytes,
	}, httpFetcher, scanner, clock, metrics)

	zap.L().Info("environment ready",
		zap.String("store", c.Store.Driver),
		zap.Strings("sources", registry.Names()),
		zap.Bool("kafka", c.Kafka.Enabled),
	)
	return env, nil
}

// fetcherOptions maps the outbound HTTP settings onto the fetcher.
func fetcherOptions(hc config.HTTPConnectorConfig) fetcher.HTTPOptions {
	return fetcher.HTTPOptions{
		UserAgent:   hc.UserAgent,
		Timeout:     hc.Timeout,
		MaxRetries:  hc.MaxRetries,
		RatePerHost: rate.Limit(hc.RatePerHost),
	}
}

func initStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil
	case config.DriverSQLite:
		return store.NewSQLite(c.SQLitePath)
	case config.DriverPostgres:
		return store.NewPostgres(ctx, c.DatabaseURL, &store.PoolConfig{MaxConns: c.MaxConns, MinConns: c.MinConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Driver)
	}
}

// initConnectors registers the enabled connectors. Network connectors run
// behind a breaker with retries and, when enabled, the response cache.
func initConnectors(env *appEnv, c *config.Config, f fetcher.Fetcher, clock clockwork.Clock, metrics *observability.Metrics) (*connector.Registry, error) {
	cc := c.Connectors
	registry := connector.NewRegistry()

	breakerCfg := resilience.BreakerConfig{
		FailureThreshold: c.Resilience.BreakerThreshold,
		Cooldown:         c.Resilience.BreakerCooldown,
		OnStateChange: func(name string, _, to resilience.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	}
	breakers := resilience.NewBreakers(breakerCfg, clock)
	retry := resilience.RetryConfig{
		MaxAttempts:    c.Resilience.RetryAttempts,
		InitialBackoff: c.Resilience.RetryBackoff,
		MaxBackoff:     c.Resilience.RetryMaxBackoff,
		Jitter:         c.Resilience.RetryJitter,
	}

	var cache *connector.Cache
	if cc.Cache.Enabled {
		var err error
		cache, err = connector.OpenCache(connector.CacheConfig{
			Dir:      cc.Cache.Dir,
			InMemory: cc.Cache.InMemory,
			MinTTL:   cc.Cache.MinTTL,
			MaxTTL:   cc.Cache.MaxTTL,
		})
		if err != nil {
			return nil, err
		}
		cache.SetMetrics(metrics)
		env.onClose(cache.Close)
	}
	network := func(conn connector.Connector) connector.Connector {
		var wrapped connector.Connector = connector.Guard(conn, breakers, retry, clock)
		if cache != nil {
			wrapped = cache.Wrap(wrapped)
		}
		return wrapped
	}

	var conns []connector.Connector
	if cc.Synthetic.Enabled {
		conns = append(conns, connector.NewSynthetic())
	}
	if cc.HazardAtlas.Enabled {
		conns = append(conns, connector.NewHazardAtlas())
	}
	if cc.Census.Enabled {
		opts := []geocode.Option{
			geocode.WithHTTPClient(&http.Client{Timeout: cc.HTTP.Timeout}),
			geocode.WithBenchmark(cc.Census.Benchmark, cc.Census.Vintage),
		}
		if cc.Census.RateLimit > 0 {
			opts = append(opts, geocode.WithRateLimit(cc.Census.RateLimit))
		}
		client := geocode.NewClient(opts...)
		conns = append(conns, network(connector.NewCensus(client, clock)))
	}
	if cc.Remote.Enabled {
		remote, err := connector.NewRemote(connector.RemoteConfig{
			Name:       cc.Remote.Name,
			URL:        cc.Remote.URL,
			Fields:     cc.Remote.Fields,
			Confidence: cc.Remote.Confidence,
		}, f, clock)
		if err != nil {
			return nil, err
		}
		conns = append(conns, network(remote))
	}

	for _, conn := range conns {
		if err := registry.Register(conn); err != nil {
			return nil, err
		}
	}
	if len(registry.Names()) == 0 {
		return nil, eris.New("no connectors enabled")
	}
	return registry, nil
}

func initPublisher(c config.KafkaConfig) (events.Publisher, error) {
	if !c.Enabled {
		return events.Nop{}, nil
	}
	return events.NewKafka(events.KafkaConfig{Brokers: c.Brokers, Topic: c.Topic})
}

func engineConfig(c config.BuildConfig) engine.Config {
	return engine.Config{
		Timeout:          c.Timeout,
		MinQuorum:        c.MinQuorum,
		MaxConcurrency:   c.MaxConcurrency,
		DefaultRadiusM:   c.DefaultRadiusM,
		DefaultScenarios: c.DefaultScenarios,
		CircleSegments:   c.CircleSegments,
	}
}

// resolverConfig loads the resolver file when one is named, otherwise it
// overlays the inline settings on the defaults.
func resolverConfig(c config.ResolverConfig) (*resolver.Config, error) {
	if c.File != "" {
		return resolver.LoadConfig(c.File)
	}
	out := resolver.DefaultConfig()
	if c.DefaultTolerance > 0 {
		out.DefaultTolerance = c.DefaultTolerance
	}
	if len(c.Priorities) > 0 {
		out.Priorities = append([]string(nil), c.Priorities...)
	}
	for field, tol := range c.Tolerances {
		out.Fields[field] = resolver.FieldConfig{Tolerance: &tol}
	}
	return out, nil
}

func scoringConfig(c config.ScoringConfig) scoring.Config {
	out := scoring.DefaultConfig()
	out.Weights = scoring.Weights{
		Heat:       c.Heat,
		Flood:      c.Flood,
		Pollution:  c.Pollution,
		Impervious: c.Impervious,
		Mitigation: c.Mitigation,
	}
	for k, v := range c.Multipliers {
		out.Multipliers[k] = v
	}
	return out
}
