package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thapasuman5202/Engineering/internal/connector"
	"github.com/thapasuman5202/Engineering/internal/geometry"
	"github.com/thapasuman5202/Engineering/internal/model"
)

// BuildRequest describes a new site. Either Boundary or Lat/Lon is required.
type BuildRequest struct {
	SiteName  string
	Lat       *float64
	Lon       *float64
	RadiusM   float64
	Boundary  *model.Boundary
	Brief     string
	Online    bool
	Scenarios []string
}

// fetchOutcome is what one connector produced during a build.
type fetchOutcome struct {
	name    string
	fields  []string
	records []model.SourceRecord
	err     error
}

func (o fetchOutcome) responded() bool {
	for _, r := range o.records {
		if !r.Failed() {
			return true
		}
	}
	return false
}

// Build resolves the boundary, fans out to every connector that supports
// the requested mode, reconciles their records and commits version 1 of a
// new context.
func (e *Engine) Build(ctx context.Context, req BuildRequest) (*model.Context, error) {
	c, err := e.build(ctx, req)
	if e.metrics != nil {
		e.metrics.Builds.WithLabelValues(buildOutcome(err)).Inc()
	}
	return c, err
}

func (e *Engine) build(ctx context.Context, req BuildRequest) (*model.Context, error) {
	radius := req.RadiusM
	if radius == 0 {
		radius = e.cfg.DefaultRadiusM
	}
	boundary, err := e.geometry.Resolve(geometry.Input{
		Boundary: req.Boundary,
		Lat:      req.Lat,
		Lon:      req.Lon,
		RadiusM:  radius,
	})
	if err != nil {
		return nil, err
	}

	scenarios := cleanScenarios(req.Scenarios)
	if len(scenarios) == 0 {
		scenarios = append([]string(nil), e.cfg.DefaultScenarios...)
	}
	mode := model.ModeOffline
	if req.Online {
		mode = model.ModeOnline
	}

	log := zap.L().With(zap.String("component", "engine"), zap.String("site", req.SiteName), zap.String("mode", string(mode)))
	conns := e.registry.ForMode(mode)
	log.Debug("engine: fanning out", zap.Int("connectors", len(conns)))

	outcomes := e.fanOut(ctx, conns, connector.Request{Boundary: boundary, Scenarios: scenarios, Mode: mode})
	if err := ctx.Err(); err != nil {
		return nil, model.WrapKind(model.Timeout, err, "build cancelled")
	}

	var (
		records   []model.SourceRecord
		failures  []model.SourceFailure
		declared  = make(map[string]struct{})
		responded int
		names     = make([]string, 0, len(outcomes))
	)
	for _, o := range outcomes {
		names = append(names, o.name)
		if o.err != nil {
			kind := model.SourceFetchFailure
			if model.KindOf(o.err) == model.Timeout {
				kind = model.Timeout
			}
			failures = append(failures, model.SourceFailure{SourceID: o.name, Kind: string(kind), Error: o.err.Error()})
			log.Warn("engine: connector failed", zap.String("connector", o.name), zap.Error(o.err))
			continue
		}
		records = append(records, o.records...)
		if o.responded() {
			responded++
			for _, f := range o.fields {
				declared[f] = struct{}{}
			}
		}
	}

	if responded < e.cfg.MinQuorum {
		return nil, model.Errorf(model.InsufficientSources,
			"%d of %d sources responded, need %d", responded, len(conns), e.cfg.MinQuorum)
	}

	res := e.resolver.ResolveAll(records)
	fields := make(map[string]any, len(res.Fields))
	for name, v := range res.Fields {
		fields[name] = normalizeValue(v)
	}
	if e.metrics != nil {
		for _, lin := range res.Lineage {
			e.metrics.ResolutionRules.WithLabelValues(lin.RuleApplied).Inc()
		}
	}

	missing := make(map[string]struct{}, len(res.Missing))
	for _, name := range res.Missing {
		missing[name] = struct{}{}
	}
	for name := range declared {
		if _, ok := fields[name]; !ok {
			missing[name] = struct{}{}
		}
	}
	failures = append(failures, res.Failures...)

	c := &model.Context{
		ContextID:      e.newID(),
		Version:        1,
		Kind:           model.KindBuilt,
		SiteName:       req.SiteName,
		Brief:          req.Brief,
		Mode:           mode,
		Boundary:       boundary,
		Scenarios:      scenarios,
		Fields:         fields,
		Lineage:        res.Lineage,
		MissingFields:  sortedKeys(missing),
		SourceFailures: failures,
		Audit: &model.Audit{
			InputsHash:    InputsHash(boundary, scenarios, mode),
			Sources:       names,
			EngineVersion: Version,
		},
		CreatedAt: e.clock.Now().UTC(),
	}
	e.rescore(c)

	committed, err := e.commit(ctx, c)
	if err != nil {
		return nil, err
	}
	log.Info("engine: context built",
		zap.String("context_id", committed.ContextID),
		zap.Int("fields", len(committed.Fields)),
		zap.Int("missing", len(committed.MissingFields)),
		zap.Int("failures", len(committed.SourceFailures)),
	)
	return committed.Clone(), nil
}

// fanOut runs every connector under one shared deadline. A connector that
// has not returned by the deadline is abandoned and reported as a timeout.
// Outcomes keep connector order.
func (e *Engine) fanOut(ctx context.Context, conns []connector.Connector, req connector.Request) []fetchOutcome {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	outcomes := make([]fetchOutcome, len(conns))
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.MaxConcurrency)
	for i, conn := range conns {
		g.Go(func() error {
			outcomes[i] = e.fetchOne(fctx, conn, req)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *Engine) fetchOne(ctx context.Context, conn connector.Connector, req connector.Request) fetchOutcome {
	out := fetchOutcome{name: conn.Name(), fields: conn.Fields()}
	if err := ctx.Err(); err != nil {
		out.err = model.WrapKind(model.Timeout, err, "not started before the build deadline")
		e.observeFetch(out.name, "timeout", 0)
		return out
	}

	type result struct {
		records []model.SourceRecord
		err     error
	}
	start := time.Now()
	done := make(chan result, 1)
	go func() {
		recs, err := conn.Fetch(ctx, req)
		done <- result{recs, err}
	}()

	select {
	case r := <-done:
		out.records, out.err = r.records, r.err
	case <-ctx.Done():
		out.err = model.WrapKind(model.Timeout, ctx.Err(), "abandoned at the build deadline")
	}

	switch {
	case out.err != nil && model.KindOf(out.err) == model.Timeout:
		e.observeFetch(out.name, "timeout", time.Since(start))
	case out.err != nil:
		e.observeFetch(out.name, "error", time.Since(start))
	case hasFailed(out.records):
		e.observeFetch(out.name, "partial", time.Since(start))
	default:
		e.observeFetch(out.name, "ok", time.Since(start))
	}
	return out
}

func (e *Engine) observeFetch(name, outcome string, d time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.ConnectorFetches.WithLabelValues(name, outcome).Inc()
	if d > 0 {
		e.metrics.FetchDuration.WithLabelValues(name).Observe(d.Seconds())
	}
}

func hasFailed(recs []model.SourceRecord) bool {
	for _, r := range recs {
		if r.Failed() {
			return true
		}
	}
	return false
}

// InputsHash fingerprints what a build was asked for: the boundary ring,
// the scenarios and the mode.
func InputsHash(b model.Boundary, scenarios []string, mode model.Mode) string {
	canonical := struct {
		Type        string        `json:"type"`
		Coordinates [][][]float64 `json:"coordinates"`
		Scenarios   []string      `json:"scenarios"`
		Mode        model.Mode    `json:"mode"`
	}{b.Type, b.Coordinates, scenarios, mode}
	data, err := json.Marshal(canonical)
	if err != nil {
		// Only NaN or Inf coordinates fail to encode, and those never pass
		// geometry checks.
		data = []byte(fmt.Sprint(canonical))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// cleanScenarios trims names and drops blanks and duplicates, keeping order.
func cleanScenarios(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func buildOutcome(err error) string {
	switch model.KindOf(err) {
	case "":
		return "ok"
	case model.InsufficientSources:
		return "insufficient_sources"
	case model.Timeout:
		return "timeout"
	case model.InvalidGeometry, model.OutOfRange, model.ValidationFailure:
		return "invalid"
	default:
		return "error"
	}
}
