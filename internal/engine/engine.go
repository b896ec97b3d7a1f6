// Package engine builds, resolves and branches site contexts. It wires the
// geometry resolver, the connector registry, the conflict resolver, scoring
// and the context store together.
package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/thapasuman5202/Engineering/internal/connector"
	"github.com/thapasuman5202/Engineering/internal/events"
	"github.com/thapasuman5202/Engineering/internal/geometry"
	"github.com/thapasuman5202/Engineering/internal/model"
	"github.com/thapasuman5202/Engineering/internal/observability"
	"github.com/thapasuman5202/Engineering/internal/resolver"
	"github.com/thapasuman5202/Engineering/internal/scoring"
	"github.com/thapasuman5202/Engineering/internal/store"
	"github.com/thapasuman5202/Engineering/internal/validate"
)

// Version is recorded in every build's audit block.
const Version = "stage0-engine/1.0"

// Config controls builds.
type Config struct {
	// Timeout is the shared deadline for the connector fan-out. Default: 10s.
	Timeout time.Duration
	// MinQuorum is the number of connectors that must return at least one
	// usable record. Default: 1.
	MinQuorum int
	// MaxConcurrency bounds concurrent connector fetches. Default: 8.
	MaxConcurrency int
	// DefaultRadiusM applies to point builds without a radius. Default: 500.
	DefaultRadiusM float64
	// DefaultScenarios applies when a build names none. Default: baseline.
	DefaultScenarios []string
	// CircleSegments is the vertex count of point boundaries. Default: 64.
	CircleSegments int
}

// DefaultConfig returns the shipped build settings.
func DefaultConfig() Config {
	return Config{
		Timeout:          10 * time.Second,
		MinQuorum:        1,
		MaxConcurrency:   8,
		DefaultRadiusM:   500,
		DefaultScenarios: []string{"baseline"},
		CircleSegments:   geometry.DefaultSegments,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MinQuorum <= 0 {
		c.MinQuorum = d.MinQuorum
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.DefaultRadiusM <= 0 {
		c.DefaultRadiusM = d.DefaultRadiusM
	}
	if len(c.DefaultScenarios) == 0 {
		c.DefaultScenarios = d.DefaultScenarios
	}
	if c.CircleSegments <= 0 {
		c.CircleSegments = d.CircleSegments
	}
	return c
}

// Engine runs the context operations. It is safe for concurrent use.
type Engine struct {
	cfg       Config
	registry  *connector.Registry
	store     store.Store
	geometry  *geometry.Resolver
	validator *validate.Engine
	resolver  *resolver.Resolver
	score     scoring.Func
	clock     clockwork.Clock
	publisher events.Publisher
	metrics   *observability.Metrics
	newID     func() string
}

// Option customises an Engine.
type Option func(*Engine)

// WithScoring replaces the default hazard index.
func WithScoring(fn scoring.Func) Option {
	return func(e *Engine) { e.score = fn }
}

// WithClock sets the clock used for created_at.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithPublisher sets the version event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics enables prometheus counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithIDGenerator replaces uuid context ids.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New creates an engine over the given registry, store and resolver.
func New(cfg Config, reg *connector.Registry, st store.Store, res *resolver.Resolver, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:       cfg,
		registry:  reg,
		store:     st,
		geometry:  geometry.NewResolver(cfg.CircleSegments),
		validator: validate.New(st),
		resolver:  res,
		score:     scoring.Default,
		clock:     clockwork.NewRealClock(),
		publisher: events.Nop{},
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Get returns the main-line head of a context.
func (e *Engine) Get(ctx context.Context, contextID string) (*model.Context, error) {
	return e.store.Get(ctx, contextID)
}

// GetVersion returns any version, counterfactual branches included.
func (e *Engine) GetVersion(ctx context.Context, contextID string, version int) (*model.Context, error) {
	return e.store.GetVersion(ctx, contextID, version)
}

// History lists the main line of a context in ascending order.
func (e *Engine) History(ctx context.Context, contextID string) ([]model.VersionRef, error) {
	return e.store.History(ctx, contextID)
}

// Sources returns the registered connector ids in registration order.
func (e *Engine) Sources() []string {
	return e.registry.Names()
}

// ValidateGeometry checks a raw GeoJSON boundary.
func (e *Engine) ValidateGeometry(raw []byte) model.ValidationResult {
	return e.validator.ValidateGeometry(raw)
}

// ValidateStruct runs struct-tag rules on a request payload.
func (e *Engine) ValidateStruct(v any) []model.Issue {
	return e.validator.Struct(v)
}

// commit validates c and stores it, filling in the assigned version.
func (e *Engine) commit(ctx context.Context, c *model.Context) (*model.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.WrapKind(model.Timeout, err, "cancelled before commit")
	}

	if res := e.validator.ValidateContext(ctx, c); !res.Valid {
		return nil, &model.Error{Kind: model.ValidationFailure, Message: issueSummary(res.Errors)}
	}

	version, err := e.store.Put(ctx, c)
	if err != nil {
		if model.IsKind(err, model.VersionConflict) && e.metrics != nil {
			e.metrics.VersionConflicts.Inc()
		}
		var kinded *model.Error
		if errors.As(err, &kinded) {
			return nil, err
		}
		return nil, eris.Wrapf(err, "engine: commit %s", c.ContextID)
	}
	c.Version = version

	if e.metrics != nil {
		e.metrics.Commits.WithLabelValues(string(c.Kind)).Inc()
	}
	e.publish(ctx, c)
	return c, nil
}

// publish emits a version event. Failures are logged and never undo the
// commit.
func (e *Engine) publish(ctx context.Context, c *model.Context) {
	if err := e.publisher.Publish(ctx, c); err != nil {
		zap.L().Warn("engine: publish version event failed",
			zap.String("context_id", c.ContextID),
			zap.Int("version", c.Version),
			zap.Error(err),
		)
	}
}

func (e *Engine) rescore(c *model.Context) {
	c.RiskScores = scoring.ScoreAll(e.score, c.Fields, c.Scenarios)
}

func issueSummary(issues []model.Issue) string {
	if len(issues) == 0 {
		return "context is invalid"
	}
	msg := issues[0].Message
	if len(issues) > 1 {
		msg += " (and more)"
	}
	return msg
}

// normalizeValue stores numbers as float64 so values survive a JSON round
// trip unchanged.
func normalizeValue(v any) any {
	if f, ok := model.AsFloat(v); ok {
		return f
	}
	return model.CloneValue(v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
