// Package api exposes the context engine and policy watcher over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/thapasuman5202/Engineering/internal/engine"
	"github.com/thapasuman5202/Engineering/internal/model"
	"github.com/thapasuman5202/Engineering/internal/policy"
)

// Contexts is the context engine as seen by the HTTP layer.
type Contexts interface {
	Build(ctx context.Context, req engine.BuildRequest) (*model.Context, error)
	Get(ctx context.Context, contextID string) (*model.Context, error)
	GetVersion(ctx context.Context, contextID string, version int) (*model.Context, error)
	History(ctx context.Context, contextID string) ([]model.VersionRef, error)
	Resolve(ctx context.Context, contextID string, patch model.Patch) (*model.Context, error)
	Counterfactual(ctx context.Context, contextID string, delta model.Delta, base *int) (*model.Context, error)
	Sources() []string
	ValidateGeometry(raw []byte) model.ValidationResult
	ValidateStruct(v any) []model.Issue
}

// Policies is the policy watcher as seen by the HTTP layer.
type Policies interface {
	Watch(ctx context.Context, req policy.WatchRequest) model.PolicyWatch
	Get(id string) (model.PolicyWatch, bool)
}

// Options configures the HTTP surface.
type Options struct {
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
	// MaxBodyBytes caps JSON request bodies. Default: 1 MiB.
	MaxBodyBytes int64
	// MaxUploadBytes caps multipart uploads. Default: 32 MiB.
	MaxUploadBytes int64
	// Gatherer backs GET /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

func (o Options) withDefaults() Options {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = 32 << 20
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	if o.Gatherer == nil {
		o.Gatherer = prometheus.DefaultGatherer
	}
	return o
}

// Server holds the handlers. Create with New and mount Routes.
type Server struct {
	contexts Contexts
	policies Policies
	opts     Options
}

// New creates a server.
func New(contexts Contexts, policies Policies, opts Options) *Server {
	return &Server{contexts: contexts, policies: policies, opts: opts.withDefaults()}
}

// Routes returns the router with middleware applied.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/stage0", func(api chi.Router) {
		api.Post("/context/build", s.handleBuild)
		api.Post("/context/validate", s.handleValidate)
		api.Post("/context/upload", s.handleUpload)
		api.Get("/context/{id}", s.handleGetContext)
		api.Get("/context/{id}/history", s.handleHistory)
		api.Get("/sources", s.handleSources)
		api.Post("/resolve", s.handleResolve)
		api.Post("/counterfactual", s.handleCounterfactual)
		api.Post("/policy/watch", s.handlePolicyWatch)
		api.Get("/policy/{id}", s.handleGetPolicy)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
