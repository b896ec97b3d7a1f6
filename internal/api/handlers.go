package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/thapasuman5202/Engineering/internal/engine"
	"github.com/thapasuman5202/Engineering/internal/geometry"
	"github.com/thapasuman5202/Engineering/internal/model"
	"github.com/thapasuman5202/Engineering/internal/policy"
)

type buildRequest struct {
	SiteName string   `json:"site_name" validate:"max=200"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	RadiusM  float64  `json:"radius_m"`
	// BoundaryGeoJSON is a GeoJSON object or a string holding one.
	BoundaryGeoJSON json.RawMessage `json:"boundary_geojson"`
	Brief           string          `json:"brief" validate:"max=4000"`
	Online          bool            `json:"online"`
	Scenarios       []string        `json:"scenarios" validate:"max=16,dive,max=64"`
}

type buildResponse struct {
	ContextID string         `json:"context_id"`
	Context   *model.Context `json:"context"`
}

type validateRequest struct {
	BoundaryGeoJSON json.RawMessage `json:"boundary_geojson"`
}

type historyResponse struct {
	ContextID string             `json:"context_id"`
	Versions  []model.VersionRef `json:"versions"`
}

type resolveRequest struct {
	ContextID string      `json:"context_id" validate:"required"`
	Patch     model.Patch `json:"patch"`
}

type counterfactualRequest struct {
	ContextID   string      `json:"context_id" validate:"required"`
	Delta       model.Delta `json:"delta"`
	BaseVersion *int        `json:"base_version" validate:"omitempty,gte=1"`
}

type policyWatchRequest struct {
	PolicyID string `json:"policy_id" validate:"max=128"`
	Text     string `json:"text"`
	URL      string `json:"url" validate:"omitempty,url"`
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req buildRequest
	if !s.decode(w, r, &req) {
		return
	}

	in := engine.BuildRequest{
		SiteName:  req.SiteName,
		Lat:       req.Lat,
		Lon:       req.Lon,
		RadiusM:   req.RadiusM,
		Brief:     req.Brief,
		Online:    req.Online,
		Scenarios: req.Scenarios,
	}
	raw, err := boundaryBytes(req.BoundaryGeoJSON)
	if err != nil {
		writeError(w, r, model.WrapKind(model.InvalidGeometry, err, "boundary_geojson string is not valid JSON"))
		return
	}
	if raw != nil {
		b, err := geometry.ParseGeoJSON(raw)
		if err != nil {
			writeError(w, r, model.WrapKind(model.InvalidGeometry, err, "boundary_geojson is not valid GeoJSON"))
			return
		}
		in.Boundary = &b
	}

	c, err := s.contexts.Build(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buildResponse{ContextID: c.ContextID, Context: c})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !s.decode(w, r, &req) {
		return
	}
	raw, err := boundaryBytes(req.BoundaryGeoJSON)
	if err != nil {
		writeJSON(w, http.StatusOK, model.NewValidationResult([]model.Issue{{
			Code:    geometry.CodeMalformed,
			Message: "boundary_geojson string is not valid JSON",
		}}))
		return
	}
	writeJSON(w, http.StatusOK, s.contexts.ValidateGeometry(raw))
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var (
		c   *model.Context
		err error
	)
	if v := r.URL.Query().Get("version"); v != "" {
		version, convErr := strconv.Atoi(v)
		if convErr != nil || version < 1 {
			writeBadRequest(w, "version must be a positive integer")
			return
		}
		c, err = s.contexts.GetVersion(r.Context(), id, version)
	} else {
		c, err = s.contexts.Get(r.Context(), id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	refs, err := s.contexts.History(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{ContextID: id, Versions: refs})
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"sources": s.contexts.Sources()})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := s.contexts.Resolve(r.Context(), req.ContextID, req.Patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCounterfactual(w http.ResponseWriter, r *http.Request) {
	var req counterfactualRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := s.contexts.Counterfactual(r.Context(), req.ContextID, req.Delta, req.BaseVersion)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handlePolicyWatch(w http.ResponseWriter, r *http.Request) {
	var req policyWatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PolicyID) == "" && strings.TrimSpace(req.Text) == "" && strings.TrimSpace(req.URL) == "" {
		writeBadRequest(w, "one of policy_id, text or url is required")
		return
	}
	st := s.policies.Watch(r.Context(), policy.WatchRequest{
		PolicyID: req.PolicyID,
		Text:     req.Text,
		URL:      req.URL,
	})
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.policies.Get(id)
	if !ok {
		writeError(w, r, model.Errorf(model.NotFound, "policy %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// decode reads a size-capped JSON body into v and runs its struct rules.
// It writes the 4xx response itself and reports whether to continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
				Code:    CodeBadRequest,
				Message: "request body too large",
			})
			return false
		}
		writeBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	if issues := s.contexts.ValidateStruct(v); len(issues) > 0 {
		msgs := make([]string, 0, len(issues))
		for _, i := range issues {
			msgs = append(msgs, i.Message)
		}
		writeBadRequest(w, strings.Join(msgs, "; "))
		return false
	}
	return true
}

// boundaryBytes unwraps a boundary given either as a JSON object or as a
// string containing one. Absent and null boundaries return nil.
func boundaryBytes(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '"' {
		return trimmed, nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, err
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return []byte(s), nil
}
