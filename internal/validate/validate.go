// Package validate runs pre-flight checks on raw geometry and on context
// versions before they are committed. Results are returned as data.
package validate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/thapasuman5202/Engineering/internal/geometry"
	"github.com/thapasuman5202/Engineering/internal/model"
)

// Issue codes reported by ValidateContext in addition to geometry codes.
const (
	CodeInvalidField    = "invalid_field"
	CodeMissingScore    = "missing_score"
	CodeScoreOutOfRange = "score_out_of_range"
	CodeOrphanLineage   = "orphan_lineage"
	CodeInvalidParent   = "invalid_parent"
	CodeUnknownParent   = "unknown_parent"
	CodeLookupFailed    = "lookup_failed"
	CodeMissingGeometry = "missing_geometry"
	CodeNilContext      = "nil_context"
)

// VersionLookup answers whether a version of a context exists.
type VersionLookup interface {
	Exists(ctx context.Context, contextID string, version int) (bool, error)
}

// Engine validates geometries and contexts. It is safe for concurrent use.
type Engine struct {
	v      *validator.Validate
	lookup VersionLookup
}

// New creates an engine. lookup may be nil, in which case parent versions
// are only checked for ordering.
func New(lookup VersionLookup) *Engine {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return &Engine{v: v, lookup: lookup}
}

// Struct runs the struct-tag rules on any value. Used by the API layer for
// request payloads.
func (e *Engine) Struct(s any) []model.Issue {
	err := e.v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []model.Issue{{Code: CodeInvalidField, Message: err.Error()}}
	}
	issues := make([]model.Issue, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, model.Issue{
			Code:    CodeInvalidField,
			Message: fieldMessage(fe),
		})
	}
	return issues
}

func fieldMessage(fe validator.FieldError) string {
	path := fe.Namespace()
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s failed %s=%s", path, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", path, fe.Tag())
}

// ValidateGeometry checks a raw GeoJSON boundary. Parse failures are
// reported as malformed rather than returned.
func (e *Engine) ValidateGeometry(raw []byte) model.ValidationResult {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return model.NewValidationResult([]model.Issue{{
			Code:    geometry.CodeMalformed,
			Message: "boundary_geojson is empty",
		}})
	}
	b, err := geometry.ParseGeoJSON(raw)
	if err != nil {
		return model.NewValidationResult([]model.Issue{{
			Code:    geometry.CodeMalformed,
			Message: err.Error(),
		}})
	}
	return model.NewValidationResult(geometry.Check(b))
}

// ValidateContext checks that a version is internally consistent and that
// its parent exists.
func (e *Engine) ValidateContext(ctx context.Context, c *model.Context) model.ValidationResult {
	if c == nil {
		return model.NewValidationResult([]model.Issue{{Code: CodeNilContext, Message: "context is nil"}})
	}

	issues := e.Struct(c)

	if len(c.Boundary.Coordinates) == 0 && c.Boundary.Type == "" {
		issues = append(issues, model.Issue{Code: CodeMissingGeometry, Message: "boundary is required"})
	} else {
		issues = append(issues, geometry.Check(c.Boundary)...)
	}

	for _, s := range c.Scenarios {
		if _, ok := c.RiskScores[s]; !ok {
			issues = append(issues, model.Issue{
				Code:    CodeMissingScore,
				Message: fmt.Sprintf("scenario %q has no risk score", s),
			})
		}
	}

	for _, s := range sortedKeys(c.RiskScores) {
		score := c.RiskScores[s]
		if math.IsNaN(score) || score < 0 || score > 1 {
			issues = append(issues, model.Issue{
				Code:    CodeScoreOutOfRange,
				Message: fmt.Sprintf("risk score %q = %g outside [0, 1]", s, score),
			})
		}
	}

	for _, name := range sortedKeys(c.Lineage) {
		if _, ok := c.Fields[name]; !ok {
			issues = append(issues, model.Issue{
				Code:    CodeOrphanLineage,
				Message: fmt.Sprintf("lineage for %q has no field", name),
			})
		}
	}

	issues = append(issues, e.checkParent(ctx, c)...)
	return model.NewValidationResult(issues)
}

func (e *Engine) checkParent(ctx context.Context, c *model.Context) []model.Issue {
	if c.ParentVersion == nil {
		if c.Kind != model.KindBuilt && c.Kind != "" {
			return []model.Issue{{
				Code:    CodeInvalidParent,
				Message: fmt.Sprintf("%s version requires a parent_version", c.Kind),
			}}
		}
		return nil
	}

	parent := *c.ParentVersion
	if parent >= c.Version {
		return []model.Issue{{
			Code:    CodeInvalidParent,
			Message: fmt.Sprintf("parent_version %d is not below version %d", parent, c.Version),
		}}
	}
	if e.lookup == nil || c.ContextID == "" {
		return nil
	}

	ok, err := e.lookup.Exists(ctx, c.ContextID, parent)
	if err != nil {
		return []model.Issue{{
			Code:    CodeLookupFailed,
			Message: fmt.Sprintf("look up parent_version %d: %v", parent, err),
		}}
	}
	if !ok {
		return []model.Issue{{
			Code:    CodeUnknownParent,
			Message: fmt.Sprintf("parent_version %d of %s does not exist", parent, c.ContextID),
		}}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
