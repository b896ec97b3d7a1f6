// Package store persists immutable context versions. Every backend applies
// the same admission rules through admit.
package store

import (
	"context"
	"sort"

	"github.com/thapasuman5202/Engineering/internal/model"
)

// Store defines the versioned persistence contract for contexts.
type Store interface {
	// Put commits c as a new version and returns the assigned version number.
	Put(ctx context.Context, c *model.Context) (int, error)
	// Get returns the main-line head.
	Get(ctx context.Context, contextID string) (*model.Context, error)
	GetVersion(ctx context.Context, contextID string, version int) (*model.Context, error)
	// History lists main-line versions in ascending order.
	History(ctx context.Context, contextID string) ([]model.VersionRef, error)
	Exists(ctx context.Context, contextID string, version int) (bool, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// lineState summarises the stored versions of one context.
type lineState struct {
	versions map[int]model.Kind
	max      int
	head     int
}

func newLineState() lineState {
	return lineState{versions: make(map[int]model.Kind)}
}

func (s *lineState) add(version int, kind model.Kind) {
	s.versions[version] = kind
	s.max = max(s.max, version)
	if kind.MainLine() {
		s.head = max(s.head, version)
	}
}

func (s *lineState) exists() bool {
	return len(s.versions) > 0
}

// admit applies the put rules and returns the version to assign.
func admit(c *model.Context, st lineState) (int, error) {
	if c == nil || c.ContextID == "" {
		return 0, model.Errorf(model.ValidationFailure, "context_id is required")
	}

	if c.ParentVersion == nil {
		if st.exists() {
			return 0, model.Errorf(model.VersionConflict, "context %s already exists", c.ContextID)
		}
		if c.Kind != model.KindBuilt {
			return 0, model.Errorf(model.ValidationFailure, "%s version of %s needs a parent", c.Kind, c.ContextID)
		}
		return 1, nil
	}

	if !st.exists() {
		return 0, model.Errorf(model.NotFound, "context %s not found", c.ContextID)
	}
	parent := *c.ParentVersion

	switch c.Kind {
	case model.KindCounterfactual:
		if _, ok := st.versions[parent]; !ok {
			return 0, model.Errorf(model.NotFound, "context %s has no version %d", c.ContextID, parent)
		}
	case model.KindBuilt, model.KindResolved:
		if parent != st.head {
			return 0, model.Errorf(model.VersionConflict,
				"context %s main line is at version %d, not %d", c.ContextID, st.head, parent)
		}
	default:
		return 0, model.Errorf(model.ValidationFailure, "unknown kind %q", c.Kind)
	}
	return st.max + 1, nil
}

// mainLine returns the main-line refs of versions in ascending order.
func mainLine(versions []*model.Context) []model.VersionRef {
	refs := make([]model.VersionRef, 0, len(versions))
	for _, v := range versions {
		if v.Kind.MainLine() {
			refs = append(refs, v.Ref())
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Version < refs[j].Version })
	return refs
}
