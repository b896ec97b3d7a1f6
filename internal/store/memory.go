package store

import (
	"context"
	"sync"

	"github.com/thapasuman5202/Engineering/internal/model"
)

// MemoryStore is the in-process reference Store. Writes are serialised per
// context_id; reads and writes to other ids proceed in parallel.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	mu       sync.RWMutex
	versions []*model.Context
	state    lineState
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Put(ctx context.Context, c *model.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, model.WrapKind(model.Timeout, err, "store: put cancelled")
	}
	if c == nil || c.ContextID == "" {
		return admit(c, newLineState())
	}

	if c.ParentVersion == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if e, ok := s.entries[c.ContextID]; ok {
			e.mu.RLock()
			defer e.mu.RUnlock()
			return admit(c, e.state)
		}
		v, err := admit(c, newLineState())
		if err != nil {
			return 0, err
		}
		e := &memEntry{state: newLineState()}
		e.append(c, v)
		s.entries[c.ContextID] = e
		return v, nil
	}

	e := s.entry(c.ContextID)
	if e == nil {
		return admit(c, newLineState())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := admit(c, e.state)
	if err != nil {
		return 0, err
	}
	e.append(c, v)
	return v, nil
}

func (e *memEntry) append(c *model.Context, version int) {
	stored := c.Clone()
	stored.Version = version
	e.versions = append(e.versions, stored)
	e.state.add(version, stored.Kind)
}

func (s *MemoryStore) entry(id string) *memEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

func (s *MemoryStore) Get(_ context.Context, contextID string) (*model.Context, error) {
	e := s.entry(contextID)
	if e == nil {
		return nil, model.Errorf(model.NotFound, "context %s not found", contextID)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.versions[e.state.head-1].Clone(), nil
}

func (s *MemoryStore) GetVersion(_ context.Context, contextID string, version int) (*model.Context, error) {
	e := s.entry(contextID)
	if e == nil {
		return nil, model.Errorf(model.NotFound, "context %s not found", contextID)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if version < 1 || version > len(e.versions) {
		return nil, model.Errorf(model.NotFound, "context %s has no version %d", contextID, version)
	}
	return e.versions[version-1].Clone(), nil
}

func (s *MemoryStore) History(_ context.Context, contextID string) ([]model.VersionRef, error) {
	e := s.entry(contextID)
	if e == nil {
		return nil, model.Errorf(model.NotFound, "context %s not found", contextID)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return mainLine(e.versions), nil
}

func (s *MemoryStore) Exists(_ context.Context, contextID string, version int) (bool, error) {
	e := s.entry(contextID)
	if e == nil {
		return false, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.state.versions[version]
	return ok, nil
}
