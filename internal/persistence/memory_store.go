package persistence

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/stevebraown/StateRail/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of DefinitionStore,
// RunStore and EventStore backed by maps. Definitions are kept in their
// encoded form and runs are cloned on the way in and out, so callers never
// share state with the store.
type InMemoryStore struct {
	mu          sync.RWMutex
	definitions map[string][][]byte // id -> bodies, index = version-1
	runs        map[string]*api.Run
	events      map[string][]api.RunEvent
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[string][][]byte),
		runs:        make(map[string]*api.Run),
		events:      make(map[string][]api.RunEvent),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ DefinitionStore = (*InMemoryStore)(nil)
	_ RunStore        = (*InMemoryStore)(nil)
	_ EventStore      = (*InMemoryStore)(nil)
)

// NewInMemoryPersistence returns a Persistence whose stores share one
// InMemoryStore.
func NewInMemoryPersistence() Persistence {
	s := NewInMemoryStore()
	return Persistence{Definitions: s, Runs: s, Events: s}
}

func (s *InMemoryStore) SaveDefinition(_ context.Context, def api.WorkflowDefinition) (api.WorkflowDefinition, error) {
	body, err := encodeDefinition(def)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}

	s.mu.Lock()
	s.definitions[def.ID] = append(s.definitions[def.ID], body)
	version := len(s.definitions[def.ID])
	s.mu.Unlock()

	return decodeDefinition(body, version)
}

func (s *InMemoryStore) GetDefinition(_ context.Context, id string, version int) (api.WorkflowDefinition, error) {
	s.mu.RLock()
	bodies := s.definitions[id]
	s.mu.RUnlock()

	if version <= 0 || version > len(bodies) {
		return api.WorkflowDefinition{}, definitionNotFound(id, version)
	}
	return decodeDefinition(bodies[version-1], version)
}

func (s *InMemoryStore) LatestDefinition(_ context.Context, id string) (api.WorkflowDefinition, error) {
	s.mu.RLock()
	bodies := s.definitions[id]
	s.mu.RUnlock()

	if len(bodies) == 0 {
		return api.WorkflowDefinition{}, definitionNotFound(id, 0)
	}
	return decodeDefinition(bodies[len(bodies)-1], len(bodies))
}

func (s *InMemoryStore) ListDefinitionVersions(_ context.Context, id string) ([]int, error) {
	s.mu.RLock()
	n := len(s.definitions[id])
	s.mu.RUnlock()

	if n == 0 {
		return nil, definitionNotFound(id, 0)
	}
	versions := make([]int, n)
	for i := range versions {
		versions[i] = i + 1
	}
	return versions, nil
}

func (s *InMemoryStore) CreateRun(_ context.Context, run *api.Run, events []api.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return ErrRunExists
	}
	run.Version = 1
	s.runs[run.ID] = run.Clone()
	s.events[run.ID] = append(s.events[run.ID], events...)
	return nil
}

func (s *InMemoryStore) UpdateRun(_ context.Context, run *api.Run, events []api.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runs[run.ID]
	if !ok {
		return runNotFound(run.ID)
	}
	if current.Version != run.Version {
		return conflict(run.ID, run.Version)
	}
	run.Version++
	s.runs[run.ID] = run.Clone()
	s.events[run.ID] = append(s.events[run.ID], events...)
	return nil
}

func (s *InMemoryStore) GetRun(_ context.Context, id string) (*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, runNotFound(id)
	}
	return run.Clone(), nil
}

func (s *InMemoryStore) ListRuns(_ context.Context, filter api.RunFilter) ([]*api.Run, error) {
	s.mu.RLock()
	out := make([]*api.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Matches(run) {
			out = append(out, run.Clone())
		}
	}
	s.mu.RUnlock()

	sortRuns(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) DeleteRuns(_ context.Context, finishedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, run := range s.runs {
		if !run.State.IsTerminal() || run.FinishedAt == nil || !run.FinishedAt.Before(finishedBefore) {
			continue
		}
		delete(s.runs, id)
		delete(s.events, id)
		n++
	}
	return n, nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, runID string) ([]api.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, runNotFound(runID)
	}
	return numberEvents(runID, slices.Clone(s.events[runID])), nil
}

func sortRuns(runs []*api.Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}
