package persistence

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/evalflow/pkg/api"
)

// InMemoryStore is a goroutine-safe StateStore backed by maps. It is meant
// for tests and single-process development.
type InMemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]*api.WorkflowInstance
	evaluations map[string]*api.EvaluationInstance
	history     map[string][]api.TransitionRecord
	nextID      int64
}

// Ensure InMemoryStore implements StateStore.
var _ StateStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows:   make(map[string]*api.WorkflowInstance),
		evaluations: make(map[string]*api.EvaluationInstance),
		history:     make(map[string][]api.TransitionRecord),
	}
}

func (s *InMemoryStore) CreateWorkflow(ctx context.Context, inst *api.WorkflowInstance, rec *api.TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exists(inst.ID) {
		return ErrEntityExists
	}
	cp := *inst
	cp.Metadata = maps.Clone(inst.Metadata)
	s.workflows[inst.ID] = &cp
	s.appendLocked(rec)
	return nil
}

func (s *InMemoryStore) CreateEvaluation(ctx context.Context, inst *api.EvaluationInstance, rec *api.TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exists(inst.ID) {
		return ErrEntityExists
	}
	cp := *inst
	s.evaluations[inst.ID] = &cp
	s.appendLocked(rec)
	return nil
}

func (s *InMemoryStore) exists(id string) bool {
	_, w := s.workflows[id]
	_, e := s.evaluations[id]
	return w || e
}

func (s *InMemoryStore) appendLocked(rec *api.TransitionRecord) {
	s.nextID++
	rec.ID = s.nextID
	cp := *rec
	cp.Payload = maps.Clone(rec.Payload)
	s.history[rec.EntityID] = append(s.history[rec.EntityID], cp)
}

func (s *InMemoryStore) GetWorkflow(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.workflows[id]
	if !ok {
		return nil, api.ErrEntityNotFound
	}
	cp := *inst
	cp.Metadata = maps.Clone(inst.Metadata)
	return &cp, nil
}

func (s *InMemoryStore) GetEvaluation(ctx context.Context, id string) (*api.EvaluationInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.evaluations[id]
	if !ok {
		return nil, api.ErrEntityNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *InMemoryStore) ListEvaluations(ctx context.Context, workflowID string) ([]*api.EvaluationInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.EvaluationInstance
	for _, inst := range s.evaluations {
		if inst.WorkflowID == workflowID {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) CurrentState(ctx context.Context, kind api.EntityKind, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentLocked(kind, id)
}

func (s *InMemoryStore) currentLocked(kind api.EntityKind, id string) (string, error) {
	switch kind {
	case api.KindWorkflow:
		if inst, ok := s.workflows[id]; ok {
			return string(inst.State), nil
		}
	case api.KindEvaluation:
		if inst, ok := s.evaluations[id]; ok {
			return string(inst.State), nil
		}
	}
	return "", api.ErrEntityNotFound
}

func (s *InMemoryStore) ApplyTransition(ctx context.Context, rec *api.TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.currentLocked(rec.EntityKind, rec.EntityID)
	if err != nil {
		return err
	}
	if cur != rec.FromState {
		return api.ErrConcurrencyConflict
	}

	switch rec.EntityKind {
	case api.KindWorkflow:
		inst := s.workflows[rec.EntityID]
		inst.State = api.WorkflowState(rec.ToState)
		inst.UpdatedAt = rec.At
	case api.KindEvaluation:
		inst := s.evaluations[rec.EntityID]
		inst.State = api.EvaluationState(rec.ToState)
		inst.UpdatedAt = rec.At
	}
	s.appendLocked(rec)
	return nil
}

func (s *InMemoryStore) History(ctx context.Context, entityID string) ([]api.TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.exists(entityID) {
		return nil, api.ErrEntityNotFound
	}
	recs := s.history[entityID]
	out := make([]api.TransitionRecord, len(recs))
	for i, r := range recs {
		r.Payload = maps.Clone(r.Payload)
		out[i] = r
	}
	sortHistory(out)
	return out, nil
}

func (s *InMemoryStore) UpdateEvaluationRefs(ctx context.Context, id string, refs EvaluationRefs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.evaluations[id]
	if !ok {
		return api.ErrEntityNotFound
	}
	if refs.DatasetRef != "" {
		inst.DatasetRef = refs.DatasetRef
	}
	if refs.PredictionsRef != "" {
		inst.PredictionsRef = refs.PredictionsRef
	}
	if refs.ResultRef != "" {
		inst.ResultRef = refs.ResultRef
	}
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func sortHistory(recs []api.TransitionRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].At.Equal(recs[j].At) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].At.Before(recs[j].At)
	})
}
