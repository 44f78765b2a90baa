package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/evalflow/pkg/api"
)

// runStateStoreTests exercises the StateStore contract against any backend.
// newStore must return an empty store.
func runStateStoreTests(t *testing.T, newStore func(t *testing.T) StateStore) {
	t.Run("WorkflowRoundTrip", func(t *testing.T) { testWorkflowRoundTrip(t, newStore(t)) })
	t.Run("EvaluationRoundTrip", func(t *testing.T) { testEvaluationRoundTrip(t, newStore(t)) })
	t.Run("DuplicateID", func(t *testing.T) { testDuplicateID(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("ApplyTransitionCAS", func(t *testing.T) { testApplyTransitionCAS(t, newStore(t)) })
	t.Run("ConcurrentCASSingleWinner", func(t *testing.T) { testConcurrentCAS(t, newStore(t)) })
	t.Run("ListEvaluations", func(t *testing.T) { testListEvaluations(t, newStore(t)) })
	t.Run("UpdateEvaluationRefs", func(t *testing.T) { testUpdateEvaluationRefs(t, newStore(t)) })
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func creationRecord(kind api.EntityKind, id, state string, at time.Time) *api.TransitionRecord {
	return &api.TransitionRecord{
		EntityID:    id,
		EntityKind:  kind,
		ToState:     state,
		TriggeredBy: "tester",
		Reason:      "created",
		At:          at,
	}
}

func mustCreateWorkflow(t *testing.T, s StateStore, id string) *api.WorkflowInstance {
	t.Helper()
	inst := &api.WorkflowInstance{
		ID:        id,
		Name:      "churn model review",
		State:     api.WorkflowTemplateGeneration,
		Metadata:  map[string]any{"owner": "risk-team"},
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
	rec := creationRecord(api.KindWorkflow, id, string(inst.State), baseTime)
	require.NoError(t, s.CreateWorkflow(context.Background(), inst, rec))
	require.NotZero(t, rec.ID)
	return inst
}

func mustCreateEvaluation(t *testing.T, s StateStore, id, workflowID string, at time.Time) *api.EvaluationInstance {
	t.Helper()
	inst := &api.EvaluationInstance{
		ID:           id,
		WorkflowID:   workflowID,
		ModelID:      "xgb-churn",
		ModelVersion: "1.0.0",
		State:        api.EvaluationRegistered,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	rec := creationRecord(api.KindEvaluation, id, string(inst.State), at)
	require.NoError(t, s.CreateEvaluation(context.Background(), inst, rec))
	return inst
}

func transition(kind api.EntityKind, id, from, to string, at time.Time) *api.TransitionRecord {
	return &api.TransitionRecord{
		EntityID:    id,
		EntityKind:  kind,
		FromState:   from,
		ToState:     to,
		TriggeredBy: api.ActorSystem,
		Payload:     map[string]any{"file_ref": "s3://bucket/" + id},
		At:          at,
	}
}

func testWorkflowRoundTrip(t *testing.T, s StateStore) {
	ctx := context.Background()
	mustCreateWorkflow(t, s, "wf-1")

	rec := transition(api.KindWorkflow, "wf-1", "template_generation", "template_sent", baseTime.Add(time.Second))
	require.NoError(t, s.ApplyTransition(ctx, rec))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, api.WorkflowTemplateSent, got.State)
	require.Equal(t, "churn model review", got.Name)
	require.Equal(t, "risk-team", got.Metadata["owner"])
	require.True(t, got.CreatedAt.Equal(baseTime))
	require.True(t, got.UpdatedAt.Equal(baseTime.Add(time.Second)))

	hist, err := s.History(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, "", hist[0].FromState)
	require.Equal(t, "template_generation", hist[0].ToState)
	require.Equal(t, "template_sent", hist[1].ToState)
	require.Equal(t, api.KindWorkflow, hist[1].EntityKind)
	require.Equal(t, "s3://bucket/wf-1", hist[1].Payload["file_ref"])
	require.Less(t, hist[0].ID, hist[1].ID)

	// Current state equals the last record's ToState.
	cur, err := s.CurrentState(ctx, api.KindWorkflow, "wf-1")
	require.NoError(t, err)
	require.Equal(t, hist[len(hist)-1].ToState, cur)
}

func testEvaluationRoundTrip(t *testing.T, s StateStore) {
	ctx := context.Background()
	mustCreateWorkflow(t, s, "wf-1")
	mustCreateEvaluation(t, s, "ev-1", "wf-1", baseTime)

	states := []string{"registered", "quality_check_pending", "quality_check_running", "quality_check_passed"}
	for i := 1; i < len(states); i++ {
		rec := transition(api.KindEvaluation, "ev-1", states[i-1], states[i], baseTime.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.ApplyTransition(ctx, rec))
	}

	got, err := s.GetEvaluation(ctx, "ev-1")
	require.NoError(t, err)
	require.Equal(t, api.EvaluationQualityCheckPassed, got.State)
	require.Equal(t, "wf-1", got.WorkflowID)
	require.Equal(t, "xgb-churn", got.ModelID)
	require.Equal(t, "1.0.0", got.ModelVersion)

	hist, err := s.History(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, hist, len(states))
	for i, rec := range hist {
		require.Equal(t, states[i], rec.ToState)
	}

	// The workflow history is untouched by evaluation transitions.
	wfHist, err := s.History(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, wfHist, 1)
}

func testDuplicateID(t *testing.T, s StateStore) {
	mustCreateWorkflow(t, s, "dup")

	inst := &api.EvaluationInstance{ID: "dup", WorkflowID: "dup", State: api.EvaluationRegistered, CreatedAt: baseTime, UpdatedAt: baseTime}
	err := s.CreateEvaluation(context.Background(), inst, creationRecord(api.KindEvaluation, "dup", "registered", baseTime))
	require.ErrorIs(t, err, ErrEntityExists)
}

func testNotFound(t *testing.T, s StateStore) {
	ctx := context.Background()

	_, err := s.GetWorkflow(ctx, "missing")
	require.ErrorIs(t, err, api.ErrEntityNotFound)
	_, err = s.GetEvaluation(ctx, "missing")
	require.ErrorIs(t, err, api.ErrEntityNotFound)
	_, err = s.CurrentState(ctx, api.KindEvaluation, "missing")
	require.ErrorIs(t, err, api.ErrEntityNotFound)
	_, err = s.History(ctx, "missing")
	require.ErrorIs(t, err, api.ErrEntityNotFound)

	err = s.ApplyTransition(ctx, transition(api.KindWorkflow, "missing", "template_generation", "template_sent", baseTime))
	require.ErrorIs(t, err, api.ErrEntityNotFound)
	err = s.UpdateEvaluationRefs(ctx, "missing", EvaluationRefs{DatasetRef: "x"})
	require.ErrorIs(t, err, api.ErrEntityNotFound)
}

func testApplyTransitionCAS(t *testing.T, s StateStore) {
	ctx := context.Background()
	mustCreateWorkflow(t, s, "wf-cas")

	stale := transition(api.KindWorkflow, "wf-cas", "awaiting_config", "config_received", baseTime.Add(time.Second))
	err := s.ApplyTransition(ctx, stale)
	require.ErrorIs(t, err, api.ErrConcurrencyConflict)

	cur, err := s.CurrentState(ctx, api.KindWorkflow, "wf-cas")
	require.NoError(t, err)
	require.Equal(t, "template_generation", cur)

	hist, err := s.History(ctx, "wf-cas")
	require.NoError(t, err)
	require.Len(t, hist, 1, "a rejected transition must not be recorded")
}

func testConcurrentCAS(t *testing.T, s StateStore) {
	ctx := context.Background()
	mustCreateWorkflow(t, s, "wf-race")

	const racers = 8
	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
		others    = make(chan error, racers)
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := transition(api.KindWorkflow, "wf-race", "template_generation", "template_sent", baseTime.Add(time.Second))
			rec.Reason = fmt.Sprintf("racer-%d", i)
			switch err := s.ApplyTransition(ctx, rec); {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, api.ErrConcurrencyConflict):
				conflicts.Add(1)
			default:
				others <- err
			}
		}(i)
	}
	wg.Wait()
	close(others)
	for err := range others {
		t.Fatalf("unexpected error: %v", err)
	}

	require.EqualValues(t, 1, wins.Load())
	require.EqualValues(t, racers-1, conflicts.Load())

	hist, err := s.History(ctx, "wf-race")
	require.NoError(t, err)
	require.Len(t, hist, 2)
}

func testListEvaluations(t *testing.T, s StateStore) {
	ctx := context.Background()
	mustCreateWorkflow(t, s, "wf-a")
	mustCreateWorkflow(t, s, "wf-b")
	mustCreateEvaluation(t, s, "ev-2", "wf-a", baseTime.Add(2*time.Second))
	mustCreateEvaluation(t, s, "ev-1", "wf-a", baseTime.Add(time.Second))
	mustCreateEvaluation(t, s, "ev-3", "wf-b", baseTime)

	list, err := s.ListEvaluations(ctx, "wf-a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "ev-1", list[0].ID)
	require.Equal(t, "ev-2", list[1].ID)

	none, err := s.ListEvaluations(ctx, "wf-none")
	require.NoError(t, err)
	require.Empty(t, none)
}

func testUpdateEvaluationRefs(t *testing.T, s StateStore) {
	ctx := context.Background()
	mustCreateWorkflow(t, s, "wf-1")
	mustCreateEvaluation(t, s, "ev-1", "wf-1", baseTime)

	require.NoError(t, s.UpdateEvaluationRefs(ctx, "ev-1", EvaluationRefs{DatasetRef: "s3://data/v1.xlsx"}))
	require.NoError(t, s.UpdateEvaluationRefs(ctx, "ev-1", EvaluationRefs{ResultRef: "s3://results/r1.json"}))
	require.NoError(t, s.UpdateEvaluationRefs(ctx, "ev-1", EvaluationRefs{PredictionsRef: "s3://preds/p1.xlsx"}))

	got, err := s.GetEvaluation(ctx, "ev-1")
	require.NoError(t, err)
	require.Equal(t, "s3://data/v1.xlsx", got.DatasetRef)
	require.Equal(t, "s3://results/r1.json", got.ResultRef)
	require.Equal(t, "s3://preds/p1.xlsx", got.PredictionsRef)
}
