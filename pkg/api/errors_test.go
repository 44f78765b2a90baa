package api

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestInvalidTransitionError_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &InvalidTransitionError{
		Kind: KindWorkflow, EntityID: "w1",
		From: "template_generation", To: "evaluation_running",
		Allowed: []string{"template_sent", "cancelled"},
	})

	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected errors.Is(err, ErrInvalidTransition)")
	}
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected errors.As to find *InvalidTransitionError")
	}
	if ite.To != "evaluation_running" || len(ite.Allowed) != 2 {
		t.Fatalf("unexpected error contents: %+v", ite)
	}
	if !strings.Contains(err.Error(), "template_generation -> evaluation_running") {
		t.Fatalf("unexpected message: %s", err)
	}
}

func TestLeaseLostIsConcurrencyConflict(t *testing.T) {
	if !errors.Is(ErrLeaseLost, ErrConcurrencyConflict) {
		t.Fatalf("ErrLeaseLost should wrap ErrConcurrencyConflict")
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) should be nil")
	}

	base := errors.New("bad input")
	exec := &TaskExecutionError{TaskID: "t1", TaskName: "run_evaluation", Attempt: 1, Err: Permanent(base)}

	if !IsPermanent(exec) {
		t.Fatalf("expected permanent marker to be found through TaskExecutionError")
	}
	if !errors.Is(exec, base) {
		t.Fatalf("expected errors.Is to reach the base error")
	}
	if IsPermanent(base) {
		t.Fatalf("plain error must not be permanent")
	}
}

func TestRetriesExhaustedError(t *testing.T) {
	err := &RetriesExhaustedError{TaskID: "t1", TaskName: "run_quality_check", Attempts: 4, LastError: "timeout"}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected errors.Is(err, ErrRetriesExhausted)")
	}
	if !strings.Contains(err.Error(), "after 4 attempts") {
		t.Fatalf("unexpected message: %s", err)
	}
}

func TestTaskDecodeArgs(t *testing.T) {
	task := &Task{Args: []byte(`{"entity_id":"e1"}`)}
	var args struct {
		EntityID string `json:"entity_id"`
	}
	if err := task.DecodeArgs(&args); err != nil {
		t.Fatalf("DecodeArgs failed: %v", err)
	}
	if args.EntityID != "e1" {
		t.Fatalf("EntityID = %q", args.EntityID)
	}

	empty := &Task{}
	if err := empty.DecodeArgs(&args); err != nil {
		t.Fatalf("DecodeArgs on empty args failed: %v", err)
	}
}
