package orchestrator

import (
	"errors"
	"testing"
)

func TestAnalyzeDependenciesAcyclic(t *testing.T) {
	tasks := []*Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"a", "b"}},
	}

	adj, err := AnalyzeDependencies(tasks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(adj) != 3 {
		t.Fatalf("got %d adjacency entries, want 3", len(adj))
	}
	if len(adj["c"]) != 2 {
		t.Fatalf("task c got %d deps, want 2", len(adj["c"]))
	}
}

func TestAnalyzeDependenciesCycle(t *testing.T) {
	tasks := []*Task{
		{ID: "a", Dependencies: []string{"c"}},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
	}

	_, err := AnalyzeDependencies(tasks)
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("got %T, want *CycleError", err)
	}
}

func TestAnalyzeDependenciesSelfLoop(t *testing.T) {
	tasks := []*Task{
		{ID: "a", Dependencies: []string{"a"}},
	}

	_, err := AnalyzeDependencies(tasks)
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("got %v, want *CycleError", err)
	}
	if cycleErr.TaskID != "a" {
		t.Fatalf("cycle reported through %q, want a", cycleErr.TaskID)
	}
}

func TestAnalyzeDependenciesExternalDepKept(t *testing.T) {
	tasks := []*Task{
		{ID: "a", Dependencies: []string{"not-in-set"}},
	}

	adj, err := AnalyzeDependencies(tasks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(adj["a"]) != 1 || adj["a"][0] != "not-in-set" {
		t.Fatalf("external dependency dropped: %v", adj["a"])
	}
}
