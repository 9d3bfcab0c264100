package orchestrator

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func groupOf(groups [][]string, id string) int {
	for i, g := range groups {
		for _, got := range g {
			if got == id {
				return i
			}
		}
	}
	return -1
}

func TestLevelOrderingInvariant(t *testing.T) {
	l := NewLeveler(zap.NewNop())
	tasks := []*Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
		{ID: "d"},
	}
	adj, err := AnalyzeDependencies(tasks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assignments := map[string]string{"a": "w1", "b": "w2", "c": "w1", "d": "w2"}

	lv := l.Level(tasks, assignments, adj, map[string]int{"w1": 2, "w2": 2})

	total := 0
	for _, g := range lv.Groups {
		total += len(g)
	}
	if total != len(tasks) {
		t.Fatalf("leveled %d tasks, want %d", total, len(tasks))
	}
	for _, task := range tasks {
		for _, dep := range task.Dependencies {
			if groupOf(lv.Groups, dep) >= groupOf(lv.Groups, task.ID) {
				t.Fatalf("dependency %s not scheduled before %s: %v", dep, task.ID, lv.Groups)
			}
		}
	}
}

func TestLevelCapacitySplitsGroup(t *testing.T) {
	l := NewLeveler(zap.NewNop())
	tasks := []*Task{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	adj, _ := AnalyzeDependencies(tasks)
	assignments := map[string]string{"a": "w1", "b": "w1", "c": "w1"}

	lv := l.Level(tasks, assignments, adj, map[string]int{"w1": 1})

	if len(lv.Groups) != 3 {
		t.Fatalf("got %d groups, want 3: %v", len(lv.Groups), lv.Groups)
	}
	for _, g := range lv.Groups {
		if len(g) != 1 {
			t.Fatalf("group exceeds agent capacity: %v", g)
		}
	}
}

func TestLevelUnresolvableDepsForceLeveled(t *testing.T) {
	l := NewLeveler(zap.NewNop())
	tasks := []*Task{
		{ID: "a", Dependencies: []string{"missing"}},
		{ID: "b", Dependencies: []string{"a"}},
	}
	adj, _ := AnalyzeDependencies(tasks)

	lv := l.Level(tasks, map[string]string{}, adj, map[string]int{})

	total := 0
	for _, g := range lv.Groups {
		total += len(g)
	}
	if total != 2 {
		t.Fatalf("force-leveling dropped tasks: %v", lv.Groups)
	}
}

func TestEstimatePadding(t *testing.T) {
	l := NewLeveler(zap.NewNop())
	tasks := []*Task{
		{ID: "a", EstimatedDur: 10 * time.Second},
		{ID: "b", EstimatedDur: 10 * time.Second},
	}
	adj, _ := AnalyzeDependencies(tasks)
	assignments := map[string]string{"a": "w1", "b": "w1"}

	lv := l.Level(tasks, assignments, adj, map[string]int{"w1": 1})

	want := time.Duration(float64(20*time.Second) * 1.15)
	if lv.Estimate != want {
		t.Fatalf("estimate = %v, want %v", lv.Estimate, want)
	}
}

func TestCheckpointsIntermediateForLongGroups(t *testing.T) {
	l := NewLeveler(zap.NewNop())
	tasks := []*Task{{ID: "a", EstimatedDur: 90 * time.Second}}
	adj, _ := AnalyzeDependencies(tasks)

	lv := l.Level(tasks, map[string]string{"a": "w1"}, adj, map[string]int{"w1": 1})

	want := []time.Duration{30 * time.Second, 60 * time.Second, 90 * time.Second}
	if len(lv.Checkpoints) != len(want) {
		t.Fatalf("got %d checkpoints %v, want %v", len(lv.Checkpoints), lv.Checkpoints, want)
	}
	for i, cp := range want {
		if lv.Checkpoints[i] != cp {
			t.Fatalf("checkpoint %d = %v, want %v", i, lv.Checkpoints[i], cp)
		}
	}
}
