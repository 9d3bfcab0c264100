package orchestrator

import (
	"fmt"
)

// CycleError reports a circular dependency. It is always fatal to the
// orchestration call.
type CycleError struct {
	TaskID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle through task %s", e.TaskID)
}

// AdjacencyMap maps a task id to the ids it depends on. Dependencies
// referencing tasks outside the presented set are kept as-is; the
// leveler treats them as never satisfiable.
type AdjacencyMap map[string][]string

// AnalyzeDependencies builds the dependency map for a task set and
// rejects cycles. Cycle detection is an iterative DFS over the edges
// that stay inside the task set, using visited and on-stack marks; the
// first back edge found names the offending task.
func AnalyzeDependencies(tasks []*Task) (AdjacencyMap, error) {
	adj := make(AdjacencyMap, len(tasks))
	present := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		adj[t.ID] = append([]string(nil), t.Dependencies...)
		present[t.ID] = true
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on stack
		black = 2 // done
	)
	color := make(map[string]int, len(tasks))

	type frame struct {
		id   string
		next int
	}

	for _, t := range tasks {
		if color[t.ID] != white {
			continue
		}
		stack := []frame{{id: t.ID}}
		color[t.ID] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := adj[top.id]

			advanced := false
			for top.next < len(deps) {
				dep := deps[top.next]
				top.next++
				if !present[dep] {
					continue
				}
				switch color[dep] {
				case gray:
					return nil, &CycleError{TaskID: dep}
				case white:
					color[dep] = gray
					stack = append(stack, frame{id: dep})
					advanced = true
				}
				if advanced {
					break
				}
			}
			if !advanced {
				color[top.id] = black
				stack = stack[:len(stack)-1]
			}
		}
	}

	return adj, nil
}
