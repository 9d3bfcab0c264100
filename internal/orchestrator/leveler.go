package orchestrator

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

const (
	// estimateOverhead pads the completion estimate for coordination cost.
	estimateOverhead = 1.15
	// checkpointEvery inserts intermediate checkpoints inside long groups.
	checkpointEvery = 30 * time.Second
	// longGroup is the duration above which a group gets intermediate
	// checkpoints.
	longGroup = 60 * time.Second
)

// Leveling is the ordered execution schedule derived from a plan.
type Leveling struct {
	Groups      [][]string      `json:"groups"`
	Estimate    time.Duration   `json:"estimate"`
	Checkpoints []time.Duration `json:"checkpoints"`
}

// Leveler partitions an assigned task set into ordered groups of
// parallel-executable tasks.
type Leveler struct {
	logger *zap.Logger
}

// NewLeveler creates a leveler.
func NewLeveler(logger *zap.Logger) *Leveler {
	return &Leveler{logger: logger}
}

// Level builds the execution order. Each round takes the tasks whose
// dependencies are all already leveled, capping each agent's
// contribution at its concurrency limit. When tasks remain but none is
// ready the dependency data is broken; this is logged as a deadlock
// warning and the remainder is force-leveled as a final best-effort
// group rather than failing the call.
func (l *Leveler) Level(tasks []*Task, assignments map[string]string, adj AdjacencyMap, capacities map[string]int) *Leveling {
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	leveled := make(map[string]bool, len(tasks))
	var groups [][]string

	for len(leveled) < len(tasks) {
		var ready []string
		for _, t := range tasks {
			if leveled[t.ID] {
				continue
			}
			ok := true
			for _, dep := range adj[t.ID] {
				if _, inSet := byID[dep]; !inSet {
					// Dependency outside the presented set can never
					// be satisfied here.
					ok = false
					break
				}
				if !leveled[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, t.ID)
			}
		}

		if len(ready) == 0 {
			var remaining []string
			for _, t := range tasks {
				if !leveled[t.ID] {
					remaining = append(remaining, t.ID)
					leveled[t.ID] = true
				}
			}
			l.logger.Warn("dependency deadlock, force-leveling remaining tasks",
				zap.Int("remaining", len(remaining)))
			groups = append(groups, remaining)
			break
		}

		sort.Strings(ready)

		group := make([]string, 0, len(ready))
		used := make(map[string]int)
		for _, id := range ready {
			agent := assignments[id]
			if agent != "" {
				cap := capacities[agent]
				if cap <= 0 {
					cap = 1
				}
				if used[agent] >= cap {
					continue
				}
				used[agent]++
			}
			group = append(group, id)
			leveled[id] = true
		}
		groups = append(groups, group)
	}

	return &Leveling{
		Groups:      groups,
		Estimate:    l.estimate(tasks, assignments, capacities),
		Checkpoints: l.checkpoints(groups, byID),
	}
}

// estimate sums each agent's assigned durations divided by its
// concurrency limit, takes the slowest agent, and pads by a fixed
// overhead factor.
func (l *Leveler) estimate(tasks []*Task, assignments map[string]string, capacities map[string]int) time.Duration {
	perAgent := make(map[string]time.Duration)
	for _, t := range tasks {
		agent := assignments[t.ID]
		if agent == "" {
			continue
		}
		perAgent[agent] += t.EstimatedDur
	}

	var worst time.Duration
	for agent, total := range perAgent {
		cap := capacities[agent]
		if cap <= 0 {
			cap = 1
		}
		scaled := total / time.Duration(cap)
		if scaled > worst {
			worst = scaled
		}
	}
	return time.Duration(float64(worst) * estimateOverhead)
}

// checkpoints emits cumulative group-completion offsets, adding an
// intermediate checkpoint every 30s inside any group longer than 60s.
func (l *Leveler) checkpoints(groups [][]string, byID map[string]*Task) []time.Duration {
	var points []time.Duration
	var elapsed time.Duration

	for _, group := range groups {
		var groupDur time.Duration
		for _, id := range group {
			if t := byID[id]; t != nil && t.EstimatedDur > groupDur {
				groupDur = t.EstimatedDur
			}
		}

		if groupDur > longGroup {
			for offset := checkpointEvery; offset < groupDur; offset += checkpointEvery {
				points = append(points, elapsed+offset)
			}
		}
		elapsed += groupDur
		points = append(points, elapsed)
	}
	return points
}
