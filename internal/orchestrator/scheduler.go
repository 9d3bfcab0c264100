package orchestrator

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/showjihyun/agentrag/internal/registry"
	"go.uber.org/zap"
)

const (
	defaultMinCompatibility = 0.3
	defaultMaxFallbacks     = 2
)

// typeAffinity maps task-type keywords to the specialist that earns the
// full affinity bonus. Multimodal generalists get a reduced bonus for
// any recognized keyword.
var typeAffinity = map[string]registry.AgentType{
	"vision":    registry.TypeVision,
	"image":     registry.TypeVision,
	"audio":     registry.TypeAudio,
	"speech":    registry.TypeAudio,
	"text":      registry.TypeText,
	"language":  registry.TypeText,
	"code":      registry.TypeCode,
	"reasoning": registry.TypeReasoning,
	"analysis":  registry.TypeReasoning,
	"creative":  registry.TypeCreative,
	"retrieval": registry.TypeRetrieval,
	"search":    registry.TypeRetrieval,
}

// generalistAffinity is the bonus a multimodal generalist earns per
// recognized keyword, keyed by how central the modality is to fusion.
var generalistAffinity = map[string]float64{
	"vision": 0.8, "image": 0.8, "audio": 0.7, "speech": 0.7,
	"text": 0.8, "language": 0.8, "code": 0.6, "reasoning": 0.7,
	"analysis": 0.7, "creative": 0.6, "retrieval": 0.6, "search": 0.6,
}

// Scheduler produces orchestration plans: task-to-agent assignment,
// resource allocation, and fallback alternatives.
type Scheduler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewScheduler creates a scheduler bound to an agent registry.
func NewScheduler(reg *registry.Registry, logger *zap.Logger) *Scheduler {
	return &Scheduler{registry: reg, logger: logger}
}

// Compatibility scores how well an agent fits a task: specialization
// substring match, type affinity, performance term, scaled down by the
// agent's current load.
func Compatibility(p *registry.Profile, t *Task) float64 {
	score := 0.0

	taskType := strings.ToLower(t.Type)
	for _, spec := range p.Specializations {
		s := strings.ToLower(spec)
		if strings.Contains(taskType, s) || strings.Contains(s, taskType) {
			score += 0.4
			break
		}
	}

	score += affinityBonus(p.Type, taskType)

	score += 0.4*p.Metrics.Accuracy + 0.3*p.Metrics.Speed + 0.3*p.Metrics.Reliability

	return score * (1 - p.CurrentLoad*0.2)
}

func affinityBonus(agentType registry.AgentType, taskType string) float64 {
	best := 0.0
	for keyword, specialist := range typeAffinity {
		if !strings.Contains(taskType, keyword) {
			continue
		}
		if agentType == specialist {
			return 0.9
		}
		if agentType == registry.TypeMultimodal {
			if b := generalistAffinity[keyword]; b > best {
				best = b
			}
		}
	}
	return best
}

// Plan assigns tasks to agents under the given strategy. A task with no
// eligible agent stays in Unassigned — the caller decides whether that
// fails the whole call. Agent slots are reserved through the registry as
// assignments are made, so capacity invariants hold when Plan returns.
func (s *Scheduler) Plan(tasks []*Task, strategy Strategy, constraints Constraints) *Plan {
	return s.plan(tasks, strategy, constraints, nil)
}

// PlanAmong is Plan restricted to an explicit candidate pool. The
// collaborative strategy uses it: participant selection happens in the
// collaboration planner and assignment stays inside that pool.
func (s *Scheduler) PlanAmong(tasks []*Task, strategy Strategy, constraints Constraints, pool []string) *Plan {
	allowed := make(map[string]bool, len(pool))
	for _, id := range pool {
		allowed[id] = true
	}
	return s.plan(tasks, strategy, constraints, allowed)
}

func (s *Scheduler) plan(tasks []*Task, strategy Strategy, constraints Constraints, allowed map[string]bool) *Plan {
	minCompat := constraints.MinCompatibility
	if minCompat <= 0 {
		minCompat = defaultMinCompatibility
	}
	maxFallbacks := constraints.MaxFallbacks
	if maxFallbacks <= 0 {
		maxFallbacks = defaultMaxFallbacks
	}

	plan := &Plan{
		ID:          uuid.New().String(),
		Strategy:    strategy,
		Assignments: make(map[string]string, len(tasks)),
		Resources:   make(map[string]map[string]float64),
		Fallbacks:   make(map[string][]string),
		CreatedAt:   time.Now(),
	}

	sorted := make([]*Task, len(tasks))
	copy(sorted, tasks)
	sortTasks(sorted)

	for _, t := range sorted {
		agents := s.registry.List(registry.Filter{OnlyAvailable: true})
		if allowed != nil {
			filtered := agents[:0]
			for _, a := range agents {
				if allowed[a.ID] {
					filtered = append(filtered, a)
				}
			}
			agents = filtered
		}
		chosen := pickAgent(agents, t, strategy, minCompat)
		if chosen == nil {
			plan.Unassigned = append(plan.Unassigned, t.ID)
			s.logger.Warn("no eligible agent for task",
				zap.String("task", t.ID),
				zap.String("type", t.Type))
			continue
		}

		if err := s.registry.Assign(chosen.ID, t.ID); err != nil {
			plan.Unassigned = append(plan.Unassigned, t.ID)
			continue
		}
		t.AssignedAgent = chosen.ID
		t.Status = TaskAssigned
		plan.Assignments[t.ID] = chosen.ID
		plan.Resources[t.ID] = allocation(chosen, t)
		plan.Fallbacks[t.ID] = fallbacks(agents, t, chosen.ID, minCompat, maxFallbacks)
	}

	s.logger.Info("plan produced",
		zap.String("plan", plan.ID),
		zap.String("strategy", string(strategy)),
		zap.Int("assigned", len(plan.Assignments)),
		zap.Int("unassigned", len(plan.Unassigned)))
	return plan
}

// sortTasks orders by priority, then earliest deadline, then longest
// estimated duration.
func sortTasks(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority.rank() != b.Priority.rank() {
			return a.Priority.rank() < b.Priority.rank()
		}
		switch {
		case a.Deadline != nil && b.Deadline != nil:
			if !a.Deadline.Equal(*b.Deadline) {
				return a.Deadline.Before(*b.Deadline)
			}
		case a.Deadline != nil:
			return true
		case b.Deadline != nil:
			return false
		}
		return a.EstimatedDur > b.EstimatedDur
	})
}

// pickAgent applies one strategy to the candidate set. Candidates are
// already filtered to agents with spare capacity.
func pickAgent(agents []*registry.Profile, t *Task, strategy Strategy, minCompat float64) *registry.Profile {
	var chosen *registry.Profile

	switch strategy {
	case StrategyLoadBalanced:
		bestLoad := 2.0
		for _, a := range agents {
			if Compatibility(a, t) < minCompat {
				continue
			}
			if a.CurrentLoad < bestLoad {
				bestLoad = a.CurrentLoad
				chosen = a
			}
		}

	case StrategyCostMinimized:
		bestCost := 0.0
		for _, a := range agents {
			if Compatibility(a, t) < minCompat {
				continue
			}
			if chosen == nil || a.CostPerTask < bestCost {
				bestCost = a.CostPerTask
				chosen = a
			}
		}

	case StrategyCapability:
		best := 0.0
		for _, a := range agents {
			score := Compatibility(a, t)
			if exactSpecialization(a, t.Type) {
				score += 0.3
			}
			if score > best {
				best = score
				chosen = a
			}
		}

	case StrategyDeadline:
		best := 0.0
		for _, a := range agents {
			score := Compatibility(a, t)
			if urgent(t) {
				score *= 1 + 0.5*a.Metrics.Speed
			}
			if score > best {
				best = score
				chosen = a
			}
		}

	default:
		// performance_optimized; collaborative lands here too, with the
		// candidate set already narrowed to the selected participants.
		best := 0.0
		for _, a := range agents {
			if score := Compatibility(a, t); score > best {
				best = score
				chosen = a
			}
		}
	}
	return chosen
}

func exactSpecialization(p *registry.Profile, taskType string) bool {
	for _, s := range p.Specializations {
		if strings.EqualFold(s, taskType) {
			return true
		}
	}
	return false
}

// urgent reports whether the deadline leaves less than twice the
// estimated duration of slack.
func urgent(t *Task) bool {
	if t.Deadline == nil {
		return false
	}
	return time.Until(*t.Deadline) < 2*t.EstimatedDur
}

// allocation records the resources reserved for a task on its agent.
func allocation(p *registry.Profile, t *Task) map[string]float64 {
	alloc := map[string]float64{
		"slots": 1.0 / float64(p.MaxConcurrent),
	}
	for k, v := range p.Resources {
		alloc[k] = v / float64(p.MaxConcurrent)
	}
	if t.EstimatedDur > 0 {
		alloc["estimated_seconds"] = t.EstimatedDur.Seconds()
	}
	return alloc
}

// fallbacks lists the next-best compatible agents for a task.
func fallbacks(agents []*registry.Profile, t *Task, chosenID string, minCompat float64, limit int) []string {
	type scored struct {
		id    string
		score float64
	}
	var alts []scored
	for _, a := range agents {
		if a.ID == chosenID {
			continue
		}
		if score := Compatibility(a, t); score >= minCompat {
			alts = append(alts, scored{id: a.ID, score: score})
		}
	}
	sort.Slice(alts, func(i, j int) bool { return alts[i].score > alts[j].score })

	var out []string
	for i := 0; i < len(alts) && i < limit; i++ {
		out = append(out, alts[i].id)
	}
	return out
}
