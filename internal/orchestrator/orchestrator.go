package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/showjihyun/agentrag/internal/agentexec"
	"github.com/showjihyun/agentrag/internal/governor"
	"github.com/showjihyun/agentrag/internal/metrics"
	"github.com/showjihyun/agentrag/internal/registry"
	"github.com/showjihyun/agentrag/internal/trace"
	"go.uber.org/zap"
)

// Config carries the orchestrator's tunables. It is always passed in
// explicitly; nothing here is read from process-global state.
type Config struct {
	// DecomposeThreshold is the complexity score above which tasks are
	// split. Zero disables decomposition.
	DecomposeThreshold float64
	// TaskTimeout bounds one agent call (default 60s).
	TaskTimeout time.Duration
}

func (c Config) taskTimeout() time.Duration {
	if c.TaskTimeout <= 0 {
		return 60 * time.Second
	}
	return c.TaskTimeout
}

// Orchestrator drives one scheduling call end to end: dependency
// analysis, optional decomposition, planning, leveling, and governed
// execution of each level.
type Orchestrator struct {
	registry   *registry.Registry
	decomposer *Decomposer
	scheduler  *Scheduler
	leveler    *Leveler
	collab     *CollabPlanner
	gov        *governor.Governor
	executor   agentexec.Executor
	recorder   trace.Recorder
	sink       metrics.Sink
	bus        *MessageBus
	cfg        Config
	logger     *zap.Logger
}

// New wires an orchestrator from explicitly constructed parts.
func New(reg *registry.Registry, gov *governor.Governor, exec agentexec.Executor,
	recorder trace.Recorder, sink metrics.Sink, cfg Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		registry:   reg,
		decomposer: NewDecomposer(logger),
		scheduler:  NewScheduler(reg, logger),
		leveler:    NewLeveler(logger),
		collab:     NewCollabPlanner(reg, exec, recorder, sink, logger),
		gov:        gov,
		executor:   exec,
		recorder:   recorder,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
	}
}

// AttachBus mirrors task dispatch onto per-agent streams. Optional; a
// nil-bus orchestrator runs fully in process.
func (o *Orchestrator) AttachBus(bus *MessageBus) { o.bus = bus }

// Collaboration exposes the planner for pattern-based calls.
func (o *Orchestrator) Collaboration() *CollabPlanner { return o.collab }

// Plan runs analysis, decomposition, scheduling, and leveling without
// executing anything. The returned task slice is the post-decomposition
// set the plan's execution order refers to.
func (o *Orchestrator) Plan(tasks []*Task, strategy Strategy, constraints Constraints) ([]*Task, *Plan, error) {
	adj, err := AnalyzeDependencies(tasks)
	if err != nil {
		return nil, nil, err
	}

	if o.cfg.DecomposeThreshold > 0 {
		tasks = o.expand(tasks)
		if adj, err = AnalyzeDependencies(tasks); err != nil {
			return nil, nil, err
		}
	}

	var plan *Plan
	if strategy == StrategyCollaborative {
		// Participant selection is delegated to the collaboration
		// planner; assignment stays inside the selected pool.
		participants := o.collab.selectParticipants(tasks, 1)
		plan = o.scheduler.PlanAmong(tasks, strategy, constraints, participants)
	} else {
		plan = o.scheduler.Plan(tasks, strategy, constraints)
	}

	leveling := o.leveler.Level(tasks, plan.Assignments, adj, o.capacities())
	plan.ExecutionOrder = leveling.Groups
	plan.EstCompletion = leveling.Estimate
	plan.Checkpoints = leveling.Checkpoints
	return tasks, plan, nil
}

// Orchestrate plans and executes a task set. A cycle aborts before any
// assignment; unassignable tasks are reported per task and the rest of
// the plan still runs. The caller's context deadline cancels in-flight
// work; completed results up to that point are preserved.
func (o *Orchestrator) Orchestrate(ctx context.Context, tasks []*Task, strategy Strategy, constraints Constraints) (*ExecutionRecord, error) {
	execID := uuid.New().String()
	start := time.Now()

	o.recorder.Append(trace.NewStep(execID, trace.StepPlanning,
		fmt.Sprintf("orchestrating %d tasks with strategy %s", len(tasks), strategy), nil))

	tasks, plan, err := o.Plan(tasks, strategy, constraints)
	if err != nil {
		o.recorder.Append(trace.NewStep(execID, trace.StepError, err.Error(), nil))
		return nil, err
	}

	rec := &ExecutionRecord{
		ExecutionID: execID,
		Plan:        plan,
		Results:     make(map[string]*TaskResult, len(tasks)),
	}

	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, group := range plan.ExecutionOrder {
		if ctx.Err() != nil {
			o.cancelRemaining(rec, tasks)
			break
		}
		o.runGroup(ctx, execID, group, byID, plan, rec)
	}

	rec.Duration = time.Since(start)
	rec.Success = true
	for _, r := range rec.Results {
		if r.Status != TaskDone {
			rec.Success = false
			break
		}
	}

	kind := trace.StepResponse
	content := fmt.Sprintf("completed %d/%d tasks", countDone(rec), len(tasks))
	if !rec.Success {
		kind = trace.StepError
	}
	o.recorder.Append(trace.NewStep(execID, kind, content, map[string]interface{}{
		"plan_id": plan.ID,
	}))

	o.sink.Record(&metrics.RunMetrics{
		ExecutionID:      execID,
		ExecutionTime:    rec.Duration,
		Cost:             o.planCost(plan),
		QualityScore:     averageQuality(rec),
		ResourceUsage:    aggregateResources(plan),
		AgentAssignments: plan.Assignments,
		Success:          rec.Success,
	})
	return rec, nil
}

// runGroup executes one level's tasks in parallel and waits for the
// whole group boundary before returning. A task failure never aborts
// siblings in the same group; tasks whose dependencies already failed
// are recorded as skipped instead of dispatched.
func (o *Orchestrator) runGroup(ctx context.Context, execID string, group []string, byID map[string]*Task, plan *Plan, rec *ExecutionRecord) {
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, taskID := range group {
		t := byID[taskID]
		if t == nil {
			continue
		}

		mu.Lock()
		failedDep := failedDependency(t, rec.Results)
		mu.Unlock()
		if failedDep != "" {
			t.Status = TaskSkipped
			if agentID, assigned := plan.Assignments[taskID]; assigned {
				o.registry.Complete(agentID, taskID, false, 0, 0)
			}
			o.recorder.Append(trace.NewStep(execID, trace.StepError,
				fmt.Sprintf("task %s skipped: dependency %s did not complete", taskID, failedDep),
				map[string]interface{}{"task": taskID, "dependency": failedDep}))
			mu.Lock()
			rec.Results[taskID] = &TaskResult{
				TaskID: taskID,
				Status: TaskSkipped,
				Error:  fmt.Sprintf("dependency %s did not complete", failedDep),
			}
			mu.Unlock()
			continue
		}

		agentID, assigned := plan.Assignments[taskID]
		if !assigned {
			mu.Lock()
			rec.Results[taskID] = &TaskResult{
				TaskID: taskID,
				Status: TaskFailed,
				Error:  "no agent assigned",
			}
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(t *Task, agentID string) {
			defer wg.Done()
			result := o.runTask(ctx, execID, t, agentID)
			if o.bus != nil {
				o.bus.AnnounceResult(ctx, agentID, result)
			}
			mu.Lock()
			rec.Results[t.ID] = result
			mu.Unlock()
		}(t, agentID)
	}
	wg.Wait()
}

// runTask dispatches one agent call through the admission governor.
func (o *Orchestrator) runTask(ctx context.Context, execID string, t *Task, agentID string) *TaskResult {
	start := time.Now()

	o.recorder.Append(trace.NewStep(execID, trace.StepAction,
		fmt.Sprintf("task %s dispatched to %s", t.ID, agentID),
		map[string]interface{}{"task": t.ID, "agent": agentID}))
	if o.bus != nil {
		o.bus.AnnounceTask(ctx, agentID, t)
	}

	if err := o.gov.Admit(ctx); err != nil {
		o.registry.Complete(agentID, t.ID, false, 0, time.Since(start))
		return o.failTask(execID, t, agentID, err, start)
	}
	defer o.gov.Release()

	t.Status = TaskRunning
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.taskTimeout())
	defer cancel()

	r, err := o.executor.Execute(callCtx, agentID, t.Input)
	dur := time.Since(start)
	if err != nil {
		o.registry.Complete(agentID, t.ID, false, 0, dur)
		return o.failTask(execID, t, agentID, err, start)
	}

	t.Status = TaskDone
	o.registry.Complete(agentID, t.ID, true, r.QualityScore, dur)
	o.recorder.Append(trace.NewStep(execID, trace.StepObservation,
		fmt.Sprintf("task %s done", t.ID),
		map[string]interface{}{"task": t.ID, "quality": r.QualityScore}))

	return &TaskResult{
		TaskID:   t.ID,
		AgentID:  agentID,
		Output:   r.Output,
		Quality:  r.QualityScore,
		Status:   TaskDone,
		Duration: dur,
	}
}

func (o *Orchestrator) failTask(execID string, t *Task, agentID string, err error, start time.Time) *TaskResult {
	t.Status = TaskFailed
	o.recorder.Append(trace.NewStep(execID, trace.StepError,
		fmt.Sprintf("task %s failed: %v", t.ID, err),
		map[string]interface{}{"task": t.ID, "agent": agentID}))
	return &TaskResult{
		TaskID:   t.ID,
		AgentID:  agentID,
		Status:   TaskFailed,
		Error:    err.Error(),
		Duration: time.Since(start),
	}
}

func (o *Orchestrator) cancelRemaining(rec *ExecutionRecord, tasks []*Task) {
	for _, t := range tasks {
		if _, done := rec.Results[t.ID]; done {
			continue
		}
		t.Status = TaskCancelled
		if agentID, assigned := rec.Plan.Assignments[t.ID]; assigned {
			o.registry.Complete(agentID, t.ID, false, 0, 0)
		}
		rec.Results[t.ID] = &TaskResult{
			TaskID: t.ID,
			Status: TaskCancelled,
			Error:  context.Canceled.Error(),
		}
	}
}

// expand replaces over-threshold tasks with their decomposition,
// rewiring the surrounding dependency edges: root subtasks inherit the
// original task's dependencies, and dependents of the original now
// depend on the decomposition's terminal subtasks.
func (o *Orchestrator) expand(tasks []*Task) []*Task {
	terminals := make(map[string][]string)
	var out []*Task

	for _, t := range tasks {
		dec := o.decomposer.Decompose(t, o.cfg.DecomposeThreshold)
		if dec == nil {
			out = append(out, t)
			continue
		}

		o.logger.Info("task decomposed",
			zap.String("task", t.ID),
			zap.Int("subtasks", len(dec.Subtasks)))

		hasDependent := make(map[string]bool)
		for _, deps := range dec.Dependencies {
			for _, dep := range deps {
				hasDependent[dep] = true
			}
		}

		for _, st := range dec.Subtasks {
			if len(st.Dependencies) == 0 {
				st.Dependencies = append([]string(nil), t.Dependencies...)
			}
			if !hasDependent[st.ID] {
				terminals[t.ID] = append(terminals[t.ID], st.ID)
			}
			out = append(out, st)
		}
	}

	if len(terminals) == 0 {
		return out
	}
	for _, t := range out {
		var deps []string
		for _, dep := range t.Dependencies {
			if term, replaced := terminals[dep]; replaced {
				deps = append(deps, term...)
			} else {
				deps = append(deps, dep)
			}
		}
		t.Dependencies = deps
	}
	return out
}

// failedDependency reports the first dependency with a recorded
// non-done outcome. Dependencies without a result yet (force-leveled
// external references) do not block the task.
func failedDependency(t *Task, results map[string]*TaskResult) string {
	for _, dep := range t.Dependencies {
		if r, ok := results[dep]; ok && r.Status != TaskDone {
			return dep
		}
	}
	return ""
}

// aggregateResources sums the plan's per-task allocations by resource.
func aggregateResources(plan *Plan) map[string]float64 {
	if len(plan.Resources) == 0 {
		return nil
	}
	agg := make(map[string]float64)
	for _, alloc := range plan.Resources {
		for k, v := range alloc {
			agg[k] += v
		}
	}
	return agg
}

func (o *Orchestrator) capacities() map[string]int {
	caps := make(map[string]int)
	for _, p := range o.registry.List(registry.Filter{}) {
		caps[p.ID] = p.MaxConcurrent
	}
	return caps
}

func (o *Orchestrator) planCost(plan *Plan) float64 {
	cost := 0.0
	for _, agentID := range plan.Assignments {
		if p, ok := o.registry.Get(agentID); ok {
			cost += p.CostPerTask
		}
	}
	return cost
}

func countDone(rec *ExecutionRecord) int {
	n := 0
	for _, r := range rec.Results {
		if r.Status == TaskDone {
			n++
		}
	}
	return n
}

func averageQuality(rec *ExecutionRecord) float64 {
	sum, n := 0.0, 0
	for _, r := range rec.Results {
		if r.Status == TaskDone {
			sum += r.Quality
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
