package orchestrator

import (
	"time"
)

// Priority orders tasks for assignment.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// rank maps priority to a sortable weight; lower sorts first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// TaskStatus tracks execution state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one unit of work. Dependencies must form a DAG over the task
// set presented in a single orchestration call.
type Task struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Priority      Priority               `json:"priority"`
	Requirements  map[string]interface{} `json:"requirements,omitempty"`
	Input         map[string]interface{} `json:"input,omitempty"`
	Deadline      *time.Time             `json:"deadline,omitempty"`
	EstimatedDur  time.Duration          `json:"estimated_duration"`
	Dependencies  []string               `json:"dependencies,omitempty"`
	AssignedAgent string                 `json:"assigned_agent,omitempty"`
	Status        TaskStatus             `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Strategy selects how the scheduler trades off its objectives.
type Strategy string

const (
	StrategyPerformance   Strategy = "performance_optimized"
	StrategyLoadBalanced  Strategy = "load_balanced"
	StrategyCostMinimized Strategy = "cost_minimized"
	StrategyCapability    Strategy = "capability_matched"
	StrategyDeadline      Strategy = "deadline_aware"
	StrategyCollaborative Strategy = "collaborative"
)

// Constraints bound a scheduling call.
type Constraints struct {
	// MinCompatibility is the floor for load-balanced and cost-minimized
	// assignment. Zero means the default of 0.3.
	MinCompatibility float64 `json:"min_compatibility,omitempty"`
	// MaxFallbacks caps alternatives recorded per task (default 2).
	MaxFallbacks int `json:"max_fallbacks,omitempty"`
}

// Plan is the scheduler's output for one orchestration call. It is
// immutable once produced; execution progress lives in a separate
// ephemeral record.
type Plan struct {
	ID             string                        `json:"id"`
	Strategy       Strategy                      `json:"strategy"`
	Assignments    map[string]string             `json:"assignments"`
	Unassigned     []string                      `json:"unassigned,omitempty"`
	ExecutionOrder [][]string                    `json:"execution_order"`
	EstCompletion  time.Duration                 `json:"estimated_completion"`
	Resources      map[string]map[string]float64 `json:"resources,omitempty"`
	Fallbacks      map[string][]string           `json:"fallbacks,omitempty"`
	Checkpoints    []time.Duration               `json:"checkpoints,omitempty"`
	CreatedAt      time.Time                     `json:"created_at"`
}

// TaskResult records one task's outcome within an execution.
type TaskResult struct {
	TaskID   string                 `json:"task_id"`
	AgentID  string                 `json:"agent_id,omitempty"`
	Output   map[string]interface{} `json:"output,omitempty"`
	Quality  float64                `json:"quality"`
	Status   TaskStatus             `json:"status"`
	Error    string                 `json:"error,omitempty"`
	Duration time.Duration          `json:"duration"`
}

// ExecutionRecord is the ephemeral per-call record the driver fills in
// while running a plan.
type ExecutionRecord struct {
	ExecutionID string                 `json:"execution_id"`
	Plan        *Plan                  `json:"plan"`
	Results     map[string]*TaskResult `json:"results"`
	Success     bool                   `json:"success"`
	Duration    time.Duration          `json:"duration"`
}
