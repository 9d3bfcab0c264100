package registry

import (
	"time"
)

// AgentType is one of the specialist categories an agent can belong to.
type AgentType string

const (
	TypeVision     AgentType = "vision_specialist"
	TypeAudio      AgentType = "audio_specialist"
	TypeText       AgentType = "text_specialist"
	TypeCode       AgentType = "code_specialist"
	TypeReasoning  AgentType = "reasoning_specialist"
	TypeCreative   AgentType = "creative_specialist"
	TypeRetrieval  AgentType = "retrieval_specialist"
	TypeMultimodal AgentType = "multimodal_generalist"
)

// AgentStatus tracks an agent's availability.
type AgentStatus string

const (
	StatusIdle        AgentStatus = "idle"
	StatusBusy        AgentStatus = "busy"
	StatusOverloaded  AgentStatus = "overloaded"
	StatusMaintenance AgentStatus = "maintenance"
	StatusError       AgentStatus = "error"
)

// PerformanceMetrics are the rolling quality figures used by the
// scheduler's compatibility scoring. All values live in [0,1].
type PerformanceMetrics struct {
	Accuracy    float64 `json:"accuracy"`
	Speed       float64 `json:"speed"`
	Reliability float64 `json:"reliability"`
}

// CollaborationMetrics feed ensemble vote weighting.
type CollaborationMetrics struct {
	QualityScore               float64 `json:"quality_score"`
	CompletionRate             float64 `json:"completion_rate"`
	CollaborationEffectiveness float64 `json:"collaboration_effectiveness"`
}

// PerformanceSample is one entry in an agent's rolling history.
type PerformanceSample struct {
	TaskID    string        `json:"task_id"`
	Success   bool          `json:"success"`
	Quality   float64       `json:"quality"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Profile describes one capability-bearing worker.
type Profile struct {
	ID              string               `json:"id"`
	Type            AgentType            `json:"type"`
	Specializations []string             `json:"specializations"`
	Metrics         PerformanceMetrics   `json:"metrics"`
	Collaboration   CollaborationMetrics `json:"collaboration"`
	Resources       map[string]float64   `json:"resources,omitempty"`
	CostPerTask     float64              `json:"cost_per_task"`
	MaxConcurrent   int                  `json:"max_concurrent"`
	Status          AgentStatus          `json:"status"`
	CurrentLoad     float64              `json:"current_load"`
	ActiveTasks     []string             `json:"active_tasks,omitempty"`
	History         []PerformanceSample  `json:"history,omitempty"`
	RegisteredAt    time.Time            `json:"registered_at"`
}

// HasCapacity reports whether the agent can accept another task.
// Overloaded and non-operational agents never have capacity.
func (p *Profile) HasCapacity() bool {
	switch p.Status {
	case StatusOverloaded, StatusMaintenance, StatusError:
		return false
	}
	return len(p.ActiveTasks) < p.MaxConcurrent
}

// clone returns a deep copy so callers can read profiles without
// racing the registry's writers.
func (p *Profile) clone() *Profile {
	c := *p
	c.Specializations = append([]string(nil), p.Specializations...)
	c.ActiveTasks = append([]string(nil), p.ActiveTasks...)
	c.History = append([]PerformanceSample(nil), p.History...)
	if p.Resources != nil {
		c.Resources = make(map[string]float64, len(p.Resources))
		for k, v := range p.Resources {
			c.Resources[k] = v
		}
	}
	return &c
}
