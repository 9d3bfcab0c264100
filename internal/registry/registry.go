package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrAgentNotFound means no profile exists for the given id.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentActive blocks deregistration while tasks are in flight.
	ErrAgentActive = errors.New("agent has active tasks")
	// ErrLastOfType blocks removing the only agent of a capability class.
	ErrLastOfType = errors.New("agent is the last of its type")
	// ErrNoCapacity means the agent cannot accept another task.
	ErrNoCapacity = errors.New("agent has no spare capacity")
)

const defaultOverloadThreshold = 0.85

// historyLimit caps the rolling performance window per agent.
const historyLimit = 50

// Registry holds the live set of agent profiles. All profile mutation
// goes through the registry; readers receive copies.
type Registry struct {
	mu                sync.RWMutex
	agents            map[string]*Profile
	overloadThreshold float64
	logger            *zap.Logger
}

// New creates a registry. A non-positive threshold falls back to the
// default overload threshold.
func New(overloadThreshold float64, logger *zap.Logger) *Registry {
	if overloadThreshold <= 0 || overloadThreshold > 1 {
		overloadThreshold = defaultOverloadThreshold
	}
	return &Registry{
		agents:            make(map[string]*Profile),
		overloadThreshold: overloadThreshold,
		logger:            logger,
	}
}

// Register adds a profile and returns its id, generating one if absent.
func (r *Registry) Register(p *Profile) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 1
	}
	if p.Status == "" {
		p.Status = StatusIdle
	}
	p.RegisteredAt = time.Now()
	r.agents[p.ID] = p

	r.logger.Info("registered agent",
		zap.String("agent", p.ID),
		zap.String("type", string(p.Type)),
		zap.Int("max_concurrent", p.MaxConcurrent))
	return p.ID
}

// Deregister removes an idle agent. It refuses when tasks are active or
// when the agent is the last of its type, so a capability class is never
// starved by scale-down.
func (r *Registry) Deregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("deregister %s: %w", agentID, ErrAgentNotFound)
	}
	if len(p.ActiveTasks) > 0 {
		return fmt.Errorf("deregister %s: %w", agentID, ErrAgentActive)
	}
	if p.Status != StatusIdle {
		return fmt.Errorf("deregister %s: status %s: %w", agentID, p.Status, ErrAgentActive)
	}

	siblings := 0
	for id, other := range r.agents {
		if id != agentID && other.Type == p.Type {
			siblings++
		}
	}
	if siblings == 0 {
		return fmt.Errorf("deregister %s: %w", agentID, ErrLastOfType)
	}

	delete(r.agents, agentID)
	r.logger.Info("deregistered agent", zap.String("agent", agentID))
	return nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type           AgentType
	Status         AgentStatus
	Specialization string
	OnlyAvailable  bool
}

// List returns copies of all profiles matching the filter.
func (r *Registry) List(f Filter) []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Profile
	for _, p := range r.agents {
		if f.Type != "" && p.Type != f.Type {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Specialization != "" && !hasSpecialization(p, f.Specialization) {
			continue
		}
		if f.OnlyAvailable && !p.HasCapacity() {
			continue
		}
		out = append(out, p.clone())
	}
	return out
}

// Get returns a copy of one profile.
func (r *Registry) Get(agentID string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// Assign reserves one task slot on the agent. Called only by the
// scheduler when a plan is produced.
func (r *Registry) Assign(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("assign to %s: %w", agentID, ErrAgentNotFound)
	}
	if !p.HasCapacity() {
		return fmt.Errorf("assign to %s: %w", agentID, ErrNoCapacity)
	}

	p.ActiveTasks = append(p.ActiveTasks, taskID)
	r.applyLoadLocked(p, 1.0/float64(p.MaxConcurrent))
	return nil
}

// Complete releases a task slot and records the outcome in the agent's
// rolling history. Called only by the execution driver.
func (r *Registry) Complete(agentID, taskID string, success bool, quality float64, dur time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.agents[agentID]
	if !ok {
		return
	}
	for i, id := range p.ActiveTasks {
		if id == taskID {
			p.ActiveTasks = append(p.ActiveTasks[:i], p.ActiveTasks[i+1:]...)
			break
		}
	}
	p.History = append(p.History, PerformanceSample{
		TaskID:    taskID,
		Success:   success,
		Quality:   quality,
		Duration:  dur,
		Timestamp: time.Now(),
	})
	if len(p.History) > historyLimit {
		p.History = p.History[len(p.History)-historyLimit:]
	}
	r.applyLoadLocked(p, -1.0/float64(p.MaxConcurrent))
}

// UpdateLoad applies a load delta and recomputes the agent's status.
func (r *Registry) UpdateLoad(agentID string, delta float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("update load %s: %w", agentID, ErrAgentNotFound)
	}
	r.applyLoadLocked(p, delta)
	return nil
}

// applyLoadLocked clamps load to [0,1] and derives status. Maintenance
// and error states are sticky; load changes never clear them.
func (r *Registry) applyLoadLocked(p *Profile, delta float64) {
	p.CurrentLoad += delta
	if p.CurrentLoad < 0 {
		p.CurrentLoad = 0
	}
	if p.CurrentLoad > 1 {
		p.CurrentLoad = 1
	}

	if p.Status == StatusMaintenance || p.Status == StatusError {
		return
	}
	switch {
	case p.CurrentLoad > r.overloadThreshold:
		if p.Status != StatusOverloaded {
			r.logger.Warn("agent overloaded",
				zap.String("agent", p.ID),
				zap.Float64("load", p.CurrentLoad))
		}
		p.Status = StatusOverloaded
	case len(p.ActiveTasks) > 0:
		p.Status = StatusBusy
	default:
		p.Status = StatusIdle
	}
}

// SetStatus forces a status, used for maintenance windows and error
// quarantine.
func (r *Registry) SetStatus(agentID string, status AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("set status %s: %w", agentID, ErrAgentNotFound)
	}
	p.Status = status
	return nil
}

func hasSpecialization(p *Profile, spec string) bool {
	for _, s := range p.Specializations {
		if s == spec {
			return true
		}
	}
	return false
}
