package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// StepKind classifies an execution step.
type StepKind string

const (
	StepPlanning    StepKind = "planning"
	StepAction      StepKind = "action"
	StepObservation StepKind = "observation"
	StepError       StepKind = "error"
	StepResponse    StepKind = "response"
)

// Step is one append-only record in an execution's trace.
type Step struct {
	ID          string                 `json:"id"`
	ExecutionID string                 `json:"execution_id"`
	Kind        StepKind               `json:"kind"`
	Content     string                 `json:"content"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// NewStep builds a step with a fresh id and the current timestamp.
func NewStep(executionID string, kind StepKind, content string, meta map[string]interface{}) *Step {
	return &Step{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		Kind:        kind,
		Content:     content,
		Timestamp:   time.Now(),
		Metadata:    meta,
	}
}

// Recorder receives execution steps. Implementations must tolerate
// concurrent appends for different execution ids.
type Recorder interface {
	Append(step *Step)
	Steps(executionID string) []*Step
}

// MemoryRecorder keeps traces in memory, keyed by execution id.
type MemoryRecorder struct {
	mu    sync.RWMutex
	steps map[string][]*Step
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{steps: make(map[string][]*Step)}
}

// Append adds a step to its execution's trace.
func (r *MemoryRecorder) Append(step *Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.ExecutionID] = append(r.steps[step.ExecutionID], step)
}

// Steps returns the trace for one execution in append order.
func (r *MemoryRecorder) Steps(executionID string) []*Step {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Step, len(r.steps[executionID]))
	copy(out, r.steps[executionID])
	return out
}

// MultiRecorder fans each step out to several recorders. Steps are
// read back from the first recorder.
type MultiRecorder struct {
	recorders []Recorder
}

// NewMultiRecorder combines recorders; at least one is required for
// Steps to return anything.
func NewMultiRecorder(recorders ...Recorder) *MultiRecorder {
	return &MultiRecorder{recorders: recorders}
}

// Append forwards the step to every recorder.
func (r *MultiRecorder) Append(step *Step) {
	for _, rec := range r.recorders {
		rec.Append(step)
	}
}

// Steps reads the trace from the primary recorder.
func (r *MultiRecorder) Steps(executionID string) []*Step {
	if len(r.recorders) == 0 {
		return nil
	}
	return r.recorders[0].Steps(executionID)
}
