package metrics

import (
	"sync"
	"time"
)

// RunMetrics is emitted once per completed task or workflow instance.
// Downstream consumers (performance predictor, maintenance loop) read
// these records; the core only produces them.
type RunMetrics struct {
	ExecutionID      string             `json:"execution_id"`
	WorkflowID       string             `json:"workflow_id,omitempty"`
	Pattern          string             `json:"pattern,omitempty"`
	ExecutionTime    time.Duration      `json:"execution_time"`
	Cost             float64            `json:"cost"`
	QualityScore     float64            `json:"quality_score"`
	ResourceUsage    map[string]float64 `json:"resource_usage,omitempty"`
	AgentAssignments map[string]string  `json:"agent_assignments,omitempty"`
	Success          bool               `json:"success"`
	RecordedAt       time.Time          `json:"recorded_at"`
}

// Sink receives run metrics.
type Sink interface {
	Record(m *RunMetrics)
}

// MemorySink buffers metrics in memory.
type MemorySink struct {
	mu      sync.RWMutex
	records []*RunMetrics
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record appends one metrics record.
func (s *MemorySink) Record(m *RunMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}
	s.records = append(s.records, m)
}

// Records returns all recorded metrics in arrival order.
func (s *MemorySink) Records() []*RunMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RunMetrics, len(s.records))
	copy(out, s.records)
	return out
}

// MultiSink fans each record out to several sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Record forwards the metrics record to every sink.
func (s *MultiSink) Record(m *RunMetrics) {
	for _, sink := range s.sinks {
		sink.Record(m)
	}
}
