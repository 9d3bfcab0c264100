package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/showjihyun/agentrag/internal/metrics"
	"github.com/showjihyun/agentrag/internal/trace"
)

const dbWriteTimeout = 5 * time.Second

// SaveStep persists one trace step.
func (s *Store) SaveStep(ctx context.Context, step *trace.Step) error {
	meta, err := json.Marshal(step.Metadata)
	if err != nil {
		return fmt.Errorf("marshal step metadata: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO execution_steps (id, execution_id, kind, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		step.ID, step.ExecutionID, string(step.Kind), step.Content, meta, step.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save step %s: %w", step.ID, err)
	}
	return nil
}

// ListSteps returns one execution's trace in append order.
func (s *Store) ListSteps(ctx context.Context, executionID string) ([]*trace.Step, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, execution_id, kind, content, metadata, created_at
		FROM execution_steps
		WHERE execution_id = $1
		ORDER BY created_at`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []*trace.Step
	for rows.Next() {
		var (
			st   trace.Step
			kind string
			meta []byte
		)
		if err := rows.Scan(&st.ID, &st.ExecutionID, &kind, &st.Content, &meta, &st.Timestamp); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Kind = trace.StepKind(kind)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &st.Metadata); err != nil {
				return nil, fmt.Errorf("decode step metadata: %w", err)
			}
		}
		steps = append(steps, &st)
	}
	return steps, nil
}

// SaveMetrics persists one run metrics record.
func (s *Store) SaveMetrics(ctx context.Context, m *metrics.RunMetrics) error {
	usage, err := json.Marshal(m.ResourceUsage)
	if err != nil {
		return fmt.Errorf("marshal resource usage: %w", err)
	}
	assignments, err := json.Marshal(m.AgentAssignments)
	if err != nil {
		return fmt.Errorf("marshal assignments: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO run_metrics (execution_id, workflow_id, pattern, execution_ms, cost, quality_score, resource_usage, agent_assignments, success, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ExecutionID, m.WorkflowID, m.Pattern, m.ExecutionTime.Milliseconds(),
		m.Cost, m.QualityScore, usage, assignments, m.Success, m.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("save metrics %s: %w", m.ExecutionID, err)
	}
	return nil
}

// Append implements trace.Recorder. Persistence failures are logged:
// a run must never fail because its audit trail could not be written.
func (s *Store) Append(step *trace.Step) {
	ctx, cancel := context.WithTimeout(context.Background(), dbWriteTimeout)
	defer cancel()
	if err := s.SaveStep(ctx, step); err != nil {
		s.logger.Warn("persist step", zap.Error(err))
	}
}

// Steps implements trace.Recorder reads over the database.
func (s *Store) Steps(executionID string) []*trace.Step {
	ctx, cancel := context.WithTimeout(context.Background(), dbWriteTimeout)
	defer cancel()
	steps, err := s.ListSteps(ctx, executionID)
	if err != nil {
		s.logger.Warn("load steps", zap.Error(err))
		return nil
	}
	return steps
}

// Record implements metrics.Sink.
func (s *Store) Record(m *metrics.RunMetrics) {
	ctx, cancel := context.WithTimeout(context.Background(), dbWriteTimeout)
	defer cancel()
	if err := s.SaveMetrics(ctx, m); err != nil {
		s.logger.Warn("persist metrics", zap.Error(err))
	}
}
