// Package agentexec defines the boundary to whatever actually runs an
// agent. The orchestration core only depends on this contract; it never
// invokes a model or tool itself.
package agentexec

import (
	"context"
)

// Result is an agent call's declared output.
type Result struct {
	Output       map[string]interface{} `json:"output"`
	QualityScore float64                `json:"quality_score"`
}

// Executor runs one agent call. Implementations signal failure through
// the error return; timeouts arrive via the context deadline.
type Executor interface {
	Execute(ctx context.Context, agentID string, input map[string]interface{}) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, agentID string, input map[string]interface{}) (*Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, agentID string, input map[string]interface{}) (*Result, error) {
	return f(ctx, agentID, input)
}
