package agentexec

import (
	"context"
	"time"
)

// Local is a deterministic in-process executor used by the default
// wiring and by tests. It echoes the input back under "echo" and
// reports a fixed quality score.
type Local struct {
	Delay   time.Duration
	Quality float64
}

// NewLocal creates a local executor. Quality defaults to 0.9.
func NewLocal(delay time.Duration, quality float64) *Local {
	if quality <= 0 {
		quality = 0.9
	}
	return &Local{Delay: delay, Quality: quality}
}

// Execute honors context cancellation during the configured delay.
func (l *Local) Execute(ctx context.Context, agentID string, input map[string]interface{}) (*Result, error) {
	if l.Delay > 0 {
		select {
		case <-time.After(l.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &Result{
		Output: map[string]interface{}{
			"agent": agentID,
			"echo":  input,
		},
		QualityScore: l.Quality,
	}, nil
}
