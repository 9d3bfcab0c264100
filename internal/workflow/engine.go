package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/showjihyun/agentrag/internal/agentexec"
	"github.com/showjihyun/agentrag/internal/governor"
	"github.com/showjihyun/agentrag/internal/metrics"
	"github.com/showjihyun/agentrag/internal/trace"
	"go.uber.org/zap"
)

// BlockExecutor runs one building block (llm-call, tool-call,
// restricted-code, nested-workflow). The engine only depends on this
// contract.
type BlockExecutor interface {
	Execute(ctx context.Context, blockType string, config, input map[string]interface{}) (map[string]interface{}, error)
}

// BlockFunc adapts a function to BlockExecutor.
type BlockFunc func(ctx context.Context, blockType string, config, input map[string]interface{}) (map[string]interface{}, error)

// Execute implements BlockExecutor.
func (f BlockFunc) Execute(ctx context.Context, blockType string, config, input map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, blockType, config, input)
}

// RetryPolicy carries the engine-wide retry defaults; per-node
// ErrorConfig overrides them.
type RetryPolicy struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	RetryCount      int
	NodeTimeout     time.Duration
}

// DefaultRetryPolicy matches the documented node defaults: 3 retries,
// 60s timeout, exponential backoff capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
		RetryCount:      3,
		NodeTimeout:     60 * time.Second,
	}
}

// Result is the outcome of one workflow instance.
type Result struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Output      map[string]interface{} `json:"output,omitempty"`
	State       State                  `json:"state,omitempty"`
	Visited     []string               `json:"visited"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Duration    time.Duration          `json:"duration"`
}

// Engine compiles and executes workflow graphs.
type Engine struct {
	agents   agentexec.Executor
	blocks   BlockExecutor
	gov      *governor.Governor
	recorder trace.Recorder
	sink     metrics.Sink
	retry    RetryPolicy
	handlers map[NodeKind]HandlerFunc
	logger   *zap.Logger
}

// NewEngine wires an engine. The handler table is built once here; the
// compiler binds handlers to nodes so execution never dispatches on a
// kind string.
func NewEngine(agents agentexec.Executor, blocks BlockExecutor, gov *governor.Governor,
	recorder trace.Recorder, sink metrics.Sink, retry RetryPolicy, logger *zap.Logger) *Engine {
	if retry.RetryCount == 0 {
		retry = DefaultRetryPolicy()
	}
	e := &Engine{
		agents:   agents,
		blocks:   blocks,
		gov:      gov,
		recorder: recorder,
		sink:     sink,
		retry:    retry,
		logger:   logger,
	}
	e.handlers = map[NodeKind]HandlerFunc{
		KindStart:     e.handleStart,
		KindEnd:       e.handleEnd,
		KindTrigger:   e.handleTrigger,
		KindAgent:     e.handleAgent,
		KindBlock:     e.handleBlock,
		KindCondition: e.handleCondition,
		KindLoop:      e.handleLoop,
		KindParallel:  e.handleParallel,
		KindDelay:     e.handleDelay,
		KindFilter:    e.handleFilter,
		KindTransform: e.handleTransform,
		KindSwitch:    e.handleSwitch,
		KindMerge:     e.handleMerge,
	}
	return e
}

// Execute runs one workflow instance under the per-workflow slot cap.
// A node failure without a configured fallback ends the instance; steps
// and state produced up to that point are preserved.
func (e *Engine) Execute(ctx context.Context, g *Graph, ec *ExecutionContext) (*Result, error) {
	if ec.ExecutionID == "" {
		ec.ExecutionID = uuid.New().String()
	}
	if err := e.gov.AcquireSlot(g.ID); err != nil {
		return nil, err
	}
	defer e.gov.ReleaseSlot(g.ID)

	start := time.Now()
	res := &Result{
		ExecutionID: ec.ExecutionID,
		WorkflowID:  g.ID,
		State:       make(State),
		Output:      make(map[string]interface{}),
	}
	if ec.Input != nil {
		res.State["input"] = ec.Input
	}

	e.recorder.Append(trace.NewStep(ec.ExecutionID, trace.StepPlanning,
		fmt.Sprintf("workflow %s started at node %s", g.ID, g.Entry),
		map[string]interface{}{"workflow": g.ID}))

	queue := []string{g.Entry}
	visited := make(map[string]bool)

	var failure error
	for len(queue) > 0 && failure == nil {
		if err := ctx.Err(); err != nil {
			failure = err
			break
		}

		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		node := g.Nodes[id]
		res.Visited = append(res.Visited, id)

		out, err := e.runNode(ctx, node, ec, res.State)
		if err != nil {
			failure = err
			break
		}
		res.State[id] = out
		if g.Finish[id] {
			res.Output[id] = out
		}

		queue = append(queue, e.successors(g, node, res.State)...)
	}

	res.Duration = time.Since(start)
	res.Success = failure == nil

	if failure != nil {
		res.Error = failure.Error()
		e.recorder.Append(trace.NewStep(ec.ExecutionID, trace.StepError,
			fmt.Sprintf("workflow %s failed: %v", g.ID, failure), nil))
	} else {
		e.recorder.Append(trace.NewStep(ec.ExecutionID, trace.StepResponse,
			fmt.Sprintf("workflow %s completed, %d nodes visited", g.ID, len(res.Visited)), nil))
	}

	e.sink.Record(&metrics.RunMetrics{
		ExecutionID:   ec.ExecutionID,
		WorkflowID:    g.ID,
		ExecutionTime: res.Duration,
		Success:       res.Success,
	})

	if failure != nil {
		return res, failure
	}
	return res, nil
}

// successors picks the next nodes: branch edges consult the node's
// stored result, plain edges are followed as declared.
func (e *Engine) successors(g *Graph, node *Node, state State) []string {
	id := node.Def.ID
	if branches, ok := g.Branches[id]; ok {
		key := branchKey(node, state[id])
		if target, ok := branches[key]; ok {
			return []string{target}
		}
		if target, ok := branches["default"]; ok {
			return []string{target}
		}
		e.logger.Warn("no branch matched",
			zap.String("node", id),
			zap.String("branch", key))
		return nil
	}
	return g.Next[id]
}

// branchKey converts a node result into a branch name. Conditions
// yield "true"/"false"; switches yield the stringified value.
func branchKey(node *Node, out interface{}) string {
	switch node.Def.Kind {
	case KindCondition:
		if b, ok := out.(bool); ok && b {
			return "true"
		}
		return "false"
	case KindSwitch:
		return fmt.Sprintf("%v", out)
	}
	return "default"
}

// --- per-node runtime: retry, timeout, fallback, tracing ---

// NodeTimeoutError means one attempt exceeded the node's timeout.
type NodeTimeoutError struct {
	NodeID  string
	Timeout time.Duration
}

func (e *NodeTimeoutError) Error() string {
	return fmt.Sprintf("node %s timed out after %s", e.NodeID, e.Timeout)
}

// NodeExecutionError wraps a handler failure.
type NodeExecutionError struct {
	NodeID string
	Err    error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func retryable(err error) bool {
	var p *permanentError
	return !errors.As(err, &p)
}

// runNode executes one node under its error config: timeout per
// attempt, exponential backoff with jitter between retries, and the
// configured fallback value once attempts are exhausted. Every
// invocation appends a start step and a terminal step to the trace.
func (e *Engine) runNode(ctx context.Context, node *Node, ec *ExecutionContext, state State) (interface{}, error) {
	cfg := node.Def.OnError
	retries := e.retry.RetryCount
	timeout := e.retry.NodeTimeout
	retryOn := true
	if cfg != nil {
		if cfg.RetryCount > 0 {
			retries = cfg.RetryCount
		}
		if cfg.TimeoutSec > 0 {
			timeout = time.Duration(cfg.TimeoutSec * float64(time.Second))
		}
		if cfg.RetryEnabled != nil {
			retryOn = *cfg.RetryEnabled
		}
	}
	attempts := retries
	if !retryOn || attempts < 1 {
		attempts = 1
	}

	e.recorder.Append(trace.NewStep(ec.ExecutionID, trace.StepAction,
		fmt.Sprintf("node %s (%s) started", node.Def.ID, node.Def.Kind),
		map[string]interface{}{"node": node.Def.ID}))

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := e.backoff(attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = attempts
				continue
			}
		}

		out, err := e.attempt(ctx, node, ec, state, timeout)
		if err == nil {
			e.recorder.Append(trace.NewStep(ec.ExecutionID, trace.StepObservation,
				fmt.Sprintf("node %s completed", node.Def.ID),
				map[string]interface{}{"node": node.Def.ID, "attempts": attempt + 1}))
			return out, nil
		}
		lastErr = err

		if !retryable(err) {
			break
		}
		e.logger.Warn("node attempt failed",
			zap.String("node", node.Def.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	if cfg != nil && cfg.HasFallback {
		e.recorder.Append(trace.NewStep(ec.ExecutionID, trace.StepObservation,
			fmt.Sprintf("node %s fell back after failure", node.Def.ID),
			map[string]interface{}{"node": node.Def.ID, "fallback": true}))
		return map[string]interface{}{"output": cfg.Fallback, "fallback": true}, nil
	}

	e.recorder.Append(trace.NewStep(ec.ExecutionID, trace.StepError,
		fmt.Sprintf("node %s failed: %v", node.Def.ID, lastErr),
		map[string]interface{}{"node": node.Def.ID}))
	return nil, lastErr
}

// attempt runs the handler once under the node timeout.
func (e *Engine) attempt(ctx context.Context, node *Node, ec *ExecutionContext, state State, timeout time.Duration) (interface{}, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		out interface{}
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		out, err := node.handler(attemptCtx, node, ec, state)
		ch <- outcome{out: out, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return nil, &NodeExecutionError{NodeID: node.Def.ID, Err: o.err}
		}
		return o.out, nil
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, Permanent(ctx.Err())
		}
		return nil, &NodeTimeoutError{NodeID: node.Def.ID, Timeout: timeout}
	}
}

// backoff computes base×exponentialBase^attempt, capped, with a uniform
// 0.5–1.5 jitter multiplier.
func (e *Engine) backoff(attempt int) time.Duration {
	d := float64(e.retry.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= e.retry.ExponentialBase
	}
	if max := float64(e.retry.MaxDelay); d > max {
		d = max
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(d * jitter)
}
