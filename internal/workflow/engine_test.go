package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/showjihyun/agentrag/internal/agentexec"
	"github.com/showjihyun/agentrag/internal/governor"
	"github.com/showjihyun/agentrag/internal/metrics"
	"github.com/showjihyun/agentrag/internal/trace"
)

func fastRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:       time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		ExponentialBase: 2,
		RetryCount:      3,
		NodeTimeout:     time.Second,
	}
}

type runFixture struct {
	engine   *Engine
	gov      *governor.Governor
	recorder *trace.MemoryRecorder
	sink     *metrics.MemorySink
}

func newRunFixture(t *testing.T, exec agentexec.Executor) *runFixture {
	t.Helper()
	gov := governor.New(5, 10, zap.NewNop())
	recorder := trace.NewMemoryRecorder()
	sink := metrics.NewMemorySink()
	blocks := BlockFunc(func(_ context.Context, blockType string, config, input map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"block": blockType, "echo": input}, nil
	})
	return &runFixture{
		engine:   NewEngine(exec, blocks, gov, recorder, sink, fastRetryPolicy(), zap.NewNop()),
		gov:      gov,
		recorder: recorder,
		sink:     sink,
	}
}

func okExecutor(quality float64) agentexec.ExecutorFunc {
	return func(_ context.Context, agentID string, input map[string]interface{}) (*agentexec.Result, error) {
		return &agentexec.Result{
			Output:       map[string]interface{}{"agent": agentID},
			QualityScore: quality,
		}, nil
	}
}

func mustCompile(t *testing.T, e *Engine, def *GraphDefinition) *Graph {
	t.Helper()
	g, err := e.Compile(def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return g
}

func TestExecuteLinearWalk(t *testing.T) {
	f := newRunFixture(t, okExecutor(0.9))
	g := mustCompile(t, f.engine, &GraphDefinition{
		ID: "linear",
		Nodes: []NodeDef{
			{ID: "start", Kind: KindStart},
			{ID: "work", Kind: KindAgent, Config: map[string]interface{}{"agent_id": "agent-1"}},
			{ID: "end", Kind: KindEnd},
		},
		Edges: []EdgeDef{
			{From: "start", To: "work"},
			{From: "work", To: "end"},
		},
	})

	res, err := f.engine.Execute(context.Background(), g, &ExecutionContext{
		Input: map[string]interface{}{"q": "hello"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, error = %s", res.Error)
	}
	if res.ExecutionID == "" {
		t.Fatal("empty execution id was not defaulted")
	}
	want := []string{"start", "work", "end"}
	if !reflect.DeepEqual(res.Visited, want) {
		t.Fatalf("Visited = %v, want %v", res.Visited, want)
	}
	if _, ok := res.Output["end"]; !ok {
		t.Fatalf("Output = %v, want the end node's snapshot", res.Output)
	}
	work, ok := res.State["work"].(map[string]interface{})
	if !ok {
		t.Fatalf("state[work] = %T, want a map", res.State["work"])
	}
	if work["agent"] != "agent-1" {
		t.Fatalf("agent = %v, want agent-1", work["agent"])
	}
	if f.gov.ActiveInstances("linear") != 0 {
		t.Fatal("instance slot was not released")
	}
}

func TestExecuteConditionBranch(t *testing.T) {
	f := newRunFixture(t, okExecutor(0.9))
	g := mustCompile(t, f.engine, &GraphDefinition{
		ID: "branching",
		Nodes: []NodeDef{
			{ID: "start", Kind: KindStart},
			{ID: "check", Kind: KindCondition, Config: map[string]interface{}{"expression": "input.score > 0.5"}},
			{ID: "high", Kind: KindEnd},
			{ID: "low", Kind: KindEnd},
		},
		Edges: []EdgeDef{
			{From: "start", To: "check"},
			{From: "check", Branches: map[string]string{"true": "high", "false": "low"}},
		},
	})

	res, err := f.engine.Execute(context.Background(), g, &ExecutionContext{
		Input: map[string]interface{}{"score": 0.8},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []string{"start", "check", "high"}
	if !reflect.DeepEqual(res.Visited, want) {
		t.Fatalf("Visited = %v, want %v", res.Visited, want)
	}
	if _, ok := res.State["low"]; ok {
		t.Fatal("untaken branch was executed")
	}
}

func TestExecuteSwitchDefaultBranch(t *testing.T) {
	f := newRunFixture(t, okExecutor(0.9))
	g := mustCompile(t, f.engine, &GraphDefinition{
		ID: "routing",
		Nodes: []NodeDef{
			{ID: "route", Kind: KindSwitch, Config: map[string]interface{}{"expression": "input.tier"}},
			{ID: "gold", Kind: KindEnd},
			{ID: "other", Kind: KindEnd},
		},
		Edges: []EdgeDef{
			{From: "route", Branches: map[string]string{"gold": "gold", "default": "other"}},
		},
	})

	res, err := f.engine.Execute(context.Background(), g, &ExecutionContext{
		Input: map[string]interface{}{"tier": "bronze"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []string{"route", "other"}
	if !reflect.DeepEqual(res.Visited, want) {
		t.Fatalf("Visited = %v, want %v", res.Visited, want)
	}
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	var calls int32
	exec := agentexec.ExecutorFunc(func(_ context.Context, agentID string, _ map[string]interface{}) (*agentexec.Result, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, fmt.Errorf("transient outage")
		}
		return &agentexec.Result{Output: map[string]interface{}{"ok": true}, QualityScore: 0.9}, nil
	})
	f := newRunFixture(t, exec)
	g := mustCompile(t, f.engine, &GraphDefinition{
		ID: "flaky",
		Nodes: []NodeDef{
			{ID: "work", Kind: KindAgent, Config: map[string]interface{}{"agent_id": "agent-1"},
				OnError: &ErrorConfig{RetryCount: 3}},
		},
	})

	res, err := f.engine.Execute(context.Background(), g, &ExecutionContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, error = %s", res.Error)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("executor calls = %d, want 3", got)
	}
}

func TestExecuteExhaustedRetriesFail(t *testing.T) {
	var calls int32
	exec := agentexec.ExecutorFunc(func(_ context.Context, _ string, _ map[string]interface{}) (*agentexec.Result, error) {
		atomic.AddInt32(&calls, 1)
		return nil, fmt.Errorf("downstream unavailable")
	})
	f := newRunFixture(t, exec)
	g := mustCompile(t, f.engine, &GraphDefinition{
		ID: "doomed",
		Nodes: []NodeDef{
			{ID: "work", Kind: KindAgent, Config: map[string]interface{}{"agent_id": "agent-1"},
				OnError: &ErrorConfig{RetryCount: 2}},
		},
	})

	res, err := f.engine.Execute(context.Background(), g, &ExecutionContext{})
	if err == nil {
		t.Fatal("expected failure after exhausted retries")
	}
	var ne *NodeExecutionError
	if !errors.As(err, &ne) || ne.NodeID != "work" {
		t.Fatalf("error = %v, want NodeExecutionError for work", err)
	}
	if res.Success {
		t.Fatal("Success = true on a failed run")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("executor calls = %d, want 2", got)
	}
}

func TestExecutePermanentErrorSkipsRetries(t *testing.T) {
	var calls int32
	exec := agentexec.ExecutorFunc(func(_ context.Context, _ string, _ map[string]interface{}) (*agentexec.Result, error) {
		atomic.AddInt32(&calls, 1)
		return nil, Permanent(fmt.Errorf("malformed request"))
	})
	f := newRunFixture(t, exec)
	g := mustCompile(t, f.engine, &GraphDefinition{
		ID: "rejected",
		Nodes: []NodeDef{
			{ID: "work", Kind: KindAgent, Config: map[string]interface{}{"agent_id": "agent-1"},
				OnError: &ErrorConfig{RetryCount: 3}},
		},
	})

	if _, err := f.engine.Execute(context.Background(), g, &ExecutionContext{}); err == nil {
		t.Fatal("expected failure")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("executor calls = %d, want 1 for a permanent error", got)
	}
}

func TestExecuteFallbackValue(t *testing.T) {
	exec := agentexec.ExecutorFunc(func(_ context.Context, _ string, _ map[string]interface{}) (*agentexec.Result, error) {
		return nil, fmt.Errorf("agent down")
	})
	f := newRunFixture(t, exec)
	off := false
	g := mustCompile(t, f.engine, &GraphDefinition{
		ID: "guarded",
		Nodes: []NodeDef{
			{ID: "work", Kind: KindAgent, Config: map[string]interface{}{"agent_id": "agent-1"},
				OnError: &ErrorConfig{RetryEnabled: &off, HasFallback: true, Fallback: "cached-answer"}},
		},
	})

	res, err := f.engine.Execute(context.Background(), g, &ExecutionContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, error = %s", res.Error)
	}
	out, ok := res.State["work"].(map[string]interface{})
	if !ok {
		t.Fatalf("state[work] = %T, want a map", res.State["work"])
	}
	if out["output"] != "cached-answer" || out["fallback"] != true {
		t.Fatalf("fallback output = %v, want cached-answer with fallback marker", out)
	}
}

func TestExecuteFallbackImpliedByValue(t *testing.T) {
	exec := agentexec.ExecutorFunc(func(_ context.Context, _ string, _ map[string]interface{}) (*agentexec.Result, error) {
		return nil, fmt.Errorf("agent down")
	})
	f := newRunFixture(t, exec)
	off := false
	// No has_fallback flag: the fallback value alone arms it.
	g := mustCompile(t, f.engine, &GraphDefinition{
		ID: "guarded-implied",
		Nodes: []NodeDef{
			{ID: "work", Kind: KindAgent, Config: map[string]interface{}{"agent_id": "agent-1"},
				OnError: &ErrorConfig{RetryEnabled: &off, Fallback: "cached-answer"}},
		},
	})

	res, err := f.engine.Execute(context.Background(), g, &ExecutionContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, error = %s", res.Error)
	}
	out, ok := res.State["work"].(map[string]interface{})
	if !ok {
		t.Fatalf("state[work] = %T, want a map", res.State["work"])
	}
	if out["output"] != "cached-answer" || out["fallback"] != true {
		t.Fatalf("fallback output = %v, want cached-answer with fallback marker", out)
	}
}

func TestExecuteNodeTimeout(t *testing.T) {
	exec := agentexec.ExecutorFunc(func(ctx context.Context, _ string, _ map[string]interface{}) (*agentexec.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newRunFixture(t, exec)
	off := false
	g := mustCompile(t, f.engine, &GraphDefinition{
		ID: "slow",
		Nodes: []NodeDef{
			{ID: "work", Kind: KindAgent, Config: map[string]interface{}{"agent_id": "agent-1"},
				OnError: &ErrorConfig{RetryEnabled: &off, TimeoutSec: 0.05}},
		},
	})

	_, err := f.engine.Execute(context.Background(), g, &ExecutionContext{})
	var te *NodeTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want NodeTimeoutError", err)
	}
	if te.NodeID != "work" {
		t.Fatalf("NodeID = %s, want work", te.NodeID)
	}
}

func TestExecuteConcurrencyLimit(t *testing.T) {
	gov := governor.New(5, 1, zap.NewNop())
	e := NewEngine(okExecutor(0.9), nil, gov, trace.NewMemoryRecorder(), metrics.NewMemorySink(),
		fastRetryPolicy(), zap.NewNop())
	g := mustCompile(t, e, &GraphDefinition{
		ID:    "capped",
		Nodes: []NodeDef{{ID: "start", Kind: KindStart}},
	})

	if err := gov.AcquireSlot("capped"); err != nil {
		t.Fatalf("AcquireSlot: %v", err)
	}
	defer gov.ReleaseSlot("capped")

	if _, err := e.Execute(context.Background(), g, &ExecutionContext{}); !errors.Is(err, governor.ErrConcurrencyLimit) {
		t.Fatalf("error = %v, want ErrConcurrencyLimit", err)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	f := newRunFixture(t, okExecutor(0.9))
	g := mustCompile(t, f.engine, &GraphDefinition{
		ID:    "cancelled",
		Nodes: []NodeDef{{ID: "start", Kind: KindStart}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.engine.Execute(ctx, g, &ExecutionContext{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if res.Success {
		t.Fatal("Success = true on a cancelled run")
	}
	if f.gov.ActiveInstances("cancelled") != 0 {
		t.Fatal("instance slot was not released")
	}
}

func TestExecuteRecordsTraceAndMetrics(t *testing.T) {
	f := newRunFixture(t, okExecutor(0.9))
	g := mustCompile(t, f.engine, &GraphDefinition{
		ID: "observed",
		Nodes: []NodeDef{
			{ID: "start", Kind: KindStart},
			{ID: "end", Kind: KindEnd},
		},
		Edges: []EdgeDef{{From: "start", To: "end"}},
	})

	res, err := f.engine.Execute(context.Background(), g, &ExecutionContext{ExecutionID: "exec-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	steps := f.recorder.Steps("exec-1")
	if len(steps) < 3 {
		t.Fatalf("steps = %d, want at least planning, node, and response steps", len(steps))
	}
	if steps[0].Kind != trace.StepPlanning {
		t.Fatalf("first step = %s, want %s", steps[0].Kind, trace.StepPlanning)
	}
	if last := steps[len(steps)-1]; last.Kind != trace.StepResponse {
		t.Fatalf("last step = %s, want %s", last.Kind, trace.StepResponse)
	}

	records := f.sink.Records()
	if len(records) != 1 {
		t.Fatalf("metrics records = %d, want 1", len(records))
	}
	if records[0].WorkflowID != "observed" || !records[0].Success {
		t.Fatalf("metrics record = %+v, want successful run of observed", records[0])
	}
	if records[0].ExecutionTime != res.Duration {
		t.Fatalf("metrics duration = %s, want %s", records[0].ExecutionTime, res.Duration)
	}
}

func TestExecuteDataPipeline(t *testing.T) {
	f := newRunFixture(t, okExecutor(0.9))
	g := mustCompile(t, f.engine, &GraphDefinition{
		ID: "pipeline",
		Nodes: []NodeDef{
			{ID: "keep", Kind: KindFilter, Config: map[string]interface{}{
				"collection": "input.scores",
				"condition":  "item >= 0.5",
			}},
			{ID: "shape", Kind: KindTransform, Config: map[string]interface{}{
				"mappings": map[string]interface{}{
					"first":  "keep[0]",
					"count":  "input.count",
					"capped": "input.count > 10",
				},
			}},
			{ID: "combined", Kind: KindMerge, Config: map[string]interface{}{
				"sources": []interface{}{"keep", "shape"},
			}},
		},
		Edges: []EdgeDef{
			{From: "keep", To: "shape"},
			{From: "shape", To: "combined"},
		},
	})

	res, err := f.engine.Execute(context.Background(), g, &ExecutionContext{
		Input: map[string]interface{}{
			"scores": []interface{}{0.2, 0.7, 0.9},
			"count":  float64(3),
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	kept, ok := res.State["keep"].([]interface{})
	if !ok || len(kept) != 2 {
		t.Fatalf("filtered = %v, want [0.7 0.9]", res.State["keep"])
	}
	shaped, ok := res.State["shape"].(map[string]interface{})
	if !ok {
		t.Fatalf("state[shape] = %T, want a map", res.State["shape"])
	}
	if shaped["first"] != 0.7 || shaped["count"] != float64(3) || shaped["capped"] != false {
		t.Fatalf("transformed = %v", shaped)
	}
	merged, ok := res.Output["combined"].(map[string]interface{})
	if !ok {
		t.Fatalf("Output[combined] = %T, want a map", res.Output["combined"])
	}
	if _, present := merged["keep"]; !present {
		t.Fatalf("merged = %v, want the filter output included", merged)
	}
}

func TestExecuteLoopOverCollection(t *testing.T) {
	exec := agentexec.ExecutorFunc(func(_ context.Context, agentID string, input map[string]interface{}) (*agentexec.Result, error) {
		return &agentexec.Result{
			Output:       map[string]interface{}{"item": input["item"]},
			QualityScore: 0.9,
		}, nil
	})
	f := newRunFixture(t, exec)
	g := mustCompile(t, f.engine, &GraphDefinition{
		ID: "batch",
		Nodes: []NodeDef{
			{ID: "each", Kind: KindLoop, Config: map[string]interface{}{
				"collection":     "input.docs",
				"max_iterations": 2,
				"body":           map[string]interface{}{"agent": "summarizer"},
			}},
		},
	})

	res, err := f.engine.Execute(context.Background(), g, &ExecutionContext{
		Input: map[string]interface{}{"docs": []interface{}{"a", "b", "c"}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out, ok := res.State["each"].(map[string]interface{})
	if !ok {
		t.Fatalf("state[each] = %T, want a map", res.State["each"])
	}
	if out["iterations"] != 2 {
		t.Fatalf("iterations = %v, want the configured cap of 2", out["iterations"])
	}
	outputs, ok := out["outputs"].([]interface{})
	if !ok || len(outputs) != 2 {
		t.Fatalf("outputs = %v, want 2 entries", out["outputs"])
	}
}

func TestExecuteParallelBranchIsolation(t *testing.T) {
	exec := agentexec.ExecutorFunc(func(_ context.Context, agentID string, _ map[string]interface{}) (*agentexec.Result, error) {
		if agentID == "broken" {
			return nil, fmt.Errorf("agent broken is offline")
		}
		return &agentexec.Result{Output: map[string]interface{}{"from": agentID}, QualityScore: 0.9}, nil
	})
	f := newRunFixture(t, exec)
	g := mustCompile(t, f.engine, &GraphDefinition{
		ID: "fanout",
		Nodes: []NodeDef{
			{ID: "both", Kind: KindParallel, Config: map[string]interface{}{
				"branches": map[string]interface{}{
					"good": map[string]interface{}{"agent": "healthy"},
					"bad":  map[string]interface{}{"agent": "broken"},
				},
			}},
		},
	})

	res, err := f.engine.Execute(context.Background(), g, &ExecutionContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out, ok := res.State["both"].(map[string]interface{})
	if !ok {
		t.Fatalf("state[both] = %T, want a map", res.State["both"])
	}
	good, _ := out["good"].(map[string]interface{})
	if good["success"] != true {
		t.Fatalf("good branch = %v, want success", out["good"])
	}
	bad, _ := out["bad"].(map[string]interface{})
	if bad["success"] != false {
		t.Fatalf("bad branch = %v, want recorded failure", out["bad"])
	}
	if _, hasErr := bad["error"]; !hasErr {
		t.Fatalf("bad branch = %v, want the error message kept", bad)
	}
}
