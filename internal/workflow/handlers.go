package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// exprScope is what conditions and transforms see: the mutable state
// plus the context's declared variables and input.
func exprScope(ec *ExecutionContext, state State) map[string]interface{} {
	scope := make(map[string]interface{}, len(state)+len(ec.Variables)+1)
	for k, v := range state {
		scope[k] = v
	}
	for k, v := range ec.Variables {
		scope[k] = v
	}
	if ec.Input != nil {
		scope["input"] = ec.Input
	}
	return scope
}

func (e *Engine) handleStart(_ context.Context, _ *Node, _ *ExecutionContext, _ State) (interface{}, error) {
	return map[string]interface{}{"started": true}, nil
}

func (e *Engine) handleEnd(_ context.Context, _ *Node, _ *ExecutionContext, state State) (interface{}, error) {
	return state.snapshot(), nil
}

func (e *Engine) handleTrigger(_ context.Context, node *Node, _ *ExecutionContext, _ State) (interface{}, error) {
	return map[string]interface{}{
		"triggered": true,
		"event":     node.Def.Config["event"],
	}, nil
}

// handleAgent dispatches one agent call through the admission governor.
func (e *Engine) handleAgent(ctx context.Context, node *Node, ec *ExecutionContext, state State) (interface{}, error) {
	agentID, _ := node.Def.Config["agent_id"].(string)
	if agentID == "" {
		return nil, Permanent(fmt.Errorf("agent node %s has no agent_id", node.Def.ID))
	}

	input := e.callInput(node, ec, state)

	if err := e.gov.Admit(ctx); err != nil {
		return nil, Permanent(err)
	}
	defer e.gov.Release()

	r, err := e.agents.Execute(ctx, agentID, input)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"output":  r.Output,
		"quality": r.QualityScore,
		"agent":   agentID,
	}, nil
}

// handleBlock dispatches one block call through the admission governor.
func (e *Engine) handleBlock(ctx context.Context, node *Node, ec *ExecutionContext, state State) (interface{}, error) {
	blockType, _ := node.Def.Config["block_type"].(string)
	if blockType == "" {
		return nil, Permanent(fmt.Errorf("block node %s has no block_type", node.Def.ID))
	}
	blockCfg, _ := node.Def.Config["config"].(map[string]interface{})

	input := e.callInput(node, ec, state)

	if err := e.gov.Admit(ctx); err != nil {
		return nil, Permanent(err)
	}
	defer e.gov.Release()

	return e.blocks.Execute(ctx, blockType, blockCfg, input)
}

// callInput resolves what an external call sees: a named state key if
// configured, otherwise the context input plus a state snapshot.
func (e *Engine) callInput(node *Node, ec *ExecutionContext, state State) map[string]interface{} {
	if key, ok := node.Def.Config["input_from"].(string); ok && key != "" {
		if m, ok := state[key].(map[string]interface{}); ok {
			return m
		}
		return map[string]interface{}{"value": state[key]}
	}
	return map[string]interface{}{
		"input": ec.Input,
		"state": map[string]interface{}(state.snapshot()),
	}
}

// handleCondition evaluates the restricted expression; the boolean
// result picks the branch and is stored for later nodes to read.
func (e *Engine) handleCondition(_ context.Context, node *Node, ec *ExecutionContext, state State) (interface{}, error) {
	expr, _ := node.Def.Config["expression"].(string)
	if expr == "" {
		return nil, Permanent(fmt.Errorf("condition node %s has no expression", node.Def.ID))
	}
	ok, err := EvalCondition(expr, exprScope(ec, state))
	if err != nil {
		return nil, Permanent(err)
	}
	return ok, nil
}

const defaultMaxIterations = 100

// handleLoop iterates a named collection up to the configured maximum,
// running the inline body call per item and recording the iteration
// count.
func (e *Engine) handleLoop(ctx context.Context, node *Node, ec *ExecutionContext, state State) (interface{}, error) {
	key, _ := node.Def.Config["collection"].(string)
	items := collectionFrom(exprScope(ec, state), key)

	maxIter := defaultMaxIterations
	if v, ok := node.Def.Config["max_iterations"]; ok {
		if n, ok := toNumber(v); ok && n > 0 {
			maxIter = int(n)
		}
	}
	if len(items) > maxIter {
		items = items[:maxIter]
	}

	body, _ := node.Def.Config["body"].(map[string]interface{})
	var outputs []interface{}
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, Permanent(err)
		}
		if body == nil {
			outputs = append(outputs, item)
			continue
		}
		out, err := e.call(ctx, body, map[string]interface{}{
			"item":  item,
			"index": float64(i),
			"input": ec.Input,
		})
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}

	return map[string]interface{}{
		"iterations": len(items),
		"outputs":    outputs,
	}, nil
}

// handleParallel fans out named branches concurrently and aggregates
// per-branch success and failure; one branch failing never aborts its
// siblings.
func (e *Engine) handleParallel(ctx context.Context, node *Node, ec *ExecutionContext, state State) (interface{}, error) {
	branches, _ := node.Def.Config["branches"].(map[string]interface{})
	if len(branches) == 0 {
		return nil, Permanent(fmt.Errorf("parallel node %s has no branches", node.Def.ID))
	}

	input := e.callInput(node, ec, state)

	type branchResult struct {
		name string
		out  map[string]interface{}
	}
	results := make(chan branchResult, len(branches))
	var wg sync.WaitGroup

	for name, rawSpec := range branches {
		spec, _ := rawSpec.(map[string]interface{})
		wg.Add(1)
		go func(name string, spec map[string]interface{}) {
			defer wg.Done()
			if spec == nil {
				results <- branchResult{name: name, out: map[string]interface{}{
					"success": false, "error": "branch spec is not a mapping",
				}}
				return
			}
			out, err := e.call(ctx, spec, input)
			if err != nil {
				results <- branchResult{name: name, out: map[string]interface{}{
					"success": false, "error": err.Error(),
				}}
				return
			}
			results <- branchResult{name: name, out: map[string]interface{}{
				"success": true, "output": out,
			}}
		}(name, spec)
	}
	wg.Wait()
	close(results)

	aggregated := make(map[string]interface{}, len(branches))
	for r := range results {
		aggregated[r.name] = r.out
	}
	return aggregated, nil
}

// call executes an inline call spec: {"agent": id} or
// {"block_type": type, "config": {...}}.
func (e *Engine) call(ctx context.Context, spec, input map[string]interface{}) (interface{}, error) {
	if agentID, ok := spec["agent"].(string); ok && agentID != "" {
		if err := e.gov.Admit(ctx); err != nil {
			return nil, Permanent(err)
		}
		defer e.gov.Release()
		r, err := e.agents.Execute(ctx, agentID, input)
		if err != nil {
			return nil, err
		}
		return r.Output, nil
	}
	if blockType, ok := spec["block_type"].(string); ok && blockType != "" {
		cfg, _ := spec["config"].(map[string]interface{})
		if err := e.gov.Admit(ctx); err != nil {
			return nil, Permanent(err)
		}
		defer e.gov.Release()
		return e.blocks.Execute(ctx, blockType, cfg, input)
	}
	return nil, Permanent(fmt.Errorf("call spec names neither an agent nor a block"))
}

func (e *Engine) handleDelay(ctx context.Context, node *Node, _ *ExecutionContext, _ State) (interface{}, error) {
	sec, _ := toNumber(node.Def.Config["duration_sec"])
	d := time.Duration(sec * float64(time.Second))
	select {
	case <-time.After(d):
		return map[string]interface{}{"delayed_sec": sec}, nil
	case <-ctx.Done():
		return nil, Permanent(ctx.Err())
	}
}

// handleFilter keeps collection items for which the condition holds,
// with each item bound as "item" in the expression scope.
func (e *Engine) handleFilter(_ context.Context, node *Node, ec *ExecutionContext, state State) (interface{}, error) {
	key, _ := node.Def.Config["collection"].(string)
	cond, _ := node.Def.Config["condition"].(string)
	if cond == "" {
		return nil, Permanent(fmt.Errorf("filter node %s has no condition", node.Def.ID))
	}

	scope := exprScope(ec, state)
	items := collectionFrom(scope, key)

	var kept []interface{}
	for _, item := range items {
		scope["item"] = item
		ok, err := EvalCondition(cond, scope)
		if err != nil {
			return nil, Permanent(err)
		}
		if ok {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

// handleTransform evaluates each configured mapping and returns the
// resulting record.
func (e *Engine) handleTransform(_ context.Context, node *Node, ec *ExecutionContext, state State) (interface{}, error) {
	mappings, _ := node.Def.Config["mappings"].(map[string]interface{})
	if len(mappings) == 0 {
		return nil, Permanent(fmt.Errorf("transform node %s has no mappings", node.Def.ID))
	}

	scope := exprScope(ec, state)
	out := make(map[string]interface{}, len(mappings))
	for target, rawExpr := range mappings {
		expr, ok := rawExpr.(string)
		if !ok {
			return nil, Permanent(fmt.Errorf("transform mapping %s is not an expression", target))
		}
		v, err := EvalExpr(expr, scope)
		if err != nil {
			return nil, Permanent(err)
		}
		out[target] = v
	}
	return out, nil
}

// handleSwitch evaluates the expression; the stringified value selects
// the branch.
func (e *Engine) handleSwitch(_ context.Context, node *Node, ec *ExecutionContext, state State) (interface{}, error) {
	expr, _ := node.Def.Config["expression"].(string)
	if expr == "" {
		return nil, Permanent(fmt.Errorf("switch node %s has no expression", node.Def.ID))
	}
	v, err := EvalExpr(expr, exprScope(ec, state))
	if err != nil {
		return nil, Permanent(err)
	}
	return v, nil
}

// handleMerge combines the named state entries into one record.
func (e *Engine) handleMerge(_ context.Context, node *Node, _ *ExecutionContext, state State) (interface{}, error) {
	sources, _ := node.Def.Config["sources"].([]interface{})
	merged := make(map[string]interface{})
	for _, raw := range sources {
		key, ok := raw.(string)
		if !ok {
			continue
		}
		if v, present := state[key]; present {
			merged[key] = v
		}
	}
	return merged, nil
}

func collectionFrom(scope map[string]interface{}, key string) []interface{} {
	if key == "" {
		return nil
	}
	v, err := EvalExpr(key, scope)
	if err != nil {
		return nil
	}
	items, _ := v.([]interface{})
	return items
}
