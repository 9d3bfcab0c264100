package workflow

import (
	"context"
	"sort"
)

// NodeKind is the closed set of node types a graph may contain.
type NodeKind string

const (
	KindStart     NodeKind = "start"
	KindEnd       NodeKind = "end"
	KindTrigger   NodeKind = "trigger"
	KindAgent     NodeKind = "agent"
	KindBlock     NodeKind = "block"
	KindCondition NodeKind = "condition"
	KindLoop      NodeKind = "loop"
	KindParallel  NodeKind = "parallel"
	KindDelay     NodeKind = "delay"
	KindFilter    NodeKind = "filter"
	KindTransform NodeKind = "transform"
	KindSwitch    NodeKind = "switch"
	KindMerge     NodeKind = "merge"
)

// knownKinds is consulted once at compile time.
var knownKinds = map[NodeKind]bool{
	KindStart: true, KindEnd: true, KindTrigger: true, KindAgent: true,
	KindBlock: true, KindCondition: true, KindLoop: true, KindParallel: true,
	KindDelay: true, KindFilter: true, KindTransform: true, KindSwitch: true,
	KindMerge: true,
}

// ErrorConfig controls per-node retry, timeout, and fallback behavior.
// A non-nil Fallback arms the fallback on its own; HasFallback exists
// so a null fallback value can be declared explicitly.
type ErrorConfig struct {
	RetryEnabled *bool       `json:"retry_enabled,omitempty" yaml:"retry_enabled,omitempty"`
	RetryCount   int         `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	TimeoutSec   float64     `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
	Fallback     interface{} `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	HasFallback  bool        `json:"has_fallback,omitempty" yaml:"has_fallback,omitempty"`
}

// NodeDef is one node in a declarative graph definition.
type NodeDef struct {
	ID      string                 `json:"id" yaml:"id"`
	Kind    NodeKind               `json:"kind" yaml:"kind"`
	Name    string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Config  map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	OnError *ErrorConfig           `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

// EdgeDef connects two nodes. A conditional edge carries a branch map
// instead of a single target.
type EdgeDef struct {
	From     string            `json:"from" yaml:"from"`
	To       string            `json:"to,omitempty" yaml:"to,omitempty"`
	Branches map[string]string `json:"branches,omitempty" yaml:"branches,omitempty"`
}

// GraphDefinition is the declarative input to the compiler.
type GraphDefinition struct {
	ID     string    `json:"id" yaml:"id"`
	Name   string    `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes  []NodeDef `json:"nodes" yaml:"nodes"`
	Edges  []EdgeDef `json:"edges,omitempty" yaml:"edges,omitempty"`
	Entry  string    `json:"entry,omitempty" yaml:"entry,omitempty"`
	Finish []string  `json:"finish,omitempty" yaml:"finish,omitempty"`
}

// HandlerFunc executes one node's work. Handlers read the immutable
// execution context and write only to the mutable state map.
type HandlerFunc func(ctx context.Context, node *Node, ec *ExecutionContext, state State) (interface{}, error)

// Node is a compiled node: its definition plus the handler resolved for
// its kind at compile time.
type Node struct {
	Def     NodeDef
	handler HandlerFunc
}

// Graph is the executable form of a definition.
type Graph struct {
	ID       string
	Name     string
	Entry    string
	Finish   map[string]bool
	Nodes    map[string]*Node
	Next     map[string][]string
	Branches map[string]map[string]string
}

// FinishPoints returns the finish node ids in sorted stable order.
func (g *Graph) FinishPoints() []string {
	out := make([]string, 0, len(g.Finish))
	for id := range g.Finish {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ReachableNodes returns the set of node ids reachable from the entry
// point, following both plain and branch edges.
func (g *Graph) ReachableNodes() map[string]bool {
	seen := map[string]bool{g.Entry: true}
	queue := []string{g.Entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range g.Next[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
		for _, next := range g.Branches[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// ExecutionContext is the immutable handle passed to every node
// handler. Handlers never write here; mutable data lives in State.
type ExecutionContext struct {
	ExecutionID string                 `json:"execution_id"`
	UserID      string                 `json:"user_id,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Variables   map[string]interface{} `json:"variables,omitempty"`
	Knowledge   []string               `json:"knowledge,omitempty"`
}

// State is the mutable execution state shared across a workflow
// instance's nodes. Node outputs land here keyed by node id.
type State map[string]interface{}

// snapshot returns a shallow copy for safe concurrent reads.
func (s State) snapshot() State {
	c := make(State, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}
