package workflow

import (
	"fmt"
	"strings"
)

// CompileError means the graph definition is invalid; the workflow
// never runs.
type CompileError struct {
	Reasons []string
}

func (e *CompileError) Error() string {
	return "workflow compile failed: " + strings.Join(e.Reasons, "; ")
}

// Compile validates a definition and produces an executable graph with
// one handler resolved per node at compile time. Validation requires a
// single entry point (defaulting to the first node), edges that
// reference declared nodes only, and every node and finish point
// reachable from the entry.
func (e *Engine) Compile(def *GraphDefinition) (*Graph, error) {
	var reasons []string

	if len(def.Nodes) == 0 {
		return nil, &CompileError{Reasons: []string{"graph has no nodes"}}
	}

	g := &Graph{
		ID:       def.ID,
		Name:     def.Name,
		Finish:   make(map[string]bool),
		Nodes:    make(map[string]*Node, len(def.Nodes)),
		Next:     make(map[string][]string),
		Branches: make(map[string]map[string]string),
	}

	for _, nd := range def.Nodes {
		if nd.ID == "" {
			reasons = append(reasons, "node with empty id")
			continue
		}
		if _, dup := g.Nodes[nd.ID]; dup {
			reasons = append(reasons, fmt.Sprintf("duplicate node id %s", nd.ID))
			continue
		}
		if !knownKinds[nd.Kind] {
			reasons = append(reasons, fmt.Sprintf("node %s has unknown kind %q", nd.ID, nd.Kind))
			continue
		}
		handler, ok := e.handlers[nd.Kind]
		if !ok {
			reasons = append(reasons, fmt.Sprintf("no handler for kind %q", nd.Kind))
			continue
		}
		if nd.OnError != nil && nd.OnError.Fallback != nil {
			// A concrete fallback value arms the fallback; the explicit
			// flag is only needed to declare a null fallback.
			nd.OnError.HasFallback = true
		}
		g.Nodes[nd.ID] = &Node{Def: nd, handler: handler}
	}

	g.Entry = def.Entry
	if g.Entry == "" {
		g.Entry = def.Nodes[0].ID
	}
	if _, ok := g.Nodes[g.Entry]; !ok {
		reasons = append(reasons, fmt.Sprintf("entry point %s is not a declared node", g.Entry))
	}

	for _, ed := range def.Edges {
		if _, ok := g.Nodes[ed.From]; !ok {
			reasons = append(reasons, fmt.Sprintf("edge from undeclared node %s", ed.From))
			continue
		}
		if len(ed.Branches) > 0 {
			if g.Branches[ed.From] == nil {
				g.Branches[ed.From] = make(map[string]string)
			}
			for branch, target := range ed.Branches {
				if _, ok := g.Nodes[target]; !ok {
					reasons = append(reasons, fmt.Sprintf("branch %s of %s targets undeclared node %s", branch, ed.From, target))
					continue
				}
				g.Branches[ed.From][branch] = target
			}
			continue
		}
		if _, ok := g.Nodes[ed.To]; !ok {
			reasons = append(reasons, fmt.Sprintf("edge %s -> undeclared node %s", ed.From, ed.To))
			continue
		}
		g.Next[ed.From] = append(g.Next[ed.From], ed.To)
	}

	for _, f := range def.Finish {
		if _, ok := g.Nodes[f]; !ok {
			reasons = append(reasons, fmt.Sprintf("finish point %s is not a declared node", f))
			continue
		}
		g.Finish[f] = true
	}
	if len(g.Finish) == 0 {
		// Default finish points: end nodes, else sinks with no outgoing
		// edges.
		for id, n := range g.Nodes {
			if n.Def.Kind == KindEnd {
				g.Finish[id] = true
			}
		}
		if len(g.Finish) == 0 {
			for id := range g.Nodes {
				if len(g.Next[id]) == 0 && len(g.Branches[id]) == 0 {
					g.Finish[id] = true
				}
			}
		}
	}

	if len(reasons) > 0 {
		return nil, &CompileError{Reasons: reasons}
	}

	reachable := g.ReachableNodes()
	for id := range g.Nodes {
		if !reachable[id] {
			label := "node"
			if g.Finish[id] {
				label = "finish point"
			}
			reasons = append(reasons, fmt.Sprintf("%s %s is unreachable from entry", label, id))
		}
	}
	if len(reasons) > 0 {
		return nil, &CompileError{Reasons: reasons}
	}

	return g, nil
}
