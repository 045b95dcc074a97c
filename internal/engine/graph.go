// Package engine is the orchestration core: a directed node graph with
// conditional routing, a five-check safety guard, and an executor that
// checkpoints state after every node.
package engine

import (
	"context"
	"fmt"

	"quorum/internal/types"
)

// NodeFunc executes one node against the current state and returns a
// delta to merge. Nodes may fan out concurrent external calls internally
// but must not mutate the state directly.
type NodeFunc func(ctx context.Context, st *types.OrchestrationState) (*Delta, error)

// RouteFunc picks the next node name from the current state.
type RouteFunc func(st *types.OrchestrationState) string

// NodeSpec declares one graph node.
type NodeSpec struct {
	Name string
	Run  NodeFunc

	// Terminal nodes end execution; they have no outgoing edges.
	Terminal bool

	// BoundsRound marks nodes that advance a bounded counter (round
	// number or sub-problem index). Every cycle in the graph must pass
	// through at least one such node; Validate enforces this.
	BoundsRound bool
}

type edge struct {
	targets []string
	route   RouteFunc // nil for an unconditional single-target edge
}

// Graph is a static, pre-validated node graph.
type Graph struct {
	entry string
	nodes map[string]*NodeSpec
	edges map[string]edge
}

// NewGraph creates an empty graph with the given entry node name.
func NewGraph(entry string) *Graph {
	return &Graph{
		entry: entry,
		nodes: make(map[string]*NodeSpec),
		edges: make(map[string]edge),
	}
}

// Add registers a node.
func (g *Graph) Add(spec NodeSpec) *Graph {
	s := spec
	g.nodes[spec.Name] = &s
	return g
}

// Connect adds an unconditional edge from one node to another.
func (g *Graph) Connect(from, to string) *Graph {
	g.edges[from] = edge{targets: []string{to}}
	return g
}

// Route adds a guarded edge: fn picks among the declared targets. The
// declared target list is what static cycle analysis sees; the executor
// rejects a routing result outside it.
func (g *Graph) Route(from string, targets []string, fn RouteFunc) *Graph {
	g.edges[from] = edge{targets: targets, route: fn}
	return g
}

// Entry returns the graph entry node name.
func (g *Graph) Entry() string {
	return g.entry
}

// Node returns the registered NodeSpec for a name, or nil.
func (g *Graph) Node(name string) *NodeSpec {
	return g.nodes[name]
}

// Validate checks graph wiring at construction time. A failure here is a
// misconfiguration, not a user error. Rules:
//   - the entry node and all edge endpoints exist
//   - terminal nodes have no outgoing edges
//   - every cycle passes through at least one BoundsRound node
func (g *Graph) Validate() error {
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("graph entry node %q not registered", g.entry)
	}

	for from, e := range g.edges {
		node, ok := g.nodes[from]
		if !ok {
			return fmt.Errorf("edge from unregistered node %q", from)
		}
		if node.Terminal {
			return fmt.Errorf("terminal node %q has outgoing edges", from)
		}
		if len(e.targets) == 0 {
			return fmt.Errorf("node %q has an edge with no targets", from)
		}
		for _, to := range e.targets {
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("edge %q -> %q targets unregistered node", from, to)
			}
		}
	}

	for name, node := range g.nodes {
		if node.Terminal {
			continue
		}
		if _, ok := g.edges[name]; !ok {
			return fmt.Errorf("non-terminal node %q has no outgoing edge", name)
		}
	}

	if cycle := g.unboundedCycle(); cycle != "" {
		return fmt.Errorf("graph contains a cycle through %q with no round-bounding node", cycle)
	}

	return nil
}

// unboundedCycle looks for a cycle that avoids every BoundsRound node.
// BoundsRound nodes are removed from the graph; any cycle that remains
// has no bounding counter and would loop forever.
func (g *Graph) unboundedCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	var visit func(name string) string
	visit = func(name string) string {
		color[name] = gray
		for _, to := range g.edges[name].targets {
			if g.nodes[to].BoundsRound {
				continue
			}
			switch color[to] {
			case gray:
				return to
			case white:
				if hit := visit(to); hit != "" {
					return hit
				}
			}
		}
		color[name] = black
		return ""
	}

	for name, node := range g.nodes {
		if node.BoundsRound {
			continue
		}
		if color[name] == white {
			if hit := visit(name); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// next resolves the outgoing edge of a node against the current state.
// Returns "" when the node has no outgoing edge.
func (g *Graph) next(from string, st *types.OrchestrationState) (string, error) {
	e, ok := g.edges[from]
	if !ok {
		return "", nil
	}
	if e.route == nil {
		return e.targets[0], nil
	}

	picked := e.route(st)
	for _, t := range e.targets {
		if t == picked {
			return picked, nil
		}
	}
	return "", fmt.Errorf("router at %q picked undeclared target %q", from, picked)
}
