// Package graph executes a workflow described as data: named nodes joined by
// static or conditional edges over a shared state value.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

const End = "__END__"

// DefaultStepBudget caps node executions per run when none is configured.
const DefaultStepBudget = 25

var (
	ErrStepBudgetExceeded = errors.New("graph: step budget exceeded")
	ErrNotCompiled        = errors.New("graph: not compiled")
)

// NodeFunc performs one unit of work and returns the next state.
type NodeFunc[S any] func(ctx context.Context, state S) (S, error)

// RouterFunc inspects the state and names the outgoing route.
type RouterFunc[S any] func(state S) (string, error)

type EdgeKind int

const (
	EdgeStatic EdgeKind = iota
	EdgeConditional
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeStatic:
		return "static"
	case EdgeConditional:
		return "conditional"
	default:
		return fmt.Sprintf("EdgeKind(%d)", int(k))
	}
}

// Edge is the outgoing transition of a node.
type Edge[S any] struct {
	Kind   EdgeKind
	To     string
	Router RouterFunc[S]
	Routes map[string]string
}

// Observer receives execution events. Any field may be nil.
type Observer[S any] struct {
	OnNodeStart func(ctx context.Context, step int, node string, state S)
	OnNodeEnd   func(ctx context.Context, step int, node string, state S, elapsed time.Duration, err error)
	OnRoute     func(ctx context.Context, step int, from, route, to string)
}

type Graph[S any] struct {
	nodes      map[string]NodeFunc[S]
	edges      map[string]Edge[S]
	entryPoint string
	stepBudget int
	compiled   bool
}

func New[S any]() *Graph[S] {
	return &Graph[S]{
		nodes:      make(map[string]NodeFunc[S]),
		edges:      make(map[string]Edge[S]),
		stepBudget: DefaultStepBudget,
	}
}

func (g *Graph[S]) AddNode(name string, fn NodeFunc[S]) *Graph[S] {
	g.nodes[name] = fn
	g.compiled = false
	return g
}

func (g *Graph[S]) AddEdge(from, to string) *Graph[S] {
	g.edges[from] = Edge[S]{Kind: EdgeStatic, To: to}
	g.compiled = false
	return g
}

// AddConditionalEdges routes from a node by the router's decision. The routes
// map is copied.
func (g *Graph[S]) AddConditionalEdges(from string, router RouterFunc[S], routes map[string]string) *Graph[S] {
	copied := make(map[string]string, len(routes))
	for k, v := range routes {
		copied[k] = v
	}
	g.edges[from] = Edge[S]{Kind: EdgeConditional, Router: router, Routes: copied}
	g.compiled = false
	return g
}

func (g *Graph[S]) SetEntryPoint(name string) *Graph[S] {
	g.entryPoint = name
	g.compiled = false
	return g
}

func (g *Graph[S]) SetFinishPoint(name string) *Graph[S] {
	return g.AddEdge(name, End)
}

// SetStepBudget bounds node executions per run. Values below 1 restore the default.
func (g *Graph[S]) SetStepBudget(n int) *Graph[S] {
	if n < 1 {
		n = DefaultStepBudget
	}
	g.stepBudget = n
	return g
}

func (g *Graph[S]) Nodes() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Graph[S]) Edge(from string) (Edge[S], bool) {
	e, ok := g.edges[from]
	return e, ok
}

// Compile checks that the graph is well formed: the entry point exists,
// every node has an outgoing edge, and every edge target is a node or End.
func (g *Graph[S]) Compile() (*Graph[S], error) {
	var errs []error
	if g.entryPoint == "" {
		errs = append(errs, errors.New("graph: entry point not set"))
	} else if _, ok := g.nodes[g.entryPoint]; !ok {
		errs = append(errs, fmt.Errorf("graph: entry point %q is not a node", g.entryPoint))
	}

	for _, name := range g.Nodes() {
		if g.nodes[name] == nil {
			errs = append(errs, fmt.Errorf("graph: node %q has a nil function", name))
		}
		edge, ok := g.edges[name]
		if !ok {
			errs = append(errs, fmt.Errorf("graph: node %q has no outgoing edge", name))
			continue
		}
		switch edge.Kind {
		case EdgeStatic:
			if !g.isTarget(edge.To) {
				errs = append(errs, fmt.Errorf("graph: edge %q -> %q targets an unknown node", name, edge.To))
			}
		case EdgeConditional:
			if edge.Router == nil {
				errs = append(errs, fmt.Errorf("graph: conditional edge from %q has no router", name))
			}
			if len(edge.Routes) == 0 {
				errs = append(errs, fmt.Errorf("graph: conditional edge from %q has no routes", name))
			}
			for route, to := range edge.Routes {
				if !g.isTarget(to) {
					errs = append(errs, fmt.Errorf("graph: route %q from %q targets unknown node %q", route, name, to))
				}
			}
		default:
			errs = append(errs, fmt.Errorf("graph: node %q has edge of kind %s", name, edge.Kind))
		}
	}
	for from := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			errs = append(errs, fmt.Errorf("graph: edge from unknown node %q", from))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	g.compiled = true
	return g, nil
}

func (g *Graph[S]) isTarget(name string) bool {
	if name == End {
		return true
	}
	_, ok := g.nodes[name]
	return ok
}

// Execute walks the graph from the entry point until End, awaiting one node
// at a time. Node and router errors abort the run and are returned wrapped
// with the node name, alongside the last good state.
func (g *Graph[S]) Execute(ctx context.Context, initial S, obs *Observer[S]) (S, error) {
	state := initial
	if !g.compiled {
		return state, ErrNotCompiled
	}
	if obs == nil {
		obs = &Observer[S]{}
	}

	current := g.entryPoint
	for step := 1; ; step++ {
		if current == End {
			return state, nil
		}
		if step > g.stepBudget {
			return state, fmt.Errorf("%w: %d steps without reaching end (next node %q)", ErrStepBudgetExceeded, g.stepBudget, current)
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		if obs.OnNodeStart != nil {
			obs.OnNodeStart(ctx, step, current, state)
		}
		start := time.Now()
		next, err := g.nodes[current](ctx, state)
		if obs.OnNodeEnd != nil {
			obs.OnNodeEnd(ctx, step, current, next, time.Since(start), err)
		}
		if err != nil {
			return state, &NodeError{Node: current, Step: step, Err: err}
		}
		state = next

		to, route, err := g.next(current, state)
		if err != nil {
			return state, &NodeError{Node: current, Step: step, Routing: true, Err: err}
		}
		if obs.OnRoute != nil {
			obs.OnRoute(ctx, step, current, route, to)
		}
		current = to
	}
}

func (g *Graph[S]) next(from string, state S) (to, route string, err error) {
	edge := g.edges[from]
	if edge.Kind == EdgeStatic {
		return edge.To, "", nil
	}
	route, err = edge.Router(state)
	if err != nil {
		return "", "", err
	}
	to, ok := edge.Routes[route]
	if !ok {
		return "", route, fmt.Errorf("graph: no mapping for route %q", route)
	}
	return to, route, nil
}

// NodeError carries the node that failed. Unwrap exposes the cause so
// callers can match sentinels with errors.Is.
type NodeError struct {
	Node    string
	Step    int
	Routing bool
	Err     error
}

func (e *NodeError) Error() string {
	if e.Routing {
		return fmt.Sprintf("routing after node %q (step %d): %v", e.Node, e.Step, e.Err)
	}
	return fmt.Sprintf("node %q (step %d): %v", e.Node, e.Step, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}
