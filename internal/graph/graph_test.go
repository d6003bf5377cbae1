package graph_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"picks-pipeline/internal/graph"
)

func appendNode(name string) graph.NodeFunc[[]string] {
	return func(_ context.Context, s []string) ([]string, error) {
		out := append([]string(nil), s...)
		return append(out, name), nil
	}
}

func TestExecuteStaticChain(t *testing.T) {
	g, err := graph.New[[]string]().
		AddNode("a", appendNode("a")).
		AddNode("b", appendNode("b")).
		AddEdge("a", "b").
		SetFinishPoint("b").
		SetEntryPoint("a").
		Compile()
	require.NoError(t, err)

	out, err := g.Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out)
}

func TestExecuteConditionalLoop(t *testing.T) {
	router := func(s []string) (string, error) {
		if len(s) < 5 {
			return "again", nil
		}
		return "done", nil
	}

	g, err := graph.New[[]string]().
		AddNode("work", appendNode("work")).
		AddConditionalEdges("work", router, map[string]string{"again": "work", "done": graph.End}).
		SetEntryPoint("work").
		Compile()
	require.NoError(t, err)

	var routes []string
	obs := &graph.Observer[[]string]{
		OnRoute: func(_ context.Context, _ int, _, route, _ string) { routes = append(routes, route) },
	}
	out, err := g.Execute(context.Background(), nil, obs)
	require.NoError(t, err)
	assert.Len(t, out, 5)
	assert.Equal(t, []string{"again", "again", "again", "again", "done"}, routes)
}

func TestExecuteStepBudget(t *testing.T) {
	g, err := graph.New[[]string]().
		AddNode("spin", appendNode("spin")).
		AddEdge("spin", "spin").
		SetEntryPoint("spin").
		SetStepBudget(4).
		Compile()
	require.NoError(t, err)

	out, err := g.Execute(context.Background(), nil, nil)
	require.ErrorIs(t, err, graph.ErrStepBudgetExceeded)
	assert.Len(t, out, 4)
}

func TestExecuteNodeErrorKeepsLastGoodState(t *testing.T) {
	boom := errors.New("boom")
	g, err := graph.New[[]string]().
		AddNode("ok", appendNode("ok")).
		AddNode("fail", func(context.Context, []string) ([]string, error) { return nil, boom }).
		AddEdge("ok", "fail").
		SetFinishPoint("fail").
		SetEntryPoint("ok").
		Compile()
	require.NoError(t, err)

	out, err := g.Execute(context.Background(), nil, nil)
	require.ErrorIs(t, err, boom)

	var nodeErr *graph.NodeError
	require.True(t, errors.As(err, &nodeErr))
	assert.Equal(t, "fail", nodeErr.Node)
	assert.Equal(t, 2, nodeErr.Step)
	assert.Equal(t, []string{"ok"}, out)
}

func TestExecuteUnmappedRoute(t *testing.T) {
	g, err := graph.New[[]string]().
		AddNode("a", appendNode("a")).
		AddConditionalEdges("a", func([]string) (string, error) { return "nowhere", nil }, map[string]string{"x": graph.End}).
		SetEntryPoint("a").
		Compile()
	require.NoError(t, err)

	_, err = g.Execute(context.Background(), nil, nil)
	var nodeErr *graph.NodeError
	require.True(t, errors.As(err, &nodeErr))
	assert.True(t, nodeErr.Routing)
}

func TestExecuteHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g, err := graph.New[[]string]().
		AddNode("a", func(_ context.Context, s []string) ([]string, error) {
			cancel()
			return append(s, "a"), nil
		}).
		AddNode("b", appendNode("b")).
		AddEdge("a", "b").
		SetFinishPoint("b").
		SetEntryPoint("a").
		Compile()
	require.NoError(t, err)

	out, err := g.Execute(ctx, nil, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a"}, out)
}

func TestObserverSeesEveryNode(t *testing.T) {
	g, err := graph.New[[]string]().
		AddNode("a", appendNode("a")).
		AddNode("b", appendNode("b")).
		AddEdge("a", "b").
		SetFinishPoint("b").
		SetEntryPoint("a").
		Compile()
	require.NoError(t, err)

	var started, ended []string
	obs := &graph.Observer[[]string]{
		OnNodeStart: func(_ context.Context, _ int, node string, _ []string) { started = append(started, node) },
		OnNodeEnd: func(_ context.Context, _ int, node string, _ []string, elapsed time.Duration, err error) {
			assert.NoError(t, err)
			assert.GreaterOrEqual(t, elapsed, time.Duration(0))
			ended = append(ended, node)
		},
	}
	_, err = g.Execute(context.Background(), nil, obs)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, started)
	assert.Equal(t, []string{"a", "b"}, ended)
}

func TestCompileRejectsMalformedGraphs(t *testing.T) {
	tests := []struct {
		name  string
		build func() *graph.Graph[[]string]
	}{
		{
			name: "missing entry point",
			build: func() *graph.Graph[[]string] {
				return graph.New[[]string]().AddNode("a", appendNode("a")).SetFinishPoint("a")
			},
		},
		{
			name: "dangling edge target",
			build: func() *graph.Graph[[]string] {
				return graph.New[[]string]().AddNode("a", appendNode("a")).AddEdge("a", "ghost").SetEntryPoint("a")
			},
		},
		{
			name: "node without outgoing edge",
			build: func() *graph.Graph[[]string] {
				return graph.New[[]string]().
					AddNode("a", appendNode("a")).
					AddNode("b", appendNode("b")).
					SetFinishPoint("a").
					SetEntryPoint("a")
			},
		},
		{
			name: "conditional route to unknown node",
			build: func() *graph.Graph[[]string] {
				return graph.New[[]string]().
					AddNode("a", appendNode("a")).
					AddConditionalEdges("a", func([]string) (string, error) { return "x", nil }, map[string]string{"x": "ghost"}).
					SetEntryPoint("a")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Compile()
			assert.Error(t, err)
		})
	}
}

func TestExecuteRequiresCompile(t *testing.T) {
	g := graph.New[[]string]().AddNode("a", appendNode("a")).SetFinishPoint("a").SetEntryPoint("a")
	_, err := g.Execute(context.Background(), nil, nil)
	assert.ErrorIs(t, err, graph.ErrNotCompiled)
}
