package workflow_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"picks-pipeline/internal/graph"
	"picks-pipeline/internal/models"
	"picks-pipeline/internal/workflow"
)

// Test prompts tag every system prompt with the node it belongs to so the
// fake model can tell the calls apart.
const testPromptsYAML = `
agent:
  system: "ROLE:agent tools={{.SearchTool}}"
grade:
  system: "ROLE:grade"
refine:
  system: "ROLE:refine"
generate:
  system: "ROLE:generate"
`

type modelReply struct {
	resp *models.ModelResponse
	err  error
}

// scriptedModel answers each role from its own queue. An exhausted queue
// repeats its last reply.
type scriptedModel struct {
	mu       sync.Mutex
	replies  map[string][]modelReply
	requests map[string][]*models.ModelRequest
	block    map[string]bool
}

func newScriptedModel() *scriptedModel {
	return &scriptedModel{
		replies:  make(map[string][]modelReply),
		requests: make(map[string][]*models.ModelRequest),
		block:    make(map[string]bool),
	}
}

func (m *scriptedModel) on(role string, replies ...modelReply) *scriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[role] = append(m.replies[role], replies...)
	return m
}

func (m *scriptedModel) blockOn(role string) *scriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block[role] = true
	return m
}

func (m *scriptedModel) calls(role string) []*models.ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.ModelRequest(nil), m.requests[role]...)
}

func (m *scriptedModel) Generate(ctx context.Context, req *models.ModelRequest) (*models.ModelResponse, error) {
	role := roleOf(req)

	m.mu.Lock()
	m.requests[role] = append(m.requests[role], req)
	blocked := m.block[role]
	queue := m.replies[role]
	var reply modelReply
	switch {
	case len(queue) == 0:
		reply = modelReply{err: fmt.Errorf("no scripted reply for %s", role)}
	case len(queue) == 1:
		reply = queue[0]
	default:
		reply = queue[0]
		m.replies[role] = queue[1:]
	}
	m.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return reply.resp, reply.err
}

func roleOf(req *models.ModelRequest) string {
	for _, role := range []string{"agent", "grade", "refine", "generate"} {
		if strings.HasPrefix(req.SystemPrompt, "ROLE:"+role) {
			return role
		}
	}
	return "unknown"
}

func text(content string) modelReply {
	return modelReply{resp: &models.ModelResponse{Content: content}}
}

func failure(err error) modelReply {
	return modelReply{err: err}
}

func toolCall(name string, args map[string]any) modelReply {
	return modelReply{resp: &models.ModelResponse{ToolCalls: []models.ToolCall{{Name: name, Arguments: args}}}}
}

func searchCall(query string) modelReply {
	return toolCall(workflow.SearchToolName, map[string]any{"query": query})
}

func score(v any) modelReply {
	return toolCall(models.GradeToolName, map[string]any{
		models.ScoreArgument:       v,
		models.ExplanationArgument: "scripted",
	})
}

type fakeCapability struct {
	name string
	mu   sync.Mutex
	args []map[string]any
	fn   func(ctx context.Context, args map[string]any) (string, error)
}

func newFakeCapability(name string, fn func(ctx context.Context, args map[string]any) (string, error)) *fakeCapability {
	return &fakeCapability{name: name, fn: fn}
}

func (c *fakeCapability) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        c.name,
		Description: "fake " + c.name,
		Parameters: &models.Schema{
			Type:       models.SchemaObject,
			Properties: map[string]*models.Schema{"query": {Type: models.SchemaString}},
			Required:   []string{"query"},
		},
	}
}

func (c *fakeCapability) Invoke(ctx context.Context, args map[string]any) (string, error) {
	c.mu.Lock()
	c.args = append(c.args, args)
	c.mu.Unlock()
	return c.fn(ctx, args)
}

func (c *fakeCapability) queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.args))
	for _, a := range c.args {
		q, _ := a["query"].(string)
		out = append(out, q)
	}
	return out
}

func fiveSnippets(context.Context, map[string]any) (string, error) {
	return strings.Join([]string{
		"The Expanse: political sci-fi with intricate plotting (Prime Video)",
		"Dark: time travel mystery with layered timelines (Netflix)",
		"Severance: workplace sci-fi thriller (Apple TV+)",
		"Westworld: AI and consciousness (Max)",
		"Devs: quantum computing drama (Hulu)",
	}, "\n"), nil
}

func testPrompts(t *testing.T) *workflow.Prompts {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPromptsYAML), 0o600))
	prompts, err := workflow.LoadPrompts(path)
	require.NoError(t, err)
	return prompts
}

func buildPipeline(t *testing.T, model workflow.ChatModel, policy workflow.Policy, caps ...workflow.Capability) *workflow.Pipeline {
	t.Helper()
	registry, err := workflow.NewRegistry(caps...)
	require.NoError(t, err)
	pipeline, err := workflow.Build(workflow.Dependencies{
		Model:   model,
		Tools:   registry,
		Prompts: testPrompts(t),
		Policy:  policy,
	})
	require.NoError(t, err)
	return pipeline
}

// visitRecorder collects the executed node sequence.
type visitRecorder struct {
	mu    sync.Mutex
	nodes []string
}

func (r *visitRecorder) observer() workflow.RunOption {
	return workflow.WithObserver(&graph.Observer[models.State]{
		OnNodeStart: func(_ context.Context, _ int, node string, _ models.State) {
			r.mu.Lock()
			r.nodes = append(r.nodes, node)
			r.mu.Unlock()
		},
	})
}

func (r *visitRecorder) visited() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.nodes...)
}
