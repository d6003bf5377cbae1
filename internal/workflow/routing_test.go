package workflow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"picks-pipeline/internal/models"
	"picks-pipeline/internal/workflow"
)

func gradedState(score any) models.State {
	return models.NewState(
		models.NewUserMessage("sci-fi"),
		models.NewToolRequestMessage(workflow.NodeAgent, "", []models.ToolCall{{ID: "c1", Name: workflow.SearchToolName, Arguments: map[string]any{"query": "sci-fi"}}}),
		models.NewToolResultMessage(models.ToolCall{ID: "c1", Name: workflow.SearchToolName}, "Dark (Netflix)", false),
		models.NewToolRequestMessage(workflow.NodeGrade, "", []models.ToolCall{{
			ID:        "g1",
			Name:      models.GradeToolName,
			Arguments: map[string]any{models.ScoreArgument: score},
		}}),
	)
}

func TestShouldRetrieve(t *testing.T) {
	user := models.NewUserMessage("sci-fi")
	tests := []struct {
		name string
		last models.Message
		want string
	}{
		{"search call", models.NewToolRequestMessage(workflow.NodeAgent, "", []models.ToolCall{{Name: workflow.SearchToolName}}), workflow.RouteSearch},
		{"retriever call", models.NewToolRequestMessage(workflow.NodeAgent, "", []models.ToolCall{{Name: workflow.RetrieverToolName}}), workflow.RouteRetrieve},
		{"retriever listed second", models.NewToolRequestMessage(workflow.NodeAgent, "", []models.ToolCall{{Name: workflow.SearchToolName}, {Name: workflow.RetrieverToolName}}), workflow.RouteSearch},
		{"page fetch goes through search invoker", models.NewToolRequestMessage(workflow.NodeAgent, "", []models.ToolCall{{Name: workflow.FetchPageToolName}}), workflow.RouteSearch},
		{"tool request without calls", models.NewToolRequestMessage(workflow.NodeAgent, "thinking", nil), workflow.RouteEnd},
		{"direct answer", models.NewAssistantMessage(workflow.NodeAgent, "Watch Dark."), workflow.RouteEnd},
		{"only the request", nil, workflow.RouteEnd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := models.NewState(user)
			if tt.last != nil {
				state = state.Append(tt.last)
			}
			got, err := workflow.ShouldRetrieve(state)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := workflow.ShouldRetrieve(models.State{})
	assert.ErrorIs(t, err, models.ErrEmptyState)
}

func TestCheckRelevance(t *testing.T) {
	tests := []struct {
		name    string
		score   any
		want    string
		wantErr error
	}{
		{"above threshold", 0.9, workflow.RouteYes, nil},
		{"at threshold", 0.7, workflow.RouteYes, nil},
		{"below threshold", 0.69, workflow.RouteNo, nil},
		{"zero", 0, workflow.RouteNo, nil},
		{"integer one", 1, workflow.RouteYes, nil},
		{"string score", "0.9", "", models.ErrNonNumericScore},
		{"nil score", nil, "", models.ErrNonNumericScore},
		{"negative", -0.1, "", models.ErrScoreOutOfRange},
		{"percent scale", 85, "", models.ErrScoreOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := workflow.CheckRelevance(gradedState(tt.score), 0.7)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckRelevanceIsDeterministic(t *testing.T) {
	state := gradedState(0.55)
	before := state.Len()
	for i := 0; i < 10; i++ {
		got, err := workflow.CheckRelevance(state, 0.5)
		require.NoError(t, err)
		assert.Equal(t, workflow.RouteYes, got)
	}
	assert.Equal(t, before, state.Len())
}

func TestCheckRelevanceWithoutJudgment(t *testing.T) {
	state := models.NewState(models.NewUserMessage("sci-fi"), models.NewAssistantMessage(workflow.NodeGrade, "relevant"))
	_, err := workflow.CheckRelevance(state, 0.7)
	assert.ErrorIs(t, err, models.ErrNoJudgment)

	empty := models.NewState(models.NewUserMessage("sci-fi"), models.NewToolRequestMessage(workflow.NodeGrade, "", nil))
	_, err = workflow.CheckRelevance(empty, 0.7)
	assert.ErrorIs(t, err, models.ErrNoJudgment)
}

func TestRelevanceRouterCap(t *testing.T) {
	withRefinements := func(n int) models.State {
		state := models.NewState(models.NewUserMessage("sci-fi"))
		for i := 0; i < n; i++ {
			state = state.Append(models.NewAssistantMessage(workflow.NodeRefine, "refined"))
		}
		return models.Merge(state, models.NewState(gradedState(0.2).Messages()[1:]...))
	}

	bestEffort := workflow.RelevanceRouter(0.7, 2, workflow.FallbackBestEffort)
	route, err := bestEffort(withRefinements(1))
	require.NoError(t, err)
	assert.Equal(t, workflow.RouteNo, route)

	route, err = bestEffort(withRefinements(2))
	require.NoError(t, err)
	assert.Equal(t, workflow.RouteExhausted, route)

	fail := workflow.RelevanceRouter(0.7, 2, workflow.FallbackFail)
	_, err = fail(withRefinements(2))
	assert.ErrorIs(t, err, models.ErrRefinementLimit)

	route, err = fail(models.Merge(withRefinements(2), gradedState(0.8)))
	require.NoError(t, err)
	assert.Equal(t, workflow.RouteYes, route, "a passing grade wins regardless of the cap")
}
