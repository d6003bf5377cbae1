package workflow_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"picks-pipeline/internal/models"
	"picks-pipeline/internal/workflow"
)

const (
	sciFiRequest = "I like sci-fi with complex plots"
	answerLines  = "The Expanse on Prime Video\nDark on Netflix\nSeverance on Apple TV+\nDevs on Hulu"
)

func TestRelevantContextOnFirstPass(t *testing.T) {
	model := newScriptedModel().
		on("agent", searchCall("complex sci-fi shows")).
		on("grade", score(0.9)).
		on("generate", text(answerLines))
	search := newFakeCapability(workflow.SearchToolName, fiveSnippets)
	pipeline := buildPipeline(t, model, workflow.DefaultPolicy(), search)

	rec := &visitRecorder{}
	result, err := pipeline.Run(context.Background(), sciFiRequest, rec.observer())
	require.NoError(t, err)

	assert.Equal(t, []string{"agent", "search", "grade", "generate"}, rec.visited())
	assert.Equal(t, 4, result.Steps)

	first, _ := result.State.First()
	assert.Equal(t, sciFiRequest, first.Text())
	last, _ := result.State.Last()
	assert.Equal(t, workflow.NodeGenerate, models.ProducedBy(last))

	require.Len(t, result.Recommendations, 4)
	for _, r := range result.Recommendations {
		assert.NotEmpty(t, r.Title)
		assert.NotEmpty(t, r.Platform)
	}
	assert.Equal(t, "Dark", result.Recommendations[1].Title)
	assert.Equal(t, "Netflix", result.Recommendations[1].Platform)
	assert.Equal(t, 0, result.Refinements)
	assert.False(t, result.BestEffort)
	assert.Equal(t, []float64{0.9}, result.Scores)

	results := result.State.LatestToolResults()
	require.Len(t, results, 1)
	assert.False(t, results[0].IsError)
	assert.Len(t, strings.Split(results[0].Content, "\n"), 5)
	assert.Equal(t, []string{"complex sci-fi shows"}, search.queries())
}

func TestGraderSeesOriginalRequestAndLatestResults(t *testing.T) {
	model := newScriptedModel().
		on("agent", searchCall("q")).
		on("grade", score(0.95)).
		on("generate", text(answerLines))
	pipeline := buildPipeline(t, model, workflow.DefaultPolicy(), newFakeCapability(workflow.SearchToolName, fiveSnippets))

	_, err := pipeline.Run(context.Background(), sciFiRequest)
	require.NoError(t, err)

	grades := model.calls("grade")
	require.Len(t, grades, 1)
	assert.Equal(t, models.GradeToolName, grades[0].ToolChoice)
	require.Len(t, grades[0].Tools, 1)
	assert.Equal(t, []string{models.ScoreArgument}, grades[0].Tools[0].Parameters.Required)
	prompt := grades[0].Messages[0].Text()
	assert.Contains(t, prompt, sciFiRequest)
	assert.Contains(t, prompt, "Severance")
}

func TestDirectAnswerWithoutRetrievalFails(t *testing.T) {
	model := newScriptedModel().
		on("agent", text("Watch Dark on Netflix.")).
		on("generate", text(answerLines))
	pipeline := buildPipeline(t, model, workflow.DefaultPolicy(), newFakeCapability(workflow.SearchToolName, fiveSnippets))

	rec := &visitRecorder{}
	_, err := pipeline.Run(context.Background(), "sci-fi", rec.observer())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNoRetrievedContext)
	assert.Equal(t, models.ErrorTypePrecondition, models.ErrorTypeOf(err))
	assert.Equal(t, []string{"agent", "generate"}, rec.visited())
	assert.Empty(t, model.calls("generate"), "generator must fail before calling the model")
}

func TestLowScoresVisitRefinerBeforeGenerating(t *testing.T) {
	model := newScriptedModel().
		on("agent", searchCall("first"), searchCall("second"), searchCall("third")).
		on("grade", score(0.3), score(0.4), score(0.85)).
		on("refine", text("critically acclaimed cerebral sci-fi series"), text("mind-bending sci-fi dramas with puzzle plots")).
		on("generate", text(answerLines))
	search := newFakeCapability(workflow.SearchToolName, fiveSnippets)
	pipeline := buildPipeline(t, model, workflow.DefaultPolicy(), search)

	rec := &visitRecorder{}
	result, err := pipeline.Run(context.Background(), sciFiRequest, rec.observer())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"agent", "search", "grade",
		"refine", "agent", "search", "grade",
		"refine", "agent", "search", "grade",
		"generate",
	}, rec.visited())
	assert.Equal(t, 2, result.Refinements)
	assert.False(t, result.BestEffort)
	assert.Equal(t, []float64{0.3, 0.4, 0.85}, result.Scores)
	assert.Equal(t, []string{"first", "second", "third"}, search.queries())

	for _, req := range model.calls("refine") {
		assert.Contains(t, req.Messages[0].Text(), sciFiRequest, "refiner works from the original request")
	}
	first, _ := result.State.First()
	assert.Equal(t, sciFiRequest, first.Text())
}

func TestAgentSkipsGradingAndSeesRefinement(t *testing.T) {
	model := newScriptedModel().
		on("agent", searchCall("first"), searchCall("second")).
		on("grade", score(0.1), score(0.9)).
		on("refine", text("slow-burn sci-fi mysteries")).
		on("generate", text(answerLines))
	pipeline := buildPipeline(t, model, workflow.DefaultPolicy(), newFakeCapability(workflow.SearchToolName, fiveSnippets))

	_, err := pipeline.Run(context.Background(), sciFiRequest)
	require.NoError(t, err)

	agentCalls := model.calls("agent")
	require.Len(t, agentCalls, 2)
	assert.Len(t, agentCalls[0].Messages, 1)
	assert.NotEmpty(t, agentCalls[0].Tools)

	second := agentCalls[1].Messages
	for _, m := range second {
		assert.False(t, models.IsGradingMessage(m), "grading messages must not reach the agent")
	}
	last := second[len(second)-1]
	assert.Equal(t, models.RoleUser, last.Role())
	assert.Equal(t, "Refined request: slow-burn sci-fi mysteries", last.Text())
	assert.Equal(t, sciFiRequest, second[0].Text())
}

func TestFailingCapabilityBecomesErrorResult(t *testing.T) {
	model := newScriptedModel().
		on("agent", searchCall("q")).
		on("grade", score(0.1), score(0.8)).
		on("refine", text("better query")).
		on("generate", text(answerLines))
	calls := 0
	search := newFakeCapability(workflow.SearchToolName, func(ctx context.Context, args map[string]any) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("search backend unavailable")
		}
		return fiveSnippets(ctx, args)
	})
	pipeline := buildPipeline(t, model, workflow.DefaultPolicy(), search)

	rec := &visitRecorder{}
	result, err := pipeline.Run(context.Background(), sciFiRequest, rec.observer())
	require.NoError(t, err)

	assert.Equal(t, []string{"agent", "search", "grade", "refine", "agent", "search", "grade", "generate"}, rec.visited())

	var failed *models.ToolResultMessage
	for _, m := range result.State.Messages() {
		if r, ok := m.(models.ToolResultMessage); ok && r.IsError {
			failed = &r
			break
		}
	}
	require.NotNil(t, failed, "expected an error-bearing tool result")
	assert.Contains(t, failed.Content, "search backend unavailable")
	assert.Contains(t, model.calls("grade")[0].Messages[0].Text(), "(failed)")
}

func TestRefinementCapFallsBackToBestEffort(t *testing.T) {
	model := newScriptedModel().
		on("agent", searchCall("q")).
		on("grade", score(0.2)).
		on("refine", text("more specific")).
		on("generate", text(answerLines))
	pipeline := buildPipeline(t, model, workflow.DefaultPolicy(), newFakeCapability(workflow.SearchToolName, fiveSnippets))

	result, err := pipeline.Run(context.Background(), sciFiRequest)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Refinements)
	assert.True(t, result.BestEffort)
	assert.Len(t, result.Scores, 4)
	assert.Len(t, model.calls("generate"), 1)
}

func TestRefinementCapCanFail(t *testing.T) {
	model := newScriptedModel().
		on("agent", searchCall("q")).
		on("grade", score(0.2)).
		on("refine", text("more specific"))
	policy := workflow.DefaultPolicy()
	policy.MaxRefinements = 1
	policy.Fallback = workflow.FallbackFail
	pipeline := buildPipeline(t, model, policy, newFakeCapability(workflow.SearchToolName, fiveSnippets))

	_, err := pipeline.Run(context.Background(), sciFiRequest)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRefinementLimit)
	assert.Len(t, model.calls("refine"), 1)
	assert.Empty(t, model.calls("generate"))
}

func TestZeroRefinementsGeneratesImmediately(t *testing.T) {
	model := newScriptedModel().
		on("agent", searchCall("q")).
		on("grade", score(0.1)).
		on("generate", text(answerLines))
	policy := workflow.DefaultPolicy()
	policy.MaxRefinements = 0
	pipeline := buildPipeline(t, model, policy, newFakeCapability(workflow.SearchToolName, fiveSnippets))

	result, err := pipeline.Run(context.Background(), sciFiRequest)
	require.NoError(t, err)
	assert.True(t, result.BestEffort)
	assert.Empty(t, model.calls("refine"))
}

func TestEmptyRefinementReusesOriginalRequest(t *testing.T) {
	model := newScriptedModel().
		on("agent", searchCall("q")).
		on("grade", score(0.2), score(0.9)).
		on("refine", text("   ")).
		on("generate", text(answerLines))
	pipeline := buildPipeline(t, model, workflow.DefaultPolicy(), newFakeCapability(workflow.SearchToolName, fiveSnippets))

	result, err := pipeline.Run(context.Background(), sciFiRequest)
	require.NoError(t, err)

	refinement, ok := result.State.LatestFromNode(workflow.NodeRefine)
	require.True(t, ok)
	assert.Equal(t, sciFiRequest, refinement.Text())
}

func TestRefineRouteSearchSkipsAgent(t *testing.T) {
	model := newScriptedModel().
		on("agent", searchCall("first")).
		on("grade", score(0.3), score(0.9)).
		on("refine", text("award winning hard sci-fi")).
		on("generate", text(answerLines))
	search := newFakeCapability(workflow.SearchToolName, fiveSnippets)
	policy := workflow.DefaultPolicy()
	policy.RefineRoute = workflow.RefineToSearch
	pipeline := buildPipeline(t, model, policy, search)

	rec := &visitRecorder{}
	result, err := pipeline.Run(context.Background(), sciFiRequest, rec.observer())
	require.NoError(t, err)

	assert.Equal(t, []string{"agent", "search", "grade", "refine", "search", "grade", "generate"}, rec.visited())
	assert.Equal(t, []string{"first", "award winning hard sci-fi"}, search.queries())
	assert.Len(t, model.calls("agent"), 1)
	assert.Equal(t, 1, result.Refinements)

	genPrompt := model.calls("generate")[0].Messages[0].Text()
	assert.Contains(t, genPrompt, "award winning hard sci-fi")
}

func TestRetrieverCallRoutesToRetrieveNode(t *testing.T) {
	model := newScriptedModel().
		on("agent", toolCall(workflow.RetrieverToolName, map[string]any{"query": "space opera"})).
		on("grade", score(0.75)).
		on("generate", text(answerLines))
	retriever := newFakeCapability(workflow.RetrieverToolName, fiveSnippets)
	pipeline := buildPipeline(t, model, workflow.DefaultPolicy(),
		newFakeCapability(workflow.SearchToolName, fiveSnippets), retriever)

	rec := &visitRecorder{}
	_, err := pipeline.Run(context.Background(), sciFiRequest, rec.observer())
	require.NoError(t, err)
	assert.Equal(t, []string{"agent", "retrieve", "grade", "generate"}, rec.visited())
	assert.Equal(t, []string{"space opera"}, retriever.queries())
}

func TestGraderFailuresAreFatal(t *testing.T) {
	tests := []struct {
		name  string
		reply modelReply
		want  error
	}{
		{"no tool calls", text("looks relevant to me"), models.ErrNoJudgment},
		{"non numeric score", score("high"), models.ErrNonNumericScore},
		{"missing score", toolCall(models.GradeToolName, map[string]any{"explanation": "x"}), models.ErrNonNumericScore},
		{"score out of range", score(85.0), models.ErrScoreOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := newScriptedModel().
				on("agent", searchCall("q")).
				on("grade", tt.reply)
			pipeline := buildPipeline(t, model, workflow.DefaultPolicy(), newFakeCapability(workflow.SearchToolName, fiveSnippets))

			_, err := pipeline.Run(context.Background(), sciFiRequest)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, model.calls("refine"))
			assert.Empty(t, model.calls("generate"))
		})
	}
}

func TestModelFailureAbortsRun(t *testing.T) {
	upstream := models.NewExternalError("GEMINI_FAILED", "gemini request failed")
	model := newScriptedModel().on("agent", failure(upstream))
	pipeline := buildPipeline(t, model, workflow.DefaultPolicy(), newFakeCapability(workflow.SearchToolName, fiveSnippets))

	result, err := pipeline.Run(context.Background(), sciFiRequest)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, models.ErrorTypeExternal, models.ErrorTypeOf(err))
	assert.Len(t, model.calls("agent"), 1, "model calls are not retried by the node")
}

func TestNodeTimeout(t *testing.T) {
	model := newScriptedModel().
		on("agent", searchCall("q")).
		blockOn("grade")
	policy := workflow.DefaultPolicy()
	policy.NodeTimeout = 20 * time.Millisecond
	pipeline := buildPipeline(t, model, policy, newFakeCapability(workflow.SearchToolName, fiveSnippets))

	_, err := pipeline.Run(context.Background(), sciFiRequest)
	require.Error(t, err)
	assert.Equal(t, models.ErrorTypeTimeout, models.ErrorTypeOf(err))
}

func TestCancelledRun(t *testing.T) {
	model := newScriptedModel().blockOn("agent")
	pipeline := buildPipeline(t, model, workflow.DefaultPolicy(), newFakeCapability(workflow.SearchToolName, fiveSnippets))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := pipeline.Run(ctx, sciFiRequest)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunJSONRoundTrips(t *testing.T) {
	model := newScriptedModel().
		on("agent", searchCall("q")).
		on("grade", score(0.9)).
		on("generate", text(answerLines))
	pipeline := buildPipeline(t, model, workflow.DefaultPolicy(), newFakeCapability(workflow.SearchToolName, fiveSnippets))

	out, err := pipeline.RunJSON(context.Background(), sciFiRequest)
	require.NoError(t, err)

	var state models.State
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.Equal(t, 5, state.Len())
	last, _ := state.Last()
	assert.Equal(t, answerLines, last.Text())
	_, isRequest := state.At(1).(models.ToolRequestMessage)
	assert.True(t, isRequest)
}

func TestBuildValidation(t *testing.T) {
	registry, err := workflow.NewRegistry(newFakeCapability(workflow.SearchToolName, fiveSnippets))
	require.NoError(t, err)

	_, err = workflow.Build(workflow.Dependencies{Tools: registry, Policy: workflow.DefaultPolicy()})
	assert.Error(t, err, "model is required")

	empty, err := workflow.NewRegistry()
	require.NoError(t, err)
	_, err = workflow.Build(workflow.Dependencies{Model: newScriptedModel(), Tools: empty, Policy: workflow.DefaultPolicy()})
	assert.Error(t, err, "search capability is required")

	policy := workflow.DefaultPolicy()
	policy.StepBudget = 5
	_, err = workflow.Build(workflow.Dependencies{Model: newScriptedModel(), Tools: registry, Policy: policy})
	assert.Error(t, err, "step budget must cover the refinement cap")

	policy = workflow.DefaultPolicy()
	policy.RelevanceThreshold = 70
	_, err = workflow.Build(workflow.Dependencies{Model: newScriptedModel(), Tools: registry, Policy: policy})
	assert.Error(t, err, "threshold is on the 0-1 scale")
}
