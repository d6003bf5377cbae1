package workflow

import (
	"context"
	"fmt"
	"strings"

	"picks-pipeline/internal/metrics"
	"picks-pipeline/internal/models"
	"picks-pipeline/internal/pkg/logger"
)

// refinedPrefix marks a refined query when it is replayed to the agent.
const refinedPrefix = "Refined request: "

// Nodes implements the model-backed steps of the pipeline. Each step reads
// the state, makes at most one model call, and appends exactly one message.
type Nodes struct {
	model       ChatModel
	registry    *Registry
	prompts     *Prompts
	refineRoute RefineRoute
	logger      *logger.Logger
}

// Agent asks the model, bound to every registered capability, whether and
// how to gather context.
func (n *Nodes) Agent(ctx context.Context, state models.State) (models.State, error) {
	if state.Len() == 0 {
		return state, models.ErrEmptyState
	}

	system, err := n.prompts.render(promptAgent, "system", n.toolData())
	if err != nil {
		return state, err
	}

	resp, err := n.generate(ctx, NodeAgent, &models.ModelRequest{
		SystemPrompt: system,
		Messages:     agentHistory(state),
		Tools:        n.registry.Specs(),
	})
	if err != nil {
		return state, err
	}

	if len(resp.ToolCalls) > 0 {
		return state.Append(models.NewToolRequestMessage(NodeAgent, resp.Content, withCallIDs(resp.ToolCalls))), nil
	}
	return state.Append(models.NewAssistantMessage(NodeAgent, resp.Content)), nil
}

// Grade forces a structured relevance judgment over the latest retrieved
// context. The model's calls are appended as-is; routing validates them.
func (n *Nodes) Grade(ctx context.Context, state models.State) (models.State, error) {
	question, err := state.OriginalRequest()
	if err != nil {
		return state, err
	}
	results := state.LatestToolResults()
	if len(results) == 0 {
		return state, models.ErrNoRetrievedContext
	}

	data := promptData{Question: question, Context: formatContext(results), GradeTool: models.GradeToolName}
	system, err := n.prompts.render(promptGrade, "system", data)
	if err != nil {
		return state, err
	}
	user, err := n.prompts.render(promptGrade, "user", data)
	if err != nil {
		return state, err
	}

	resp, err := n.generate(ctx, NodeGrade, &models.ModelRequest{
		SystemPrompt: system,
		Messages:     []models.Message{models.NewUserMessage(user)},
		Tools:        []models.ToolSpec{GradeToolSpec()},
		ToolChoice:   models.GradeToolName,
		Temperature:  models.Float32Ptr(0),
	})
	if err != nil {
		return state, err
	}

	msg := models.NewToolRequestMessage(NodeGrade, resp.Content, withCallIDs(resp.ToolCalls))
	if grading, err := models.ParseGrading(msg); err == nil {
		metrics.RecordRelevance(grading.Score)
		n.logger.Debug("relevance graded", "score", grading.Score, "explanation", grading.Explanation)
	}
	return state.Append(msg), nil
}

// Refine rewrites the original request. An empty rewrite reuses the
// original request verbatim.
func (n *Nodes) Refine(ctx context.Context, state models.State) (models.State, error) {
	question, err := state.OriginalRequest()
	if err != nil {
		return state, err
	}

	data := promptData{Question: question}
	system, err := n.prompts.render(promptRefine, "system", data)
	if err != nil {
		return state, err
	}
	user, err := n.prompts.render(promptRefine, "user", data)
	if err != nil {
		return state, err
	}

	resp, err := n.generate(ctx, NodeRefine, &models.ModelRequest{
		SystemPrompt: system,
		Messages:     []models.Message{models.NewUserMessage(user)},
	})
	if err != nil {
		return state, err
	}

	refined := strings.TrimSpace(resp.Content)
	if refined == "" {
		refined = question
	}

	if n.refineRoute == RefineToSearch {
		call := models.ToolCall{
			ID:        models.NewToolCallID(),
			Name:      SearchToolName,
			Arguments: map[string]any{"query": refined},
		}
		return state.Append(models.NewToolRequestMessage(NodeRefine, refined, []models.ToolCall{call})), nil
	}
	return state.Append(models.NewAssistantMessage(NodeRefine, refined)), nil
}

// Generate writes the final answer from the most recent retrieved context.
func (n *Nodes) Generate(ctx context.Context, state models.State) (models.State, error) {
	question, err := state.OriginalRequest()
	if err != nil {
		return state, err
	}
	results := state.LatestToolResults()
	if len(results) == 0 {
		return state, models.ErrNoRetrievedContext
	}

	data := promptData{Question: question, Context: formatContext(results)}
	if refinement, ok := state.LatestFromNode(NodeRefine); ok && refinement.Text() != question {
		data.Refinement = refinement.Text()
	}

	system, err := n.prompts.render(promptGenerate, "system", data)
	if err != nil {
		return state, err
	}
	user, err := n.prompts.render(promptGenerate, "user", data)
	if err != nil {
		return state, err
	}

	resp, err := n.generate(ctx, NodeGenerate, &models.ModelRequest{
		SystemPrompt: system,
		Messages:     []models.Message{models.NewUserMessage(user)},
	})
	if err != nil {
		return state, err
	}
	return state.Append(models.NewAssistantMessage(NodeGenerate, strings.TrimSpace(resp.Content))), nil
}

func (n *Nodes) generate(ctx context.Context, node string, req *models.ModelRequest) (*models.ModelResponse, error) {
	resp, err := n.model.Generate(ctx, req)
	if err != nil {
		metrics.RecordModelCall(0, err)
		return nil, fmt.Errorf("%s model call: %w", node, err)
	}
	if resp == nil {
		resp = &models.ModelResponse{}
	}
	metrics.RecordModelCall(resp.TokensUsed, nil)
	return resp, nil
}

func (n *Nodes) toolData() promptData {
	return promptData{
		SearchTool:    SearchToolName,
		RetrieverTool: RetrieverToolName,
		FetchPageTool: FetchPageToolName,
		HasRetriever:  n.registry.Has(RetrieverToolName),
		HasFetchPage:  n.registry.Has(FetchPageToolName),
	}
}

// GradeToolSpec declares the structured judgment the grader must return.
func GradeToolSpec() models.ToolSpec {
	return models.ToolSpec{
		Name:        models.GradeToolName,
		Description: "Record how well the retrieved documents support the viewer's recommendation request, as a score between 0 and 1 with a one sentence justification.",
		Parameters: &models.Schema{
			Type: models.SchemaObject,
			Properties: map[string]*models.Schema{
				models.ScoreArgument: {
					Type:        models.SchemaNumber,
					Description: "Relevance between 0 (no meaningful connection) and 1 (directly answers the request).",
					Minimum:     models.Float64Ptr(0),
					Maximum:     models.Float64Ptr(1),
				},
				models.ExplanationArgument: {
					Type:        models.SchemaString,
					Description: "One sentence justification for the score.",
				},
			},
			Required: []string{models.ScoreArgument},
		},
	}
}

// agentHistory drops grading messages and replays refinements as user turns.
func agentHistory(state models.State) []models.Message {
	history := make([]models.Message, 0, state.Len())
	for _, m := range state.Messages() {
		if models.IsGradingMessage(m) {
			continue
		}
		if a, ok := m.(models.AssistantMessage); ok && a.Node == NodeRefine {
			history = append(history, models.NewUserMessage(refinedPrefix+a.Content))
			continue
		}
		history = append(history, m)
	}
	return history
}

func withCallIDs(calls []models.ToolCall) []models.ToolCall {
	out := make([]models.ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = models.NewToolCallID()
		}
		out[i] = call
	}
	return out
}

func formatContext(results []models.ToolResultMessage) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		status := ""
		if r.IsError {
			status = " (failed)"
		}
		fmt.Fprintf(&b, "[%d] %s%s:\n%s", i+1, r.ToolName, status, strings.TrimSpace(r.Content))
	}
	return b.String()
}
