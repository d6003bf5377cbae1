// Package workflow wires the recommendation pipeline: an agent that decides
// when to retrieve, tool invokers, a relevance grader, a query refiner and an
// answer generator, joined into a graph with a bounded refine loop.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"picks-pipeline/internal/graph"
	"picks-pipeline/internal/models"
	"picks-pipeline/internal/pkg/logger"
)

type Policy struct {
	RelevanceThreshold float64
	MaxRefinements     int
	Fallback           FallbackPolicy
	RefineRoute        RefineRoute
	// StepBudget caps node executions per run; zero derives it from MaxRefinements.
	StepBudget  int
	NodeTimeout time.Duration
	ToolTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		RelevanceThreshold: 0.7,
		MaxRefinements:     3,
		Fallback:           FallbackBestEffort,
		RefineRoute:        RefineToAgent,
	}
}

// stepsNeeded is the longest legal path: agent, tool, grade, then one
// refine/agent/tool/grade cycle per refinement, then generate.
func (p Policy) stepsNeeded() int {
	return 4 + 4*p.MaxRefinements
}

func (p Policy) Validate() error {
	var errs []error
	if p.RelevanceThreshold < 0 || p.RelevanceThreshold > 1 {
		errs = append(errs, fmt.Errorf("relevance threshold %v outside [0, 1]", p.RelevanceThreshold))
	}
	if p.MaxRefinements < 0 {
		errs = append(errs, fmt.Errorf("max refinements %d is negative", p.MaxRefinements))
	}
	switch p.Fallback {
	case FallbackBestEffort, FallbackFail:
	default:
		errs = append(errs, fmt.Errorf("unknown fallback policy %q", p.Fallback))
	}
	switch p.RefineRoute {
	case RefineToAgent, RefineToSearch:
	default:
		errs = append(errs, fmt.Errorf("unknown refine route %q", p.RefineRoute))
	}
	if p.StepBudget != 0 && p.StepBudget < p.stepsNeeded() {
		errs = append(errs, fmt.Errorf("step budget %d cannot cover %d refinements (needs %d)", p.StepBudget, p.MaxRefinements, p.stepsNeeded()))
	}
	return errors.Join(errs...)
}

type Dependencies struct {
	Model   ChatModel
	Tools   *Registry
	Prompts *Prompts
	Policy  Policy
	Logger  *logger.Logger
}

// Pipeline is a compiled recommendation graph. It is safe for concurrent
// runs; every run owns its own state.
type Pipeline struct {
	graph  *graph.Graph[models.State]
	policy Policy
	logger *logger.Logger
}

type RunResult struct {
	State           models.State            `json:"state"`
	Answer          string                  `json:"answer"`
	Recommendations []models.Recommendation `json:"recommendations"`
	Refinements     int                     `json:"refinements"`
	BestEffort      bool                    `json:"best_effort"`
	Scores          []float64               `json:"scores"`
	Steps           int                     `json:"steps"`
}

type runOptions struct {
	observer *graph.Observer[models.State]
}

type RunOption func(*runOptions)

// WithObserver receives node and routing events for the run.
func WithObserver(obs *graph.Observer[models.State]) RunOption {
	return func(o *runOptions) {
		o.observer = obs
	}
}

func Build(deps Dependencies) (*Pipeline, error) {
	if deps.Model == nil {
		return nil, errors.New("workflow: model is required")
	}
	if deps.Tools == nil || !deps.Tools.Has(SearchToolName) {
		return nil, fmt.Errorf("workflow: capability %s must be registered", SearchToolName)
	}
	if err := deps.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("workflow: %w", err)
	}
	if deps.Prompts == nil {
		deps.Prompts = DefaultPrompts()
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}

	policy := deps.Policy
	if policy.StepBudget == 0 {
		policy.StepBudget = max(graph.DefaultStepBudget, policy.stepsNeeded())
	}

	nodes := &Nodes{
		model:       deps.Model,
		registry:    deps.Tools,
		prompts:     deps.Prompts,
		refineRoute: policy.RefineRoute,
		logger:      deps.Logger,
	}
	invoker := NewToolInvoker(deps.Tools, policy.ToolTimeout, deps.Logger)

	refineTarget := NodeAgent
	if policy.RefineRoute == RefineToSearch {
		refineTarget = NodeSearch
	}

	g, err := graph.New[models.State]().
		AddNode(NodeAgent, withTimeout(NodeAgent, policy.NodeTimeout, nodes.Agent)).
		AddNode(NodeSearch, withTimeout(NodeSearch, policy.NodeTimeout, invoker.Invoke)).
		AddNode(NodeRetrieve, withTimeout(NodeRetrieve, policy.NodeTimeout, invoker.Invoke)).
		AddNode(NodeGrade, withTimeout(NodeGrade, policy.NodeTimeout, nodes.Grade)).
		AddNode(NodeRefine, withTimeout(NodeRefine, policy.NodeTimeout, nodes.Refine)).
		AddNode(NodeGenerate, withTimeout(NodeGenerate, policy.NodeTimeout, nodes.Generate)).
		SetEntryPoint(NodeAgent).
		AddConditionalEdges(NodeAgent, ShouldRetrieve, map[string]string{
			RouteSearch:   NodeSearch,
			RouteRetrieve: NodeRetrieve,
			// A direct answer still goes through the generator so every
			// successful run ends with its output.
			RouteEnd: NodeGenerate,
		}).
		AddEdge(NodeSearch, NodeGrade).
		AddEdge(NodeRetrieve, NodeGrade).
		AddConditionalEdges(NodeGrade, RelevanceRouter(policy.RelevanceThreshold, policy.MaxRefinements, policy.Fallback), map[string]string{
			RouteYes:       NodeGenerate,
			RouteNo:        NodeRefine,
			RouteExhausted: NodeGenerate,
		}).
		AddEdge(NodeRefine, refineTarget).
		SetFinishPoint(NodeGenerate).
		SetStepBudget(policy.StepBudget).
		Compile()
	if err != nil {
		return nil, err
	}

	deps.Logger.Info("Recommendation pipeline compiled",
		"nodes", g.Nodes(),
		"capabilities", deps.Tools.Names(),
		"relevance_threshold", policy.RelevanceThreshold,
		"max_refinements", policy.MaxRefinements,
		"fallback", string(policy.Fallback),
		"refine_route", string(policy.RefineRoute),
		"step_budget", policy.StepBudget)

	return &Pipeline{graph: g, policy: policy, logger: deps.Logger}, nil
}

func (p *Pipeline) Policy() Policy {
	return p.policy
}

// Run seeds a fresh state with input and drives the graph to completion. Any
// fatal error fails the whole run; no partial result is returned.
func (p *Pipeline) Run(ctx context.Context, input string, opts ...RunOption) (*RunResult, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	steps := 0
	obs := &graph.Observer[models.State]{}
	if o.observer != nil {
		*obs = *o.observer
	}
	inner := obs.OnNodeEnd
	obs.OnNodeEnd = func(ctx context.Context, step int, node string, state models.State, elapsed time.Duration, err error) {
		steps = step
		if inner != nil {
			inner(ctx, step, node, state, elapsed, err)
		}
	}

	final, err := p.graph.Execute(ctx, models.NewState(models.NewUserMessage(input)), obs)
	if err != nil {
		return nil, classifyRunError(ctx, err)
	}
	return p.summarize(final, steps)
}

// RunJSON runs the pipeline and returns the final state as JSON.
func (p *Pipeline) RunJSON(ctx context.Context, input string) (string, error) {
	result, err := p.Run(ctx, input)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(result.State)
	if err != nil {
		return "", models.NewInternalError("SERIALIZATION_FAILED", "encoding final state").WithCause(err)
	}
	return string(data), nil
}

func (p *Pipeline) summarize(final models.State, steps int) (*RunResult, error) {
	last, ok := final.Last()
	if !ok || models.ProducedBy(last) != NodeGenerate {
		return nil, models.NewInternalError("NO_FINAL_ANSWER", "run ended without a generated answer")
	}

	result := &RunResult{
		State:           final,
		Answer:          last.Text(),
		Recommendations: models.ParseRecommendations(last.Text()),
		Refinements:     final.CountFromNode(NodeRefine),
		Steps:           steps,
	}
	for _, m := range final.Messages() {
		if !models.IsGradingMessage(m) {
			continue
		}
		if grading, err := models.ParseGrading(m); err == nil {
			result.Scores = append(result.Scores, grading.Score)
		}
	}
	if n := len(result.Scores); n > 0 && result.Scores[n-1] < p.policy.RelevanceThreshold {
		result.BestEffort = true
	}
	return result, nil
}

// withTimeout bounds a single node execution.
func withTimeout(node string, timeout time.Duration, fn graph.NodeFunc[models.State]) graph.NodeFunc[models.State] {
	if timeout <= 0 {
		return fn
	}
	return func(ctx context.Context, state models.State) (models.State, error) {
		nodeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		next, err := fn(nodeCtx, state)
		if err != nil && errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return state, models.NewTimeoutError("NODE_TIMEOUT", "node "+node+" timed out").
				WithMetadata("timeout", timeout.String()).
				WithCause(err)
		}
		return next, err
	}
}

// classifyRunError keeps AppErrors and maps context failures to timeout or
// cancellation errors.
func classifyRunError(ctx context.Context, err error) error {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.NewTimeoutError("RUN_TIMEOUT", "run exceeded its deadline").WithCause(err)
	case errors.Is(err, context.Canceled):
		return models.ErrWorkflowCancelled.WithCause(err)
	case errors.Is(err, graph.ErrStepBudgetExceeded):
		return models.NewInternalError("STEP_BUDGET_EXCEEDED", "run did not terminate within its step budget").WithCause(err)
	default:
		return models.NewInternalError("RUN_FAILED", "run failed").WithCause(err)
	}
}
