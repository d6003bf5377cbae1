package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"picks-pipeline/internal/config"
	"picks-pipeline/internal/graph"
	"picks-pipeline/internal/metrics"
	"picks-pipeline/internal/models"
	"picks-pipeline/internal/pkg/logger"
	"picks-pipeline/internal/workflow"
)

// HealthChecker is implemented by every outbound dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// UpdateListener receives every progress update of one run, in order.
type UpdateListener func(update models.NodeUpdate)

// Orchestrator runs the recommendation pipeline on behalf of API callers:
// it tracks live runs, publishes per-node progress and persists results.
type Orchestrator struct {
	pipeline *workflow.Pipeline
	store    StateStore
	checks   map[string]HealthChecker

	config config.WorkflowConfig
	logger *logger.Logger

	activeWorkflows sync.Map // workflow_id -> *activeRun
	running         sync.WaitGroup

	startTime time.Time
}

// activeRun guards a live WorkflowContext; the run goroutine writes it while
// status requests read it.
type activeRun struct {
	mu          sync.Mutex
	workflowCtx *models.WorkflowContext
	cancel      context.CancelFunc
	nodeStarts  map[int]time.Time
	listeners   []UpdateListener
}

func (run *activeRun) snapshot() *models.WorkflowContext {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.workflowCtx.Snapshot()
}

func NewOrchestrator(pipeline *workflow.Pipeline, store StateStore, checks map[string]HealthChecker, config config.WorkflowConfig, log *logger.Logger) *Orchestrator {
	if checks == nil {
		checks = make(map[string]HealthChecker)
	}
	checks["store"] = store

	orchestrator := &Orchestrator{
		pipeline:  pipeline,
		store:     store,
		checks:    checks,
		config:    config,
		logger:    log,
		startTime: time.Now(),
	}

	log.Info("Orchestrator initialized",
		"dependencies", orchestrator.dependencyNames(),
		"run_timeout", config.RunTimeout)

	return orchestrator
}

// ExecuteWorkflow runs one request to completion. The returned response is
// non-nil even on failure so callers can report the workflow id.
func (orchestrator *Orchestrator) ExecuteWorkflow(ctx context.Context, req *models.WorkflowRequest, listeners ...UpdateListener) (*models.WorkflowResponse, error) {
	startTime := time.Now()
	requestID := req.RequestID
	if requestID == "" {
		requestID = models.GenerateRequestID()
	}
	workflowCtx := models.NewWorkflowContext(*req, requestID)

	runCtx := ctx
	var cancelTimeout context.CancelFunc = func() {}
	if orchestrator.config.RunTimeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, orchestrator.config.RunTimeout)
	}
	runCtx, cancel := context.WithCancel(runCtx)
	defer cancel()
	defer cancelTimeout()

	run := &activeRun{
		workflowCtx: workflowCtx,
		cancel:      cancel,
		nodeStarts:  make(map[int]time.Time),
		listeners:   listeners,
	}

	orchestrator.running.Add(1)
	defer orchestrator.running.Done()
	if _, exists := orchestrator.activeWorkflows.LoadOrStore(workflowCtx.ID, run); exists {
		err := models.NewValidationError("WORKFLOW_EXISTS", "workflow id is already running").WithMetadata("workflow_id", workflowCtx.ID)
		return models.NewWorkflowResponse(workflowCtx.ID, requestID, string(models.WorkflowStatusFailed), err.Error()), err
	}
	defer orchestrator.activeWorkflows.Delete(workflowCtx.ID)
	metrics.TrackActiveWorkflow(true)
	defer metrics.TrackActiveWorkflow(false)

	// Store writes outlive a cancelled run so the final record is kept.
	storeCtx := context.WithoutCancel(ctx)

	run.mu.Lock()
	workflowCtx.MarkProcessing()
	run.mu.Unlock()

	orchestrator.logger.LogWorkflow(workflowCtx.ID, workflowCtx.ConversationID, "workflow_started", 0, nil)
	orchestrator.storeState(storeCtx, run)
	orchestrator.publish(storeCtx, run, models.NodeUpdate{
		Type:    models.UpdateTypeWorkflowStarted,
		Status:  models.NodeStatusProcessing,
		Message: "Workflow started",
	})

	result, err := orchestrator.pipeline.Run(runCtx, req.Input, workflow.WithObserver(orchestrator.observer(storeCtx, run)))
	duration := time.Since(startTime)

	run.mu.Lock()
	if err != nil {
		switch {
		case errors.Is(err, models.ErrWorkflowCancelled) || errors.Is(runCtx.Err(), context.Canceled):
			if !errors.Is(err, models.ErrWorkflowCancelled) {
				err = models.ErrWorkflowCancelled.WithCause(err)
			}
			workflowCtx.MarkCancelled()
			workflowCtx.Error = err.Error()
		case models.ErrorTypeOf(err) == models.ErrorTypeTimeout:
			workflowCtx.MarkTimeout(err)
		default:
			workflowCtx.MarkFailed(err)
		}
	} else {
		workflowCtx.Answer = result.Answer
		workflowCtx.Recommendations = result.Recommendations
		workflowCtx.Refinements = result.Refinements
		workflowCtx.BestEffort = result.BestEffort
		workflowCtx.RelevanceScores = result.Scores
		workflowCtx.State = result.State
		workflowCtx.MarkCompleted()
	}
	status := workflowCtx.Status
	run.mu.Unlock()

	metrics.RecordWorkflow(string(status), duration)
	orchestrator.storeState(storeCtx, run)
	if err := orchestrator.store.RecordConversationRun(storeCtx, run.snapshot().Summary()); err != nil {
		orchestrator.logger.WithError(err).Error("Failed to record conversation run")
	}

	if err != nil {
		orchestrator.logger.LogWorkflow(workflowCtx.ID, workflowCtx.ConversationID, "workflow_"+string(status), duration, err)
		orchestrator.publish(storeCtx, run, models.NodeUpdate{
			Type:           models.UpdateTypeWorkflowError,
			Status:         models.NodeStatusFailed,
			Message:        fmt.Sprintf("Workflow %s", status),
			Error:          err.Error(),
			ProcessingTime: duration,
		})
		response := models.NewWorkflowResponse(workflowCtx.ID, requestID, string(status), err.Error())
		response.ConversationID = workflowCtx.ConversationID
		return response, err
	}

	metrics.RecordRefinements(result.Refinements)
	orchestrator.logger.LogWorkflow(workflowCtx.ID, workflowCtx.ConversationID, "workflow_completed", duration, nil)
	orchestrator.publish(storeCtx, run, models.NodeUpdate{
		Type:           models.UpdateTypeWorkflowCompleted,
		Status:         models.NodeStatusCompleted,
		Message:        "Workflow completed successfully",
		ProcessingTime: duration,
		Data: map[string]any{
			"refinements": result.Refinements,
			"best_effort": result.BestEffort,
			"steps":       result.Steps,
		},
	})

	totalTimeMs := float64(duration.Milliseconds())
	response := models.NewWorkflowResponse(workflowCtx.ID, requestID, string(models.WorkflowStatusCompleted), "")
	response.ConversationID = workflowCtx.ConversationID
	response.Answer = result.Answer
	if len(result.Recommendations) > 0 {
		response.Recommendations = result.Recommendations
	}
	response.Refinements = result.Refinements
	response.BestEffort = result.BestEffort
	response.TotalTime = &totalTimeMs

	return response, nil
}

// observer turns graph events into node statistics, metrics and updates.
func (orchestrator *Orchestrator) observer(storeCtx context.Context, run *activeRun) *graph.Observer[models.State] {
	return &graph.Observer[models.State]{
		OnNodeStart: func(ctx context.Context, step int, node string, state models.State) {
			run.mu.Lock()
			run.nodeStarts[step] = time.Now()
			run.mu.Unlock()

			orchestrator.publish(storeCtx, run, models.NodeUpdate{
				Type:    models.UpdateTypeNode,
				Node:    node,
				Step:    step,
				Status:  models.NodeStatusProcessing,
				Message: "Running " + node,
			})
		},
		OnNodeEnd: func(ctx context.Context, step int, node string, state models.State, elapsed time.Duration, err error) {
			status := models.NodeStatusCompleted
			if err != nil {
				status = models.NodeStatusFailed
			}

			run.mu.Lock()
			start, ok := run.nodeStarts[step]
			if !ok {
				start = time.Now().Add(-elapsed)
			}
			delete(run.nodeStarts, step)
			run.workflowCtx.RecordNode(node, status, start, start.Add(elapsed))
			if err == nil {
				run.workflowCtx.State = state
				countCalls(&run.workflowCtx.ProcessingStats, node, state)
			}
			workflowID := run.workflowCtx.ID
			run.mu.Unlock()

			metrics.RecordNode(node, elapsed, err)
			orchestrator.logger.LogNode(workflowID, node, "execute", elapsed, map[string]any{"step": step}, err)

			update := models.NodeUpdate{
				Type:           models.UpdateTypeNode,
				Node:           node,
				Step:           step,
				Status:         status,
				ProcessingTime: elapsed,
				Message:        summarizeNode(node, state),
				Data:           nodeData(node, state),
			}
			if err != nil {
				update.Message = "Node " + node + " failed"
				update.Error = err.Error()
			}
			orchestrator.publish(storeCtx, run, update)
		},
		OnRoute: func(ctx context.Context, step int, from, route, to string) {
			metrics.RecordRoute(from, route)
			orchestrator.logger.Debug("Routing decision", "step", step, "from", from, "route", route, "to", to)
		},
	}
}

// countCalls attributes the message a node just produced to the run stats.
func countCalls(stats *models.ProcessingStats, node string, state models.State) {
	last, ok := state.Last()
	if !ok {
		return
	}
	switch node {
	case workflow.NodeSearch, workflow.NodeRetrieve:
		for _, result := range state.LatestToolResults() {
			stats.ToolCalls++
			if result.IsError {
				stats.ToolErrors++
			}
		}
	default:
		if models.ProducedBy(last) == node {
			stats.ModelCalls++
		}
	}
}

func summarizeNode(node string, state models.State) string {
	last, ok := state.Last()
	if !ok {
		return node + " finished"
	}
	switch msg := last.(type) {
	case models.ToolRequestMessage:
		names := make([]string, 0, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			names = append(names, call.Name)
		}
		return fmt.Sprintf("%s requested %v", node, names)
	case models.ToolResultMessage:
		return fmt.Sprintf("%s returned %d result(s)", node, len(state.LatestToolResults()))
	default:
		return truncateText(node+": "+last.Text(), 200)
	}
}

func nodeData(node string, state models.State) map[string]any {
	data := map[string]any{"messages": state.Len()}
	if node == workflow.NodeGrade {
		if last, ok := state.Last(); ok && models.IsGradingMessage(last) {
			if grading, err := models.ParseGrading(last); err == nil {
				data["score"] = grading.Score
			}
		}
	}
	if node == workflow.NodeRefine {
		data["refinements"] = state.CountFromNode(workflow.NodeRefine)
	}
	return data
}

func truncateText(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func (orchestrator *Orchestrator) publish(ctx context.Context, run *activeRun, update models.NodeUpdate) {
	run.mu.Lock()
	update.WorkflowID = run.workflowCtx.ID
	update.RequestID = run.workflowCtx.RequestID
	update.ConversationID = run.workflowCtx.ConversationID
	update.Timestamp = time.Now()
	listeners := run.listeners
	run.mu.Unlock()

	for _, listen := range listeners {
		listen(update)
	}

	if err := orchestrator.store.PublishNodeUpdate(ctx, update.ConversationID, &update); err != nil {
		orchestrator.logger.WithError(err).Warn("Failed to publish node update")
	}
}

func (orchestrator *Orchestrator) storeState(ctx context.Context, run *activeRun) {
	if err := orchestrator.store.StoreWorkflowState(ctx, run.snapshot()); err != nil {
		orchestrator.logger.WithError(err).Error("Failed to store workflow state")
	}
}

// GetWorkflowStatus returns a live run's current record, falling back to the store.
func (orchestrator *Orchestrator) GetWorkflowStatus(ctx context.Context, workflowID string) (*models.WorkflowContext, error) {
	if value, exists := orchestrator.activeWorkflows.Load(workflowID); exists {
		return value.(*activeRun).snapshot(), nil
	}
	return orchestrator.store.GetWorkflowState(ctx, workflowID)
}

func (orchestrator *Orchestrator) GetConversationRuns(ctx context.Context, conversationID string, limit int) ([]models.RunSummary, error) {
	return orchestrator.store.GetConversationRuns(ctx, conversationID, limit)
}

// ActiveWorkflows lists live runs, oldest first.
func (orchestrator *Orchestrator) ActiveWorkflows() []*models.WorkflowContext {
	var active []*models.WorkflowContext
	orchestrator.activeWorkflows.Range(func(_, value interface{}) bool {
		active = append(active, value.(*activeRun).snapshot())
		return true
	})
	sort.Slice(active, func(i, j int) bool { return active[i].StartTime.Before(active[j].StartTime) })
	return active
}

func (orchestrator *Orchestrator) GetActiveWorkflowsCount() int {
	count := 0
	orchestrator.activeWorkflows.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// CancelWorkflow stops a live run. The run itself records the cancellation.
func (orchestrator *Orchestrator) CancelWorkflow(workflowID string) error {
	value, exists := orchestrator.activeWorkflows.Load(workflowID)
	if !exists {
		return models.ErrWorkflowNotFound.WithMetadata("workflow_id", workflowID)
	}
	run := value.(*activeRun)
	run.cancel()

	run.mu.Lock()
	conversationID := run.workflowCtx.ConversationID
	run.mu.Unlock()
	orchestrator.logger.LogWorkflow(workflowID, conversationID, "workflow_cancel_requested", 0, nil)
	return nil
}

// HealthCheck checks every dependency and reports each failure by name.
func (orchestrator *Orchestrator) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error, len(orchestrator.checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, checker := range orchestrator.checks {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()
			err := checker.HealthCheck(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()
	return results
}

func (orchestrator *Orchestrator) dependencyNames() []string {
	names := make([]string, 0, len(orchestrator.checks))
	for name := range orchestrator.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (orchestrator *Orchestrator) GetStats() map[string]interface{} {
	policy := orchestrator.pipeline.Policy()
	return map[string]interface{}{
		"service":             "orchestrator",
		"uptime_seconds":      time.Since(orchestrator.startTime).Seconds(),
		"active_workflows":    orchestrator.GetActiveWorkflowsCount(),
		"dependencies":        orchestrator.dependencyNames(),
		"relevance_threshold": policy.RelevanceThreshold,
		"max_refinements":     policy.MaxRefinements,
		"fallback":            string(policy.Fallback),
		"refine_route":        string(policy.RefineRoute),
		"step_budget":         policy.StepBudget,
	}
}

// Close waits for live runs to finish, cancelling them once ctx is done.
func (orchestrator *Orchestrator) Close(ctx context.Context) error {
	orchestrator.logger.Info("Orchestrator shutting down", "active_workflows", orchestrator.GetActiveWorkflowsCount())

	done := make(chan struct{})
	go func() {
		orchestrator.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		orchestrator.logger.Info("All workflows completed, orchestrator closed")
		return nil
	case <-ctx.Done():
		count := 0
		orchestrator.activeWorkflows.Range(func(_, value interface{}) bool {
			value.(*activeRun).cancel()
			count++
			return true
		})
		orchestrator.logger.Warn("Timeout waiting for workflows, cancelled remaining runs", "active_workflows", count)
		<-done
		return ctx.Err()
	}
}
