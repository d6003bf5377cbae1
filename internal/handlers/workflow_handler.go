package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"picks-pipeline/internal/models"
	"picks-pipeline/internal/pkg/logger"
	"picks-pipeline/internal/services"
)

const (
	defaultRunsLimit = 10
	maxRunsLimit     = 20
	healthTimeout    = 5 * time.Second
)

type Orchestrator interface {
	ExecuteWorkflow(ctx context.Context, req *models.WorkflowRequest, listeners ...services.UpdateListener) (*models.WorkflowResponse, error)
	GetWorkflowStatus(ctx context.Context, workflowID string) (*models.WorkflowContext, error)
	CancelWorkflow(workflowID string) error
	ActiveWorkflows() []*models.WorkflowContext
	GetActiveWorkflowsCount() int
	GetConversationRuns(ctx context.Context, conversationID string, limit int) ([]models.RunSummary, error)
	HealthCheck(ctx context.Context) map[string]error
	GetStats() map[string]interface{}
}

type WorkflowHandler struct {
	orchestrator Orchestrator
	logger       *logger.Logger
}

func NewWorkflowHandler(orchestrator Orchestrator, logger *logger.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// ExecuteWorkflow runs the pipeline to completion and returns the answer.
func (h *WorkflowHandler) ExecuteWorkflow(c *gin.Context) {
	var req models.WorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindingError(err), nil)
		return
	}
	req.RequestID = RequestIDFrom(c)

	h.logger.Info("Executing workflow",
		"request_id", req.RequestID,
		"conversation_id", req.ConversationID,
	)

	response, err := h.orchestrator.ExecuteWorkflow(c.Request.Context(), &req)
	if err != nil {
		h.logger.WithError(err).Error("Workflow execution failed", "request_id", req.RequestID)
		respondError(c, err, response)
		return
	}

	respondOK(c, "Workflow completed", response)
}

// StreamWorkflow runs the pipeline and streams node progress as server-sent
// events, ending with a result or error event.
func (h *WorkflowHandler) StreamWorkflow(c *gin.Context) {
	var req models.WorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindingError(err), nil)
		return
	}
	req.RequestID = RequestIDFrom(c)

	ctx := c.Request.Context()
	events := make(chan models.NodeUpdate, 64)
	listener := func(update models.NodeUpdate) {
		if update.Type != models.UpdateTypeNode || update.Status == models.NodeStatusProcessing {
			return
		}
		select {
		case events <- update:
		case <-ctx.Done():
		}
	}

	type outcome struct {
		response *models.WorkflowResponse
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				h.logger.Error("Workflow panicked", "request_id", req.RequestID, "panic", fmt.Sprint(recovered))
				done <- outcome{err: models.NewInternalError("PANIC", "internal server error")}
			}
		}()
		response, err := h.orchestrator.ExecuteWorkflow(ctx, &req, listener)
		done <- outcome{response: response, err: err}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	for {
		select {
		case update := <-events:
			c.SSEvent("node", update)
			c.Writer.Flush()
		case result := <-done:
			// Every listener call has returned, so the buffer is complete.
			h.drain(c, events)
			if result.err != nil {
				c.SSEvent("error", APIResponse{
					Success:   false,
					Data:      result.response,
					Error:     toAPIError(result.err),
					RequestID: req.RequestID,
				})
			} else {
				c.SSEvent("result", result.response)
			}
			c.Writer.Flush()
			return
		case <-ctx.Done():
			h.logger.Warn("Stream client disconnected", "request_id", req.RequestID)
			return
		}
	}
}

func (h *WorkflowHandler) drain(c *gin.Context, events <-chan models.NodeUpdate) {
	for {
		select {
		case update := <-events:
			c.SSEvent("node", update)
		default:
			return
		}
	}
}

func (h *WorkflowHandler) GetWorkflowStatus(c *gin.Context) {
	workflowID := c.Param("id")

	workflowCtx, err := h.orchestrator.GetWorkflowStatus(c.Request.Context(), workflowID)
	if err != nil {
		respondError(c, err, nil)
		return
	}

	respondOK(c, "Workflow status retrieved", workflowCtx)
}

func (h *WorkflowHandler) CancelWorkflow(c *gin.Context) {
	workflowID := c.Param("id")

	if err := h.orchestrator.CancelWorkflow(workflowID); err != nil {
		respondError(c, err, nil)
		return
	}

	h.logger.Info("Workflow cancellation requested", "workflow_id", workflowID)
	respondOK(c, "Workflow cancellation requested", gin.H{"workflow_id": workflowID})
}

func (h *WorkflowHandler) GetActiveWorkflows(c *gin.Context) {
	active := h.orchestrator.ActiveWorkflows()
	summaries := make([]models.RunSummary, 0, len(active))
	for _, wc := range active {
		summaries = append(summaries, wc.Summary())
	}

	respondOK(c, "Active workflows retrieved", gin.H{
		"count":     len(summaries),
		"workflows": summaries,
	})
}

func (h *WorkflowHandler) GetConversationRuns(c *gin.Context) {
	conversationID := c.Param("id")

	limit := defaultRunsLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxRunsLimit {
			respondError(c, models.NewValidationError("INVALID_LIMIT", "limit must be between 1 and 20").WithMetadata("limit", raw), nil)
			return
		}
		limit = parsed
	}

	runs, err := h.orchestrator.GetConversationRuns(c.Request.Context(), conversationID, limit)
	if err != nil {
		respondError(c, err, nil)
		return
	}

	respondOK(c, "Conversation runs retrieved", gin.H{
		"conversation_id": conversationID,
		"runs":            runs,
	})
}

// Health reports 503 when any dependency check fails.
func (h *WorkflowHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	results := h.orchestrator.HealthCheck(ctx)
	dependencies := make(map[string]string, len(results))
	healthy := true
	for name, err := range results {
		if err != nil {
			healthy = false
			dependencies[name] = err.Error()
			continue
		}
		dependencies[name] = "ok"
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": dependencies,
		"stats":        h.orchestrator.GetStats(),
		"timestamp":    time.Now().UTC(),
	})
}
