package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"picks-pipeline/internal/metrics"
	"picks-pipeline/internal/models"
	"picks-pipeline/internal/pkg/logger"
)

// ToolInvoker executes the pending tool calls of the latest message.
type ToolInvoker struct {
	registry *Registry
	timeout  time.Duration
	logger   *logger.Logger
}

func NewToolInvoker(registry *Registry, timeout time.Duration, log *logger.Logger) *ToolInvoker {
	if log == nil {
		log = logger.NewNop()
	}
	return &ToolInvoker{registry: registry, timeout: timeout, logger: log}
}

// Invoke runs every call concurrently and appends one result per call, in
// call order. Capability failures become error results; they never abort.
func (ti *ToolInvoker) Invoke(ctx context.Context, state models.State) (models.State, error) {
	last, ok := state.Last()
	if !ok {
		return state, models.ErrEmptyState
	}
	req, ok := last.(models.ToolRequestMessage)
	if !ok || len(req.ToolCalls) == 0 {
		return state, models.NewPreconditionError("NO_PENDING_TOOL_CALLS", "latest message requests no tool calls").
			WithMetadata("role", string(last.Role()))
	}

	results := make([]models.Message, len(req.ToolCalls))
	var wg sync.WaitGroup
	for i, call := range req.ToolCalls {
		if call.ID == "" {
			call.ID = models.NewToolCallID()
		}
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			results[i] = ti.invokeOne(ctx, call)
		}(i, call)
	}
	wg.Wait()

	return state.Append(results...), nil
}

func (ti *ToolInvoker) invokeOne(ctx context.Context, call models.ToolCall) (result models.ToolResultMessage) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability panicked: %v", r)
			result = models.NewToolResultMessage(call, "Error: "+err.Error(), true)
		}
		metrics.RecordToolInvocation(call.Name, time.Since(start), err)
		ti.logger.LogService("tool", call.Name, time.Since(start), map[string]any{
			"tool_call_id": call.ID,
			"is_error":     err != nil,
		}, err)
	}()

	capability, ok := ti.registry.Lookup(call.Name)
	if !ok {
		err = fmt.Errorf("unknown capability %q", call.Name)
		return models.NewToolResultMessage(call, "Error: "+err.Error(), true)
	}
	if err = validateArguments(call.Arguments, capability.Spec().Parameters); err != nil {
		return models.NewToolResultMessage(call, "Error: invalid arguments: "+err.Error(), true)
	}

	callCtx := ctx
	if ti.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, ti.timeout)
		defer cancel()
	}

	var content string
	content, err = capability.Invoke(callCtx, call.Arguments)
	if err != nil {
		return models.NewToolResultMessage(call, "Error: "+err.Error(), true)
	}
	if strings.TrimSpace(content) == "" {
		content = "No results found."
	}
	return models.NewToolResultMessage(call, content, false)
}
