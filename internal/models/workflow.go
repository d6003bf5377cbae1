package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type WorkflowRequest struct {
	Input          string `json:"input" binding:"required,min=10,max=500"`
	ConversationID string `json:"conversation_id,omitempty" binding:"omitempty,max=128"`
	WorkflowID     string `json:"workflow_id,omitempty" binding:"omitempty,uuid"`
	// RequestID correlates the run with the inbound request; empty generates one.
	RequestID string `json:"-"`
}

type WorkflowResponse struct {
	WorkflowID      string           `json:"workflow_id"`
	RequestID       string           `json:"request_id"`
	ConversationID  string           `json:"conversation_id"`
	Status          string           `json:"status"`
	Message         string           `json:"message,omitempty"`
	Answer          string           `json:"answer,omitempty"`
	Recommendations []Recommendation `json:"recommendations"`
	Refinements     int              `json:"refinements"`
	BestEffort      bool             `json:"best_effort"`
	Timestamp       time.Time        `json:"timestamp"`
	TotalTime       *float64         `json:"total_time_ms,omitempty"`
}

// WorkflowContext is the bookkeeping record of one pipeline run. The
// conversation itself lives in State.
type WorkflowContext struct {
	ID             string         `json:"id"`
	RequestID      string         `json:"request_id"`
	ConversationID string         `json:"conversation_id"`
	Input          string         `json:"input"`
	Status         WorkflowStatus `json:"status"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        *time.Time     `json:"end_time,omitempty"`

	Answer          string           `json:"answer,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	Refinements     int              `json:"refinements"`
	BestEffort      bool             `json:"best_effort"`
	RelevanceScores []float64        `json:"relevance_scores,omitempty"`
	Error           string           `json:"error,omitempty"`

	State           State           `json:"state"`
	ProcessingStats ProcessingStats `json:"processing_stats"`
}

type ProcessingStats struct {
	TotalDuration time.Duration        `json:"total_duration"`
	Steps         int                  `json:"steps"`
	ModelCalls    int                  `json:"model_calls"`
	ToolCalls     int                  `json:"tool_calls"`
	ToolErrors    int                  `json:"tool_errors"`
	NodeStats     map[string]NodeStats `json:"node_stats"`
}

// NodeStats aggregates every visit of one node during a run.
type NodeStats struct {
	Name      string        `json:"name"`
	Visits    int           `json:"visits"`
	Duration  time.Duration `json:"duration"`
	Status    string        `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
}

type WorkflowStatus string

const (
	WorkflowStatusPending    WorkflowStatus = "pending"
	WorkflowStatusProcessing WorkflowStatus = "processing"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
	WorkflowStatusFailed     WorkflowStatus = "failed"
	WorkflowStatusCancelled  WorkflowStatus = "cancelled"
	WorkflowStatusTimeout    WorkflowStatus = "timeout"
)

type NodeStatus string

const (
	NodeStatusProcessing NodeStatus = "processing"
	NodeStatusCompleted  NodeStatus = "completed"
	NodeStatusFailed     NodeStatus = "failed"
)

type UpdateType string

const (
	UpdateTypeWorkflowStarted   UpdateType = "workflow_started"
	UpdateTypeWorkflowCompleted UpdateType = "workflow_completed"
	UpdateTypeWorkflowError     UpdateType = "workflow_error"
	UpdateTypeNode              UpdateType = "node_update"
)

// NodeUpdate is one progress event, published to the update stream and to
// live SSE subscribers.
type NodeUpdate struct {
	Type           UpdateType     `json:"type"`
	WorkflowID     string         `json:"workflow_id"`
	RequestID      string         `json:"request_id"`
	ConversationID string         `json:"conversation_id"`
	Node           string         `json:"node"`
	Step           int            `json:"step"`
	Status         NodeStatus     `json:"status"`
	Route          string         `json:"route,omitempty"`
	Message        string         `json:"message"`
	ProcessingTime time.Duration  `json:"processing_time"`
	Error          string         `json:"error,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// RunSummary is what survives a run in the per-conversation history.
type RunSummary struct {
	WorkflowID     string         `json:"workflow_id"`
	ConversationID string         `json:"conversation_id"`
	Input          string         `json:"input"`
	Status         WorkflowStatus `json:"status"`
	Answer         string         `json:"answer,omitempty"`
	Refinements    int            `json:"refinements"`
	BestEffort     bool           `json:"best_effort"`
	Error          string         `json:"error,omitempty"`
	TotalTime      time.Duration  `json:"total_time"`
	CreatedAt      time.Time      `json:"created_at"`
}

func NewWorkflowContext(req WorkflowRequest, requestID string) *WorkflowContext {
	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = GenerateWorkflowID()
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = GenerateConversationID()
	}

	return &WorkflowContext{
		ID:             workflowID,
		RequestID:      requestID,
		ConversationID: conversationID,
		Input:          req.Input,
		Status:         WorkflowStatusPending,
		StartTime:      time.Now(),
		ProcessingStats: ProcessingStats{
			NodeStats: make(map[string]NodeStats),
		},
	}
}

func NewWorkflowResponse(workflowID, requestID, status, message string) *WorkflowResponse {
	return &WorkflowResponse{
		WorkflowID:      workflowID,
		RequestID:       requestID,
		Status:          status,
		Message:         message,
		Recommendations: []Recommendation{},
		Timestamp:       time.Now(),
	}
}

func (wc *WorkflowContext) MarkProcessing() {
	wc.Status = WorkflowStatusProcessing
}

func (wc *WorkflowContext) MarkCompleted() {
	wc.finish(WorkflowStatusCompleted, nil)
}

func (wc *WorkflowContext) MarkFailed(err error) {
	wc.finish(WorkflowStatusFailed, err)
}

func (wc *WorkflowContext) MarkCancelled() {
	wc.finish(WorkflowStatusCancelled, nil)
}

func (wc *WorkflowContext) MarkTimeout(err error) {
	wc.finish(WorkflowStatusTimeout, err)
}

func (wc *WorkflowContext) finish(status WorkflowStatus, err error) {
	wc.Status = status
	now := time.Now()
	wc.EndTime = &now
	wc.ProcessingStats.TotalDuration = now.Sub(wc.StartTime)
	if err != nil {
		wc.Error = err.Error()
	}
}

// RecordNode folds one node visit into the per-node aggregate.
func (wc *WorkflowContext) RecordNode(name string, status NodeStatus, start, end time.Time) {
	if wc.ProcessingStats.NodeStats == nil {
		wc.ProcessingStats.NodeStats = make(map[string]NodeStats)
	}
	stats, ok := wc.ProcessingStats.NodeStats[name]
	if !ok {
		stats = NodeStats{Name: name, StartTime: start}
	}
	stats.Visits++
	stats.Duration += end.Sub(start)
	stats.Status = string(status)
	stats.EndTime = end
	wc.ProcessingStats.NodeStats[name] = stats
	wc.ProcessingStats.Steps++
}

func (wc *WorkflowContext) GetDuration() time.Duration {
	if wc.EndTime != nil {
		return wc.EndTime.Sub(wc.StartTime)
	}
	return time.Since(wc.StartTime)
}

// Snapshot returns a copy that shares no mutable maps or slices with wc.
func (wc *WorkflowContext) Snapshot() *WorkflowContext {
	out := *wc
	out.Recommendations = append([]Recommendation(nil), wc.Recommendations...)
	out.RelevanceScores = append([]float64(nil), wc.RelevanceScores...)
	out.ProcessingStats.NodeStats = make(map[string]NodeStats, len(wc.ProcessingStats.NodeStats))
	for k, v := range wc.ProcessingStats.NodeStats {
		out.ProcessingStats.NodeStats[k] = v
	}
	if wc.EndTime != nil {
		end := *wc.EndTime
		out.EndTime = &end
	}
	return &out
}

// VisitedNodes lists node names ordered by first visit.
func (wc *WorkflowContext) VisitedNodes() []string {
	stats := make([]NodeStats, 0, len(wc.ProcessingStats.NodeStats))
	for _, s := range wc.ProcessingStats.NodeStats {
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].StartTime.Before(stats[j].StartTime) })
	names := make([]string, len(stats))
	for i, s := range stats {
		names[i] = s.Name
	}
	return names
}

func (wc *WorkflowContext) Summary() RunSummary {
	return RunSummary{
		WorkflowID:     wc.ID,
		ConversationID: wc.ConversationID,
		Input:          wc.Input,
		Status:         wc.Status,
		Answer:         wc.Answer,
		Refinements:    wc.Refinements,
		BestEffort:     wc.BestEffort,
		Error:          wc.Error,
		TotalTime:      wc.GetDuration(),
		CreatedAt:      wc.StartTime,
	}
}

func (wc *WorkflowContext) IsCompleted() bool {
	return wc.Status == WorkflowStatusCompleted
}

func (wc *WorkflowContext) IsFailed() bool {
	return wc.Status == WorkflowStatusFailed
}

func (wc *WorkflowContext) IsProcessing() bool {
	return wc.Status == WorkflowStatusProcessing
}

func GenerateRequestID() string {
	return uuid.New().String()
}

func GenerateWorkflowID() string {
	return uuid.New().String()
}

func GenerateConversationID() string {
	return "conv_" + uuid.New().String()
}
