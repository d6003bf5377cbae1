package services

import (
	"context"
	"sync"

	"picks-pipeline/internal/metrics"
	"picks-pipeline/internal/models"
)

// MemoryStore is a process-local StateStore for development and tests.
// Entries never expire.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*models.WorkflowContext
	runs      map[string][]models.RunSummary
	updates   map[string][]models.NodeUpdate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*models.WorkflowContext),
		runs:      make(map[string][]models.RunSummary),
		updates:   make(map[string][]models.NodeUpdate),
	}
}

func (s *MemoryStore) PublishNodeUpdate(ctx context.Context, conversationID string, update *models.NodeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := append(s.updates[conversationID], *update)
	if len(stream) > updateStreamMaxLen {
		stream = stream[len(stream)-updateStreamMaxLen:]
	}
	s.updates[conversationID] = stream
	metrics.RecordStoreOperation("publish_node_update", nil)
	return nil
}

// Updates returns the published updates of a conversation, oldest first.
func (s *MemoryStore) Updates(conversationID string) []models.NodeUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.NodeUpdate(nil), s.updates[conversationID]...)
}

func (s *MemoryStore) StoreWorkflowState(ctx context.Context, workflowCtx *models.WorkflowContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[workflowCtx.ID] = workflowCtx.Snapshot()
	metrics.RecordStoreOperation("store_workflow_state", nil)
	return nil
}

func (s *MemoryStore) GetWorkflowState(ctx context.Context, workflowID string) (*models.WorkflowContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metrics.RecordStoreOperation("get_workflow_state", nil)
	wc, ok := s.workflows[workflowID]
	if !ok {
		return nil, models.ErrWorkflowNotFound.WithMetadata("workflow_id", workflowID)
	}
	return wc.Snapshot(), nil
}

func (s *MemoryStore) RecordConversationRun(ctx context.Context, summary models.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := append([]models.RunSummary{summary}, s.runs[summary.ConversationID]...)
	if len(runs) > conversationRuns {
		runs = runs[:conversationRuns]
	}
	s.runs[summary.ConversationID] = runs
	metrics.RecordStoreOperation("record_conversation_run", nil)
	return nil
}

func (s *MemoryStore) GetConversationRuns(ctx context.Context, conversationID string, limit int) ([]models.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.runs[conversationID]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	metrics.RecordStoreOperation("get_conversation_runs", nil)
	return append([]models.RunSummary{}, runs...), nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}
