package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"picks-pipeline/internal/config"
	"picks-pipeline/internal/metrics"
	"picks-pipeline/internal/models"
	"picks-pipeline/internal/pkg/logger"
)

const (
	workflowStateTTL   = 6 * time.Hour
	conversationRunTTL = 24 * time.Hour
	conversationRuns   = 20
	updateStreamMaxLen = 1024
)

// StateStore persists run records and publishes progress updates.
type StateStore interface {
	PublishNodeUpdate(ctx context.Context, conversationID string, update *models.NodeUpdate) error
	StoreWorkflowState(ctx context.Context, workflowCtx *models.WorkflowContext) error
	GetWorkflowState(ctx context.Context, workflowID string) (*models.WorkflowContext, error)
	RecordConversationRun(ctx context.Context, summary models.RunSummary) error
	GetConversationRuns(ctx context.Context, conversationID string, limit int) ([]models.RunSummary, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// NewStateStore returns a Redis store when a URL is configured and an
// in-memory store otherwise.
func NewStateStore(config config.RedisConfig, log *logger.Logger) (StateStore, error) {
	if config.StreamsURL == "" && config.MemoryURL == "" {
		log.Warn("No Redis URL configured, using in-memory state store")
		return NewMemoryStore(), nil
	}
	return NewRedisService(config, log)
}

func updateStreamKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:node_updates", conversationID)
}

func workflowStateKey(workflowID string) string {
	return fmt.Sprintf("workflow:%s:state", workflowID)
}

func conversationRunsKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:runs", conversationID)
}

type RedisService struct {
	streams *redis.Client
	memory  *redis.Client
	logger  *logger.Logger
	config  config.RedisConfig
}

func NewRedisService(config config.RedisConfig, log *logger.Logger) (*RedisService, error) {
	streamsURL, memoryURL := config.StreamsURL, config.MemoryURL
	if streamsURL == "" {
		streamsURL = memoryURL
	}
	if memoryURL == "" {
		memoryURL = streamsURL
	}

	streamsOpt, err := redis.ParseURL(streamsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis streams URL: %w", err)
	}
	memoryOpt, err := redis.ParseURL(memoryURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis memory URL: %w", err)
	}

	configureRedisOptions(streamsOpt, config)
	configureRedisOptions(memoryOpt, config)

	service := &RedisService{
		streams: redis.NewClient(streamsOpt),
		memory:  redis.NewClient(memoryOpt),
		logger:  log,
		config:  config,
	}

	if err := service.testConnection(); err != nil {
		service.Close()
		return nil, err
	}

	log.Info("Redis service initialized",
		"streams_addr", streamsOpt.Addr,
		"memory_addr", memoryOpt.Addr,
		"pool_size", config.PoolSize)

	return service, nil
}

func (service *RedisService) testConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := service.HealthCheck(ctx); err != nil {
		return fmt.Errorf("connection to Redis failed: %w", err)
	}
	return nil
}

func configureRedisOptions(opt *redis.Options, cfg config.RedisConfig) {
	opt.PoolSize = cfg.PoolSize
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout
	opt.DialTimeout = cfg.DialTimeout
}

func (service *RedisService) PublishNodeUpdate(ctx context.Context, conversationID string, update *models.NodeUpdate) error {
	streamName := updateStreamKey(conversationID)

	values := map[string]interface{}{
		"type":            string(update.Type),
		"workflow_id":     update.WorkflowID,
		"request_id":      update.RequestID,
		"node":            update.Node,
		"step":            update.Step,
		"status":          string(update.Status),
		"message":         update.Message,
		"processing_time": update.ProcessingTime.Milliseconds(),
		"timestamp":       update.Timestamp.Format(time.RFC3339Nano),
	}
	if update.Route != "" {
		values["route"] = update.Route
	}
	if update.Error != "" {
		values["error"] = update.Error
	}
	if update.Data != nil {
		if data, err := json.Marshal(update.Data); err == nil {
			values["data"] = string(data)
		} else {
			service.logger.WithError(err).Warn("Failed to marshal node update data")
		}
	}

	messageID, err := service.streams.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		Values: values,
		MaxLen: updateStreamMaxLen,
		Approx: true,
	}).Result()
	metrics.RecordStoreOperation("publish_node_update", err)
	if err != nil {
		service.logger.LogService("redis", "publish_node_update", 0, map[string]interface{}{
			"stream_name": streamName,
			"node":        update.Node,
			"workflow_id": update.WorkflowID,
		}, err)
		return models.NewExternalError("REDIS_PUBLISH_FAILED", "failed to publish node update").WithCause(err)
	}

	service.logger.WithFields(logger.Fields{
		"stream_name": streamName,
		"message_id":  messageID,
		"node":        update.Node,
		"status":      update.Status,
		"workflow_id": update.WorkflowID,
	}).Debug("Published node update")

	return nil
}

func (service *RedisService) StoreWorkflowState(ctx context.Context, workflowCtx *models.WorkflowContext) error {
	key := workflowStateKey(workflowCtx.ID)
	startTime := time.Now()

	stateJSON, err := json.Marshal(workflowCtx)
	if err != nil {
		return models.NewInternalError("SERIALIZATION_FAILED", "failed to serialize workflow state").WithCause(err)
	}

	err = service.memory.Set(ctx, key, stateJSON, workflowStateTTL).Err()
	metrics.RecordStoreOperation("store_workflow_state", err)
	service.logger.LogService("redis", "store_workflow_state", time.Since(startTime), map[string]interface{}{
		"workflow_id": workflowCtx.ID,
		"status":      workflowCtx.Status,
	}, err)
	if err != nil {
		return models.NewExternalError("REDIS_STORE_FAILED", "failed to store workflow state").WithCause(err)
	}
	return nil
}

func (service *RedisService) GetWorkflowState(ctx context.Context, workflowID string) (*models.WorkflowContext, error) {
	key := workflowStateKey(workflowID)
	startTime := time.Now()

	stateJSON, err := service.memory.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.RecordStoreOperation("get_workflow_state", nil)
		return nil, models.ErrWorkflowNotFound.WithMetadata("workflow_id", workflowID)
	}
	metrics.RecordStoreOperation("get_workflow_state", err)
	if err != nil {
		service.logger.LogService("redis", "get_workflow_state", time.Since(startTime), map[string]interface{}{
			"workflow_id": workflowID,
			"key":         key,
		}, err)
		return nil, models.NewExternalError("REDIS_GET_FAILED", "failed to get workflow state").WithCause(err)
	}

	var workflowCtx models.WorkflowContext
	if err := json.Unmarshal(stateJSON, &workflowCtx); err != nil {
		return nil, models.NewInternalError("DESERIALIZATION_FAILED", "failed to deserialize workflow state").WithCause(err)
	}

	service.logger.LogService("redis", "get_workflow_state", time.Since(startTime), map[string]interface{}{
		"workflow_id": workflowID,
	}, nil)

	return &workflowCtx, nil
}

// RecordConversationRun keeps the most recent runs of a conversation, newest first.
func (service *RedisService) RecordConversationRun(ctx context.Context, summary models.RunSummary) error {
	key := conversationRunsKey(summary.ConversationID)
	startTime := time.Now()

	data, err := json.Marshal(summary)
	if err != nil {
		return models.NewInternalError("SERIALIZATION_FAILED", "failed to serialize run summary").WithCause(err)
	}

	pipe := service.memory.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, conversationRuns-1)
	pipe.Expire(ctx, key, conversationRunTTL)
	_, err = pipe.Exec(ctx)
	metrics.RecordStoreOperation("record_conversation_run", err)

	service.logger.LogService("redis", "record_conversation_run", time.Since(startTime), map[string]interface{}{
		"conversation_id": summary.ConversationID,
		"workflow_id":     summary.WorkflowID,
	}, err)
	if err != nil {
		return models.NewExternalError("REDIS_UPDATE_FAILED", "failed to record conversation run").WithCause(err)
	}
	return nil
}

func (service *RedisService) GetConversationRuns(ctx context.Context, conversationID string, limit int) ([]models.RunSummary, error) {
	if limit <= 0 || limit > conversationRuns {
		limit = conversationRuns
	}

	raw, err := service.memory.LRange(ctx, conversationRunsKey(conversationID), 0, int64(limit-1)).Result()
	metrics.RecordStoreOperation("get_conversation_runs", err)
	if err != nil {
		return nil, models.NewExternalError("REDIS_GET_FAILED", "failed to get conversation runs").WithCause(err)
	}

	runs := make([]models.RunSummary, 0, len(raw))
	for _, item := range raw {
		var summary models.RunSummary
		if err := json.Unmarshal([]byte(item), &summary); err != nil {
			service.logger.WithError(err).Warn("Skipping unreadable run summary")
			continue
		}
		runs = append(runs, summary)
	}
	return runs, nil
}

func (service *RedisService) HealthCheck(ctx context.Context) error {
	if err := service.memory.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("memory connection unhealthy: %w", err)
	}
	if err := service.streams.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("streams connection unhealthy: %w", err)
	}
	return nil
}

func (service *RedisService) Close() error {
	service.logger.Info("Closing Redis service")

	var errs []error
	if err := service.streams.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close streams: %w", err))
	}
	if err := service.memory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close memory: %w", err))
	}
	return errors.Join(errs...)
}
