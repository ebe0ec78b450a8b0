package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"iaboard-pipeline/internal/config"
	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"
)

const defaultSnapshotTTL = 6 * time.Hour

// RedisService mirrors progress entries to a per-workflow stream and keeps
// the latest workflow snapshot under a TTL key.
type RedisService struct {
	client      *redis.Client
	logger      *logger.Logger
	config      config.RedisConfig
	snapshotTTL time.Duration
}

func NewRedisService(cfg config.RedisConfig, snapshotTTL time.Duration, log *logger.Logger) (*RedisService, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	configureRedisOptions(opt, cfg)

	return newRedisService(redis.NewClient(opt), cfg, snapshotTTL, log)
}

func newRedisService(client *redis.Client, cfg config.RedisConfig, snapshotTTL time.Duration, log *logger.Logger) (*RedisService, error) {
	if snapshotTTL <= 0 {
		snapshotTTL = defaultSnapshotTTL
	}

	service := &RedisService{
		client:      client,
		logger:      log,
		config:      cfg,
		snapshotTTL: snapshotTTL,
	}

	if err := service.testConnection(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connection to Redis failed: %w", err)
	}

	log.WithFields(logger.Fields{
		"pool_size":      cfg.PoolSize,
		"stream_max_len": cfg.StreamMaxLen,
		"snapshot_ttl":   snapshotTTL.String(),
	}).Info("Redis Service Initialized Successfully")

	return service, nil
}

func (service *RedisService) testConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := service.client.Ping(ctx).Err(); err != nil {
		return err
	}
	return nil
}

func (service *RedisService) Close() error {
	service.logger.Info("Closing Redis Service")
	if err := service.client.Close(); err != nil {
		return fmt.Errorf("close redis client failed: %w", err)
	}
	return nil
}

func configureRedisOptions(opt *redis.Options, cfg config.RedisConfig) {
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout
	opt.DialTimeout = cfg.DialTimeout
}

func progressStreamKey(workflowID string) string {
	return fmt.Sprintf("workflow:%s:progress", workflowID)
}

func snapshotKey(workflowID string) string {
	return fmt.Sprintf("workflow:%s:state", workflowID)
}

func (service *RedisService) PublishProgress(ctx context.Context, entry models.ProgressEntry) error {
	streamName := progressStreamKey(entry.WorkflowID)

	values := map[string]interface{}{
		"sequence":  entry.Sequence,
		"type":      string(entry.Type),
		"step":      entry.Step,
		"progress":  entry.Progress,
		"message":   entry.Message,
		"timestamp": entry.Timestamp.Format(time.RFC3339Nano),
	}
	if entry.Data != nil {
		dataJSON, err := json.Marshal(entry.Data)
		if err == nil {
			values["data"] = string(dataJSON)
		} else {
			service.logger.WithError(err).Warn("Failed to marshal progress entry data")
		}
	}

	maxLen := service.config.StreamMaxLen
	if maxLen <= 0 {
		maxLen = 1024
	}

	result, err := service.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		service.logger.LogService("redis", "publish_progress", 0, map[string]interface{}{
			"stream_name": streamName,
			"workflow_id": entry.WorkflowID,
			"type":        entry.Type,
		}, err)
		return models.NewInternalError("REDIS_PUBLISH_FAILED", "Failed to publish progress entry").WithCause(err)
	}

	service.logger.WithFields(logger.Fields{
		"stream_name": streamName,
		"message_id":  result,
		"type":        entry.Type,
		"step":        entry.Step,
	}).Debug("Published progress entry")

	return nil
}

func (service *RedisService) StoreWorkflowSnapshot(ctx context.Context, workflow *models.Workflow) error {
	key := snapshotKey(workflow.ID)
	startTime := time.Now()

	stateJSON, err := json.Marshal(workflow)
	if err != nil {
		return models.NewInternalError("SERIALIZATION_FAILED", "Failed to serialize workflow snapshot").WithCause(err)
	}

	if err := service.client.Set(ctx, key, stateJSON, service.snapshotTTL).Err(); err != nil {
		service.logger.LogService("redis", "store_workflow_snapshot", time.Since(startTime), map[string]interface{}{
			"workflow_id": workflow.ID,
			"key":         key,
		}, err)
		return models.NewInternalError("REDIS_STORE_FAILED", "Failed to store workflow snapshot").WithCause(err)
	}

	service.logger.LogService("redis", "store_workflow_snapshot", time.Since(startTime), map[string]interface{}{
		"workflow_id": workflow.ID,
		"status":      workflow.OverallStatus,
	}, nil)

	return nil
}

func (service *RedisService) GetWorkflowSnapshot(ctx context.Context, workflowID string) (*models.Workflow, error) {
	key := snapshotKey(workflowID)

	stateJSON, err := service.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.NewWorkflowNotFoundError(workflowID)
		}
		return nil, models.NewInternalError("REDIS_GET_FAILED", "Failed to get workflow snapshot").WithCause(err)
	}

	var workflow models.Workflow
	if err := json.Unmarshal([]byte(stateJSON), &workflow); err != nil {
		return nil, models.NewInternalError("DESERIALIZATION_FAILED", "Failed to deserialize workflow snapshot").WithCause(err)
	}

	return &workflow, nil
}

func (service *RedisService) HealthCheck(ctx context.Context) error {
	if err := service.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection unhealthy: %w", err)
	}
	return nil
}
