package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pilot-net/fleet-agent/pkg/types"
)

const keyPrefix = "fleet-agent:result:"

// Redis stores results as JSON with an expiry, so retention survives an
// agent restart.
type Redis struct {
	client    *redis.Client
	namespace string
	retention time.Duration
	logger    *zap.SugaredLogger
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(redisURL, namespace string, retention time.Duration, logger *zap.SugaredLogger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return newRedisWithClient(client, namespace, retention, logger), nil
}

func newRedisWithClient(client *redis.Client, namespace string, retention time.Duration, logger *zap.SugaredLogger) *Redis {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Redis{
		client:    client,
		namespace: namespace,
		retention: retention,
		logger:    logger,
	}
}

func (r *Redis) key(taskID string) string {
	return keyPrefix + r.namespace + ":" + taskID
}

func (r *Redis) Save(ctx context.Context, result types.CommandResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", result.TaskID, err)
	}
	if err := r.client.Set(ctx, r.key(result.TaskID), data, r.retention).Err(); err != nil {
		return fmt.Errorf("store result %s: %w", result.TaskID, err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, taskID string) (types.CommandResult, bool, error) {
	var result types.CommandResult

	data, err := r.client.Get(ctx, r.key(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return result, false, nil
	}
	if err != nil {
		return result, false, fmt.Errorf("load result %s: %w", taskID, err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		r.logger.Warnw("discarding unreadable stored result", "task_id", taskID, "error", err)
		return result, false, nil
	}
	return result, true, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
