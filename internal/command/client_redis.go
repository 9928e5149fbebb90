package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/coinpoker/endpoint-agent/internal/redisschema"
	"github.com/coinpoker/endpoint-agent/pkg/common"
)

// RedisClient polls a device's command queue in Redis instead of the
// dashboard's REST API, for deployments where the dashboard is remote and
// only Redis is reachable from the endpoint.
type RedisClient struct {
	client       *redis.Client
	keys         redisschema.Keys
	deviceID     string
	pollInterval time.Duration

	mu        sync.Mutex
	lastFetch time.Time
}

// NewRedisClient dials redisURL and verifies connectivity with a Ping.
func NewRedisClient(ctx context.Context, redisURL, deviceID string, pollInterval time.Duration) (*RedisClient, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("command: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("command: redis ping: %w", err)
	}
	return &RedisClient{client: client, deviceID: deviceID, pollInterval: pollInterval}, nil
}

func (c *RedisClient) FetchCommands(ctx context.Context) ([]Command, error) {
	c.mu.Lock()
	now := time.Now()
	if now.Sub(c.lastFetch) < c.pollInterval {
		c.mu.Unlock()
		return nil, nil
	}
	c.lastFetch = now
	c.mu.Unlock()

	queueKey := c.keys.CommandQueue(c.deviceID)
	ids, err := c.client.ZRange(ctx, queueKey, 0, 4).Result()
	if err != nil && err != redis.Nil {
		common.Error("redis command queue read failed", err)
		return nil, nil
	}
	if len(ids) == 0 {
		return nil, nil
	}

	out := make([]Command, 0, len(ids))
	for _, id := range ids {
		commandKey := c.keys.Command(c.deviceID, id)
		raw, err := c.client.Get(ctx, commandKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			common.Warn("redis command read failed", zap.String("id", id), zap.Error(err))
			continue
		}

		if err := common.ValidateJSON(raw, common.ValidationOptions{}); err != nil {
			common.Warn("redis command payload rejected", zap.String("id", id), zap.Error(err))
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			common.Warn("redis command payload invalid json", zap.String("id", id))
			continue
		}
		if status, _ := entry["status"].(string); status != "pending" {
			continue
		}

		entry["status"] = "processing"
		if marked, err := json.Marshal(entry); err == nil {
			c.client.Set(ctx, commandKey, marked, 5*time.Minute)
		}
		c.client.ZRem(ctx, queueKey, id)

		name, _ := entry["command"].(string)
		requireAdmin, _ := entry["requireAdmin"].(bool)
		out = append(out, Command{ID: id, Name: name, RequireAdmin: requireAdmin, Raw: entry})
		common.Info("redis command fetched", zap.String("id", id), zap.String("command", name))
	}
	return out, nil
}

func (c *RedisClient) SendResult(ctx context.Context, cmd Command, result Result) error {
	if cmd.ID == "" {
		return fmt.Errorf("command: missing id, cannot send result")
	}

	payload := map[string]interface{}{
		"commandId":     cmd.ID,
		"success":       result.Success,
		"output":        result.Output,
		"error":         nilIfEmpty(result.Error),
		"adminRequired": result.AdminRequired,
		"completedAt":   time.Now().UnixMilli(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("command: marshal result: %w", err)
	}

	resultKey := c.keys.CommandResult(c.deviceID, cmd.ID)
	if err := c.client.Set(ctx, resultKey, body, time.Hour).Err(); err != nil {
		return fmt.Errorf("command: write result: %w", err)
	}
	c.client.Del(ctx, c.keys.Command(c.deviceID, cmd.ID))
	common.Info("redis command result sent", zap.String("id", cmd.ID), zap.Bool("success", result.Success))
	return nil
}

func (c *RedisClient) Close() error {
	return c.client.Close()
}
