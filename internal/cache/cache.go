// Package cache keeps per-user list views, the deployment status hash and
// the one-time terminal result in redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

// Cache wraps a redis client
type Cache struct {
	client    *redis.Client
	listTTL   time.Duration
	resultTTL time.Duration
}

// New creates a cache. Zero TTLs fall back to 5 minutes for lists and a day for results.
func New(client *redis.Client, listTTL, resultTTL time.Duration) *Cache {
	if listTTL <= 0 {
		listTTL = 5 * time.Minute
	}
	if resultTTL <= 0 {
		resultTTL = 24 * time.Hour
	}
	return &Cache{client: client, listTTL: listTTL, resultTTL: resultTTL}
}

// AnalyticsKey is the per-user analytics summary key
func AnalyticsKey(userID string) string { return "analytics:" + userID }

// InstancesKey is the per-user instance list key
func InstancesKey(userID string) string { return "instances:" + userID }

// DeploymentsKey is the per-user deployment list key
func DeploymentsKey(userID string) string { return "deployments:" + userID }

// StatusKey is the status hash of one deployment
func StatusKey(id uuid.UUID) string { return "deployment:" + id.String() }

// ResultKey holds the terminal payload of one deployment
func ResultKey(id uuid.UUID) string { return "deployment:" + id.String() + ":result" }

// InvalidateUser drops every cached view of userID
func (c *Cache) InvalidateUser(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, AnalyticsKey(userID), InstancesKey(userID), DeploymentsKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate user cache: %w", err)
	}
	log.Debug().Str("user_id", userID).Msg("User cache invalidated")
	return nil
}

// SetStatus records the latest state transition of a deployment
func (c *Cache) SetStatus(ctx context.Context, id uuid.UUID, status models.DeploymentStatus, phase models.Phase) error {
	key := StatusKey(id)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"status":    string(status),
		"phase":     string(phase),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, c.resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set deployment status: %w", err)
	}
	return nil
}

// GetStatus reads the status hash. found is false when nothing is cached.
func (c *Cache) GetStatus(ctx context.Context, id uuid.UUID) (view *models.StatusView, found bool, err error) {
	fields, err := c.client.HGetAll(ctx, StatusKey(id)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get deployment status: %w", err)
	}
	if len(fields) == 0 || fields["status"] == "" {
		return nil, false, nil
	}

	view = &models.StatusView{
		DeploymentID: id,
		Status:       models.DeploymentStatus(fields["status"]),
		Phase:        models.Phase(fields["phase"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["timestamp"]); err == nil {
		view.UpdatedAt = ts
	}
	return view, true, nil
}

// SetResult stores the terminal payload. PrivateKey must already be encrypted.
func (c *Cache) SetResult(ctx context.Context, result models.Result) error {
	key := ResultKey(result.DeploymentID)
	fields := map[string]interface{}{
		"status":      string(result.Status),
		"instance_id": result.InstanceID,
		"public_ip":   result.PublicIP,
		"exposed_url": result.ExposedURL,
		"message":     result.Message,
	}
	if result.PrivateKey != "" {
		fields["private_key"] = result.PrivateKey
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, c.resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store deployment result: %w", err)
	}
	return nil
}

// TakeResult returns the terminal payload and removes its private key, so
// the key is handed out at most once.
func (c *Cache) TakeResult(ctx context.Context, id uuid.UUID) (*models.Result, bool, error) {
	key := ResultKey(id)

	pipe := c.client.TxPipeline()
	all := pipe.HGetAll(ctx, key)
	pipe.HDel(ctx, key, "private_key")
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to read deployment result: %w", err)
	}

	fields := all.Val()
	if len(fields) == 0 {
		return nil, false, nil
	}
	return &models.Result{
		DeploymentID: id,
		Status:       models.DeploymentStatus(fields["status"]),
		InstanceID:   fields["instance_id"],
		PublicIP:     fields["public_ip"],
		ExposedURL:   fields["exposed_url"],
		Message:      fields["message"],
		PrivateKey:   fields["private_key"],
	}, true, nil
}

// GetList decodes a cached list into dest. found is false on a miss.
func (c *Cache) GetList(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read cached list: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to decode cached list: %w", err)
	}
	return true, nil
}

// SetList caches value under key with the list TTL
func (c *Cache) SetList(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode list: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.listTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache list: %w", err)
	}
	return nil
}

// ReadThrough serves key from cache or calls load and caches its result.
// Cache failures are logged and never fail the read.
func ReadThrough[T any](ctx context.Context, c *Cache, key string, load func(ctx context.Context) (T, error)) (T, error) {
	var cached T
	if c != nil {
		found, err := c.GetList(ctx, key, &cached)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Cache read failed")
		} else if found {
			return cached, nil
		}
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}

	if c != nil {
		if err := c.SetList(ctx, key, value); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
		}
	}
	return value, nil
}
