package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bank-sync/pkg/config"
	"github.com/bank-sync/pkg/models"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisClient caches the latest snapshot set and sync status per
// connection so the API layer can serve reads without touching a
// coordinator. Entries never expire: stale data is preferred over none.
type RedisClient struct {
	client *redis.Client
	logger *logrus.Entry
	cfg    *config.RedisConfig
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg *config.RedisConfig, logger *logrus.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
		MaxRetries:   2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{
		client: client,
		logger: logger.WithField("component", "redis"),
		cfg:    cfg,
	}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// Health checks Redis health
func (rc *RedisClient) Health(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Balance operations

// SetBalances stores the latest snapshot set for a connection
func (rc *RedisClient) SetBalances(ctx context.Context, connectionID string, update *models.BalanceUpdate) error {
	key := fmt.Sprintf("balances:%s", connectionID)

	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal balance update: %w", err)
	}

	return rc.client.Set(ctx, key, data, 0).Err()
}

// GetBalances gets the latest snapshot set for a connection, or nil
func (rc *RedisClient) GetBalances(ctx context.Context, connectionID string) (*models.BalanceUpdate, error) {
	key := fmt.Sprintf("balances:%s", connectionID)

	data, err := rc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}

	var update models.BalanceUpdate
	if err := json.Unmarshal([]byte(data), &update); err != nil {
		return nil, fmt.Errorf("failed to unmarshal balance update: %w", err)
	}

	return &update, nil
}

// Status operations

// SetStatus stores the latest sync status for a connection
func (rc *RedisClient) SetStatus(ctx context.Context, status *models.SyncStatus) error {
	key := fmt.Sprintf("sync:%s", status.ConnectionID)

	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal sync status: %w", err)
	}

	return rc.client.Set(ctx, key, data, 0).Err()
}

// GetStatus gets the latest sync status for a connection, or nil
func (rc *RedisClient) GetStatus(ctx context.Context, connectionID string) (*models.SyncStatus, error) {
	key := fmt.Sprintf("sync:%s", connectionID)

	data, err := rc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}

	var status models.SyncStatus
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync status: %w", err)
	}

	return &status, nil
}
