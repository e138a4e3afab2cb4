package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisCache implements AssessmentCache using Redis so idempotent replies
// survive restarts and are shared across nodes.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// GetAssessment retrieves a cached assessment. Returns nil, nil on miss.
func (c *RedisCache) GetAssessment(ctx context.Context, txID string) (*domain.RiskAssessment, error) {
	val, err := c.client.Get(ctx, c.makeKey(txID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var a domain.RiskAssessment
	if err := json.Unmarshal(val, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// SetAssessment stores an assessment with TTL.
func (c *RedisCache) SetAssessment(ctx context.Context, txID string, a *domain.RiskAssessment, ttl time.Duration) error {
	bytes, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.makeKey(txID), bytes, ttl).Err()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(txID string) string {
	return "kestrel:assessment:" + txID
}
