package domain

import (
	"context"
	"time"
)

// AssessmentCache caches recent assessments keyed by transaction ID so a
// re-submitted transaction is answered idempotently instead of being
// evaluated (and committed) twice.
type AssessmentCache interface {
	// GetAssessment returns nil, nil when the transaction is unknown.
	GetAssessment(ctx context.Context, txID string) (*RiskAssessment, error)

	// SetAssessment records the assessment for a transaction ID.
	SetAssessment(ctx context.Context, txID string, a *RiskAssessment, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `yaml:"type" json:"type"`

	// Local LRU cache settings
	LocalMaxSize int           `yaml:"localMaxSize" json:"localMaxSize"`
	LocalTTL     time.Duration `yaml:"localTtl" json:"localTtl"`

	// Redis settings
	RedisAddr     string `yaml:"redisAddr" json:"redisAddr"`
	RedisPassword string `yaml:"redisPassword" json:"redisPassword"`
	RedisDB       int    `yaml:"redisDb" json:"redisDb"`
}
