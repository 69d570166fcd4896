// Package resultstore retains terminal command results so that a redelivered
// task replays its result instead of running again.
//
// Results live for a bounded retention window. A task redelivered after its
// result was evicted is treated as new.
package resultstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pilot-net/fleet-agent/pkg/types"
)

// Store keeps terminal results keyed by task ID.
type Store interface {
	// Save records a terminal result for its TaskID.
	Save(ctx context.Context, result types.CommandResult) error
	// Load returns the stored result, or ok=false if none is retained.
	Load(ctx context.Context, taskID string) (result types.CommandResult, ok bool, err error)
	Close() error
}

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config selects and configures the backend.
type Config struct {
	Backend   string        `yaml:"backend"`
	Retention time.Duration `yaml:"retention"`
	RedisURL  string        `yaml:"redis_url"`
	// Namespace separates agents sharing one Redis (usually the hostname)
	Namespace string `yaml:"namespace"`
}

// New creates the configured store.
func New(cfg Config, logger *zap.SugaredLogger) (Store, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}

	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(cfg.Retention), nil
	case BackendRedis:
		return NewRedis(cfg.RedisURL, cfg.Namespace, cfg.Retention, logger)
	default:
		return nil, fmt.Errorf("unknown result store backend: %s", cfg.Backend)
	}
}
