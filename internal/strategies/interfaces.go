package strategies

import (
	"context"

	"github.com/tributary-ai/query-router/internal/pool"
	"github.com/tributary-ai/query-router/internal/types"
)

// Core strategy interface - every storage backend must implement it.
// Execute and ExecuteTransaction never return errors; backend failures come
// back as a failed ExecutionResult.
type StorageStrategy interface {
	Name() string
	Config() types.StorageConfig
	Connect(ctx context.Context) error
	Execute(ctx context.Context, query string, params map[string]interface{}, qctx *types.QueryContext) *types.ExecutionResult
	ExecuteTransaction(ctx context.Context, ops []types.Operation) *types.ExecutionResult
	Optimize(ctx context.Context, level types.OptimizationLevel) error
	Metrics() map[string]interface{}
	HealthCheck(ctx context.Context) bool
	Close() error
}

// Strategies that hand out pooled connections
type PooledStrategy interface {
	StorageStrategy
	PoolStats() pool.Stats
}

// Strategies that can answer similarity searches
type SimilarityStrategy interface {
	StorageStrategy
	Dimensions() int
}
