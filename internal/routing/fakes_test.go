package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tributary-ai/query-router/internal/types"
)

type fakeStrategy struct {
	name        string
	cfg         types.StorageConfig
	connectErr  error
	optimizeErr error
	delay       time.Duration

	failing    atomic.Bool
	unhealthy  atomic.Bool
	connected  atomic.Bool
	closed     atomic.Int32
	executions atomic.Int64
	txs        atomic.Int64
	optimized  atomic.Int64
}

func newFakeStrategy(name string) *fakeStrategy {
	cfg, err := types.NewStorageConfig(name, "mem://"+name, 1000, 4, nil)
	if err != nil {
		panic(err)
	}
	return &fakeStrategy{name: name, cfg: cfg}
}

func (f *fakeStrategy) Name() string { return f.name }
func (f *fakeStrategy) Config() types.StorageConfig { return f.cfg }
func (f *fakeStrategy) Metrics() map[string]interface{} {
	return map[string]interface{}{"executions": f.executions.Load()}
}

func (f *fakeStrategy) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected.Store(true)
	return nil
}

func (f *fakeStrategy) Execute(ctx context.Context, query string, params map[string]interface{}, qctx *types.QueryContext) *types.ExecutionResult {
	f.executions.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return types.FailedResult(f.name, fmt.Errorf("canceling statement: %w", ctx.Err()), 0)
		}
	}
	if err := ctx.Err(); err != nil {
		return types.FailedResult(f.name, fmt.Errorf("canceling statement: %w", err), 0)
	}
	if f.failing.Load() {
		return types.FailedResult(f.name, fmt.Errorf("%s backend down", f.name), 0)
	}
	return &types.ExecutionResult{
		Success:  true,
		Columns:  []string{"strategy"},
		Rows:     [][]interface{}{{f.name}},
		RowCount: 1,
	}
}

func (f *fakeStrategy) ExecuteTransaction(ctx context.Context, ops []types.Operation) *types.ExecutionResult {
	f.txs.Add(1)
	if err := ctx.Err(); err != nil {
		return types.FailedResult(f.name, fmt.Errorf("transaction canceled: %w", err), 0)
	}
	if f.failing.Load() {
		return types.FailedResult(f.name, errors.New("transaction aborted"), 0)
	}
	return &types.ExecutionResult{Success: true, RowCount: int64(len(ops))}
}

func (f *fakeStrategy) Optimize(ctx context.Context, level types.OptimizationLevel) error {
	f.optimized.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.optimizeErr
}

func (f *fakeStrategy) HealthCheck(ctx context.Context) bool {
	return f.connected.Load() && !f.unhealthy.Load()
}

func (f *fakeStrategy) Close() error {
	f.closed.Add(1)
	f.connected.Store(false)
	return nil
}

type fakeResultCache struct {
	mu          sync.Mutex
	entries     map[string]*types.ExecutionResult
	invalidated int
}

func newFakeResultCache() *fakeResultCache {
	return &fakeResultCache{entries: make(map[string]*types.ExecutionResult)}
}

func (c *fakeResultCache) key(strategy, query string) string { return strategy + "|" + query }

func (c *fakeResultCache) Get(ctx context.Context, strategy, query string, params map[string]interface{}) (*types.ExecutionResult, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(strategy, query)
	res, ok := c.entries[key]
	if !ok {
		return nil, key, false
	}
	cp := *res
	return &cp, key, true
}

func (c *fakeResultCache) Set(ctx context.Context, key string, res *types.ExecutionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *res
	c.entries[key] = &cp
}

func (c *fakeResultCache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*types.ExecutionResult)
	c.invalidated++
}
