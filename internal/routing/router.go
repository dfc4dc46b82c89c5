package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-ai/query-router/internal/classifier"
	"github.com/tributary-ai/query-router/internal/metrics"
	"github.com/tributary-ai/query-router/internal/strategies"
	"github.com/tributary-ai/query-router/internal/types"
)

// ResultCache stores results of read-only queries between executions.
// Get returns the slot key a fresh result belongs in; taking it before the
// query runs keeps a write that lands mid-read from being masked.
type ResultCache interface {
	Get(ctx context.Context, strategy, query string, params map[string]interface{}) (*types.ExecutionResult, string, bool)
	Set(ctx context.Context, key string, res *types.ExecutionResult)
	Invalidate(ctx context.Context)
}

// RouterConfig tunes the routing engine
type RouterConfig struct {
	PromotionReadRatio float64
	DecisionCacheSize  int
	PerformanceWindow  int
	Smoothing          float64
	Thresholds         classifier.Thresholds
	ConnectTimeout     time.Duration
}

// DefaultRouterConfig returns the stock engine settings
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		PromotionReadRatio: DefaultPromotionReadRatio,
		DecisionCacheSize:  DefaultDecisionCacheSize,
		PerformanceWindow:  metrics.DefaultWindow,
		Smoothing:          metrics.DefaultSmoothing,
		Thresholds:         classifier.DefaultThresholds(),
		ConnectTimeout:     10 * time.Second,
	}
}

// Option customizes a Router at construction
type Option func(*Router)

// WithResultCache enables result caching for cache-eligible reads
func WithResultCache(cache ResultCache) Option {
	return func(r *Router) { r.results = cache }
}

// WithExporter publishes router activity to Prometheus
func WithExporter(exporter *metrics.Exporter) Option {
	return func(r *Router) { r.exporter = exporter }
}

// StrategyStatus describes one registered strategy
type StrategyStatus struct {
	Name           string `json:"name"`
	Backend        string `json:"backend"`
	Connected      bool   `json:"connected"`
	Available      bool   `json:"available"`
	MaxQueryTimeMs int64  `json:"max_query_time_ms"`
}

// Router classifies queries and dispatches them to storage strategies
type Router struct {
	cfg    RouterConfig
	logger *logrus.Logger

	classifier  *classifier.Classifier
	table       *RoutingTable
	decisions   *DecisionCache
	workload    *metrics.WorkloadTracker
	performance *metrics.PerformanceRecorder
	exporter    *metrics.Exporter
	results     ResultCache

	mu         sync.RWMutex
	state      State
	strategies map[string]strategies.StorageStrategy
	order      []string
	connected  map[string]bool

	executions atomic.Int64
	fallbacks  atomic.Int64
}

// NewRouter creates a new router instance
func NewRouter(cfg RouterConfig, logger *logrus.Logger, opts ...Option) *Router {
	def := DefaultRouterConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}

	r := &Router{
		cfg:         cfg,
		logger:      logger,
		classifier:  classifier.New(cfg.Thresholds),
		table:       NewRoutingTable(cfg.PromotionReadRatio),
		decisions:   NewDecisionCache(cfg.DecisionCacheSize),
		workload:    metrics.NewWorkloadTracker(cfg.Smoothing),
		performance: metrics.NewPerformanceRecorder(cfg.PerformanceWindow),
		strategies:  make(map[string]strategies.StorageStrategy),
		connected:   make(map[string]bool),
		state:       StateUninitialized,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.publishState(StateUninitialized)
	return r
}

// Register adds a strategy to the router. Strategies must be registered
// before Start.
func (r *Router) Register(strategy strategies.StorageStrategy) error {
	if strategy == nil {
		return fmt.Errorf("strategy must not be nil")
	}
	name := strategy.Name()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateUninitialized {
		return fmt.Errorf("cannot register strategy %s in state %s", name, r.state)
	}
	if _, exists := r.strategies[name]; exists {
		return fmt.Errorf("strategy %s already registered", name)
	}
	r.strategies[name] = strategy
	r.order = append(r.order, name)

	r.logger.WithFields(logrus.Fields{
		"strategy": name,
		"backend":  strategy.Config().Backend,
	}).Info("Strategy registered")
	return nil
}

// Start connects the registered strategies. The transactional strategy must
// connect; the others are optional and connect concurrently.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateUninitialized {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("router cannot start in state %s", state)
	}
	primary, ok := r.strategies[types.StrategyTransactional]
	if !ok {
		r.mu.Unlock()
		return types.NewStrategyError(types.ErrConfiguration, types.StrategyTransactional, "start",
			errors.New("no transactional strategy registered"))
	}
	optional := make([]strategies.StorageStrategy, 0, len(r.order))
	for _, name := range r.order {
		if name != types.StrategyTransactional {
			optional = append(optional, r.strategies[name])
		}
	}
	r.setStateLocked(StateConnecting)
	r.mu.Unlock()

	if err := r.connect(ctx, primary); err != nil {
		r.logger.WithError(err).WithField("strategy", primary.Name()).Error("Failed to connect transactional strategy")
		r.setState(StateUninitialized)
		return types.NewStrategyError(types.ErrConnection, primary.Name(), "connect", err)
	}
	r.markConnected(primary.Name())

	var g errgroup.Group
	for _, s := range optional {
		g.Go(func() error {
			if err := r.connect(ctx, s); err != nil {
				r.logger.WithError(err).WithField("strategy", s.Name()).Error("Optional strategy unavailable")
				return nil
			}
			r.markConnected(s.Name())
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateClosed {
		return types.ErrRouterClosed
	}
	next := StateReady
	for _, s := range optional {
		if !r.connected[s.Name()] {
			next = StateDegraded
		}
	}
	r.setStateLocked(next)

	r.logger.WithFields(logrus.Fields{
		"state":     next.String(),
		"available": r.table.Available(),
	}).Info("Router started")
	return nil
}

func (r *Router) connect(ctx context.Context, s strategies.StorageStrategy) error {
	timeout := r.cfg.ConnectTimeout
	if t := s.Config().ConnectTimeout; t > 0 {
		timeout = t
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Connect(cctx)
}

func (r *Router) markConnected(name string) {
	r.mu.Lock()
	r.connected[name] = true
	r.mu.Unlock()
	r.table.SetAvailable(name, true)
}

// State returns the current lifecycle state
func (r *Router) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Router) setState(to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setStateLocked(to)
}

func (r *Router) setStateLocked(to State) bool {
	if r.state == to {
		return true
	}
	if !CanTransition(r.state, to) {
		return false
	}
	r.logger.WithFields(logrus.Fields{
		"from": r.state.String(),
		"to":   to.String(),
	}).Debug("Router state changed")
	r.state = to
	r.publishState(to)
	return true
}

func (r *Router) publishState(s State) {
	if r.exporter != nil {
		r.exporter.SetState(s.String(), StateNames())
	}
}

func (r *Router) strategy(name string) (strategies.StorageStrategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Decide classifies query and returns the routing decision without executing
func (r *Router) Decide(query string, qctx *types.QueryContext) RoutingDecision {
	shape, complexity := r.classifier.Classify(query, qctx)
	readOnly := r.classifier.IsReadOnly(query)
	return r.decide(query, shape, complexity, readOnly, qctx)
}

func (r *Router) decide(query string, shape types.QueryShape, complexity types.QueryComplexity, readOnly bool, qctx *types.QueryContext) RoutingDecision {
	if qctx != nil && qctx.PreferredStrategy != "" {
		if r.table.IsAvailable(qctx.PreferredStrategy) {
			return RoutingDecision{
				Strategy:   qctx.PreferredStrategy,
				Shape:      shape,
				Complexity: complexity,
				ReadOnly:   readOnly,
				Reasoning:  []string{"caller preferred strategy"},
				Generation: r.table.Generation(),
				Source:     SourcePreferred,
				Timestamp:  time.Now(),
			}
		}
		r.logger.WithField("strategy", qctx.PreferredStrategy).Debug("Preferred strategy unavailable, routing by table")
	}

	sig := Signature(shape, complexity, query)
	if d, ok := r.decisions.Get(sig, r.table.Generation()); ok {
		r.observeDecisionCache(true)
		d.Source = SourceCache
		return d
	}
	r.observeDecisionCache(false)

	d := r.table.Route(shape, complexity, readOnly, r.workload.Snapshot())
	r.decisions.Put(sig, d)
	return d
}

func (r *Router) observeDecisionCache(hit bool) {
	if r.exporter != nil {
		r.exporter.ObserveDecisionCache(hit)
	}
}

// Execute routes and runs a single query. It never returns nil; failures are
// reported through the result.
func (r *Router) Execute(ctx context.Context, query string, params map[string]interface{}, qctx *types.QueryContext) *types.ExecutionResult {
	queryID := uuid.NewString()
	if res := r.refuse(); res != nil {
		res.QueryID = queryID
		return res
	}

	// Once dispatched a query runs to completion; a caller that goes away
	// must not turn into a strategy failure and a fallback.
	ctx = context.WithoutCancel(ctx)

	exit := r.workload.Enter()
	defer exit()

	shape, complexity := r.classifier.Classify(query, qctx)
	readOnly := r.classifier.IsReadOnly(query)
	decision := r.decide(query, shape, complexity, readOnly, qctx)

	r.logger.WithFields(logrus.Fields{
		"query_id":   queryID,
		"strategy":   decision.Strategy,
		"shape":      shape,
		"complexity": complexity,
		"source":     decision.Source,
		"reasoning":  decision.Reasoning,
	}).Debug("Query routed")

	cacheable := r.results != nil && readOnly && qctx != nil && qctx.CacheEligible
	var slot string
	if cacheable {
		start := time.Now()
		cached, key, hit := r.results.Get(ctx, decision.Strategy, query, params)
		slot = key
		if r.exporter != nil {
			r.exporter.ObserveResultCache(hit)
		}
		if hit {
			cached.QueryID = queryID
			cached.CacheHit = true
			cached.Shape = shape
			cached.Complexity = complexity
			cached.ElapsedMs = types.DurationMs(time.Since(start))
			cached.MetSLA = true
			r.observeWorkload(readOnly, r.classifier.IsAggregation(query), cached.RowCount)
			return cached
		}
	}

	res := r.run(ctx, decision.Strategy, func(s strategies.StorageStrategy) *types.ExecutionResult {
		return s.Execute(ctx, query, params, qctx)
	})
	res.QueryID = queryID
	res.Shape = shape
	res.Complexity = complexity

	r.observeWorkload(readOnly, r.classifier.IsAggregation(query), res.RowCount)

	if res.Success && r.results != nil {
		switch {
		case cacheable && !res.FallbackUsed:
			r.results.Set(ctx, slot, res)
		case !readOnly:
			r.results.Invalidate(ctx)
		}
	}
	return res
}

// ExecuteTransaction runs ops atomically on the hinted strategy when it is
// available, otherwise on the transactional strategy
func (r *Router) ExecuteTransaction(ctx context.Context, ops []types.Operation, strategyHint *string) *types.ExecutionResult {
	queryID := uuid.NewString()
	if res := r.refuse(); res != nil {
		res.QueryID = queryID
		return res
	}

	ctx = context.WithoutCancel(ctx)

	exit := r.workload.Enter()
	defer exit()

	target := types.StrategyTransactional
	if strategyHint != nil && *strategyHint != "" {
		if r.table.IsAvailable(*strategyHint) {
			target = *strategyHint
		} else {
			r.logger.WithField("strategy", *strategyHint).Debug("Transaction hint unavailable, using transactional")
		}
	}

	res := r.run(ctx, target, func(s strategies.StorageStrategy) *types.ExecutionResult {
		return s.ExecuteTransaction(ctx, ops)
	})
	res.QueryID = queryID

	r.observeWorkload(false, false, res.RowCount)
	if res.Success && r.results != nil {
		r.results.Invalidate(ctx)
	}
	return res
}

// refuse returns a failed result when the router cannot serve
func (r *Router) refuse() *types.ExecutionResult {
	state := r.State()
	switch {
	case state == StateClosed:
		return types.FailedResult("", types.ErrRouterClosed, 0)
	case !state.Serving():
		return types.FailedResult("", types.NewStrategyError(types.ErrStrategyUnavailable, "", "execute",
			fmt.Errorf("router is %s", state)), 0)
	}
	return nil
}

// run executes fn on the named strategy, retrying once on the transactional
// strategy if a non-default strategy fails
func (r *Router) run(ctx context.Context, name string, fn func(strategies.StorageStrategy) *types.ExecutionResult) *types.ExecutionResult {
	s, ok := r.strategy(name)
	if !ok {
		s, _ = r.strategy(types.StrategyTransactional)
		name = types.StrategyTransactional
	}

	res := r.attempt(s, fn)
	if res.Success || name == types.StrategyTransactional {
		return res
	}

	r.logger.WithFields(logrus.Fields{
		"strategy": name,
		"error":    res.Error,
	}).Warn("Strategy failed, falling back to transactional")
	r.fallbacks.Add(1)
	if r.exporter != nil {
		r.exporter.ObserveFallback(name)
	}
	r.setState(StateDegraded)

	primary, _ := r.strategy(types.StrategyTransactional)
	fallback := r.attempt(primary, fn)
	fallback.FallbackUsed = true
	fallback.OriginalStrategy = name
	fallback.OriginalError = res.Error
	return fallback
}

// attempt runs fn once, measures it and records the outcome
func (r *Router) attempt(s strategies.StorageStrategy, fn func(strategies.StorageStrategy) *types.ExecutionResult) *types.ExecutionResult {
	start := time.Now()
	res := fn(s)
	elapsed := time.Since(start)

	name := s.Name()
	if res == nil {
		res = types.FailedResult(name, types.NewStrategyError(types.ErrExecution, name, "execute",
			errors.New("strategy returned no result")), elapsed)
	}
	res.StrategyUsed = name
	res.ElapsedMs = types.DurationMs(elapsed)

	budget := s.Config().MaxQueryTime()
	res.MetSLA = budget <= 0 || elapsed <= budget
	if !res.MetSLA {
		r.logger.WithFields(logrus.Fields{
			"strategy":    name,
			"elapsed_ms":  res.ElapsedMs,
			"max_time_ms": s.Config().MaxQueryTimeMs,
		}).Warn("Query exceeded SLA")
	}

	r.executions.Add(1)
	r.performance.Record(types.PerformanceRecord{
		Strategy:  name,
		ElapsedMs: res.ElapsedMs,
		Success:   res.Success,
		MetSLA:    res.MetSLA,
		Timestamp: start,
	})
	if r.exporter != nil {
		r.exporter.ObserveExecution(name, res.ElapsedMs, res.Success, res.MetSLA)
	}
	return res
}

func (r *Router) observeWorkload(readOnly, aggregation bool, resultSize int64) {
	r.workload.Observe(readOnly, aggregation, resultSize)
	if r.exporter != nil {
		r.exporter.SetWorkload(r.workload.Snapshot())
	}
}

// OptimizePerformance runs every available strategy's optimization hook and
// clears the decision cache. It reports whether every hook succeeded.
func (r *Router) OptimizePerformance(ctx context.Context, level types.OptimizationLevel) bool {
	if !r.State().Serving() {
		return false
	}
	ctx = context.WithoutCancel(ctx)

	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	for _, name := range r.table.Available() {
		s, ok := r.strategy(name)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := s.Optimize(ctx, level); err != nil {
				failed.Add(1)
				r.logger.WithError(err).WithFields(logrus.Fields{
					"strategy": s.Name(),
					"level":    level,
				}).Error("Optimization failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	r.decisions.Clear()

	r.logger.WithFields(logrus.Fields{
		"level":  level,
		"failed": failed.Load(),
	}).Info("Optimization completed")
	return failed.Load() == 0
}

// GetPerformanceMetrics reports per-strategy performance over the recent
// window together with workload and cache state
func (r *Router) GetPerformanceMetrics() map[string]interface{} {
	summary := r.performance.Summary()

	r.mu.RLock()
	names := append([]string(nil), r.order...)
	state := r.state
	r.mu.RUnlock()

	perStrategy := make(map[string]interface{}, len(names))
	for _, name := range names {
		s, _ := r.strategy(name)
		p := summary[name]
		perStrategy[name] = map[string]interface{}{
			"executions":          p.Executions,
			"avg_latency_ms":      p.AvgLatencyMs,
			"sla_compliance_rate": p.SLAComplianceRate,
			"success_rate":        p.SuccessRate,
			"utilization":         p.Utilization,
			"available":           r.table.IsAvailable(name),
			"backend":             s.Metrics(),
		}
	}

	return map[string]interface{}{
		"state":      state.String(),
		"strategies": perStrategy,
		"totals": map[string]interface{}{
			"executions":  r.executions.Load(),
			"fallbacks":   r.fallbacks.Load(),
			"window_size": r.performance.Len(),
		},
		"workload":            r.workload.Snapshot(),
		"decision_cache_size": r.decisions.Len(),
		"generation":          r.table.Generation(),
	}
}

// HealthCheck probes every registered strategy. Strategies that never
// connected report false.
func (r *Router) HealthCheck(ctx context.Context) map[string]bool {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	connected := make(map[string]bool, len(r.connected))
	for k, v := range r.connected {
		connected[k] = v
	}
	state := r.state
	r.mu.RUnlock()

	health := make(map[string]bool, len(names))
	if state == StateClosed {
		for _, name := range names {
			health[name] = false
		}
		return health
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, name := range names {
		if !connected[name] {
			health[name] = false
			continue
		}
		s, _ := r.strategy(name)
		g.Go(func() error {
			ok := s.HealthCheck(ctx)
			mu.Lock()
			health[name] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	allHealthy := true
	for _, name := range names {
		ok := health[name]
		if connected[name] {
			r.table.SetAvailable(name, ok)
		}
		if !ok {
			allHealthy = false
		}
	}

	if state.Serving() {
		if allHealthy {
			r.setState(StateReady)
		} else {
			r.setState(StateDegraded)
		}
	}
	return health
}

// Strategies lists registered strategies in registration order
func (r *Router) Strategies() []StrategyStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StrategyStatus, 0, len(r.order))
	for _, name := range r.order {
		s := r.strategies[name]
		cfg := s.Config()
		out = append(out, StrategyStatus{
			Name:           name,
			Backend:        cfg.Backend,
			Connected:      r.connected[name],
			Available:      r.table.IsAvailable(name),
			MaxQueryTimeMs: cfg.MaxQueryTimeMs,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Name == types.StrategyTransactional && out[j].Name != types.StrategyTransactional
	})
	return out
}

// Workload returns the current workload estimates
func (r *Router) Workload() types.WorkloadMetrics {
	return r.workload.Snapshot()
}

// Decisions exposes the routing decision cache
func (r *Router) Decisions() *DecisionCache {
	return r.decisions
}

// Close closes every strategy. Later calls are no-ops.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	r.setStateLocked(StateClosed)
	all := make([]strategies.StorageStrategy, 0, len(r.order))
	for _, name := range r.order {
		all = append(all, r.strategies[name])
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range all {
		r.table.SetAvailable(s.Name(), false)
		if err := s.Close(); err != nil {
			r.logger.WithError(err).WithField("strategy", s.Name()).Error("Failed to close strategy")
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	r.decisions.Clear()

	r.logger.Info("Router closed")
	return errors.Join(errs...)
}
