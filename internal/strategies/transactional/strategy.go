// Package transactional is the default storage strategy: a SQLite database
// reached through a pool of dedicated connections.
package transactional

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/query-router/internal/pool"
	"github.com/tributary-ai/query-router/internal/strategies/sqlitepool"
	"github.com/tributary-ai/query-router/internal/types"
)

const healthCheckTimeout = 2 * time.Second

// Strategy executes queries against SQLite
type Strategy struct {
	cfg    types.StorageConfig
	logger *logrus.Logger

	mu     sync.RWMutex
	db     *sqlitepool.Handle
	closed bool

	queries      atomic.Int64
	failures     atomic.Int64
	transactions atomic.Int64
	rollbacks    atomic.Int64
}

// New validates cfg and builds an unconnected strategy
func New(cfg types.StorageConfig, logger *logrus.Logger) (*Strategy, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Strategy{cfg: cfg, logger: logger}, nil
}

func (s *Strategy) Name() string { return types.StrategyTransactional }

func (s *Strategy) Config() types.StorageConfig { return s.cfg }

// Connect opens the database, verifies it and builds the connection pool
func (s *Strategy) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NewStrategyError(types.ErrConnection, s.Name(), "connect", errors.New("strategy closed"))
	}
	if s.db != nil {
		return nil
	}

	h, err := sqlitepool.Open(ctx, s.Name(), s.cfg, s.logger)
	if err != nil {
		return types.NewStrategyError(types.ErrConnection, s.Name(), "connect", err)
	}
	s.db = h

	s.logger.WithFields(logrus.Fields{
		"strategy":   s.Name(),
		"target":     s.cfg.Target,
		"pool_size":  s.cfg.PoolSize,
		"durability": s.cfg.Durability,
	}).Info("Transactional strategy connected")
	return nil
}

func (s *Strategy) connPool() (*pool.Pool[*sql.Conn], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New("strategy closed")
	}
	if s.db == nil {
		return nil, errors.New("strategy not connected")
	}
	return s.db.Pool, nil
}

// Execute runs a single statement on a leased connection
func (s *Strategy) Execute(ctx context.Context, query string, params map[string]interface{}, qctx *types.QueryContext) *types.ExecutionResult {
	start := time.Now()
	s.queries.Add(1)

	p, err := s.connPool()
	if err != nil {
		s.failures.Add(1)
		return types.FailedResult(s.Name(), types.NewStrategyError(types.ErrConnection, s.Name(), "execute", err), time.Since(start))
	}

	var res *types.ExecutionResult
	err = p.With(ctx, func(conn *sql.Conn) error {
		var runErr error
		res, runErr = runStatement(ctx, conn, query, namedArgs(params))
		return runErr
	})
	if err != nil {
		s.failures.Add(1)
		s.logger.WithError(err).WithField("strategy", s.Name()).Debug("Statement failed")
		return types.FailedResult(s.Name(), types.NewStrategyError(types.ErrExecution, s.Name(), "execute", err), time.Since(start))
	}

	res.StrategyUsed = s.Name()
	res.ElapsedMs = types.DurationMs(time.Since(start))
	return res
}

// ExecuteTransaction runs ops inside one transaction on one connection.
// Any failure rolls back every op.
func (s *Strategy) ExecuteTransaction(ctx context.Context, ops []types.Operation) *types.ExecutionResult {
	start := time.Now()
	s.transactions.Add(1)

	p, err := s.connPool()
	if err != nil {
		s.failures.Add(1)
		return types.FailedResult(s.Name(), types.NewStrategyError(types.ErrConnection, s.Name(), "transaction", err), time.Since(start))
	}

	var affected int64
	err = p.With(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}

		for i, op := range ops {
			res, err := runStatement(ctx, tx, op.Query, namedArgs(op.Params))
			if err != nil {
				s.rollback(tx)
				return fmt.Errorf("operation %d: %w", i, err)
			}
			affected += res.RowCount
		}

		if err := tx.Commit(); err != nil {
			s.rollback(tx)
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
	if err != nil {
		s.failures.Add(1)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"strategy":   s.Name(),
			"operations": len(ops),
		}).Warn("Transaction rolled back")
		return types.FailedResult(s.Name(), types.NewStrategyError(types.ErrTransaction, s.Name(), "transaction", err), time.Since(start))
	}

	return &types.ExecutionResult{
		Success:      true,
		RowCount:     affected,
		StrategyUsed: s.Name(),
		ElapsedMs:    types.DurationMs(time.Since(start)),
	}
}

func (s *Strategy) rollback(tx *sql.Tx) {
	s.rollbacks.Add(1)
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.logger.WithError(err).WithField("strategy", s.Name()).Error("Rollback failed")
	}
}

// Optimize runs SQLite maintenance for the given level
func (s *Strategy) Optimize(ctx context.Context, level types.OptimizationLevel) error {
	p, err := s.connPool()
	if err != nil {
		return types.NewStrategyError(types.ErrConnection, s.Name(), "optimize", err)
	}

	return p.With(ctx, func(conn *sql.Conn) error {
		for _, stmt := range sqlitepool.OptimizeStatements(level) {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return types.NewStrategyError(types.ErrExecution, s.Name(), "optimize", fmt.Errorf("%s: %w", stmt, err))
			}
		}
		s.logger.WithFields(logrus.Fields{
			"strategy": s.Name(),
			"level":    level,
		}).Debug("Optimization applied")
		return nil
	})
}

// PoolStats reports connection pool occupancy
func (s *Strategy) PoolStats() pool.Stats {
	p, err := s.connPool()
	if err != nil {
		return pool.Stats{Name: s.Name(), Size: s.cfg.PoolSize}
	}
	return p.Stats()
}

func (s *Strategy) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"backend":      s.cfg.Backend,
		"target":       s.cfg.Target,
		"durability":   s.cfg.Durability,
		"queries":      s.queries.Load(),
		"failures":     s.failures.Load(),
		"transactions": s.transactions.Load(),
		"rollbacks":    s.rollbacks.Load(),
		"pool":         s.PoolStats(),
	}
}

// HealthCheck runs a bounded SELECT 1
func (s *Strategy) HealthCheck(ctx context.Context) bool {
	p, err := s.connPool()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	err = p.With(ctx, func(conn *sql.Conn) error {
		var one int
		return conn.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
	if err != nil {
		s.logger.WithError(err).WithField("strategy", s.Name()).Warn("Health check failed")
		return false
	}
	return true
}

// Close releases the pool and the database. Safe to call more than once.
func (s *Strategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// namedArgs turns params into sql.Named arguments in key order
func namedArgs(params map[string]interface{}) []interface{} {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		args = append(args, sql.Named(strings.TrimLeft(k, ":@$"), params[k]))
	}
	return args
}
