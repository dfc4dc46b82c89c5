// Package analytical routes heavy reads to PostgreSQL through pgx.
package analytical

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/query-router/internal/pool"
	"github.com/tributary-ai/query-router/internal/types"
)

const (
	healthCheckTimeout = 2 * time.Second
	closeTimeout       = 5 * time.Second
)

var errConnLost = errors.New("connection lost")

// Strategy executes queries against PostgreSQL
type Strategy struct {
	cfg    types.StorageConfig
	logger *logrus.Logger

	mu      sync.RWMutex
	connCfg *pgx.ConnConfig
	pool    *pool.Pool[*pgx.Conn]
	closed  bool

	queries      atomic.Int64
	failures     atomic.Int64
	transactions atomic.Int64
	rowsRead     atomic.Int64
}

// New parses the connection string in cfg.Target and builds an unconnected strategy
func New(cfg types.StorageConfig, logger *logrus.Logger) (*Strategy, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}

	connCfg, err := pgx.ParseConfig(cfg.Target)
	if err != nil {
		return nil, types.NewStrategyError(types.ErrConfiguration, types.StrategyAnalytical, "parse", err)
	}
	connCfg.ConnectTimeout = cfg.ConnectTimeout
	if name := cfg.Option("application_name", "query-router"); name != "" {
		connCfg.RuntimeParams["application_name"] = name
	}
	if timeout := cfg.Option("statement_timeout", ""); timeout != "" {
		connCfg.RuntimeParams["statement_timeout"] = timeout
	}

	return &Strategy{cfg: cfg, logger: logger, connCfg: connCfg}, nil
}

func (s *Strategy) Name() string { return types.StrategyAnalytical }

func (s *Strategy) Config() types.StorageConfig { return s.cfg }

// Connect builds the pool and verifies the server with a ping
func (s *Strategy) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NewStrategyError(types.ErrConnection, s.Name(), "connect", errors.New("strategy closed"))
	}
	if s.pool != nil {
		return nil
	}

	connCfg := s.connCfg
	p, err := pool.New(pool.Options{
		Name:     s.Name(),
		Size:     s.cfg.PoolSize,
		IsBroken: func(err error) bool { return errors.Is(err, errConnLost) },
	}, func(ctx context.Context) (*pgx.Conn, error) {
		return pgx.ConnectConfig(ctx, connCfg.Copy())
	}, func(conn *pgx.Conn) error {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return conn.Close(ctx)
	}, s.logger)
	if err != nil {
		return types.NewStrategyError(types.ErrConfiguration, s.Name(), "connect", err)
	}

	if err := p.With(ctx, func(conn *pgx.Conn) error { return checkConn(conn, conn.Ping(ctx)) }); err != nil {
		p.Close()
		return types.NewStrategyError(types.ErrConnection, s.Name(), "connect", err)
	}
	s.pool = p

	s.logger.WithFields(logrus.Fields{
		"strategy":  s.Name(),
		"host":      s.connCfg.Host,
		"database":  s.connCfg.Database,
		"pool_size": s.cfg.PoolSize,
	}).Info("Analytical strategy connected")
	return nil
}

// checkConn marks err as a lost connection when conn did not survive it
func checkConn(conn *pgx.Conn, err error) error {
	if err != nil && conn.IsClosed() {
		return fmt.Errorf("%w: %w", errConnLost, err)
	}
	return err
}

func (s *Strategy) connPool() (*pool.Pool[*pgx.Conn], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New("strategy closed")
	}
	if s.pool == nil {
		return nil, errors.New("strategy not connected")
	}
	return s.pool, nil
}

// queryArgs binds params as pgx named arguments (@name placeholders)
func queryArgs(params map[string]interface{}) []interface{} {
	if len(params) == 0 {
		return nil
	}
	named := make(pgx.NamedArgs, len(params))
	for k, v := range params {
		named[strings.TrimLeft(k, "@:$")] = v
	}
	return []interface{}{named}
}

// Execute runs query on a leased connection
func (s *Strategy) Execute(ctx context.Context, query string, params map[string]interface{}, qctx *types.QueryContext) *types.ExecutionResult {
	start := time.Now()
	s.queries.Add(1)

	p, err := s.connPool()
	if err != nil {
		s.failures.Add(1)
		return types.FailedResult(s.Name(), types.NewStrategyError(types.ErrConnection, s.Name(), "execute", err), time.Since(start))
	}

	var res *types.ExecutionResult
	err = p.With(ctx, func(conn *pgx.Conn) error {
		var runErr error
		res, runErr = collect(ctx, conn, query, queryArgs(params))
		return checkConn(conn, runErr)
	})
	if err != nil {
		s.failures.Add(1)
		s.logger.WithError(err).WithField("strategy", s.Name()).Debug("Query failed")
		return types.FailedResult(s.Name(), types.NewStrategyError(types.ErrExecution, s.Name(), "execute", err), time.Since(start))
	}

	if len(res.Columns) > 0 {
		s.rowsRead.Add(res.RowCount)
	}
	res.StrategyUsed = s.Name()
	res.ElapsedMs = types.DurationMs(time.Since(start))
	return res
}

func collect(ctx context.Context, conn *pgx.Conn, query string, args []interface{}) (*types.ExecutionResult, error) {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, fd := range fields {
		columns[i] = fd.Name
	}

	out := &types.ExecutionResult{Success: true}
	if len(columns) > 0 {
		out.Columns = columns
		out.Rows = [][]interface{}{}
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out.Rows = append(out.Rows, values)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(columns) > 0 {
		out.RowCount = int64(len(out.Rows))
	} else {
		out.RowCount = rows.CommandTag().RowsAffected()
	}
	return out, nil
}

// ExecuteTransaction runs ops in one PostgreSQL transaction
func (s *Strategy) ExecuteTransaction(ctx context.Context, ops []types.Operation) *types.ExecutionResult {
	start := time.Now()
	s.transactions.Add(1)

	p, err := s.connPool()
	if err != nil {
		s.failures.Add(1)
		return types.FailedResult(s.Name(), types.NewStrategyError(types.ErrConnection, s.Name(), "transaction", err), time.Since(start))
	}

	var affected int64
	err = p.With(ctx, func(conn *pgx.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return checkConn(conn, fmt.Errorf("begin: %w", err))
		}
		defer func() {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.WithError(rbErr).WithField("strategy", s.Name()).Error("Rollback failed")
			}
		}()

		for i, op := range ops {
			tag, err := tx.Exec(ctx, op.Query, queryArgs(op.Params)...)
			if err != nil {
				return checkConn(conn, fmt.Errorf("operation %d: %w", i, err))
			}
			affected += tag.RowsAffected()
		}
		if err := tx.Commit(ctx); err != nil {
			return checkConn(conn, fmt.Errorf("commit: %w", err))
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

func optimizeStatements(level types.OptimizationLevel) []string {
	switch level {
	case types.OptimizeBalanced:
		return []string{"ANALYZE"}
	case types.OptimizeAggressive:
		return []string{"VACUUM ANALYZE"}
	}
	return nil
}

// Optimize refreshes planner statistics, and vacuums at the aggressive level
func (s *Strategy) Optimize(ctx context.Context, level types.OptimizationLevel) error {
	p, err := s.connPool()
	if err != nil {
		return types.NewStrategyError(types.ErrConnection, s.Name(), "optimize", err)
	}

	return p.With(ctx, func(conn *pgx.Conn) error {
		stmts := optimizeStatements(level)
		if len(stmts) == 0 {
			return checkConn(conn, conn.Ping(ctx))
		}
		for _, stmt := range stmts {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return types.NewStrategyError(types.ErrExecution, s.Name(), "optimize", checkConn(conn, fmt.Errorf("%s: %w", stmt, err)))
			}
		}
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
		"host":         s.connCfg.Host,
		"database":     s.connCfg.Database,
		"queries":      s.queries.Load(),
		"failures":     s.failures.Load(),
		"transactions": s.transactions.Load(),
		"rows_read":    s.rowsRead.Load(),
		"pool":         s.PoolStats(),
	}
}

// HealthCheck pings the server on a pooled connection
func (s *Strategy) HealthCheck(ctx context.Context) bool {
	p, err := s.connPool()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	err = p.With(ctx, func(conn *pgx.Conn) error { return checkConn(conn, conn.Ping(ctx)) })
	if err != nil {
		s.logger.WithError(err).WithField("strategy", s.Name()).Warn("Health check failed")
		return false
	}
	return true
}

// Close closes pooled connections. Safe to call more than once.
func (s *Strategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
