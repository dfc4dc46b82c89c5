// Package semantic stores document embeddings in SQLite and answers
// similarity searches by exact cosine ranking.
package semantic

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/query-router/internal/pool"
	"github.com/tributary-ai/query-router/internal/strategies/sqlitepool"
	"github.com/tributary-ai/query-router/internal/types"
)

const healthCheckTimeout = 2 * time.Second

const schema = `CREATE TABLE IF NOT EXISTS embeddings (
	id         TEXT PRIMARY KEY,
	document   TEXT NOT NULL DEFAULT '',
	embedding  TEXT NOT NULL,
	dims       INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_embeddings_dims ON embeddings(dims);`

var searchColumns = []string{"id", "document", "score"}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Strategy is the semantic/vector storage backend
type Strategy struct {
	cfg    types.StorageConfig
	logger *logrus.Logger

	mu     sync.RWMutex
	db     *sqlitepool.Handle
	closed bool

	// zero until configured or learned from committed rows
	dims   atomic.Int64
	pinned bool

	// writes run one at a time so the learned width tracks committed rows
	writeMu sync.Mutex

	searches atomic.Int64
	upserts  atomic.Int64
	deletes  atomic.Int64
	failures atomic.Int64
}

// New validates cfg and builds an unconnected strategy. The optional
// "dimensions" option pins the embedding width.
func New(cfg types.StorageConfig, logger *logrus.Logger) (*Strategy, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}

	s := &Strategy{cfg: cfg, logger: logger}
	if raw := cfg.Option("dimensions", ""); raw != "" {
		dims, err := strconv.Atoi(raw)
		if err != nil || dims <= 0 {
			return nil, types.NewStrategyError(types.ErrConfiguration, types.StrategySemantic, "validate",
				fmt.Errorf("dimensions must be a positive integer, got %q", raw))
		}
		s.dims.Store(int64(dims))
		s.pinned = true
	}
	return s, nil
}

func (s *Strategy) Name() string { return types.StrategySemantic }

func (s *Strategy) Config() types.StorageConfig { return s.cfg }

// Dimensions returns the embedding width, or 0 while still unknown
func (s *Strategy) Dimensions() int { return int(s.dims.Load()) }

// Connect opens the store and makes sure the schema exists
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

	err = h.Pool.With(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		stored, err := storedDims(ctx, conn)
		if err != nil {
			return err
		}
		if stored != 0 {
			s.dims.CompareAndSwap(0, stored)
		}
		return nil
	})
	if err != nil {
		h.Close()
		return types.NewStrategyError(types.ErrConnection, s.Name(), "connect", err)
	}
	s.db = h

	s.logger.WithFields(logrus.Fields{
		"strategy":   s.Name(),
		"target":     s.cfg.Target,
		"dimensions": s.Dimensions(),
	}).Info("Semantic strategy connected")
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

// Execute decodes the request from query and params and applies it
func (s *Strategy) Execute(ctx context.Context, query string, params map[string]interface{}, qctx *types.QueryContext) *types.ExecutionResult {
	start := time.Now()

	req, err := parseRequest(query, params)
	if err != nil {
		s.failures.Add(1)
		return types.FailedResult(s.Name(), types.NewStrategyError(types.ErrExecution, s.Name(), "execute", err), time.Since(start))
	}

	p, err := s.connPool()
	if err != nil {
		s.failures.Add(1)
		return types.FailedResult(s.Name(), types.NewStrategyError(types.ErrConnection, s.Name(), "execute", err), time.Since(start))
	}

	write := req.writes()
	if write {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}

	var res *types.ExecutionResult
	err = p.With(ctx, func(conn *sql.Conn) error {
		var applyErr error
		res, applyErr = s.apply(ctx, conn, req)
		if applyErr == nil && write {
			s.refreshDims(ctx, conn)
		}
		return applyErr
	})
	if err != nil {
		s.failures.Add(1)
		return types.FailedResult(s.Name(), types.NewStrategyError(types.ErrExecution, s.Name(), "execute", err), time.Since(start))
	}

	res.StrategyUsed = s.Name()
	res.ElapsedMs = types.DurationMs(time.Since(start))
	return res
}

// ExecuteTransaction applies ops in a single SQLite transaction
func (s *Strategy) ExecuteTransaction(ctx context.Context, ops []types.Operation) *types.ExecutionResult {
	start := time.Now()

	reqs := make([]request, len(ops))
	for i, op := range ops {
		req, err := parseRequest(op.Query, op.Params)
		if err != nil {
			s.failures.Add(1)
			return types.FailedResult(s.Name(), types.NewStrategyError(types.ErrTransaction, s.Name(), "transaction",
				fmt.Errorf("operation %d: %w", i, err)), time.Since(start))
		}
		reqs[i] = req
	}

	p, err := s.connPool()
	if err != nil {
		s.failures.Add(1)
		return types.FailedResult(s.Name(), types.NewStrategyError(types.ErrConnection, s.Name(), "transaction", err), time.Since(start))
	}

	write := false
	for _, req := range reqs {
		write = write || req.writes()
	}
	if write {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}

	var affected int64
	err = p.With(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		for i, req := range reqs {
			res, err := s.apply(ctx, tx, req)
			if err != nil {
				return fmt.Errorf("operation %d: %w", i, err)
			}
			affected += res.RowCount
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if write {
			s.refreshDims(ctx, conn)
		}
		return nil
	})
	if err != nil {
		s.failures.Add(1)
		s.logger.WithError(err).WithField("strategy", s.Name()).Warn("Transaction rolled back")
		return types.FailedResult(s.Name(), types.NewStrategyError(types.ErrTransaction, s.Name(), "transaction", err), time.Since(start))
	}

	return &types.ExecutionResult{
		Success:      true,
		RowCount:     affected,
		StrategyUsed: s.Name(),
		ElapsedMs:    types.DurationMs(time.Since(start)),
	}
}

func (s *Strategy) apply(ctx context.Context, db execer, req request) (*types.ExecutionResult, error) {
	switch req.op {
	case opUpsert:
		return s.upsert(ctx, db, req)
	case opDelete:
		return s.delete(ctx, db, req)
	case opCount:
		var n int64
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings").Scan(&n); err != nil {
			return nil, err
		}
		return &types.ExecutionResult{Success: true, Columns: []string{"count"}, Rows: [][]interface{}{{n}}, RowCount: 1}, nil
	default:
		return s.search(ctx, db, req)
	}
}

// storedDims returns the width of the stored vectors as db sees them, or 0
// when there are none
func storedDims(ctx context.Context, db execer) (int64, error) {
	var stored int64
	err := db.QueryRowContext(ctx, "SELECT dims FROM embeddings LIMIT 1").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read dimensions: %w", err)
	}
	return stored, nil
}

// checkDimensions rejects an embedding whose width differs from the store's.
// An unknown width is read through db, so rows written earlier in the same
// transaction count.
func (s *Strategy) checkDimensions(ctx context.Context, db execer, n int) error {
	want := s.dims.Load()
	if want == 0 {
		stored, err := storedDims(ctx, db)
		if err != nil {
			return err
		}
		want = stored
	}
	if want != 0 && want != int64(n) {
		return fmt.Errorf("embedding has %d dimensions, store expects %d", n, want)
	}
	return nil
}

// refreshDims relearns the width from committed rows after a write. A
// configured width never changes.
func (s *Strategy) refreshDims(ctx context.Context, db execer) {
	if s.pinned {
		return
	}
	stored, err := storedDims(ctx, db)
	if err != nil {
		s.logger.WithError(err).WithField("strategy", s.Name()).Warn("Failed to refresh embedding width")
		return
	}
	s.dims.Store(stored)
}

func (s *Strategy) upsert(ctx context.Context, db execer, req request) (*types.ExecutionResult, error) {
	if err := s.checkDimensions(ctx, db, len(req.embedding)); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(req.embedding)
	if err != nil {
		return nil, fmt.Errorf("encode embedding: %w", err)
	}

	_, err = db.ExecContext(ctx, `INSERT INTO embeddings (id, document, embedding, dims, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			document = excluded.document,
			embedding = excluded.embedding,
			dims = excluded.dims,
			updated_at = excluded.updated_at`,
		req.id, req.document, string(encoded), len(req.embedding))
	if err != nil {
		return nil, fmt.Errorf("upsert %s: %w", req.id, err)
	}
	s.upserts.Add(1)
	return &types.ExecutionResult{Success: true, RowCount: 1}, nil
}

func (s *Strategy) delete(ctx context.Context, db execer, req request) (*types.ExecutionResult, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM embeddings WHERE id = ?", req.id)
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", req.id, err)
	}
	n, _ := res.RowsAffected()
	s.deletes.Add(1)
	return &types.ExecutionResult{Success: true, RowCount: n}, nil
}

func (s *Strategy) search(ctx context.Context, db execer, req request) (*types.ExecutionResult, error) {
	if want := s.dims.Load(); want != 0 && want != int64(len(req.embedding)) {
		return nil, fmt.Errorf("query embedding has %d dimensions, store expects %d", len(req.embedding), want)
	}

	rows, err := db.QueryContext(ctx, "SELECT id, document, embedding FROM embeddings WHERE dims = ?", len(req.embedding))
	if err != nil {
		return nil, fmt.Errorf("scan embeddings: %w", err)
	}
	defer rows.Close()

	var matches []match
	for rows.Next() {
		var (
			m   match
			raw string
			vec []float64
		)
		if err := rows.Scan(&m.id, &m.document, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			return nil, fmt.Errorf("decode embedding %s: %w", m.id, err)
		}
		m.score = cosine(req.embedding, vec)
		if m.score >= req.minScore {
			matches = append(matches, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.searches.Add(1)

	ranked := topK(matches, req.k)
	out := &types.ExecutionResult{
		Success:  true,
		Columns:  searchColumns,
		Rows:     make([][]interface{}, 0, len(ranked)),
		RowCount: int64(len(ranked)),
	}
	for _, m := range ranked {
		out.Rows = append(out.Rows, []interface{}{m.id, m.document, m.score})
	}
	return out, nil
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
		"backend":    s.cfg.Backend,
		"target":     s.cfg.Target,
		"dimensions": s.Dimensions(),
		"searches":   s.searches.Load(),
		"upserts":    s.upserts.Load(),
		"deletes":    s.deletes.Load(),
		"failures":   s.failures.Load(),
		"pool":       s.PoolStats(),
	}
}

func (s *Strategy) HealthCheck(ctx context.Context) bool {
	p, err := s.connPool()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	err = p.With(ctx, func(conn *sql.Conn) error {
		var n int64
		return conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings").Scan(&n)
	})
	if err != nil {
		s.logger.WithError(err).WithField("strategy", s.Name()).Warn("Health check failed")
		return false
	}
	return true
}

// Close is idempotent
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
