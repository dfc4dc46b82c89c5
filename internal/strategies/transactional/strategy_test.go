package transactional

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/query-router/internal/types"
)

func newTestStrategy(t *testing.T, poolSize int, durability string) *Strategy {
	t.Helper()
	cfg, err := types.NewStorageConfig("sqlite", filepath.Join(t.TempDir(), "data", "router.db"), 1000, poolSize, nil)
	require.NoError(t, err)
	cfg.Durability = durability

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	s, err := New(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustExec(t *testing.T, s *Strategy, query string, params map[string]interface{}) *types.ExecutionResult {
	t.Helper()
	res := s.Execute(context.Background(), query, params, nil)
	require.True(t, res.Success, res.Error)
	return res
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(types.StorageConfig{Backend: "sqlite", PoolSize: 1}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestStrategy_ExecuteRoundTrip(t *testing.T) {
	s := newTestStrategy(t, 2, types.DurabilityWALNormal)

	mustExec(t, s, "CREATE TABLE accounts (id INTEGER PRIMARY KEY, owner TEXT NOT NULL, balance INTEGER)", nil)

	res := mustExec(t, s, "INSERT INTO accounts (id, owner, balance) VALUES (:id, :owner, :balance)",
		map[string]interface{}{"id": 1, "owner": "ada", "balance": 100})
	assert.Equal(t, int64(1), res.RowCount)
	assert.Equal(t, types.StrategyTransactional, res.StrategyUsed)

	res = mustExec(t, s, "SELECT id, owner, balance FROM accounts WHERE id = :id", map[string]interface{}{"id": 1})
	assert.Equal(t, []string{"id", "owner", "balance"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.EqualValues(t, 1, res.Rows[0][0])
	assert.Equal(t, "ada", res.Rows[0][1])
	assert.Equal(t, int64(1), res.RowCount)

	res = mustExec(t, s, "UPDATE accounts SET balance = balance + 1", nil)
	assert.Equal(t, int64(1), res.RowCount)
}

func TestStrategy_ExecuteErrorBecomesFailedResult(t *testing.T) {
	s := newTestStrategy(t, 1, types.DurabilityWALNormal)

	res := s.Execute(context.Background(), "SELECT * FROM missing_table", nil, nil)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, types.StrategyTransactional, res.StrategyUsed)
	assert.Equal(t, int64(1), s.Metrics()["failures"])

	// The pool survives a failed statement
	mustExec(t, s, "SELECT 1", nil)
	assert.Equal(t, 0, s.PoolStats().InUse)
}

func TestStrategy_TransactionAtomicity(t *testing.T) {
	s := newTestStrategy(t, 2, types.DurabilityWALFull)
	mustExec(t, s, "CREATE TABLE ledger (id INTEGER PRIMARY KEY, amount INTEGER NOT NULL)", nil)

	res := s.ExecuteTransaction(context.Background(), []types.Operation{
		{Query: "INSERT INTO ledger (id, amount) VALUES (1, 10)"},
		{Query: "INSERT INTO ledger (id, amount) VALUES (:id, :amount)", Params: map[string]interface{}{"id": 2, "amount": 20}},
		{Query: "INSERT INTO ledger (id, amount) VALUES (1, 30)"},
	})
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "operation 2")
	assert.Contains(t, res.Error, types.ErrTransaction.Error())

	check := mustExec(t, s, "SELECT COUNT(*) FROM ledger", nil)
	assert.EqualValues(t, 0, check.Rows[0][0], "no partial writes survive a failed transaction")
	assert.Equal(t, int64(1), s.Metrics()["rollbacks"])

	res = s.ExecuteTransaction(context.Background(), []types.Operation{
		{Query: "INSERT INTO ledger (id, amount) VALUES (1, 10)"},
		{Query: "INSERT INTO ledger (id, amount) VALUES (2, 20)"},
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int64(2), res.RowCount)

	check = mustExec(t, s, "SELECT SUM(amount) FROM ledger", nil)
	assert.EqualValues(t, 30, check.Rows[0][0])
}

func TestStrategy_Durability(t *testing.T) {
	tests := []struct {
		durability string
		want       int64
	}{
		{types.DurabilityWALNormal, 1},
		{types.DurabilityWALFull, 2},
	}

	for _, tt := range tests {
		t.Run(tt.durability, func(t *testing.T) {
			s := newTestStrategy(t, 1, tt.durability)

			res := mustExec(t, s, "PRAGMA synchronous", nil)
			require.Len(t, res.Rows, 1)
			assert.EqualValues(t, tt.want, res.Rows[0][0])

			res = mustExec(t, s, "PRAGMA journal_mode", nil)
			assert.Equal(t, "wal", res.Rows[0][0])

			res = mustExec(t, s, "PRAGMA foreign_keys", nil)
			assert.EqualValues(t, 1, res.Rows[0][0])
		})
	}
}

func TestStrategy_Optimize(t *testing.T) {
	s := newTestStrategy(t, 1, types.DurabilityWALNormal)
	mustExec(t, s, "CREATE TABLE t (id INTEGER PRIMARY KEY)", nil)

	for _, level := range []types.OptimizationLevel{types.OptimizeConservative, types.OptimizeBalanced, types.OptimizeAggressive} {
		assert.NoError(t, s.Optimize(context.Background(), level), level)
	}
}

func TestStrategy_ConcurrentCallers(t *testing.T) {
	s := newTestStrategy(t, 10, types.DurabilityWALNormal)
	mustExec(t, s, "CREATE TABLE events (id INTEGER PRIMARY KEY, caller INTEGER)", nil)

	var wg sync.WaitGroup
	errs := make(chan string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var res *types.ExecutionResult
			if i%4 == 0 {
				res = s.Execute(context.Background(), "INSERT INTO events (caller) VALUES (:caller)", map[string]interface{}{"caller": i}, nil)
			} else {
				res = s.Execute(context.Background(), fmt.Sprintf("SELECT %d, COUNT(*) FROM events", i), nil, nil)
			}
			if !res.Success {
				errs <- res.Error
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Errorf("concurrent query failed: %s", e)
	}
	stats := s.PoolStats()
	assert.Equal(t, 0, stats.InUse)
	assert.LessOrEqual(t, stats.Open, 10)
}

func TestStrategy_HealthAndClose(t *testing.T) {
	s := newTestStrategy(t, 1, types.DurabilityWALNormal)
	assert.True(t, s.HealthCheck(context.Background()))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, s.HealthCheck(context.Background()))

	res := s.Execute(context.Background(), "SELECT 1", nil, nil)
	assert.False(t, res.Success)
	assert.Error(t, s.Connect(context.Background()))
}

func TestStrategy_NotConnected(t *testing.T) {
	cfg, err := types.NewStorageConfig("sqlite", filepath.Join(t.TempDir(), "x.db"), 100, 1, nil)
	require.NoError(t, err)
	s, err := New(cfg, nil)
	require.NoError(t, err)

	res := s.Execute(context.Background(), "SELECT 1", nil, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not connected")
	assert.False(t, s.HealthCheck(context.Background()))
	assert.NoError(t, s.Close())
}

func TestReturnsRows(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"SELECT 1", true},
		{"select * from t", true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"PRAGMA journal_mode", true},
		{"PRAGMA table_info(t)", true},
		{"PRAGMA foreign_keys = ON", false},
		{"INSERT INTO t VALUES (1)", false},
		{"INSERT INTO t VALUES (1) RETURNING id", true},
		{"UPDATE t SET a = 1", false},
		{"CREATE TABLE t (id INTEGER)", false},
		{"VACUUM", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, returnsRows(tt.query))
		})
	}
}

func TestNamedArgs(t *testing.T) {
	assert.Nil(t, namedArgs(nil))

	args := namedArgs(map[string]interface{}{"b": 2, ":a": 1})
	require.Len(t, args, 2)
	first := args[0].(sql.NamedArg)
	assert.Equal(t, "a", first.Name)
	assert.Equal(t, 1, first.Value)
	assert.Equal(t, "b", args[1].(sql.NamedArg).Name)
}
