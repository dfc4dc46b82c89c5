package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/query-router/internal/cache"
	"github.com/tributary-ai/query-router/internal/config"
	"github.com/tributary-ai/query-router/internal/types"
)

func TestSetupLogger(t *testing.T) {
	logger := logrus.New()
	require.NoError(t, setupLogger(logger, config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}))
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	path := filepath.Join(t.TempDir(), "router.log")
	require.NoError(t, setupLogger(logger, config.LoggingConfig{Level: "info", Format: "json", Output: path}))
	logger.Info("written")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"written"`)

	assert.Error(t, setupLogger(logger, config.LoggingConfig{Level: "loud", Format: "json"}))
	assert.Error(t, setupLogger(logger, config.LoggingConfig{Level: "info", Format: "xml"}))
}

func TestBuildStrategy(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg, err := types.NewStorageConfig("sqlite", filepath.Join(t.TempDir(), "x.db"), 100, 1, nil)
	require.NoError(t, err)

	for _, name := range []string{types.StrategyTransactional, types.StrategySemantic} {
		s, err := buildStrategy(name, cfg, logger)
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}

	pg, err := types.NewStorageConfig("postgres", "postgres://localhost/warehouse", 1000, 2, nil)
	require.NoError(t, err)
	s, err := buildStrategy(types.StrategyAnalytical, pg, logger)
	require.NoError(t, err)
	assert.Equal(t, types.StrategyAnalytical, s.Name())

	_, err = buildStrategy("graph", cfg, logger)
	assert.Error(t, err)
}

func TestSetupResultCache(t *testing.T) {
	logger, hook := test.NewNullLogger()

	assert.Nil(t, setupResultCache(cache.Config{Enabled: false}, logger))

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	results := setupResultCache(cache.Config{Enabled: true, Addr: addr}, logger)
	require.NotNil(t, results)
	_ = results.Close()

	mr.Close()
	hook.Reset()
	assert.Nil(t, setupResultCache(cache.Config{Enabled: true, Addr: addr}, logger))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestNewApplication(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QUERY_ROUTER_TRANSACTIONAL_TARGET", filepath.Join(dir, "tx.db"))
	t.Setenv("QUERY_ROUTER_SEMANTIC_TARGET", filepath.Join(dir, "vectors.db"))
	t.Setenv("QUERY_ROUTER_LOG_LEVEL", "error")

	app, err := NewApplication("")
	require.NoError(t, err)
	assert.Nil(t, app.results)

	names := make([]string, 0, 2)
	for _, s := range app.router.Strategies() {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{types.StrategyTransactional, types.StrategySemantic}, names)
	require.NoError(t, app.router.Close())

	t.Setenv("QUERY_ROUTER_LOG_LEVEL", "verbose")
	_, err = NewApplication("")
	assert.Error(t, err)
}
