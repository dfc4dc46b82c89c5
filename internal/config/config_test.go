package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/query-router/internal/types"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 0.8, cfg.Router.PromotionReadRatio)
	assert.Equal(t, 10000, cfg.Router.DecisionCacheSize)
	assert.Equal(t, 3, cfg.Router.Thresholds.Joins)
	assert.Equal(t, 2, cfg.Router.Thresholds.NestedSelects)

	require.NotNil(t, cfg.Storage.Transactional)
	assert.Equal(t, "sqlite", cfg.Storage.Transactional.Backend)
	assert.Nil(t, cfg.Storage.Analytical)
	assert.Nil(t, cfg.Storage.Semantic)
	assert.Equal(t, []string{types.StrategyTransactional}, cfg.GetEnabledStrategies())

	assert.False(t, cfg.ResultCache.Enabled)
	assert.False(t, cfg.Security.RequireAuth)
	assert.True(t, cfg.Security.OpenAPIValidation)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	t.Setenv("QUERY_ROUTER_PORT", "9090")
	t.Setenv("QUERY_ROUTER_LOG_LEVEL", "debug")
	t.Setenv("QUERY_ROUTER_LOG_FORMAT", "text")
	t.Setenv("QUERY_ROUTER_PROMOTION_READ_RATIO", "0.9")
	t.Setenv("QUERY_ROUTER_TRANSACTIONAL_TARGET", "/tmp/tx.db")
	t.Setenv("QUERY_ROUTER_ANALYTICAL_DSN", "postgres://user@localhost/warehouse")
	t.Setenv("QUERY_ROUTER_SEMANTIC_TARGET", "/tmp/vectors.db")
	t.Setenv("QUERY_ROUTER_REDIS_ADDR", "redis:6379")
	t.Setenv("QUERY_ROUTER_API_KEYS", "key-one, key-two")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 0.9, cfg.Router.PromotionReadRatio)
	assert.Equal(t, "/tmp/tx.db", cfg.Storage.Transactional.Target)

	require.NotNil(t, cfg.Storage.Analytical)
	assert.Equal(t, "postgres://user@localhost/warehouse", cfg.Storage.Analytical.Target)
	require.NotNil(t, cfg.Storage.Semantic)
	assert.Equal(t, "/tmp/vectors.db", cfg.Storage.Semantic.Target)
	assert.Equal(t, []string{"transactional", "analytical", "semantic"}, cfg.GetEnabledStrategies())

	assert.True(t, cfg.ResultCache.Enabled)
	assert.Equal(t, "redis:6379", cfg.ResultCache.Addr)
	assert.Equal(t, []string{"key-one", "key-two"}, cfg.Security.APIKeys)
	assert.True(t, cfg.Security.RequireAuth)
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		yaml   string
		errMsg string
	}{
		{
			name:   "invalid log level",
			env:    map[string]string{"QUERY_ROUTER_LOG_LEVEL": "invalid"},
			errMsg: "invalid log level",
		},
		{
			name:   "invalid log format",
			env:    map[string]string{"QUERY_ROUTER_LOG_FORMAT": "xml"},
			errMsg: "invalid log format",
		},
		{
			name:   "unparseable ratio",
			env:    map[string]string{"QUERY_ROUTER_PROMOTION_READ_RATIO": "most"},
			errMsg: "PROMOTION_READ_RATIO",
		},
		{
			name:   "ratio out of range",
			env:    map[string]string{"QUERY_ROUTER_PROMOTION_READ_RATIO": "1.5"},
			errMsg: "promotion read ratio",
		},
		{
			name:   "missing transactional",
			yaml:   "storage:\n  transactional: null\n",
			errMsg: "transactional storage must be configured",
		},
		{
			name:   "bad pool size",
			yaml:   "storage:\n  transactional:\n    backend: sqlite\n    target: x.db\n    pool_size: 0\n",
			errMsg: "pool size must be positive",
		},
		{
			name:   "bad durability",
			yaml:   "storage:\n  transactional:\n    backend: sqlite\n    target: x.db\n    pool_size: 2\n    durability: never\n",
			errMsg: "unknown durability mode",
		},
		{
			name:   "auth without credentials",
			yaml:   "security:\n  require_auth: true\n",
			errMsg: "require_auth",
		},
		{
			name:   "cache without address",
			yaml:   "result_cache:\n  enabled: true\n  addr: \"\"\n",
			errMsg: "result cache",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = filepath.Join(t.TempDir(), "config.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0600))
			}

			_, err := LoadConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadConfig_FileLoading(t *testing.T) {
	content := `
server:
  port: "7070"
  health_check_interval: 15s
router:
  promotion_read_ratio: 0.75
  thresholds:
    joins: 5
    nested_selects: 3
storage:
  transactional:
    backend: sqlite
    target: /var/lib/router/tx.db
    max_query_time_ms: 50
    pool_size: 8
    durability: wal_full
  semantic:
    backend: sqlite-vector
    target: /var/lib/router/vectors.db
    pool_size: 2
    options:
      dimensions: "384"
result_cache:
  enabled: true
  addr: cache:6379
  ttl: 1m
logging:
  level: warn
  format: text
security:
  api_keys: ["abc-123-456-789"]
  require_auth: true
  rate_limiting:
    enabled: true
    requests_per_minute: 120
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.HealthCheckInterval)
	assert.Equal(t, 0.75, cfg.Router.PromotionReadRatio)
	assert.Equal(t, 5, cfg.Router.Thresholds.Joins)
	assert.Equal(t, int64(50), cfg.Storage.Transactional.MaxQueryTimeMs)
	assert.Equal(t, types.DurabilityWALFull, cfg.Storage.Transactional.Durability)
	require.NotNil(t, cfg.Storage.Semantic)
	assert.Equal(t, "384", cfg.Storage.Semantic.Options["dimensions"])
	assert.True(t, cfg.ResultCache.Enabled)
	assert.Equal(t, time.Minute, cfg.ResultCache.TTL)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Security.RateLimiting.Enabled)
	assert.Equal(t, 120, cfg.Security.RateLimiting.RequestsPerMinute)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_Conversions(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Storage.Analytical = &types.StorageConfig{
		Backend:  "postgres",
		Target:   "postgres://localhost/db",
		PoolSize: 4,
		Options:  map[string]string{"application_name": "router"},
	}

	storage := cfg.ToStorageConfigs()
	require.Len(t, storage, 2)
	an := storage[types.StrategyAnalytical]
	assert.Equal(t, int64(1000), an.MaxQueryTimeMs, "defaults are applied")
	an.Options["application_name"] = "changed"
	assert.Equal(t, "router", cfg.Storage.Analytical.Options["application_name"], "returned configs are copies")

	rc := cfg.ToRouterConfig()
	assert.Equal(t, cfg.Router.PromotionReadRatio, rc.PromotionReadRatio)
	assert.Equal(t, cfg.Router.Thresholds, rc.Thresholds)

	sc := cfg.ToServerConfig()
	assert.Equal(t, "8080", sc.Port)
	assert.Equal(t, []string{"*"}, sc.CORS.AllowedOrigins)
	require.NotNil(t, sc.Security)
	require.NotNil(t, sc.Security.Auth)
	assert.False(t, sc.Security.Auth.RequireAuth)
	assert.True(t, sc.Security.OpenAPI.Enabled)
	assert.Equal(t, 600, sc.Security.RateLimit.RequestsPerMinute)
}

func TestConfig_SaveToFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Server.Port = "6060"
	cfg.Storage.Transactional.Target = "saved.db"

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "6060", loaded.Server.Port)
	assert.Equal(t, "saved.db", loaded.Storage.Transactional.Target)
	assert.Equal(t, cfg.Server.ReadTimeout, loaded.Server.ReadTimeout)
	assert.Equal(t, cfg.ResultCache.TTL, loaded.ResultCache.TTL)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	assert.Nil(t, splitList(""))
}

func BenchmarkLoadConfig_Defaults(b *testing.B) {
	for i := 0; i < b.N; i++ {
		if _, err := LoadConfig(""); err != nil {
			b.Fatal(err)
		}
	}
}
