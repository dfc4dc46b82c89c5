package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/query-router/internal/cache"
	"github.com/tributary-ai/query-router/internal/classifier"
	"github.com/tributary-ai/query-router/internal/middleware"
	"github.com/tributary-ai/query-router/internal/routing"
	"github.com/tributary-ai/query-router/internal/security"
	"github.com/tributary-ai/query-router/internal/server"
	"github.com/tributary-ai/query-router/internal/types"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig   `yaml:"server"`
	Router      RouterConfig   `yaml:"router"`
	Storage     StorageConfig  `yaml:"storage"`
	ResultCache cache.Config   `yaml:"result_cache"`
	Logging     LoggingConfig  `yaml:"logging"`
	Security    SecurityConfig `yaml:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                string        `yaml:"port"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes      int           `yaml:"max_header_bytes"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// RouterConfig holds routing engine configuration
type RouterConfig struct {
	PromotionReadRatio float64               `yaml:"promotion_read_ratio"`
	DecisionCacheSize  int                   `yaml:"decision_cache_size"`
	PerformanceWindow  int                   `yaml:"performance_window"`
	Smoothing          float64               `yaml:"smoothing"`
	Thresholds         classifier.Thresholds `yaml:"thresholds"`
	ConnectTimeout     time.Duration         `yaml:"connect_timeout"`
}

// StorageConfig holds one backend config per strategy. Only the
// transactional backend is mandatory.
type StorageConfig struct {
	Transactional *types.StorageConfig `yaml:"transactional"`
	Analytical    *types.StorageConfig `yaml:"analytical,omitempty"`
	Semantic      *types.StorageConfig `yaml:"semantic,omitempty"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	APIKeys           []string                  `yaml:"api_keys"`
	JWTSecret         string                    `yaml:"jwt_secret"`
	JWTExpiry         time.Duration             `yaml:"jwt_expiry"`
	RequireAuth       bool                      `yaml:"require_auth"`
	RateLimiting      security.RateLimitConfig  `yaml:"rate_limiting"`
	CORS              CORSConfig                `yaml:"cors"`
	RequestLimits     security.ValidationConfig `yaml:"request_limits"`
	OpenAPIValidation bool                      `yaml:"openapi_validation"`
	Audit             security.AuditConfig      `yaml:"audit"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

const envPrefix = "QUERY_ROUTER_"

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := config.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:                "8080",
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		MaxHeaderBytes:      1 << 20,
		HealthCheckInterval: 30 * time.Second,
	}

	def := routing.DefaultRouterConfig()
	c.Router = RouterConfig{
		PromotionReadRatio: def.PromotionReadRatio,
		DecisionCacheSize:  def.DecisionCacheSize,
		PerformanceWindow:  def.PerformanceWindow,
		Smoothing:          def.Smoothing,
		Thresholds:         def.Thresholds,
		ConnectTimeout:     def.ConnectTimeout,
	}

	c.Storage = StorageConfig{
		Transactional: &types.StorageConfig{
			Backend:        "sqlite",
			Target:         "data/query-router.db",
			MaxQueryTimeMs: 100,
			PoolSize:       10,
			Durability:     types.DurabilityWALNormal,
		},
	}

	c.ResultCache = cache.Config{
		Enabled: false,
		Addr:    "localhost:6379",
		TTL:     5 * time.Minute,
		Prefix:  "qr",
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = SecurityConfig{
		APIKeys:   []string{},
		JWTExpiry: 24 * time.Hour,
		RateLimiting: security.RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 600,
			BurstSize:         100,
			CleanupInterval:   5 * time.Minute,
			IdleTimeout:       10 * time.Minute,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
		},
		RequestLimits: security.ValidationConfig{
			MaxRequestSize: 10 << 20,
			MaxJSONDepth:   20,
			MaxQueryLength: 1 << 20,
		},
		OpenAPIValidation: true,
		Audit: security.AuditConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 10 * time.Second,
		},
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv applies QUERY_ROUTER_* overrides
func (c *Config) loadFromEnv() error {
	if port := os.Getenv(envPrefix + "PORT"); port != "" {
		c.Server.Port = port
	}

	if level := os.Getenv(envPrefix + "LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv(envPrefix + "LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if raw := os.Getenv(envPrefix + "PROMOTION_READ_RATIO"); raw != "" {
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%sPROMOTION_READ_RATIO: %w", envPrefix, err)
		}
		c.Router.PromotionReadRatio = ratio
	}

	// Storage targets
	if target := os.Getenv(envPrefix + "TRANSACTIONAL_TARGET"); target != "" {
		if c.Storage.Transactional == nil {
			c.Storage.Transactional = &types.StorageConfig{Backend: "sqlite", PoolSize: 10}
		}
		c.Storage.Transactional.Target = target
	}
	if dsn := os.Getenv(envPrefix + "ANALYTICAL_DSN"); dsn != "" {
		if c.Storage.Analytical == nil {
			c.Storage.Analytical = &types.StorageConfig{Backend: "postgres", PoolSize: 5, MaxQueryTimeMs: 5000}
		}
		c.Storage.Analytical.Target = dsn
	}
	if target := os.Getenv(envPrefix + "SEMANTIC_TARGET"); target != "" {
		if c.Storage.Semantic == nil {
			c.Storage.Semantic = &types.StorageConfig{Backend: "sqlite-vector", PoolSize: 4, MaxQueryTimeMs: 500}
		}
		c.Storage.Semantic.Target = target
	}

	if addr := os.Getenv(envPrefix + "REDIS_ADDR"); addr != "" {
		c.ResultCache.Addr = addr
		c.ResultCache.Enabled = true
	}
	if password := os.Getenv(envPrefix + "REDIS_PASSWORD"); password != "" {
		c.ResultCache.Password = password
	}

	// Credentials
	if keys := os.Getenv(envPrefix + "API_KEYS"); keys != "" {
		c.Security.APIKeys = splitList(keys)
		c.Security.RequireAuth = true
	}
	if secret := os.Getenv(envPrefix + "JWT_SECRET"); secret != "" {
		c.Security.JWTSecret = secret
	}

	return nil
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Router.PromotionReadRatio <= 0 || c.Router.PromotionReadRatio > 1 {
		return fmt.Errorf("promotion read ratio must be in (0, 1], got %v", c.Router.PromotionReadRatio)
	}
	if c.Router.Smoothing <= 0 || c.Router.Smoothing > 1 {
		return fmt.Errorf("smoothing must be in (0, 1], got %v", c.Router.Smoothing)
	}
	if c.Router.DecisionCacheSize < 0 || c.Router.PerformanceWindow < 0 {
		return fmt.Errorf("router sizes must not be negative")
	}

	if c.Storage.Transactional == nil {
		return fmt.Errorf("transactional storage must be configured")
	}
	for name, sc := range c.storageByName() {
		sc.ApplyDefaults()
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("storage %s: %w", name, err)
		}
	}

	if c.ResultCache.Enabled && c.ResultCache.Addr == "" {
		return fmt.Errorf("result cache is enabled but has no address")
	}

	if c.Security.RequireAuth && len(c.Security.APIKeys) == 0 && c.Security.JWTSecret == "" {
		return fmt.Errorf("require_auth is set but neither API keys nor a JWT secret are configured")
	}

	return nil
}

// storageByName lists the configured backends keyed by strategy name
func (c *Config) storageByName() map[string]*types.StorageConfig {
	out := map[string]*types.StorageConfig{}
	if c.Storage.Transactional != nil {
		out[types.StrategyTransactional] = c.Storage.Transactional
	}
	if c.Storage.Analytical != nil {
		out[types.StrategyAnalytical] = c.Storage.Analytical
	}
	if c.Storage.Semantic != nil {
		out[types.StrategySemantic] = c.Storage.Semantic
	}
	return out
}

// ToStorageConfigs returns a copy of each configured backend keyed by
// strategy name
func (c *Config) ToStorageConfigs() map[string]types.StorageConfig {
	out := make(map[string]types.StorageConfig)
	for name, sc := range c.storageByName() {
		cp := *sc
		cp.Options = make(map[string]string, len(sc.Options))
		for k, v := range sc.Options {
			cp.Options[k] = v
		}
		cp.ApplyDefaults()
		out[name] = cp
	}
	return out
}

// ToRouterConfig converts to routing.RouterConfig
func (c *Config) ToRouterConfig() routing.RouterConfig {
	return routing.RouterConfig{
		PromotionReadRatio: c.Router.PromotionReadRatio,
		DecisionCacheSize:  c.Router.DecisionCacheSize,
		PerformanceWindow:  c.Router.PerformanceWindow,
		Smoothing:          c.Router.Smoothing,
		Thresholds:         c.Router.Thresholds,
		ConnectTimeout:     c.Router.ConnectTimeout,
	}
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:                c.Server.Port,
		ReadTimeout:         c.Server.ReadTimeout,
		WriteTimeout:        c.Server.WriteTimeout,
		MaxHeaderBytes:      c.Server.MaxHeaderBytes,
		HealthCheckInterval: c.Server.HealthCheckInterval,
		CORS: server.CORSConfig{
			AllowedOrigins: c.Security.CORS.AllowedOrigins,
			AllowedMethods: c.Security.CORS.AllowedMethods,
			AllowedHeaders: c.Security.CORS.AllowedHeaders,
		},
		Security: c.ToSecurityMiddlewareConfig(),
	}
}

// ToSecurityMiddlewareConfig converts to middleware.SecurityMiddlewareConfig
func (c *Config) ToSecurityMiddlewareConfig() *middleware.SecurityMiddlewareConfig {
	rateLimit := c.Security.RateLimiting
	limits := c.Security.RequestLimits
	audit := c.Security.Audit

	return &middleware.SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:     c.Security.APIKeys,
			JWTSecret:   c.Security.JWTSecret,
			JWTExpiry:   c.Security.JWTExpiry,
			RequireAuth: c.Security.RequireAuth,
		},
		RateLimit: &rateLimit,
		Limits:    &limits,
		Audit:     &audit,
		OpenAPI:   &middleware.ValidationConfig{Enabled: c.Security.OpenAPIValidation},
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetEnabledStrategies returns the configured strategy names, transactional first
func (c *Config) GetEnabledStrategies() []string {
	var names []string
	if c.Storage.Transactional != nil {
		names = append(names, types.StrategyTransactional)
	}
	if c.Storage.Analytical != nil {
		names = append(names, types.StrategyAnalytical)
	}
	if c.Storage.Semantic != nil {
		names = append(names, types.StrategySemantic)
	}
	return names
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
