package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/query-router/internal/cache"
	"github.com/tributary-ai/query-router/internal/config"
	"github.com/tributary-ai/query-router/internal/metrics"
	"github.com/tributary-ai/query-router/internal/routing"
	"github.com/tributary-ai/query-router/internal/server"
	"github.com/tributary-ai/query-router/internal/strategies"
	"github.com/tributary-ai/query-router/internal/strategies/analytical"
	"github.com/tributary-ai/query-router/internal/strategies/semantic"
	"github.com/tributary-ai/query-router/internal/strategies/transactional"
	"github.com/tributary-ai/query-router/internal/types"
)

const version = "1.0.0"

// Application represents the main application
type Application struct {
	config  *config.Config
	router  *routing.Router
	server  *server.Server
	results *cache.ResultCache
	logger  *logrus.Logger
}

// NewApplication loads configuration and wires the router, its strategies
// and the HTTP server. Nothing is connected until Run.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	exporter := metrics.NewExporter(prometheus.NewRegistry())
	opts := []routing.Option{routing.WithExporter(exporter)}

	results := setupResultCache(cfg.ResultCache, logger)
	if results != nil {
		opts = append(opts, routing.WithResultCache(results))
	}

	routerInstance := routing.NewRouter(cfg.ToRouterConfig(), logger, opts...)
	if err := registerStrategies(routerInstance, cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to register strategies: %w", err)
	}

	serverInstance, err := server.NewServer(routerInstance, exporter, cfg.ToServerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Application{
		config:  cfg,
		router:  routerInstance,
		server:  serverInstance,
		results: results,
		logger:  logger,
	}, nil
}

// Run connects the strategies, serves HTTP and blocks until a shutdown
// signal or a server error
func (app *Application) Run() error {
	app.logger.WithField("version", version).Info("Starting query router")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.router.Start(ctx); err != nil {
		app.closeBackends()
		return fmt.Errorf("router failed to start: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil {
			serverErrors <- err
		}
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		if runErr == nil {
			runErr = fmt.Errorf("server shutdown failed: %w", err)
		}
	}
	app.closeBackends()

	if runErr == nil {
		app.logger.Info("Graceful shutdown completed")
	}
	return runErr
}

// closeBackends releases strategy pools and the cache client
func (app *Application) closeBackends() {
	if err := app.router.Close(); err != nil {
		app.logger.WithError(err).Error("Router shutdown error")
	}
	if app.results != nil {
		if err := app.results.Close(); err != nil {
			app.logger.WithError(err).Warn("Result cache shutdown error")
		}
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "", "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// setupResultCache returns nil when caching is disabled or Redis cannot be
// reached; the router then runs every read against its strategy
func setupResultCache(cfg cache.Config, logger *logrus.Logger) *cache.ResultCache {
	if !cfg.Enabled {
		return nil
	}

	results, err := cache.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Result cache disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := results.Ping(ctx); err != nil {
		logger.WithError(err).WithField("addr", cfg.Addr).Warn("Redis unreachable, result cache disabled")
		_ = results.Close()
		return nil
	}

	logger.WithFields(logrus.Fields{
		"addr": cfg.Addr,
		"ttl":  cfg.TTL.String(),
	}).Info("Result cache enabled")
	return results
}

// buildStrategy constructs the strategy registered under name
func buildStrategy(name string, cfg types.StorageConfig, logger *logrus.Logger) (strategies.StorageStrategy, error) {
	switch name {
	case types.StrategyTransactional:
		return transactional.New(cfg, logger)
	case types.StrategyAnalytical:
		return analytical.New(cfg, logger)
	case types.StrategySemantic:
		return semantic.New(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// registerStrategies registers every configured strategy with the router
func registerStrategies(router *routing.Router, cfg *config.Config, logger *logrus.Logger) error {
	storage := cfg.ToStorageConfigs()

	for _, name := range cfg.GetEnabledStrategies() {
		strategy, err := buildStrategy(name, storage[name], logger)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := router.Register(strategy); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		logger.WithFields(logrus.Fields{
			"strategy":          name,
			"backend":           storage[name].Backend,
			"max_query_time_ms": storage[name].MaxQueryTimeMs,
			"pool_size":         storage[name].PoolSize,
		}).Debug("Strategy configured")
	}

	return nil
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  QUERY_ROUTER_PORT                  Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  QUERY_ROUTER_LOG_LEVEL             Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  QUERY_ROUTER_LOG_FORMAT            Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  QUERY_ROUTER_PROMOTION_READ_RATIO  Read ratio above which moderate reads go analytical\n")
	fmt.Fprintf(os.Stderr, "  QUERY_ROUTER_TRANSACTIONAL_TARGET  SQLite database file\n")
	fmt.Fprintf(os.Stderr, "  QUERY_ROUTER_ANALYTICAL_DSN        PostgreSQL connection string\n")
	fmt.Fprintf(os.Stderr, "  QUERY_ROUTER_SEMANTIC_TARGET       SQLite file for the embedding store\n")
	fmt.Fprintf(os.Stderr, "  QUERY_ROUTER_REDIS_ADDR            Redis address; enables the result cache\n")
	fmt.Fprintf(os.Stderr, "  QUERY_ROUTER_API_KEYS              Comma separated API keys; enables auth\n")
	fmt.Fprintf(os.Stderr, "  QUERY_ROUTER_JWT_SECRET            HS256 secret for bearer tokens\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  QUERY_ROUTER_ANALYTICAL_DSN=postgres://localhost/warehouse %s\n", os.Args[0])
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("Query Router v%s\n", version)
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
