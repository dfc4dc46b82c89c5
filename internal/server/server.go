package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/query-router/docs"
	"github.com/tributary-ai/query-router/internal/metrics"
	"github.com/tributary-ai/query-router/internal/middleware"
	"github.com/tributary-ai/query-router/internal/routing"
	"github.com/tributary-ai/query-router/internal/types"
)

// Server represents the HTTP server
type Server struct {
	router             *routing.Router
	exporter           *metrics.Exporter
	httpServer         *http.Server
	logger             *logrus.Logger
	config             *ServerConfig
	securityMiddleware *middleware.SecurityMiddleware
	openAPIDoc         []byte

	stopHealth chan struct{}
	healthDone sync.WaitGroup
	stopOnce   sync.Once
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port                string                               `yaml:"port"`
	ReadTimeout         time.Duration                        `yaml:"read_timeout"`
	WriteTimeout        time.Duration                        `yaml:"write_timeout"`
	MaxHeaderBytes      int                                  `yaml:"max_header_bytes"`
	HealthCheckInterval time.Duration                        `yaml:"health_check_interval"`
	CORS                CORSConfig                           `yaml:"cors"`
	Security            *middleware.SecurityMiddlewareConfig `yaml:"security"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// QueryRequest is the body of /v1/query and /v1/routing/decision
type QueryRequest struct {
	Query   string                 `json:"query"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Context *types.QueryContext    `json:"context,omitempty"`
}

// TransactionRequest is the body of /v1/transaction
type TransactionRequest struct {
	Operations []types.Operation `json:"operations"`
	Strategy   string            `json:"strategy,omitempty"`
}

// OptimizeRequest is the body of /v1/optimize
type OptimizeRequest struct {
	Level string `json:"level,omitempty"`
}

// NewServer creates a new server instance. exporter may be nil, in which
// case /metrics is not served.
func NewServer(router *routing.Router, exporter *metrics.Exporter, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	server := &Server{
		router:     router,
		exporter:   exporter,
		logger:     logger,
		config:     config,
		openAPIDoc: docs.OpenAPI,
		stopHealth: make(chan struct{}),
	}

	if config.Security != nil {
		if config.Security.OpenAPIDoc == nil {
			config.Security.OpenAPIDoc = server.openAPIDoc
		}
		securityMiddleware, err := middleware.NewSecurityMiddleware(config.Security, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize security middleware: %w", err)
		}
		server.securityMiddleware = securityMiddleware
	}

	return server, nil
}

// Handler returns the fully wired HTTP handler
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the periodic health probe and the HTTP server. It blocks
// until the server stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.setupRoutes(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	if s.config.HealthCheckInterval > 0 {
		s.healthDone.Add(1)
		go s.healthLoop(s.config.HealthCheckInterval)
	}

	s.logger.WithField("port", s.config.Port).Info("Starting query router server")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping query router server")

	s.stopOnce.Do(func() { close(s.stopHealth) })
	s.healthDone.Wait()

	if s.securityMiddleware != nil {
		s.securityMiddleware.Stop()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthLoop probes strategies so that availability recovers after an outage
func (s *Server) healthLoop(interval time.Duration) {
	defer s.healthDone.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			health := s.router.HealthCheck(ctx)
			cancel()
			s.logger.WithFields(logrus.Fields{
				"health": health,
				"state":  s.router.State().String(),
			}).Debug("Periodic health check")
		case <-s.stopHealth:
			return
		}
	}
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	if s.securityMiddleware != nil {
		r.Use(s.securityMiddleware.Handler())
	}
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/query", s.handleQuery).Methods("POST")
	api.HandleFunc("/transaction", s.handleTransaction).Methods("POST")
	api.HandleFunc("/optimize", s.handleOptimize).Methods("POST")
	api.HandleFunc("/routing/decision", s.handleRoutingDecision).Methods("POST")
	api.HandleFunc("/metrics/performance", s.handlePerformanceMetrics).Methods("GET")
	api.HandleFunc("/strategies", s.handleListStrategies).Methods("GET")
	api.HandleFunc("/health", s.handleHealthCheck).Methods("GET")

	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	if s.exporter != nil {
		r.Handle("/metrics", s.exporter.Handler()).Methods("GET")
	}
	s.setupDocsRoutes(r)

	// Preflight requests match no method-restricted route; this keeps the
	// middleware chain, and with it CORS, running for them
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origins := s.config.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := strings.Join(orDefault(s.config.CORS.AllowedMethods, []string{"GET", "POST", "OPTIONS"}), ", ")
	headers := strings.Join(orDefault(s.config.CORS.AllowedHeaders, []string{"Content-Type", "Authorization", "X-API-Key"}), ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := allowedOrigin(origins, r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleQuery routes and executes a single query
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "query is required")
		return
	}

	res := s.router.Execute(r.Context(), req.Query, req.Params, req.Context)
	s.writeJSON(w, s.statusFor(res), res)
}

// handleTransaction runs operations atomically
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if len(req.Operations) == 0 {
		s.writeErrorResponse(w, http.StatusBadRequest, "operations must not be empty")
		return
	}

	var hint *string
	if req.Strategy != "" {
		hint = &req.Strategy
	}
	res := s.router.ExecuteTransaction(r.Context(), req.Operations, hint)
	s.writeJSON(w, s.statusFor(res), res)
}

// handleOptimize runs every available strategy's optimization hook
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if !s.decode(w, r, &req, true) {
		return
	}

	level := types.ParseOptimizationLevel(req.Level)
	ok := s.router.OptimizePerformance(r.Context(), level)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"optimized": ok,
		"level":     level,
	})
}

// handleRoutingDecision returns the routing decision without executing
func (s *Server) handleRoutingDecision(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "query is required")
		return
	}

	s.writeJSON(w, http.StatusOK, s.router.Decide(req.Query, req.Context))
}

func (s *Server) handlePerformanceMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.router.GetPerformanceMetrics())
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	list := s.router.Strategies()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": list,
		"count":      len(list),
	})
}

// handleHealthCheck probes every strategy. Only an unhealthy transactional
// strategy makes the service unavailable.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := s.router.HealthCheck(r.Context())

	status := "healthy"
	for _, ok := range health {
		if !ok {
			status = "degraded"
			break
		}
	}

	code := http.StatusOK
	if !health[types.StrategyTransactional] {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"state":      s.router.State().String(),
		"strategies": health,
		"timestamp":  time.Now().Unix(),
	})
}

// Helper functions

// statusFor maps an execution result onto an HTTP status
func (s *Server) statusFor(res *types.ExecutionResult) int {
	switch {
	case res.Success:
		return http.StatusOK
	case !s.router.State().Serving():
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

// decode reads a JSON body into dst, writing a 400 on failure. An empty body
// is accepted only when optional is set.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}, optional bool) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	})
}

func allowedOrigin(allowed []string, origin string) string {
	for _, a := range allowed {
		if a == "*" {
			if origin == "" {
				return "*"
			}
			return origin
		}
		if origin != "" && a == origin {
			return origin
		}
	}
	return ""
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
