package middleware

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/query-router/internal/security"
)

// SecurityMiddlewareConfig holds configuration for security middleware
type SecurityMiddlewareConfig struct {
	Auth       *security.Config           `yaml:"auth"`
	RateLimit  *security.RateLimitConfig  `yaml:"rate_limit"`
	Limits     *security.ValidationConfig `yaml:"limits"`
	Audit      *security.AuditConfig      `yaml:"audit"`
	OpenAPI    *ValidationConfig          `yaml:"openapi_validation"`
	OpenAPIDoc []byte                     `yaml:"-"`
}

// SecurityMiddleware combines all security middleware components
type SecurityMiddleware struct {
	auth        *security.Authenticator
	rateLimiter *security.RateLimiter
	limits      *security.RequestValidator
	auditor     *security.AuditLogger
	openapi     *ValidationMiddleware
	logger      *logrus.Logger
}

// NewSecurityMiddleware creates a new security middleware stack. Components
// whose config is nil are left out of the chain.
func NewSecurityMiddleware(config *SecurityMiddlewareConfig, logger *logrus.Logger) (*SecurityMiddleware, error) {
	s := &SecurityMiddleware{logger: logger}

	if config.Auth != nil {
		s.auth = security.NewAuthenticator(config.Auth, logger)
	}
	if config.RateLimit != nil && config.RateLimit.Enabled {
		s.rateLimiter = security.NewRateLimiter(config.RateLimit, logger)
	}
	if config.Limits != nil {
		limits, err := security.NewRequestValidator(config.Limits, logger)
		if err != nil {
			return nil, err
		}
		s.limits = limits
	}
	if config.Audit != nil && config.Audit.Enabled {
		s.auditor = security.NewAuditLogger(config.Audit, logger)
	}
	if config.OpenAPI != nil && config.OpenAPI.Enabled {
		vm, err := NewValidationMiddleware(config.OpenAPI, config.OpenAPIDoc, logger)
		if err != nil {
			s.Stop()
			return nil, err
		}
		s.openapi = vm
	}
	return s, nil
}

// Handler builds the chain. Outermost first: security headers, audit, body
// limits, OpenAPI validation, rate limiting, authentication.
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := next

		if s.auth != nil {
			handler = s.auth.Middleware()(handler)
		}
		if s.rateLimiter != nil {
			handler = s.rateLimiter.Middleware(security.DefaultKeyExtractor)(handler)
		}
		if s.openapi != nil {
			handler = s.openapi.Middleware(handler)
		}
		if s.limits != nil {
			handler = s.limits.Middleware()(handler)
		}
		if s.auditor != nil {
			handler = s.auditor.Middleware()(handler)
		}
		return securityHeaders(handler)
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if !strings.HasPrefix(r.URL.Path, "/docs") {
			h.Set("Content-Security-Policy", "default-src 'none'")
		}
		h.Set("Cache-Control", "no-store")
		h.Set("Server", "query-router")
		next.ServeHTTP(w, r)
	})
}

// Auditor exposes the audit logger, nil when auditing is off
func (s *SecurityMiddleware) Auditor() *security.AuditLogger {
	return s.auditor
}

// Stop gracefully stops all middleware components
func (s *SecurityMiddleware) Stop() {
	if s.auditor != nil {
		s.auditor.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// GetStats returns security middleware statistics
func (s *SecurityMiddleware) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"authentication_enabled": s.auth != nil,
		"rate_limiter_enabled":   s.rateLimiter != nil,
		"body_limits_enabled":    s.limits != nil,
		"openapi_validation":     s.openapi != nil,
	}
	if s.rateLimiter != nil {
		stats["rate_limited_clients"] = s.rateLimiter.Len()
	}
	if s.auditor != nil {
		for k, v := range s.auditor.Stats() {
			stats["audit_events_"+k] = v
		}
	}
	return stats
}
