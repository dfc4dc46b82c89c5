package security

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AuditEventType represents the kind of audited event
type AuditEventType string

const (
	AuthenticationFailure AuditEventType = "authentication_failure"
	RateLimitExceeded     AuditEventType = "rate_limit_exceeded"
	ValidationFailure     AuditEventType = "validation_failure"
	TransactionExecuted   AuditEventType = "transaction_executed"
	OptimizeRequested     AuditEventType = "optimize_requested"
	DataModified          AuditEventType = "data_modified"
)

const requestIDKey contextKey = "request_id"

// auditedPaths are recorded on every call regardless of status
var auditedPaths = map[string]AuditEventType{
	"/v1/transaction": TransactionExecuted,
	"/v1/optimize":    OptimizeRequested,
}

// AuditEvent is one audit record
type AuditEvent struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	UserID     string                 `json:"user_id,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	StatusCode int                    `json:"status_code,omitempty"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Severity   string                 `json:"severity"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	BufferSize      int           `yaml:"buffer_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	SensitiveFields []string      `yaml:"sensitive_fields"`
}

// AuditLogger buffers audit events and writes them to the structured log
// from a single goroutine
type AuditLogger struct {
	config *AuditConfig
	logger *logrus.Logger

	buffer chan *AuditEvent
	stop   chan struct{}
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	logged  atomic.Int64
	dropped atomic.Int64
}

// NewAuditLogger creates an audit logger and starts its writer when enabled
func NewAuditLogger(config *AuditConfig, logger *logrus.Logger) *AuditLogger {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 10 * time.Second
	}

	a := &AuditLogger{
		config: config,
		logger: logger,
		buffer: make(chan *AuditEvent, config.BufferSize),
		stop:   make(chan struct{}),
	}
	if config.Enabled {
		a.wg.Add(1)
		go a.process()
	}
	return a
}

// LogEvent queues an event. A full buffer drops the event.
func (a *AuditLogger) LogEvent(ctx context.Context, eventType AuditEventType, message string, details map[string]interface{}) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.config.Enabled || a.stopped {
		return
	}

	event := &AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Message:   message,
		Details:   a.sanitize(details),
		Severity:  severityOf(eventType),
		IPAddress: clientIPFrom(ctx),
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		event.RequestID = id
	}
	if info, ok := GetAuthInfo(ctx); ok {
		event.UserID = info.UserID
	}
	if code, ok := details["status_code"].(int); ok {
		event.StatusCode = code
	}

	select {
	case a.buffer <- event:
		a.logged.Add(1)
	default:
		a.dropped.Add(1)
		a.logger.Warn("Audit buffer full, dropping event")
	}
}

// Middleware assigns a request ID and audits state-changing calls and
// rejected requests
func (a *AuditLogger) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", requestID)

			ctx := context.WithValue(r.Context(), requestIDKey, requestID)
			ctx = context.WithValue(ctx, clientIPKey, ClientIP(r))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			eventType, ok := classifyRequest(r.Method, r.URL.Path, rec.status)
			if !ok {
				return
			}
			a.LogEvent(ctx, eventType, fmt.Sprintf("%s %s - %d", r.Method, r.URL.Path, rec.status), map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status_code": rec.status,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}

// classifyRequest picks the audit event for a finished request, if any
func classifyRequest(method, path string, status int) (AuditEventType, bool) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthenticationFailure, true
	case status == http.StatusTooManyRequests:
		return RateLimitExceeded, true
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge:
		return ValidationFailure, true
	}
	if method == http.MethodPost {
		if t, ok := auditedPaths[path]; ok {
			return t, true
		}
	}
	return "", false
}

// Stats reports logged and dropped counts
func (a *AuditLogger) Stats() map[string]int64 {
	return map[string]int64{
		"logged":  a.logged.Load(),
		"dropped": a.dropped.Load(),
	}
}

// Stop drains the buffer and stops the writer
func (a *AuditLogger) Stop() {
	a.mu.Lock()
	if !a.config.Enabled || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	close(a.stop)
	a.wg.Wait()
}

func (a *AuditLogger) process() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	pending := make([]*AuditEvent, 0, 100)
	flush := func() {
		for _, e := range pending {
			a.write(e)
		}
		pending = pending[:0]
	}

	for {
		select {
		case e := <-a.buffer:
			pending = append(pending, e)
			if len(pending) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.stop:
			for {
				select {
				case e := <-a.buffer:
					pending = append(pending, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (a *AuditLogger) write(event *AuditEvent) {
	fields := logrus.Fields{
		"audit_event": true,
		"event_type":  event.EventType,
		"event_id":    event.ID,
		"user_id":     event.UserID,
		"ip_address":  event.IPAddress,
		"request_id":  event.RequestID,
		"status_code": event.StatusCode,
		"severity":    event.Severity,
	}
	for k, v := range event.Details {
		fields["detail_"+k] = v
	}

	entry := a.logger.WithFields(fields)
	switch event.Severity {
	case "high":
		entry.Warn(event.Message)
	case "medium":
		entry.Info(event.Message)
	default:
		entry.Debug(event.Message)
	}
}

func (a *AuditLogger) sanitize(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if a.isSensitive(k) {
			out[k] = "***REDACTED***"
			continue
		}
		out[k] = v
	}
	return out
}

func (a *AuditLogger) isSensitive(field string) bool {
	lower := strings.ToLower(field)
	for _, s := range []string{"password", "token", "secret", "api_key", "authorization", "credential"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, s := range a.config.SensitiveFields {
		if strings.EqualFold(field, s) {
			return true
		}
	}
	return false
}

func severityOf(eventType AuditEventType) string {
	switch eventType {
	case AuthenticationFailure:
		return "high"
	case RateLimitExceeded, ValidationFailure, TransactionExecuted, OptimizeRequested, DataModified:
		return "medium"
	default:
		return "low"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
