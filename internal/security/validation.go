package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// ValidationConfig bounds request bodies before they reach the router
type ValidationConfig struct {
	MaxRequestSize  int64    `yaml:"max_request_size"`
	MaxJSONDepth    int      `yaml:"max_json_depth"`
	MaxQueryLength  int      `yaml:"max_query_length"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
	IPBlacklist     []string `yaml:"ip_blacklist"`
}

// RequestValidator enforces size, depth and content limits on request bodies
type RequestValidator struct {
	config  *ValidationConfig
	logger  *logrus.Logger
	blocked []*regexp.Regexp
}

var (
	errTooLarge = errors.New("request body too large")
	errTooDeep  = errors.New("request body nested too deeply")
)

// NewRequestValidator compiles the blocked patterns
func NewRequestValidator(config *ValidationConfig, logger *logrus.Logger) (*RequestValidator, error) {
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = 10 << 20
	}
	if config.MaxJSONDepth <= 0 {
		config.MaxJSONDepth = 20
	}
	if config.MaxQueryLength <= 0 {
		config.MaxQueryLength = 1 << 20
	}

	v := &RequestValidator{config: config, logger: logger}
	for _, pattern := range config.BlockedPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern '%s': %w", pattern, err)
		}
		v.blocked = append(v.blocked, re)
	}
	return v, nil
}

// ValidateBody checks a JSON request body
func (v *RequestValidator) ValidateBody(body []byte) error {
	if int64(len(body)) > v.config.MaxRequestSize {
		return errTooLarge
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if jsonDepth(data) > v.config.MaxJSONDepth {
		return errTooDeep
	}

	if obj, ok := data.(map[string]interface{}); ok {
		if q, ok := obj["query"].(string); ok && len(q) > v.config.MaxQueryLength {
			return fmt.Errorf("query exceeds %d bytes", v.config.MaxQueryLength)
		}
	}

	for _, re := range v.blocked {
		if re.Match(body) {
			return fmt.Errorf("request matches blocked pattern %q", re.String())
		}
	}
	return nil
}

func (v *RequestValidator) isBlockedIP(ip string) bool {
	for _, pattern := range v.config.IPBlacklist {
		if pattern == ip {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(ip, prefix) {
			return true
		}
	}
	return false
}

// Middleware rejects blocked IPs with 403, oversized bodies with 413 and
// malformed bodies with 400
func (v *RequestValidator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if v.isBlockedIP(ip) {
				v.logger.WithField("remote_ip", ip).Warn("Request from blocked IP")
				writeError(w, http.StatusForbidden, "forbidden", "Access denied")
				return
			}

			if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, v.config.MaxRequestSize))
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					writeError(w, http.StatusRequestEntityTooLarge, "validation_error", errTooLarge.Error())
					return
				}
				writeError(w, http.StatusBadRequest, "validation_error", "Failed to read request body")
				return
			}

			if err := v.ValidateBody(body); err != nil {
				v.logger.WithError(err).WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
				}).Warn("Request body rejected")
				status := http.StatusBadRequest
				if errors.Is(err, errTooLarge) {
					status = http.StatusRequestEntityTooLarge
				}
				writeError(w, status, "validation_error", err.Error())
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func jsonDepth(data interface{}) int {
	switch v := data.(type) {
	case map[string]interface{}:
		deepest := 0
		for _, child := range v {
			if d := jsonDepth(child); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	case []interface{}:
		deepest := 0
		for _, child := range v {
			if d := jsonDepth(child); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	default:
		return 0
	}
}
