package types

import (
	"fmt"
	"time"
)

// Durability modes for write-ahead-log backed strategies
const (
	DurabilityWALNormal = "wal_normal"
	DurabilityWALFull   = "wal_full"
)

// StorageConfig describes one backend. It is read-only once the router is built.
type StorageConfig struct {
	Backend        string            `yaml:"backend" json:"backend"`
	Target         string            `yaml:"target" json:"target"`
	MaxQueryTimeMs int64             `yaml:"max_query_time_ms" json:"max_query_time_ms"`
	PoolSize       int               `yaml:"pool_size" json:"pool_size"`
	ConnectTimeout time.Duration     `yaml:"connect_timeout" json:"connect_timeout"`
	Durability     string            `yaml:"durability" json:"durability"`
	Options        map[string]string `yaml:"options" json:"options,omitempty"`
}

// NewStorageConfig builds a validated config, filling defaults for optional fields
func NewStorageConfig(backend, target string, maxQueryTimeMs int64, poolSize int, options map[string]string) (StorageConfig, error) {
	cfg := StorageConfig{
		Backend:        backend,
		Target:         target,
		MaxQueryTimeMs: maxQueryTimeMs,
		PoolSize:       poolSize,
		Options:        make(map[string]string, len(options)),
	}
	for k, v := range options {
		cfg.Options[k] = v
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return StorageConfig{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued optional fields
func (c *StorageConfig) ApplyDefaults() {
	if c.MaxQueryTimeMs == 0 {
		c.MaxQueryTimeMs = 1000
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.Durability == "" {
		c.Durability = DurabilityWALNormal
	}
}

// Validate reports a ConfigurationError for unusable settings
func (c StorageConfig) Validate() error {
	if c.Backend == "" {
		return NewStrategyError(ErrConfiguration, c.Backend, "validate", fmt.Errorf("backend name is required"))
	}
	if c.Target == "" {
		return NewStrategyError(ErrConfiguration, c.Backend, "validate", fmt.Errorf("connection target is required"))
	}
	if c.PoolSize <= 0 {
		return NewStrategyError(ErrConfiguration, c.Backend, "validate", fmt.Errorf("pool size must be positive, got %d", c.PoolSize))
	}
	if c.MaxQueryTimeMs < 0 {
		return NewStrategyError(ErrConfiguration, c.Backend, "validate", fmt.Errorf("max query time must not be negative"))
	}
	switch c.Durability {
	case "", DurabilityWALNormal, DurabilityWALFull:
	default:
		return NewStrategyError(ErrConfiguration, c.Backend, "validate", fmt.Errorf("unknown durability mode %q", c.Durability))
	}
	return nil
}

// MaxQueryTime returns the SLA budget as a duration
func (c StorageConfig) MaxQueryTime() time.Duration {
	return time.Duration(c.MaxQueryTimeMs) * time.Millisecond
}

// Option returns a backend-specific option or the fallback
func (c StorageConfig) Option(key, fallback string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}
