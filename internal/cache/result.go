// Package cache keeps results of read-only queries in Redis.
//
// Keys embed a generation counter. Every successful write bumps the counter,
// which orphans all earlier entries at once; they then age out by TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/query-router/internal/types"
)

// Config describes the Redis connection and entry lifetime
type Config struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"-"`
	DB       int           `yaml:"db" json:"db"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
	Prefix   string        `yaml:"prefix" json:"prefix"`
}

const (
	defaultTTL    = 5 * time.Minute
	defaultPrefix = "qr"
)

// ResultCache is a Redis-backed result cache. Failures are logged and
// reported as misses; they never fail a query.
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *logrus.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// New connects to Redis at cfg.Addr
func New(cfg Config, logger *logrus.Logger) (*ResultCache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("result cache: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.TTL, cfg.Prefix, logger), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, ttl time.Duration, prefix string, logger *logrus.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ResultCache{client: client, ttl: ttl, prefix: prefix, logger: logger}
}

// Ping checks the Redis connection
func (c *ResultCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *ResultCache) generationKey() string {
	return c.prefix + ":result:gen"
}

func (c *ResultCache) generation(ctx context.Context) (int64, error) {
	raw, err := c.client.Get(ctx, c.generationKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// Key builds the entry key for a query under generation gen
func (c *ResultCache) Key(gen int64, strategy, query string, params map[string]interface{}) string {
	return fmt.Sprintf("%s:result:%d:%s:%016x", c.prefix, gen, strategy, fingerprint(query, params))
}

// fingerprint hashes the query text and its params in key order
func fingerprint(query string, params map[string]interface{}) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(query)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.WriteString("\x00" + k + "=")
		encoded, err := json.Marshal(params[k])
		if err != nil {
			encoded = []byte(fmt.Sprint(params[k]))
		}
		_, _ = h.Write(encoded)
	}
	return h.Sum64()
}

// Get looks up a cached result. The returned key is the slot a fresh result
// for this query should be stored under; it is empty when Redis failed.
func (c *ResultCache) Get(ctx context.Context, strategy, query string, params map[string]interface{}) (*types.ExecutionResult, string, bool) {
	gen, err := c.generation(ctx)
	if err != nil {
		c.fail(err, "read generation")
		return nil, "", false
	}
	key := c.Key(gen, strategy, query, params)

	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return nil, key, false
	}
	if err != nil {
		c.fail(err, "get")
		return nil, key, false
	}

	var res types.ExecutionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		c.fail(err, "decode")
		return nil, key, false
	}
	c.hits.Add(1)
	return &res, key, true
}

// Set stores res under key
func (c *ResultCache) Set(ctx context.Context, key string, res *types.ExecutionResult) {
	if key == "" || res == nil {
		return
	}
	encoded, err := json.Marshal(res)
	if err != nil {
		c.fail(err, "encode")
		return
	}
	if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		c.fail(err, "set")
	}
}

// Invalidate bumps the generation so every existing entry is ignored
func (c *ResultCache) Invalidate(ctx context.Context) {
	gen, err := c.client.Incr(ctx, c.generationKey()).Result()
	if err != nil {
		c.fail(err, "invalidate")
		return
	}
	c.logger.WithField("generation", gen).Debug("Result cache invalidated")
}

func (c *ResultCache) fail(err error, op string) {
	c.errors.Add(1)
	c.logger.WithError(err).WithField("op", op).Warn("Result cache unavailable")
}

// Stats reports hit, miss and error counts
func (c *ResultCache) Stats() map[string]int64 {
	return map[string]int64{
		"hits":   c.hits.Load(),
		"misses": c.misses.Load(),
		"errors": c.errors.Load(),
	}
}

// Close closes the Redis client
func (c *ResultCache) Close() error {
	return c.client.Close()
}
