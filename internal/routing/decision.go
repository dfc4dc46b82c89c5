package routing

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tributary-ai/query-router/internal/types"
)

// Where a routing decision came from
const (
	SourceTable     = "table"
	SourceCache     = "cache"
	SourcePreferred = "preferred"
)

// DefaultDecisionCacheSize bounds the decision cache
const DefaultDecisionCacheSize = 10000

// signaturePrefixLen is how much of the query text feeds the signature
const signaturePrefixLen = 512

// RoutingDecision contains information about a routing decision
type RoutingDecision struct {
	// The selected strategy name
	Strategy string `json:"strategy"`

	Shape      types.QueryShape      `json:"shape"`
	Complexity types.QueryComplexity `json:"complexity"`
	ReadOnly   bool                  `json:"read_only"`

	// Human-readable reasoning for the decision
	Reasoning []string `json:"reasoning"`

	// Set when the outcome depended on live workload metrics. Such decisions
	// are never cached.
	MetricsDependent bool `json:"metrics_dependent"`

	// Registration generation the decision was computed under
	Generation uint64 `json:"generation"`

	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Signature keys the decision cache: shape, complexity and a hash of the
// leading bytes of the query
func Signature(shape types.QueryShape, complexity types.QueryComplexity, query string) string {
	if len(query) > signaturePrefixLen {
		query = query[:signaturePrefixLen]
	}
	return fmt.Sprintf("%s:%s:%016x", shape, complexity, xxhash.Sum64String(query))
}

// DecisionCache memoizes metric-independent routing decisions by signature
type DecisionCache struct {
	mu       sync.Mutex
	entries  map[string]RoutingDecision
	capacity int
}

// NewDecisionCache builds a cache holding at most capacity decisions
func NewDecisionCache(capacity int) *DecisionCache {
	if capacity <= 0 {
		capacity = DefaultDecisionCacheSize
	}
	return &DecisionCache{
		entries:  make(map[string]RoutingDecision),
		capacity: capacity,
	}
}

// Get returns the decision for sig if it was computed under generation.
// Entries from an older generation are dropped.
func (c *DecisionCache) Get(sig string, generation uint64) (RoutingDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.entries[sig]
	if !ok {
		return RoutingDecision{}, false
	}
	if d.Generation != generation {
		delete(c.entries, sig)
		return RoutingDecision{}, false
	}
	return d, true
}

// Put stores d unless it depends on live metrics. It reports whether the
// decision was stored.
func (c *DecisionCache) Put(sig string, d RoutingDecision) bool {
	if d.MetricsDependent {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[sig]; !exists && len(c.entries) >= c.capacity {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[sig] = d
	return true
}

// Contains reports whether sig has an entry, whatever its generation
func (c *DecisionCache) Contains(sig string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[sig]
	return ok
}

// Len returns the number of cached decisions
func (c *DecisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every cached decision
func (c *DecisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]RoutingDecision)
}
