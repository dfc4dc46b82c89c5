package routing

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tributary-ai/query-router/internal/types"
)

func TestSignature(t *testing.T) {
	a := Signature(types.ShapeTransactional, types.ComplexitySimple, "SELECT 1")
	b := Signature(types.ShapeTransactional, types.ComplexitySimple, "SELECT 1")
	c := Signature(types.ShapeTransactional, types.ComplexitySimple, "SELECT 2")
	d := Signature(types.ShapeAnalytical, types.ComplexitySimple, "SELECT 1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.True(t, strings.HasPrefix(a, "transactional:simple:"))

	// Only the leading bytes take part
	prefix := strings.Repeat("x", 512)
	assert.Equal(t,
		Signature(types.ShapeTransactional, types.ComplexitySimple, prefix+"tail one"),
		Signature(types.ShapeTransactional, types.ComplexitySimple, prefix+"tail two"))
}

func TestDecisionCache_GenerationMismatch(t *testing.T) {
	cache := NewDecisionCache(10)
	cache.Put("sig", RoutingDecision{Strategy: "analytical", Generation: 3})

	d, ok := cache.Get("sig", 3)
	assert.True(t, ok)
	assert.Equal(t, "analytical", d.Strategy)

	_, ok = cache.Get("sig", 4)
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestDecisionCache_SkipsMetricsDependent(t *testing.T) {
	cache := NewDecisionCache(10)
	stored := cache.Put("sig", RoutingDecision{Strategy: "analytical", MetricsDependent: true})
	assert.False(t, stored)
	assert.False(t, cache.Contains("sig"))
}

func TestDecisionCache_BoundedCapacity(t *testing.T) {
	cache := NewDecisionCache(5)
	for i := 0; i < 20; i++ {
		cache.Put(fmt.Sprintf("sig-%d", i), RoutingDecision{Strategy: "transactional"})
	}
	assert.Equal(t, 5, cache.Len())

	// Overwriting an existing key never evicts
	cache.Put("sig-19", RoutingDecision{Strategy: "semantic"})
	assert.Equal(t, 5, cache.Len())
	assert.True(t, cache.Contains("sig-19"))
}

func TestDecisionCache_Clear(t *testing.T) {
	cache := NewDecisionCache(0)
	cache.Put("a", RoutingDecision{})
	cache.Put("b", RoutingDecision{})
	cache.Clear()
	assert.Equal(t, 0, cache.Len())
}
