package routing

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tributary-ai/query-router/internal/types"
)

// DefaultPromotionReadRatio is the read ratio above which moderate read-only
// queries move to the analytical strategy
const DefaultPromotionReadRatio = 0.8

// RoutingTable maps (shape, complexity) onto a strategy name, restricted to
// the strategies currently available
type RoutingTable struct {
	promotionReadRatio float64

	mu         sync.RWMutex
	available  map[string]bool
	generation uint64
}

// NewRoutingTable builds an empty table
func NewRoutingTable(promotionReadRatio float64) *RoutingTable {
	if promotionReadRatio <= 0 || promotionReadRatio >= 1 {
		promotionReadRatio = DefaultPromotionReadRatio
	}
	return &RoutingTable{
		promotionReadRatio: promotionReadRatio,
		available:          make(map[string]bool),
	}
}

// SetAvailable marks a strategy as usable or not. The generation is bumped
// only when the available set actually changes.
func (t *RoutingTable) SetAvailable(name string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.available[name] == ok {
		return
	}
	if ok {
		t.available[name] = true
	} else {
		delete(t.available, name)
	}
	t.generation++
}

// IsAvailable reports whether name can currently be routed to
func (t *RoutingTable) IsAvailable(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.available[name]
}

// Available lists the routable strategies, sorted
func (t *RoutingTable) Available() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.available))
	for name := range t.available {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generation returns the current registration generation
func (t *RoutingTable) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// PromotionReadRatio returns the configured promotion threshold
func (t *RoutingTable) PromotionReadRatio() float64 {
	return t.promotionReadRatio
}

// Route picks a strategy. It always returns a name; when the preferred
// target is unavailable the answer is the transactional strategy.
func (t *RoutingTable) Route(shape types.QueryShape, complexity types.QueryComplexity, readOnly bool, metrics types.WorkloadMetrics) RoutingDecision {
	t.mu.RLock()
	generation := t.generation
	analyticalUp := t.available[types.StrategyAnalytical]
	semanticUp := t.available[types.StrategySemantic]
	t.mu.RUnlock()

	decision := RoutingDecision{
		Strategy:   types.StrategyTransactional,
		Shape:      shape,
		Complexity: complexity,
		ReadOnly:   readOnly,
		Generation: generation,
		Source:     SourceTable,
		Timestamp:  time.Now(),
	}

	target := types.StrategyTransactional
	switch {
	case shape == types.ShapeSemantic:
		target = types.StrategySemantic
		decision.Reasoning = append(decision.Reasoning, "semantic shape")

	case shape == types.ShapeAnalytical &&
		(complexity == types.ComplexityComplex || complexity == types.ComplexityAnalyticalHeavy):
		target = types.StrategyAnalytical
		decision.Reasoning = append(decision.Reasoning, fmt.Sprintf("analytical shape with %s complexity", complexity))

	case shape == types.ShapeTransactional && complexity == types.ComplexityModerate && readOnly:
		decision.MetricsDependent = true
		if analyticalUp && metrics.ReadRatio > t.promotionReadRatio {
			target = types.StrategyAnalytical
			decision.Reasoning = append(decision.Reasoning,
				fmt.Sprintf("read ratio %.2f above %.2f, promoting moderate read", metrics.ReadRatio, t.promotionReadRatio))
		} else {
			decision.Reasoning = append(decision.Reasoning,
				fmt.Sprintf("read ratio %.2f does not justify promotion", metrics.ReadRatio))
		}

	default:
		decision.Reasoning = append(decision.Reasoning, fmt.Sprintf("%s shape with %s complexity", shape, complexity))
	}

	switch target {
	case types.StrategySemantic:
		if !semanticUp {
			decision.Reasoning = append(decision.Reasoning, "semantic strategy unavailable")
			target = types.StrategyTransactional
		}
	case types.StrategyAnalytical:
		if !analyticalUp {
			decision.Reasoning = append(decision.Reasoning, "analytical strategy unavailable")
			target = types.StrategyTransactional
		}
	}

	decision.Strategy = target
	return decision
}
