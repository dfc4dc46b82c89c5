package types

import (
	"strings"
)

// QueryShape is the access-pattern category of a query
type QueryShape string

const (
	ShapeTransactional QueryShape = "transactional"
	ShapeAnalytical    QueryShape = "analytical"
	ShapeSemantic      QueryShape = "semantic"
	ShapeMixed         QueryShape = "mixed"
)

// QueryComplexity is a coarse structural estimate of query cost
type QueryComplexity string

const (
	ComplexitySimple          QueryComplexity = "simple"
	ComplexityModerate        QueryComplexity = "moderate"
	ComplexityComplex         QueryComplexity = "complex"
	ComplexityAnalyticalHeavy QueryComplexity = "analytical_heavy"
)

// OptimizationLevel controls how much work a strategy's optimization hook does
type OptimizationLevel string

const (
	OptimizeConservative OptimizationLevel = "conservative"
	OptimizeBalanced     OptimizationLevel = "balanced"
	OptimizeAggressive   OptimizationLevel = "aggressive"
)

// Well-known strategy names
const (
	StrategyTransactional = "transactional"
	StrategyAnalytical    = "analytical"
	StrategySemantic      = "semantic"
)

// QueryContext carries per-call routing hints. It is created by the caller and never persisted.
type QueryContext struct {
	Shape              *QueryShape      `json:"shape,omitempty"`
	Complexity         *QueryComplexity `json:"complexity,omitempty"`
	ExpectedResultSize int              `json:"expected_result_size,omitempty"`
	Priority           string           `json:"priority,omitempty"`
	CacheEligible      bool             `json:"cache_eligible"`
	PreferredStrategy  string           `json:"preferred_strategy,omitempty"`
}

// Operation is a single step of a transaction
type Operation struct {
	Query  string                 `json:"query"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Valid reports whether s is one of the known shapes
func (s QueryShape) Valid() bool {
	switch s {
	case ShapeTransactional, ShapeAnalytical, ShapeSemantic, ShapeMixed:
		return true
	}
	return false
}

// Valid reports whether c is one of the known complexities
func (c QueryComplexity) Valid() bool {
	switch c {
	case ComplexitySimple, ComplexityModerate, ComplexityComplex, ComplexityAnalyticalHeavy:
		return true
	}
	return false
}

// ParseOptimizationLevel maps a user-supplied level onto a known value.
// Unknown or empty input yields OptimizeBalanced.
func ParseOptimizationLevel(s string) OptimizationLevel {
	switch OptimizationLevel(strings.ToLower(strings.TrimSpace(s))) {
	case OptimizeConservative:
		return OptimizeConservative
	case OptimizeAggressive:
		return OptimizeAggressive
	default:
		return OptimizeBalanced
	}
}

// ShapePtr is a convenience for building a QueryContext override
func ShapePtr(s QueryShape) *QueryShape { return &s }

// ComplexityPtr is a convenience for building a QueryContext hint
func ComplexityPtr(c QueryComplexity) *QueryComplexity { return &c }
