// Package classifier infers the shape and complexity of a query from its text.
package classifier

import (
	"regexp"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/tributary-ai/query-router/internal/types"
)

// Thresholds controls when a query counts as Complex
type Thresholds struct {
	Joins         int `yaml:"joins" json:"joins"`
	NestedSelects int `yaml:"nested_selects" json:"nested_selects"`
}

// DefaultThresholds returns the stock complexity thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{Joins: 3, NestedSelects: 2}
}

var (
	semanticMarkers   = wordPattern(`similarity`, `vector`, `embedding`)
	mutatingMarkers   = wordPattern(`insert`, `update`, `delete`, `replace`, `begin`, `commit`)
	analyticalMarkers = wordPattern(`group\s+by`, `having`, `window`, `partition\s+by`)
	overClause        = regexp.MustCompile(`(?i)\bover\s*\(`)

	heavyMarkers     = wordPattern(`window`, `partition\s+by`, `recursive`, `group\s+by`, `having`)
	aggregateMarkers = regexp.MustCompile(`(?i)\b(count|sum|avg|min|max)\s*\(|\bdistinct\b`)

	joinToken   = regexp.MustCompile(`(?i)\bjoin\b`)
	selectToken = regexp.MustCompile(`(?i)\bselect\b`)
)

func wordPattern(words ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(` + strings.Join(words, "|") + `)\b`)
}

// Classifier is stateless apart from its thresholds and safe for concurrent use
type Classifier struct {
	thresholds Thresholds
}

// New builds a classifier. Non-positive thresholds fall back to the defaults.
func New(thresholds Thresholds) *Classifier {
	def := DefaultThresholds()
	if thresholds.Joins <= 0 {
		thresholds.Joins = def.Joins
	}
	if thresholds.NestedSelects <= 0 {
		thresholds.NestedSelects = def.NestedSelects
	}
	return &Classifier{thresholds: thresholds}
}

// Thresholds returns the active thresholds
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds
}

// Classify returns the shape and complexity of query. Explicit values in qctx
// are returned unchanged; anything missing is inferred from the text.
func (c *Classifier) Classify(query string, qctx *types.QueryContext) (types.QueryShape, types.QueryComplexity) {
	var shape types.QueryShape
	var complexity types.QueryComplexity

	if qctx != nil {
		if qctx.Shape != nil {
			shape = *qctx.Shape
		}
		if qctx.Complexity != nil {
			complexity = *qctx.Complexity
		}
	}

	if shape == "" {
		shape = c.InferShape(query)
	}
	if complexity == "" {
		complexity = c.InferComplexity(query)
	}
	return shape, complexity
}

// InferShape applies the marker rules in order; the first match wins
func (c *Classifier) InferShape(query string) types.QueryShape {
	switch {
	case strings.TrimSpace(query) == "":
		return types.ShapeTransactional
	case semanticMarkers.MatchString(query):
		return types.ShapeSemantic
	case mutatingMarkers.MatchString(query):
		return types.ShapeTransactional
	case analyticalMarkers.MatchString(query), overClause.MatchString(query):
		return types.ShapeAnalytical
	default:
		return types.ShapeTransactional
	}
}

// InferComplexity estimates structural cost from joins, nesting and grouping
func (c *Classifier) InferComplexity(query string) types.QueryComplexity {
	if strings.TrimSpace(query) == "" {
		return types.ComplexitySimple
	}

	joins := len(joinToken.FindAllStringIndex(query, -1))
	nested := len(selectToken.FindAllStringIndex(query, -1)) - 1
	if nested < 0 {
		nested = 0
	}

	switch {
	case joins >= c.thresholds.Joins || nested >= c.thresholds.NestedSelects:
		return types.ComplexityComplex
	case heavyMarkers.MatchString(query), overClause.MatchString(query):
		return types.ComplexityAnalyticalHeavy
	case joins > 0, aggregateMarkers.MatchString(query):
		return types.ComplexityModerate
	default:
		return types.ComplexitySimple
	}
}

// IsReadOnly reports whether query only reads data
func (c *Classifier) IsReadOnly(query string) bool {
	switch sqlparser.Preview(query) {
	case sqlparser.StmtSelect, sqlparser.StmtShow:
		return true
	case sqlparser.StmtInsert, sqlparser.StmtReplace, sqlparser.StmtUpdate,
		sqlparser.StmtDelete, sqlparser.StmtDDL, sqlparser.StmtBegin,
		sqlparser.StmtCommit, sqlparser.StmtRollback, sqlparser.StmtSet:
		return false
	}
	// WITH, EXPLAIN and anything the previewer cannot place
	if strings.TrimSpace(query) == "" {
		return true
	}
	return !mutatingMarkers.MatchString(query)
}

// IsAggregation reports whether query groups or aggregates rows
func (c *Classifier) IsAggregation(query string) bool {
	return analyticalMarkers.MatchString(query) ||
		overClause.MatchString(query) ||
		aggregateMarkers.MatchString(query)
}
