package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tributary-ai/query-router/internal/types"
)

func TestClassify_InferredShapeAndComplexity(t *testing.T) {
	c := New(DefaultThresholds())

	tests := []struct {
		name       string
		query      string
		shape      types.QueryShape
		complexity types.QueryComplexity
	}{
		{"empty", "", types.ShapeTransactional, types.ComplexitySimple},
		{"point lookup", "SELECT * FROM t WHERE id=1", types.ShapeTransactional, types.ComplexitySimple},
		{"insert", "INSERT INTO t (id) VALUES (1)", types.ShapeTransactional, types.ComplexitySimple},
		{"group by", "SELECT region, SUM(amount) FROM sales GROUP BY region", types.ShapeAnalytical, types.ComplexityAnalyticalHeavy},
		{"having lower case", "select a from t group by a having count(*) > 1", types.ShapeAnalytical, types.ComplexityAnalyticalHeavy},
		{"window function", "SELECT id, ROW_NUMBER() OVER (PARTITION BY k ORDER BY ts) FROM t", types.ShapeAnalytical, types.ComplexityAnalyticalHeavy},
		{"embedding marker", "SELECT id FROM docs ORDER BY EMBEDDING <-> $1", types.ShapeSemantic, types.ComplexitySimple},
		{"semantic beats mutating", "UPDATE docs SET vector = NULL", types.ShapeSemantic, types.ComplexitySimple},
		{"mutating beats analytical", "DELETE FROM t WHERE id IN (SELECT id FROM u GROUP BY id)", types.ShapeTransactional, types.ComplexityAnalyticalHeavy},
		{"single join", "SELECT * FROM a JOIN b ON a.id = b.id", types.ShapeTransactional, types.ComplexityModerate},
		{"aggregate", "SELECT COUNT(*) FROM t", types.ShapeTransactional, types.ComplexityModerate},
		{"distinct", "SELECT DISTINCT name FROM t", types.ShapeTransactional, types.ComplexityModerate},
		{"three joins", "SELECT * FROM a JOIN b ON 1=1 JOIN c ON 1=1 LEFT JOIN d ON 1=1", types.ShapeTransactional, types.ComplexityComplex},
		{"two nested selects", "SELECT * FROM a WHERE x IN (SELECT x FROM b WHERE y IN (SELECT y FROM c))", types.ShapeTransactional, types.ComplexityComplex},
		{"word boundary", "SELECT updated_at, inserted_by FROM joinery", types.ShapeTransactional, types.ComplexitySimple},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shape, complexity := c.Classify(tt.query, nil)
			assert.Equal(t, tt.shape, shape)
			assert.Equal(t, tt.complexity, complexity)
		})
	}
}

func TestClassify_ExplicitOverrides(t *testing.T) {
	c := New(DefaultThresholds())
	query := "SELECT region, SUM(amount) FROM sales GROUP BY region"

	shape, complexity := c.Classify(query, &types.QueryContext{
		Shape:      types.ShapePtr(types.ShapeMixed),
		Complexity: types.ComplexityPtr(types.ComplexitySimple),
	})
	assert.Equal(t, types.ShapeMixed, shape)
	assert.Equal(t, types.ComplexitySimple, complexity)

	// Only the shape is given, complexity is still inferred
	shape, complexity = c.Classify(query, &types.QueryContext{Shape: types.ShapePtr(types.ShapeTransactional)})
	assert.Equal(t, types.ShapeTransactional, shape)
	assert.Equal(t, types.ComplexityAnalyticalHeavy, complexity)

	// Only the complexity is given
	shape, complexity = c.Classify(query, &types.QueryContext{Complexity: types.ComplexityPtr(types.ComplexityComplex)})
	assert.Equal(t, types.ShapeAnalytical, shape)
	assert.Equal(t, types.ComplexityComplex, complexity)
}

func TestClassify_Deterministic(t *testing.T) {
	c := New(DefaultThresholds())
	queries := []string{
		"SELECT * FROM t WHERE id=1",
		"SELECT a, COUNT(*) FROM t JOIN u ON t.id = u.id GROUP BY a",
		"WITH RECURSIVE r AS (SELECT 1) SELECT * FROM r",
		"find documents by vector similarity",
	}

	for _, q := range queries {
		shape, complexity := c.Classify(q, nil)
		for i := 0; i < 50; i++ {
			s, cx := c.Classify(q, nil)
			assert.Equal(t, shape, s, q)
			assert.Equal(t, complexity, cx, q)
		}
	}
}

func TestNew_CustomThresholds(t *testing.T) {
	c := New(Thresholds{Joins: 1, NestedSelects: 1})
	assert.Equal(t, types.ComplexityComplex, c.InferComplexity("SELECT * FROM a JOIN b ON a.id = b.id"))
	assert.Equal(t, types.ComplexityComplex, c.InferComplexity("SELECT * FROM a WHERE x IN (SELECT x FROM b)"))

	def := New(Thresholds{})
	assert.Equal(t, DefaultThresholds(), def.Thresholds())
}

func TestIsReadOnly(t *testing.T) {
	c := New(DefaultThresholds())

	tests := []struct {
		query    string
		readOnly bool
	}{
		{"SELECT * FROM t", true},
		{"  select 1", true},
		{"SHOW TABLES", true},
		{"EXPLAIN SELECT * FROM t", true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"INSERT INTO t VALUES (1)", false},
		{"update t set a = 1", false},
		{"DELETE FROM t", false},
		{"REPLACE INTO t VALUES (1)", false},
		{"CREATE TABLE t (id INTEGER)", false},
		{"BEGIN", false},
		{"WITH x AS (SELECT 1) DELETE FROM t", false},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.readOnly, c.IsReadOnly(tt.query))
		})
	}
}

func TestIsAggregation(t *testing.T) {
	c := New(DefaultThresholds())
	assert.True(t, c.IsAggregation("SELECT AVG(x) FROM t"))
	assert.True(t, c.IsAggregation("SELECT a FROM t GROUP BY a"))
	assert.True(t, c.IsAggregation("SELECT SUM(x) OVER (ORDER BY y) FROM t"))
	assert.False(t, c.IsAggregation("SELECT * FROM t WHERE id = 1"))
}
