package types

import (
	"time"
)

// ExecutionResult is what every strategy and the router hand back to callers.
// StrategyUsed always names the strategy that actually ran the query.
type ExecutionResult struct {
	QueryID      string          `json:"query_id"`
	Success      bool            `json:"success"`
	Rows         [][]interface{} `json:"rows,omitempty"`
	RowCount     int64           `json:"row_count"`
	Columns      []string        `json:"columns,omitempty"`
	ElapsedMs    float64         `json:"elapsed_ms"`
	Error        string          `json:"error,omitempty"`
	StrategyUsed string          `json:"strategy_used"`
	Shape        QueryShape      `json:"shape,omitempty"`
	Complexity   QueryComplexity `json:"complexity,omitempty"`
	MetSLA       bool            `json:"met_sla"`
	CacheHit     bool            `json:"cache_hit,omitempty"`

	// Fallback bookkeeping
	FallbackUsed     bool   `json:"fallback_used,omitempty"`
	OriginalStrategy string `json:"original_strategy,omitempty"`
	OriginalError    string `json:"original_error,omitempty"`
}

// FailedResult builds a failed result for the given strategy
func FailedResult(strategy string, err error, elapsed time.Duration) *ExecutionResult {
	res := &ExecutionResult{
		Success:      false,
		StrategyUsed: strategy,
		ElapsedMs:    DurationMs(elapsed),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// DurationMs converts a duration to fractional milliseconds
func DurationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

// WorkloadMetrics is a snapshot of the running workload estimates
type WorkloadMetrics struct {
	ReadRatio            float64 `json:"read_ratio"`
	WriteRatio           float64 `json:"write_ratio"`
	AggregationFrequency float64 `json:"aggregation_frequency"`
	AvgResultSize        float64 `json:"avg_result_size"`
	ConcurrentCallers    int64   `json:"concurrent_callers"`
	Samples              int64   `json:"samples"`
}

// PerformanceRecord is one entry of the performance ring buffer
type PerformanceRecord struct {
	Strategy  string    `json:"strategy"`
	ElapsedMs float64   `json:"elapsed_ms"`
	Success   bool      `json:"success"`
	MetSLA    bool      `json:"met_sla"`
	Timestamp time.Time `json:"timestamp"`
}
