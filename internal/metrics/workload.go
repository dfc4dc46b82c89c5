// Package metrics tracks workload shape and per-strategy performance, and
// exports both to Prometheus.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/tributary-ai/query-router/internal/types"
)

// DefaultSmoothing is the weight given to each new sample
const DefaultSmoothing = 0.1

// WorkloadTracker keeps exponentially smoothed workload estimates
type WorkloadTracker struct {
	alpha float64

	mu            sync.Mutex
	readRatio     float64
	writeRatio    float64
	aggregation   float64
	avgResultSize float64
	samples       int64

	concurrent atomic.Int64
}

// NewWorkloadTracker starts with an even read/write split
func NewWorkloadTracker(alpha float64) *WorkloadTracker {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultSmoothing
	}
	return &WorkloadTracker{
		alpha:      alpha,
		readRatio:  0.5,
		writeRatio: 0.5,
	}
}

// Enter marks a caller as in flight. The returned func marks it done.
func (w *WorkloadTracker) Enter() func() {
	w.concurrent.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { w.concurrent.Add(-1) })
	}
}

// Observe folds one completed query into the estimates
func (w *WorkloadTracker) Observe(readOnly, aggregation bool, resultSize int64) {
	read, write, agg := 0.0, 1.0, 0.0
	if readOnly {
		read, write = 1.0, 0.0
	}
	if aggregation {
		agg = 1.0
	}
	if resultSize < 0 {
		resultSize = 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.readRatio = clamp(ema(w.readRatio, read, w.alpha))
	w.writeRatio = clamp(ema(w.writeRatio, write, w.alpha))
	w.aggregation = clamp(ema(w.aggregation, agg, w.alpha))
	if w.samples == 0 {
		w.avgResultSize = float64(resultSize)
	} else {
		w.avgResultSize = ema(w.avgResultSize, float64(resultSize), w.alpha)
	}
	w.samples++
}

// Snapshot returns a copy of the current estimates
func (w *WorkloadTracker) Snapshot() types.WorkloadMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return types.WorkloadMetrics{
		ReadRatio:            w.readRatio,
		WriteRatio:           w.writeRatio,
		AggregationFrequency: w.aggregation,
		AvgResultSize:        w.avgResultSize,
		ConcurrentCallers:    w.concurrent.Load(),
		Samples:              w.samples,
	}
}

func ema(prev, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*prev
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
