package metrics

import (
	"sync"
	"time"

	"github.com/tributary-ai/query-router/internal/types"
)

// DefaultWindow is the number of executions kept for performance summaries
const DefaultWindow = 1000

// StrategyPerformance summarizes one strategy over the recorder window
type StrategyPerformance struct {
	Executions        int     `json:"executions"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	SLAComplianceRate float64 `json:"sla_compliance_rate"`
	SuccessRate       float64 `json:"success_rate"`
	Utilization       float64 `json:"utilization"`
}

// PerformanceRecorder keeps the most recent executions in a ring buffer
type PerformanceRecorder struct {
	mu    sync.Mutex
	ring  []types.PerformanceRecord
	next  int
	full  bool
	total int64
}

// NewPerformanceRecorder builds a recorder holding up to window records
func NewPerformanceRecorder(window int) *PerformanceRecorder {
	if window <= 0 {
		window = DefaultWindow
	}
	return &PerformanceRecorder{ring: make([]types.PerformanceRecord, window)}
}

// Record appends rec, overwriting the oldest entry once the ring is full
func (p *PerformanceRecorder) Record(rec types.PerformanceRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.ring[p.next] = rec
	p.next = (p.next + 1) % len(p.ring)
	if p.next == 0 {
		p.full = true
	}
	p.total++
}

// Len returns the number of records currently held
func (p *PerformanceRecorder) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lenLocked()
}

func (p *PerformanceRecorder) lenLocked() int {
	if p.full {
		return len(p.ring)
	}
	return p.next
}

// Total returns the number of records ever written
func (p *PerformanceRecorder) Total() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Records returns the window oldest first
func (p *PerformanceRecorder) Records() []types.PerformanceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.lenLocked()
	out := make([]types.PerformanceRecord, 0, n)
	if p.full {
		out = append(out, p.ring[p.next:]...)
	}
	out = append(out, p.ring[:p.next]...)
	return out
}

// Summary aggregates the window per strategy
func (p *PerformanceRecorder) Summary() map[string]StrategyPerformance {
	records := p.Records()

	type acc struct {
		n, ok, sla int
		latency    float64
	}
	byStrategy := make(map[string]*acc)
	for _, r := range records {
		a, exists := byStrategy[r.Strategy]
		if !exists {
			a = &acc{}
			byStrategy[r.Strategy] = a
		}
		a.n++
		a.latency += r.ElapsedMs
		if r.Success {
			a.ok++
		}
		if r.MetSLA {
			a.sla++
		}
	}

	summary := make(map[string]StrategyPerformance, len(byStrategy))
	for name, a := range byStrategy {
		summary[name] = StrategyPerformance{
			Executions:        a.n,
			AvgLatencyMs:      a.latency / float64(a.n),
			SLAComplianceRate: float64(a.sla) / float64(a.n),
			SuccessRate:       float64(a.ok) / float64(a.n),
			Utilization:       float64(a.n) / float64(len(records)),
		}
	}
	return summary
}
