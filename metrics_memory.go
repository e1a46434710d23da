package mqtt311

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// MemoryMetrics is an in-memory implementation of Metrics for testing and
// for the daemon's stats output.
type MemoryMetrics struct {
	mu       sync.RWMutex
	counters map[string]*memoryValue
	gauges   map[string]*memoryValue
}

// NewMemoryMetrics creates a new in-memory metrics instance.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters: make(map[string]*memoryValue),
		gauges:   make(map[string]*memoryValue),
	}
}

// labelsKey builds a stable key. Labels are sorted so the same set always
// maps to the same series.
func labelsKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return b.String()
}

func (m *MemoryMetrics) series(set map[string]*memoryValue, name string, labels MetricLabels) *memoryValue {
	key := labelsKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := set[key]; ok {
		return v
	}
	v := &memoryValue{}
	set[key] = v
	return v
}

// Counter returns a counter metric.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	return m.series(m.counters, name, labels)
}

// Gauge returns a gauge metric.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return m.series(m.gauges, name, labels)
}

// CounterValue returns the current value of a counter, or 0 if it was never
// touched.
func (m *MemoryMetrics) CounterValue(name string, labels MetricLabels) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.counters[labelsKey(name, labels)]; ok {
		return v.Value()
	}
	return 0
}

// GaugeValue returns the current value of a gauge, or 0 if it was never set.
func (m *MemoryMetrics) GaugeValue(name string, labels MetricLabels) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.gauges[labelsKey(name, labels)]; ok {
		return v.Value()
	}
	return 0
}

// Snapshot returns every series keyed by name and labels.
func (m *MemoryMetrics) Snapshot() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]float64, len(m.counters)+len(m.gauges))
	for k, v := range m.counters {
		out[k] = v.Value()
	}
	for k, v := range m.gauges {
		out[k] = v.Value()
	}
	return out
}

// memoryValue stores a float64 as bits so updates stay lock-free. It serves
// as both Counter and Gauge.
type memoryValue struct {
	bits atomic.Uint64
}

func (v *memoryValue) Set(value float64) {
	v.bits.Store(math.Float64bits(value))
}

func (v *memoryValue) Inc() {
	v.Add(1)
}

func (v *memoryValue) Dec() {
	v.Add(-1)
}

func (v *memoryValue) Add(delta float64) {
	for {
		old := v.bits.Load()
		next := math.Float64frombits(old) + delta
		if v.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

func (v *memoryValue) Value() float64 {
	return math.Float64frombits(v.bits.Load())
}
