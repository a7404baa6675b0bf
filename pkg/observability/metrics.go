package observability

import (
	"sync"
	"time"
)

// metricsClient is the default in-process metrics implementation. It keeps
// counters and last-value gauges so operators and tests can read them back;
// pushing to an external backend is the sink's responsibility.
type metricsClient struct {
	mu       sync.RWMutex
	enabled  bool
	counters map[string]float64
	gauges   map[string]float64
}

// NewMetricsClient creates a new metrics client with collection enabled
func NewMetricsClient() MetricsClient {
	return &metricsClient{
		enabled:  true,
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

// IncrementCounter increments a counter metric by a given value
func (m *metricsClient) IncrementCounter(name string, value float64) {
	m.IncrementCounterWithLabels(name, value, nil)
}

// IncrementCounterWithLabels increments a counter metric with custom labels
func (m *metricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[metricKey(name, labels)] += value
}

// RecordGauge records the current value of a gauge metric
func (m *metricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[metricKey(name, labels)] = value
}

// RecordHistogram records an observation for a histogram metric
func (m *metricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[metricKey(name+".sum", labels)] += value
	m.counters[metricKey(name+".count", labels)]++
}

// RecordLatency records the duration of an operation
func (m *metricsClient) RecordLatency(operation string, duration time.Duration) {
	m.RecordHistogram(operation+".latency", duration.Seconds(), nil)
}

// RecordCacheOperation records a cache operation with its outcome
func (m *metricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	labels := map[string]string{"operation": operation}
	if success {
		labels["status"] = "success"
	} else {
		labels["status"] = "failure"
	}
	m.IncrementCounterWithLabels("cache.operations", 1, labels)
	m.RecordHistogram("cache.operation.duration", durationSeconds, labels)
}

// CounterValue returns the accumulated value of a counter, for tests and
// health endpoints
func (m *metricsClient) CounterValue(name string, labels map[string]string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[metricKey(name, labels)]
}

// Close releases metrics resources
func (m *metricsClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
	return nil
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	key := name
	// Fixed label order keeps keys stable without sorting per call.
	for _, k := range []string{"operation", "status", "tier", "subject", "type", "service", "reason"} {
		if v, ok := labels[k]; ok {
			key += "|" + k + "=" + v
		}
	}
	return key
}
