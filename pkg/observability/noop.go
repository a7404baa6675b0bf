package observability

import "time"

// NoopLogger discards all log messages. Used in tests and as a safe default
// when callers pass a nil logger.
type NoopLogger struct{}

// NewNoopLogger creates a logger that discards everything
func NewNoopLogger() Logger { return &NoopLogger{} }

func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Fatal(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) WithPrefix(prefix string) Logger                 { return l }

// noopMetricsClient discards all metrics
type noopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that discards everything
func NewNoopMetricsClient() MetricsClient { return &noopMetricsClient{} }

func (m *noopMetricsClient) IncrementCounter(name string, value float64) {}
func (m *noopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (m *noopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}
func (m *noopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (m *noopMetricsClient) RecordLatency(operation string, duration time.Duration)               {}
func (m *noopMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
}
func (m *noopMetricsClient) Close() error { return nil }
