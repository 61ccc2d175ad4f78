package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/counterstream/errors"
)

// MetricsRegistrar is the interface components use to register their own
// metrics with the shared registry.
type MetricsRegistrar interface {
	RegisterCounter(serviceName, metricName string, counter prometheus.Counter) error
	RegisterGauge(serviceName, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(serviceName, metricName string, histogram prometheus.Histogram) error
	RegisterCounterVec(serviceName, metricName string, counterVec *prometheus.CounterVec) error
	RegisterGaugeVec(serviceName, metricName string, gaugeVec *prometheus.GaugeVec) error
	RegisterHistogramVec(serviceName, metricName string, histogramVec *prometheus.HistogramVec) error
	Unregister(serviceName, metricName string) bool
}

// MetricsRegistry wraps a prometheus registry with the platform metrics and
// tracks component registrations so the same name cannot be claimed twice.
type MetricsRegistry struct {
	registry *prometheus.Registry
	metrics  *Metrics

	mu         sync.Mutex
	registered map[string]prometheus.Collector
}

// NewMetricsRegistry creates a registry pre-populated with the platform
// metrics plus Go runtime and process collectors.
func NewMetricsRegistry() (*MetricsRegistry, error) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics()

	for _, c := range metrics.collectors() {
		if err := registry.Register(c); err != nil {
			return nil, errors.WrapFatal(err, "metric", "NewMetricsRegistry", "core metric registration")
		}
	}

	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, errors.WrapFatal(err, "metric", "NewMetricsRegistry", "go collector registration")
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, errors.WrapFatal(err, "metric", "NewMetricsRegistry", "process collector registration")
	}

	return &MetricsRegistry{
		registry:   registry,
		metrics:    metrics,
		registered: make(map[string]prometheus.Collector),
	}, nil
}

// Metrics returns the platform metrics.
func (r *MetricsRegistry) Metrics() *Metrics {
	return r.metrics
}

// Registry returns the underlying prometheus registry, for handler wiring.
func (r *MetricsRegistry) Registry() *prometheus.Registry {
	return r.registry
}

// Gatherer returns the registry as a prometheus.Gatherer.
func (r *MetricsRegistry) Gatherer() prometheus.Gatherer {
	return r.registry
}

func (r *MetricsRegistry) register(serviceName, metricName string, c prometheus.Collector) error {
	key := fmt.Sprintf("%s.%s", serviceName, metricName)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered", key),
			"MetricsRegistry", "register", "duplicate metric registration",
		)
	}

	if err := r.registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if stderrors.As(err, &are) {
			return errors.WrapInvalid(err, "MetricsRegistry", "register", "collector registration")
		}
		return errors.WrapFatal(err, "MetricsRegistry", "register", "collector registration")
	}

	r.registered[key] = c
	return nil
}

// RegisterCounter registers a counter under serviceName.metricName.
func (r *MetricsRegistry) RegisterCounter(serviceName, metricName string, counter prometheus.Counter) error {
	return r.register(serviceName, metricName, counter)
}

// RegisterGauge registers a gauge under serviceName.metricName.
func (r *MetricsRegistry) RegisterGauge(serviceName, metricName string, gauge prometheus.Gauge) error {
	return r.register(serviceName, metricName, gauge)
}

// RegisterHistogram registers a histogram under serviceName.metricName.
func (r *MetricsRegistry) RegisterHistogram(serviceName, metricName string, histogram prometheus.Histogram) error {
	return r.register(serviceName, metricName, histogram)
}

// RegisterCounterVec registers a counter vector under serviceName.metricName.
func (r *MetricsRegistry) RegisterCounterVec(serviceName, metricName string, counterVec *prometheus.CounterVec) error {
	return r.register(serviceName, metricName, counterVec)
}

// RegisterGaugeVec registers a gauge vector under serviceName.metricName.
func (r *MetricsRegistry) RegisterGaugeVec(serviceName, metricName string, gaugeVec *prometheus.GaugeVec) error {
	return r.register(serviceName, metricName, gaugeVec)
}

// RegisterHistogramVec registers a histogram vector under serviceName.metricName.
func (r *MetricsRegistry) RegisterHistogramVec(serviceName, metricName string, histogramVec *prometheus.HistogramVec) error {
	return r.register(serviceName, metricName, histogramVec)
}

// Unregister removes a previously registered collector. Returns true if the
// collector was found and removed.
func (r *MetricsRegistry) Unregister(serviceName, metricName string) bool {
	key := fmt.Sprintf("%s.%s", serviceName, metricName)

	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.registered[key]
	if !exists {
		return false
	}

	delete(r.registered, key)
	return r.registry.Unregister(c)
}
