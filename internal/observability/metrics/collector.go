// Package metrics exports plugin lifecycle, sandbox execution and HTTP
// measurements through a Prometheus registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	xerrors "PluginHub/internal/errors"
)

const namespace = "pluginhub"

// Collector owns a registry and implements plugin.Observer.
type Collector struct {
	registry *prometheus.Registry

	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	executions         *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	memoryDelta        *prometheus.HistogramVec
	installed          prometheus.Gauge
	active             prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

var defaultCollector = New()

// Default returns the process-wide collector used by the package level helpers.
func Default() *Collector { return defaultCollector }

// New builds a collector on a fresh registry that also carries the Go runtime
// and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Lifecycle operations by operation and outcome code.",
		}, []string{"op", "code"}),
		transitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lifecycle_transition_duration_seconds",
			Help:      "Lifecycle operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_executions_total",
			Help:      "Sandboxed callback executions by plugin and outcome code.",
		}, []string{"plugin_id", "code"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_execution_duration_seconds",
			Help:      "Sandboxed callback latency.",
			Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10},
		}, []string{"plugin_id"}),
		memoryDelta: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_memory_delta_bytes",
			Help:      "Approximate heap growth observed across a callback.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"plugin_id"}),
		installed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugins_installed",
			Help:      "Number of installed plugins.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugins_active",
			Help:      "Number of installed plugins that are active.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.transitions, c.transitionDuration,
		c.executions, c.executionDuration, c.memoryDelta,
		c.installed, c.active,
		c.httpRequests, c.httpErrors, c.httpLatency,
	)
	return c
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveExecution records one sandboxed callback.
func (c *Collector) ObserveExecution(pluginID string, elapsed time.Duration, memDelta int64, err error) {
	c.executions.WithLabelValues(pluginID, outcome(err)).Inc()
	c.executionDuration.WithLabelValues(pluginID).Observe(elapsed.Seconds())
	if memDelta > 0 {
		c.memoryDelta.WithLabelValues(pluginID).Observe(float64(memDelta))
	}
}

// ObserveTransition records one lifecycle operation. The plugin id is not a label.
func (c *Collector) ObserveTransition(op, _ string, elapsed time.Duration, err error) {
	c.transitions.WithLabelValues(op, outcome(err)).Inc()
	c.transitionDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SetPlugins updates the installed and active gauges.
func (c *Collector) SetPlugins(installed, active int) {
	c.installed.Set(float64(installed))
	c.active.Set(float64(active))
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(xerrors.CodeOf(err))
}
