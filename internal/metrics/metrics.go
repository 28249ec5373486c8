// Package metrics exposes the fleet manager's Prometheus instrumentation.
// A nil *Collector is valid and records nothing, so tests and the CLI can
// run without touching the default registry.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector bundles every metric the fleet manager emits.
type Collector struct {
	enabled bool

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationErrors   *prometheus.CounterVec

	probesTotal       prometheus.Counter
	devicesDiscovered *prometheus.CounterVec
	registryDevices   prometheus.Gauge

	groupRunsTotal   *prometheus.CounterVec
	groupRunDuration prometheus.Histogram

	websocketClients prometheus.Gauge
}

// New registers the fleet metrics on the default registry. Call it once per
// process; promauto panics on duplicate registration.
func New(prefix string, enabled bool) *Collector {
	if prefix == "" {
		prefix = "shelly"
	}

	c := &Collector{enabled: enabled}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_device_operations_total",
			Help: "Total number of device operations",
		},
		[]string{"operation", "success"},
	)
	c.operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_device_operation_duration_seconds",
			Help:    "Device operation duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"operation"},
	)
	c.operationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_device_operation_errors_total",
			Help: "Device operation failures by error kind",
		},
		[]string{"kind"},
	)

	c.probesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_discovery_probes_total",
			Help: "Total number of HTTP discovery probes issued",
		},
	)
	c.devicesDiscovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_devices_discovered_total",
			Help: "Devices found by discovery",
		},
		[]string{"method"},
	)
	c.registryDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "_registry_devices",
			Help: "Devices currently in the registry",
		},
	)

	c.groupRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_group_runs_total",
			Help: "Group fan-out runs by action",
		},
		[]string{"action"},
	)
	c.groupRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    prefix + "_group_run_duration_seconds",
			Help:    "Group fan-out duration in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 5.0, 15.0, 30.0, 60.0, 120.0},
		},
	)

	c.websocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "_websocket_clients",
			Help: "Connected event stream clients",
		},
	)

	return c
}

// RecordHTTPRequest counts one served API request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil || !c.enabled {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordOperation counts one device operation and its latency.
func (c *Collector) RecordOperation(operation string, success bool, duration time.Duration) {
	if c == nil || !c.enabled {
		return
	}
	c.operationsTotal.WithLabelValues(operation, strconv.FormatBool(success)).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordOperationError counts a failed operation by error kind.
func (c *Collector) RecordOperationError(kind string) {
	if c == nil || !c.enabled {
		return
	}
	c.operationErrors.WithLabelValues(kind).Inc()
}

// RecordProbes counts issued discovery probes.
func (c *Collector) RecordProbes(n int) {
	if c == nil || !c.enabled {
		return
	}
	c.probesTotal.Add(float64(n))
}

// RecordDiscovered counts one device found by the given discovery method.
func (c *Collector) RecordDiscovered(method string) {
	if c == nil || !c.enabled {
		return
	}
	c.devicesDiscovered.WithLabelValues(method).Inc()
}

// SetRegistrySize tracks the registry device count.
func (c *Collector) SetRegistrySize(n int) {
	if c == nil || !c.enabled {
		return
	}
	c.registryDevices.Set(float64(n))
}

// RecordGroupRun counts one completed group fan-out.
func (c *Collector) RecordGroupRun(action string, duration time.Duration) {
	if c == nil || !c.enabled {
		return
	}
	c.groupRunsTotal.WithLabelValues(action).Inc()
	c.groupRunDuration.Observe(duration.Seconds())
}

// RecordWebSocketConnect tracks an event stream client arriving or leaving.
func (c *Collector) RecordWebSocketConnect(connected bool) {
	if c == nil || !c.enabled {
		return
	}
	if connected {
		c.websocketClients.Inc()
	} else {
		c.websocketClients.Dec()
	}
}
