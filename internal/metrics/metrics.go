// Package metrics exposes Prometheus collectors for the data plane.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector tracks data-plane metrics.
type Collector struct {
	clientCreated  *prometheus.CounterVec
	clientReused   *prometheus.CounterVec
	pipelineBuilds *prometheus.CounterVec
	requestsTotal  *prometheus.CounterVec
	upstreamTime   *prometheus.HistogramVec
	proxyErrors    *prometheus.CounterVec
}

// NewCollector creates a collector registered with the given registerer.
// A nil registerer falls back to the default one.
func NewCollector(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Collector{
		clientCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "outbound",
				Name:      "client_created_total",
				Help:      "Total number of outbound clients created",
			},
			[]string{"cluster"},
		),
		clientReused: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "outbound",
				Name:      "client_reused_total",
				Help:      "Total number of outbound client reuses across config applies",
			},
			[]string{"cluster"},
		),
		pipelineBuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "pipeline",
				Name:      "builds_total",
				Help:      "Total number of transform pipeline builds",
			},
			[]string{"route", "outcome"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Total number of proxied requests",
			},
			[]string{"route", "method", "status"},
		),
		upstreamTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "relay",
				Subsystem: "proxy",
				Name:      "upstream_duration_seconds",
				Help:      "Duration of upstream requests",
				Buckets: []float64{
					.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
				},
			},
			[]string{"cluster"},
		),
		proxyErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "proxy",
				Name:      "errors_total",
				Help:      "Total number of proxy errors",
			},
			[]string{"cluster", "error_type"},
		),
	}
}

// RecordClientCreated records a new outbound client for a cluster.
func (c *Collector) RecordClientCreated(cluster string) {
	if c == nil {
		return
	}
	c.clientCreated.WithLabelValues(cluster).Inc()
}

// RecordClientReused records an outbound client reuse for a cluster.
func (c *Collector) RecordClientReused(cluster string) {
	if c == nil {
		return
	}
	c.clientReused.WithLabelValues(cluster).Inc()
}

// RecordPipelineBuild records a pipeline build attempt for a route.
func (c *Collector) RecordPipelineBuild(route string, err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.pipelineBuilds.WithLabelValues(route, outcome).Inc()
}

// RecordRequest records a completed proxied request.
func (c *Collector) RecordRequest(route, method string, status int) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}

// RecordUpstreamDuration records upstream latency for a cluster.
func (c *Collector) RecordUpstreamDuration(cluster string, d time.Duration) {
	if c == nil {
		return
	}
	c.upstreamTime.WithLabelValues(cluster).Observe(d.Seconds())
}

// RecordProxyError records a proxy error by type.
func (c *Collector) RecordProxyError(cluster, errorType string) {
	if c == nil {
		return
	}
	c.proxyErrors.WithLabelValues(cluster, errorType).Inc()
}
