package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 汇总网关的 Prometheus 指标。每个实例持有独立的 Registry，
// 便于测试并行创建而不冲突。
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	reloads         *prometheus.CounterVec
	routes          prometheus.Gauge
	relayAborted    prometheus.Counter
}

// NewCollector registers the gateway metrics plus the Go runtime and process
// collectors on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anygate_requests_total",
				Help: "Requests handled by the gateway pipeline, by route, outcome and status",
			},
			[]string{"route", "outcome", "status"},
		),
		upstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anygate_upstream_duration_seconds",
				Help:    "Time until upstream response headers were received",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anygate_config_reloads_total",
				Help: "Configuration reload attempts by result",
			},
			[]string{"result"},
		),
		routes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "anygate_routes",
				Help: "Number of rules in the active route table",
			},
		),
		relayAborted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "anygate_relay_aborted_total",
				Help: "Responses whose body relay was cut short",
			},
		),
	}
	reg.MustRegister(
		c.requests,
		c.upstreamLatency,
		c.reloads,
		c.routes,
		c.relayAborted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveRequest 记录一次请求的最终结果，outcome 取值如 completed/rejected/failed。
func (c *Collector) ObserveRequest(route, outcome string, status int) {
	if c == nil {
		return
	}
	if route == "" {
		route = "-"
	}
	c.requests.WithLabelValues(route, outcome, strconv.Itoa(status)).Inc()
}

// ObserveUpstream records time-to-headers for a route.
func (c *Collector) ObserveUpstream(route string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.upstreamLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObserveRelayAborted counts a truncated response body.
func (c *Collector) ObserveRelayAborted() {
	if c == nil {
		return
	}
	c.relayAborted.Inc()
}

// ObserveReload 记录热加载结果，成功时同步更新路由数量。
func (c *Collector) ObserveReload(ok bool, routes int) {
	if c == nil {
		return
	}
	if !ok {
		c.reloads.WithLabelValues("failure").Inc()
		return
	}
	c.reloads.WithLabelValues("success").Inc()
	c.routes.Set(float64(routes))
}

// SetRoutes sets the active rule count.
func (c *Collector) SetRoutes(n int) {
	if c == nil {
		return
	}
	c.routes.Set(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 /-/metrics 使用的 http.Handler。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
