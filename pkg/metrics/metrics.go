// Package metrics Prometheus 指标，实现 ws.Metrics
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "realtime"

// Registry 实时层的 Prometheus 指标
type Registry struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	rejections        *prometheus.CounterVec

	queueDepth   prometheus.Gauge
	queued       prometheus.Counter
	evicted      prometheus.Counter
	delivered    prometheus.Counter
	dropped      prometheus.Counter
	publishFails prometheus.Counter
	latency      *prometheus.HistogramVec
	pruned       prometheus.Counter

	inbound     *prometheus.CounterVec
	invalid     prometheus.Counter
	readErrors  prometheus.Counter
	writeErrors prometheus.Counter
}

// New 创建独立的指标注册表，附带 Go 运行时与进程指标
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Registry{
		registry: reg,

		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connections_active",
			Help: "Number of live WebSocket connections on this instance",
		}),
		connectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connections_total",
			Help: "Total number of accepted WebSocket connections",
		}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "rejections_total",
			Help: "Handshakes rejected, by reason",
		}, []string{"reason"}),

		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Messages waiting in offline queues",
		}),
		queued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "enqueued_total",
			Help: "Messages written to offline queues",
		}),
		evicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "evicted_total",
			Help: "Oldest messages dropped because a queue was full",
		}),

		delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "delivered_total",
			Help: "Messages written to client sockets",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "dropped_total",
			Help: "Messages lost because neither a connection nor the queue accepted them",
		}),
		publishFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "publish_failures_total",
			Help: "Relay frames that could not be published to the backbone",
		}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "broadcast_seconds",
			Help:    "Time spent fanning out one emission, by mode",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"mode"}),

		pruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "pruned_total",
			Help: "Connections closed after missing heartbeats",
		}),

		inbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "inbound_messages_total",
			Help: "Inbound client messages, by type",
		}, []string{"type"}),
		invalid: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "invalid_messages_total",
			Help: "Malformed or unknown inbound messages",
		}),
		readErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "read_errors_total",
			Help: "Unexpected socket read errors",
		}),
		writeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "write_errors_total",
			Help: "Socket write errors",
		}),
	}
}

// Handler /metrics 处理器
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gatherer 供测试与聚合使用
func (r *Registry) Gatherer() prometheus.Gatherer { return r.registry }

func (r *Registry) IncrementConnections() {
	r.connectionsActive.Inc()
	r.connectionsTotal.Inc()
}

func (r *Registry) DecrementConnections()             { r.connectionsActive.Dec() }
func (r *Registry) SetConnectionCount(count int)      { r.connectionsActive.Set(float64(count)) }
func (r *Registry) IncrementRejections(reason string) { r.rejections.WithLabelValues(reason).Inc() }
func (r *Registry) SetQueueDepth(depth int64)         { r.queueDepth.Set(float64(depth)) }
func (r *Registry) IncrementQueued()                  { r.queued.Inc() }
func (r *Registry) AddEvicted(n int)                  { r.evicted.Add(float64(n)) }
func (r *Registry) IncrementDelivered()               { r.delivered.Inc() }
func (r *Registry) IncrementDropped()                 { r.dropped.Inc() }
func (r *Registry) IncrementPublishFailures()         { r.publishFails.Inc() }
func (r *Registry) IncrementPruned()                  { r.pruned.Inc() }
func (r *Registry) IncrementMessageCount(msgType string) {
	r.inbound.WithLabelValues(msgType).Inc()
}
func (r *Registry) IncrementInvalidMessages() { r.invalid.Inc() }
func (r *Registry) IncrementReadErrors()      { r.readErrors.Inc() }
func (r *Registry) IncrementWriteErrors()     { r.writeErrors.Inc() }

func (r *Registry) RecordBroadcastLatency(mode string, d time.Duration) {
	r.latency.WithLabelValues(mode).Observe(d.Seconds())
}
