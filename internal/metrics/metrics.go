// Registers:
//
//	#feedflow_frames_total
//	#feedflow_frames_dropped_total
//	#feedflow_reconnects_total
//	#feedflow_stale_subscriptions_total
//	#feedflow_book_flush_size
//	#feedflow_active_subscriptions
//	#feedflow_ping_latency_seconds
//	#go_* and process_* system metrics
//
// Served by Handler, mounted on the dashboard under /metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	framesTotal         *prometheus.CounterVec
	framesDropped       *prometheus.CounterVec
	reconnectsTotal     prometheus.Counter
	staleTotal          *prometheus.CounterVec
	bookFlushSize       prometheus.Histogram
	activeSubscriptions prometheus.Gauge
	pingLatency         prometheus.Gauge
)

func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		framesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedflow_frames_total",
				Help: "Inbound frames handled, by kind and channel",
			},
			[]string{"kind", "channel"},
		)
		framesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedflow_frames_dropped_total",
				Help: "Frames or sends dropped, by reason",
			},
			[]string{"reason"},
		)
		reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedflow_reconnects_total",
			Help: "Reconnect attempts scheduled by the transport",
		})
		staleTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedflow_stale_subscriptions_total",
				Help: "Subscriptions flagged stale by the staleness sweep",
			},
			[]string{"channel"},
		)
		bookFlushSize = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedflow_book_flush_size",
			Help:    "Book updates applied per batched flush",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		})
		activeSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedflow_active_subscriptions",
			Help: "Acknowledged channel subscriptions",
		})
		pingLatency = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedflow_ping_latency_seconds",
			Help: "Round trip time of the last ping",
		})

		registry.MustRegister(
			framesTotal,
			framesDropped,
			reconnectsTotal,
			staleTotal,
			bookFlushSize,
			activeSubscriptions,
			pingLatency,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registered collectors in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncFrame counts one handled frame.
func IncFrame(kind, channel string) {
	if framesTotal != nil {
		framesTotal.WithLabelValues(kind, channel).Inc()
	}
}

// IncDropped counts one dropped frame or send.
func IncDropped(reason string) {
	if framesDropped != nil {
		framesDropped.WithLabelValues(reason).Inc()
	}
}

func IncReconnect() {
	if reconnectsTotal != nil {
		reconnectsTotal.Inc()
	}
}

func IncStale(channel string) {
	if staleTotal != nil {
		staleTotal.WithLabelValues(channel).Inc()
	}
}

func ObserveBookFlush(size int) {
	if bookFlushSize != nil {
		bookFlushSize.Observe(float64(size))
	}
}

func SetActiveSubscriptions(n int) {
	if activeSubscriptions != nil {
		activeSubscriptions.Set(float64(n))
	}
}

func SetPingLatency(d time.Duration) {
	if pingLatency != nil {
		pingLatency.Set(d.Seconds())
	}
}
