package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics — счетчики ядра чата, регистрируются в отдельном registry
type Metrics struct {
	Registry *prometheus.Registry

	MessagesSent      prometheus.Counter
	CacheHits         *prometheus.CounterVec
	CacheMisses       *prometheus.CounterVec
	FlushBatchSize    prometheus.Histogram
	DispatchFailures  prometheus.Counter
	ActiveConnections prometheus.Gauge
	TopicSubscribers  *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Total number of messages persisted by the chat core.",
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_cache_hits_total",
			Help: "Cache hits by key class.",
		}, []string{"class"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_cache_misses_total",
			Help: "Cache misses by key class.",
		}, []string{"class"}),
		FlushBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_flush_batch_size",
			Help:    "Number of items processed per dispatcher flush.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		DispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_dispatch_failures_total",
			Help: "Items that failed persistence during a dispatcher flush.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_active_connections",
			Help: "Currently registered websocket connections.",
		}),
		TopicSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chat_topic_subscribers",
			Help: "Connections subscribed per topic.",
		}, []string{"topic"}),
	}

	reg.MustRegister(
		m.MessagesSent,
		m.CacheHits,
		m.CacheMisses,
		m.FlushBatchSize,
		m.DispatchFailures,
		m.ActiveConnections,
		m.TopicSubscribers,
	)

	return m
}
