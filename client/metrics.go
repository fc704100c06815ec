package client

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instrumentation for cache, capability, and
// flush activity. Each Client builds its own set; with several Clients in
// one process only the first set is registered, since later duplicate
// registrations fail and are ignored.
type Metrics struct {
	cacheSize    prometheus.Gauge
	cacheEvicts  prometheus.Counter
	cacheInserts prometheus.Counter

	capMessages       prometheus.Counter
	capMessagesQueued prometheus.Counter
	capMessagesDropped prometheus.Counter

	flushQueueDepth prometheus.Gauge
}

// NewMetrics constructs and registers a fresh Metrics against the default
// registerer. Registration errors (duplicate collector) are ignored,
// matching the common pattern of constructing one Client per process.
func NewMetrics() *Metrics {
	m := &Metrics{
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cephclient_cache_size",
			Help: "Current number of resident dentries in the LRU.",
		}),
		cacheEvicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cephclient_cache_evictions_total",
			Help: "Dentries evicted from the LRU by trim_cache.",
		}),
		cacheInserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cephclient_cache_inserts_total",
			Help: "Inodes learned via insert_trace.",
		}),
		capMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cephclient_cap_messages_total",
			Help: "Cap messages accepted for processing.",
		}),
		capMessagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cephclient_cap_messages_queued_total",
			Help: "Cap downgrades queued pending a buffer drain.",
		}),
		capMessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cephclient_cap_messages_dropped_total",
			Help: "cap_wanted updates that failed to reach an MDS. Stale incoming cap messages are not counted.",
		}),
		flushQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cephclient_flush_queue_depth",
			Help: "Inodes currently tracked with dirty buffers.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.cacheSize, m.cacheEvicts, m.cacheInserts,
		m.capMessages, m.capMessagesQueued, m.capMessagesDropped,
		m.flushQueueDepth,
	} {
		_ = prometheus.Register(c)
	}

	return m
}
