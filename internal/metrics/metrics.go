package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the ingestion pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RPCCalls      *prometheus.CounterVec
	RPCRetries    *prometheus.CounterVec
	CacheRequests *prometheus.CounterVec
	DedupSize     prometheus.Gauge
	EventsEmitted *prometheus.CounterVec
	EventsSkipped *prometheus.CounterVec
	Recoveries    *prometheus.CounterVec
	LastBlock     prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "poolwatch"
	}
	factory := promauto.With(reg)

	return &Metrics{
		RPCCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Outbound chain calls dispatched by the executor",
		}, []string{"method", "result"}),
		RPCRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "retries_total",
			Help:      "Retries issued after throttling errors",
		}, []string{"method"}),
		CacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups by tier and result",
		}, []string{"tier", "result"}),
		DedupSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "records",
			Help:      "Processed records held by the dedup tracker",
		}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Domain events emitted to consumers",
		}, []string{"kind"}),
		EventsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "skipped_total",
			Help:      "Logs skipped before emission",
		}, []string{"reason"}),
		Recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "recoveries_total",
			Help:      "Recovery procedures by outcome",
		}, []string{"result"}),
		LastBlock: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "last_processed_block",
			Help:      "Highest block fully scanned by the live poller",
		}),
	}
}

func (m *Metrics) ObserveRPC(method, result string) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(method, result).Inc()
}

func (m *Metrics) ObserveRetry(method string) {
	if m == nil {
		return
	}
	m.RPCRetries.WithLabelValues(method).Inc()
}

func (m *Metrics) ObserveCache(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) SetDedupSize(n int) {
	if m == nil {
		return
	}
	m.DedupSize.Set(float64(n))
}

func (m *Metrics) ObserveEmitted(kind string) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveSkipped(reason string) {
	if m == nil {
		return
	}
	m.EventsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveRecovery(result string) {
	if m == nil {
		return
	}
	m.Recoveries.WithLabelValues(result).Inc()
}

func (m *Metrics) SetLastBlock(n uint64) {
	if m == nil {
		return
	}
	m.LastBlock.Set(float64(n))
}
