package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the counter's Prometheus instruments, registered on their own
// registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	Receipts         *prometheus.CounterVec
	PersistOps       *prometheus.CounterVec
	PersistFailures  *prometheus.CounterVec
	DroppedJobs      prometheus.Counter
	RejectedRequests *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "penny_counter",
			Name:      "receipts_total",
			Help:      "Receipts counted, by submission path.",
		}, []string{"path"}),
		PersistOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "penny_counter",
			Name:      "persist_operations_total",
			Help:      "Store writes attempted, by kind.",
		}, []string{"kind"}),
		PersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "penny_counter",
			Name:      "persist_failures_total",
			Help:      "Store writes that failed and were dropped, by kind.",
		}, []string{"kind"}),
		DroppedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "penny_counter",
			Name:      "persist_jobs_dropped_total",
			Help:      "Persistence jobs dropped because the queue was full or closed.",
		}),
		RejectedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "penny_counter",
			Name:      "rejected_requests_total",
			Help:      "Submissions rejected at the boundary, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.Receipts, m.PersistOps, m.PersistFailures, m.DroppedJobs, m.RejectedRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
