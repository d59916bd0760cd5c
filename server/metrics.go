package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "vtkhttp"

// metrics uses its own registry so several servers can live in one process.
type metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	bytes       prometheus.Counter
	inFlight    prometheus.Gauge
	bindRetries prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "HTTP requests handled, by status code.",
		}, []string{"code"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dump_bytes_total",
			Help:      "Bytes written to dump destination files.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "dumps_in_flight",
			Help:      "Dump requests currently streaming to disk.",
		}),
		bindRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bind_retries_total",
			Help:      "Bind attempts that failed because the address was in use.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.bytes,
		m.inFlight,
		m.bindRetries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
