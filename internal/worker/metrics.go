package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry         *prometheus.Registry
	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	activeDeliveries prometheus.Gauge
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genflow_worker_webhook_deliveries_total",
			Help: "Webhook deliveries by event and outcome.",
		}, []string{"event", "outcome"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "genflow_worker_webhook_delivery_duration_seconds",
			Help:    "Time spent delivering one webhook including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event", "outcome"}),
		activeDeliveries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "genflow_worker_active_deliveries",
			Help: "Webhook deliveries currently in flight.",
		}),
	}

	registry.MustRegister(
		m.deliveriesTotal,
		m.deliveryDuration,
		m.activeDeliveries,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
