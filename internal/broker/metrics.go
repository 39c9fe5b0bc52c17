package broker

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

func metricLabels() prometheus.Labels {
	service := os.Getenv("SERVICE_NAME")
	if service == "" {
		service = "platform-backend"
	}
	instance := os.Getenv("INSTANCE_ID")
	if instance == "" {
		instance, _ = os.Hostname()
	}
	return prometheus.Labels{"service": service, "instance": instance}
}

var reg = prometheus.WrapRegistererWith(metricLabels(), prometheus.DefaultRegisterer)

var (
	publishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publish_total",
			Help: "Total number of stream publish attempts",
		},
		[]string{"stream", "outcome"},
	)

	publishLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_publish_latency_ms",
			Help:    "Latency of stream publish in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000},
		},
	)

	outboxDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_dispatch_total",
			Help: "Total number of outbox dispatch attempts",
		},
		[]string{"reason"},
	)

	outboxPendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending",
			Help: "Current number of pending outbox events",
		},
	)
)

func init() {
	reg.MustRegister(publishTotal)
	reg.MustRegister(publishLatencyMs)
	reg.MustRegister(outboxDispatchedTotal)
	reg.MustRegister(outboxPendingGauge)
}
