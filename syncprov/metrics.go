package syncprov

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("syncprov")

var (
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncprov_writes_total",
		Help: "Writes processed by kind and result",
	}, []string{"kind", "result"})

	queuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncprov_queued_records_total",
		Help: "Change records queued to subscriptions by mode",
	}, []string{"mode"})

	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncprov_deliveries_total",
		Help: "Persistent search deliveries by result",
	}, []string{"result"})

	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syncprov_active_subscriptions",
		Help: "Live refresh-and-persist subscriptions",
	})

	checkpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncprov_checkpoints_total",
		Help: "Context CSN checkpoints by result",
	}, []string{"result"})

	replaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncprov_sessionlog_replays_total",
		Help: "Session log replays by outcome",
	}, []string{"outcome"})

	refreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncprov_refresh_duration_seconds",
		Help:    "Refresh phase duration",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	}, []string{"mode"})
)

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
