package uploads

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeRegistered = "registered"
	outcomeRetry      = "retry"
	outcomeFailed     = "failed"
	outcomeCanceled   = "canceled"
)

type metrics struct {
	queueDepth prometheus.Gauge
	retryDepth prometheus.Gauge
	attempts   *prometheus.CounterVec
}

// newMetrics registers collectors with reg; a nil reg leaves them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scormsync_upload_queue_depth",
			Help: "Submissions waiting in the upload FIFO.",
		}),
		retryDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scormsync_upload_retry_depth",
			Help: "Submissions parked until their retry backoff elapses.",
		}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scormsync_upload_attempts_total",
			Help: "Registration attempts by outcome.",
		}, []string{"outcome"}),
	}
}
