package staging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	active prometheus.Gauge
	bytes  prometheus.Gauge
	swept  prometheus.Counter
}

// newMetrics registers staging collectors with reg. A nil registerer yields
// working but unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		active: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scormsync_staging_active_files",
			Help: "Number of tracked files in the staging directory",
		}),
		bytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scormsync_staging_bytes",
			Help: "Total size of tracked staging files in bytes",
		}),
		swept: factory.NewCounter(prometheus.CounterOpts{
			Name: "scormsync_staging_swept_files_total",
			Help: "Total number of orphaned staging files removed",
		}),
	}
}
