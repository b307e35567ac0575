package volume

import (
	"sync"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/prometheus/client_golang/prometheus"

	"google.golang.org/grpc/status"
)

var (
	deviceQueuePrometheusMetrics sync.Once

	deviceQueueOperationsDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "buildbarn",
			Subsystem: "volume",
			Name:      "device_queue_operations_duration_seconds",
			Help:      "Amount of time spent per operation on the device queue, in seconds.",
			Buckets:   util.DecimalExponentialBuckets(-6, 9, 2),
		},
		[]string{"kind", "grpc_code"})
	deviceQueueOperationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buildbarn",
			Subsystem: "volume",
			Name:      "device_queue_operations_in_flight",
			Help:      "Number of operations that have been queued, but have not yet completed.",
		})
)

type metricsDeviceQueue struct {
	base  DeviceQueue
	clock clock.Clock
}

// NewMetricsDeviceQueue creates a decorator for DeviceQueue that
// exposes Prometheus metrics on the number, latency and outcome of
// operations.
func NewMetricsDeviceQueue(base DeviceQueue, clock clock.Clock) DeviceQueue {
	deviceQueuePrometheusMetrics.Do(func() {
		prometheus.MustRegister(deviceQueueOperationsDurationSeconds)
		prometheus.MustRegister(deviceQueueOperationsInFlight)
	})

	return &metricsDeviceQueue{
		base:  base,
		clock: clock,
	}
}

func (dq *metricsDeviceQueue) Queue(op *Operation, complete func(error)) {
	timeStart := dq.clock.Now()
	kind := op.Kind.String()
	deviceQueueOperationsInFlight.Inc()
	dq.base.Queue(op, func(err error) {
		timeStop := dq.clock.Now()
		deviceQueueOperationsInFlight.Dec()
		deviceQueueOperationsDurationSeconds.
			WithLabelValues(kind, status.Code(err).String()).
			Observe(timeStop.Sub(timeStart).Seconds())
		complete(err)
	})
}
