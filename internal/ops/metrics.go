package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strider_ops_dispatch_total",
		Help: "Operations dispatched, by execution path",
	}, []string{"op", "path"})

	faultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strider_ops_faults_total",
		Help: "Operations that failed with a device fault",
	}, []string{"op"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strider_ops_dispatch_duration_seconds",
		Help:    "Time spent dispatching an operation to its queue",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"op"})
)
