package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strider_device_allocations_total",
		Help: "Total number of device memory allocations",
	}, []string{"device"})

	releasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strider_device_releases_total",
		Help: "Total number of device memory regions released",
	}, []string{"device"})

	allocationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strider_device_allocation_failures_total",
		Help: "Allocations rejected because the device was at capacity",
	}, []string{"device"})

	bytesInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strider_device_bytes_in_use",
		Help: "Bytes of device memory currently allocated",
	}, []string{"device"})

	copiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strider_device_copies_total",
		Help: "Memory copies by direction",
	}, []string{"kind"})

	queueCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strider_queue_commands_total",
		Help: "Commands submitted to device queues",
	}, []string{"queue"})
)
