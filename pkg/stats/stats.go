// Package stats exposes occupancy metrics for the signaling node.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rooms currently holding at least one member.
	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signal_rooms",
		Help: "Number of active rooms.",
	})
	// Peers currently joined across all rooms.
	Peers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signal_peers",
		Help: "Number of joined peers.",
	})
	Transports = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signal_transports",
		Help: "Number of live media transports.",
	})
	Producers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signal_producers",
		Help: "Number of live producers.",
	})
	Consumers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signal_consumers",
		Help: "Number of live consumers.",
	})

	Joins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signal_joins_total",
		Help: "Total successful room joins.",
	})
	// Redirects counts join attempts bounced to the next sibling by the
	// capacity gate.
	Redirects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signal_capacity_redirects_total",
		Help: "Total capacity redirects to a sibling instance.",
	})
)
