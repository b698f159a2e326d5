package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "musicreq_events_total",
			Help: "Inbound websocket events by name and outcome",
		},
		[]string{"event", "outcome"},
	)
	connectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "musicreq_connected_clients",
		Help: "Open websocket connections",
	})
	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "musicreq_active_sessions",
		Help: "Sessions that have set a display name",
	})
	queueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "musicreq_queue_length",
		Help: "Songs waiting in the queue",
	})
	metadataLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "musicreq_metadata_lookups_total",
			Help: "Metadata lookups by result",
		},
		[]string{"result"},
	)
	snapshotOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "musicreq_snapshot_operations_total",
			Help: "Backup and restore operations by result",
		},
		[]string{"op", "result"},
	)
)

func init() {
	prometheus.MustRegister(eventsTotal, connectedClients, activeSessions, queueLength, metadataLookups, snapshotOps)
}
