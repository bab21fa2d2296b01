// Package relaymetrics defines the prometheus collectors of the relay server.
package relaymetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	// ConnectedClients tracks currently registered downstream connections
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorrelay_connected_clients",
			Help: "Number of downstream connections currently registered",
		},
	)

	// ConnectionsAccepted counts every accepted downstream connection
	ConnectionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorrelay_connections_accepted_total",
			Help: "Total downstream connections accepted",
		},
	)

	// ConnectionsPruned counts connections removed, by reason (send_failed, peer_closed, shutdown)
	ConnectionsPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorrelay_connections_pruned_total",
			Help: "Total downstream connections removed from the registry by reason",
		},
		[]string{"reason"},
	)

	// CatchUpFramesSent counts last-value frames written to newly accepted connections
	CatchUpFramesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorrelay_catchup_frames_sent_total",
			Help: "Total catch-up frames sent to newly joined connections",
		},
	)
)

// Ingestion and broadcast metrics
var (
	FramesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorrelay_frames_ingested_total",
			Help: "Total records decoded from the upstream source",
		},
	)

	MalformedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorrelay_malformed_frames_total",
			Help: "Total upstream lines dropped because they did not parse",
		},
	)

	UpstreamReadErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorrelay_upstream_read_errors_total",
			Help: "Total errors returned by the upstream source",
		},
	)

	// UpstreamFaulty is 1 while a long run of malformed lines is being received
	UpstreamFaulty = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorrelay_upstream_faulty",
			Help: "1 while the upstream source keeps producing malformed frames",
		},
	)

	BroadcastDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorrelay_broadcast_deliveries_total",
			Help: "Total frames successfully written to downstream connections",
		},
	)

	BroadcastSendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorrelay_broadcast_send_failures_total",
			Help: "Total frame writes that failed and pruned a connection",
		},
	)

	BroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorrelay_broadcast_duration_seconds",
			Help:    "Time spent fanning one frame out to every connection",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
	)
)
