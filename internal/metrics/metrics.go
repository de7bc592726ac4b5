// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RadioFramesReceived counts frames read from a radio, by kind (mesh / device)
	RadioFramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loramesh_radio_frames_received_total",
			Help: "Total number of frames received from the radio",
		},
		[]string{"kind"},
	)

	// RadioTransmissions counts transmit attempts by result (ok / error / queue_full)
	RadioTransmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loramesh_radio_transmissions_total",
			Help: "Total number of radio transmit attempts",
		},
		[]string{"result"},
	)

	// MeshPackets counts engine decisions by packet type
	MeshPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loramesh_mesh_packets_total",
			Help: "Total number of mesh packets handled, by type and decision",
		},
		[]string{"type", "decision"},
	)

	// MeshDrops counts dropped packets by reason
	MeshDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loramesh_mesh_drops_total",
			Help: "Total number of mesh packets dropped",
		},
		[]string{"reason"},
	)

	// EngineLatencySeconds measures how long the engine takes per inbound frame
	EngineLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loramesh_engine_latency_seconds",
			Help:    "Time spent handling one inbound frame",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
	)

	// HeartbeatsSent counts heartbeats originated by this node
	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loramesh_heartbeats_sent_total",
			Help: "Total number of heartbeats originated",
		},
	)

	// TopologyNeighbors tracks the number of known neighbors
	TopologyNeighbors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loramesh_topology_neighbors",
			Help: "Number of neighbor entries in the topology table",
		},
	)

	// MeshConnected is 1 while the node has a route to the border
	MeshConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loramesh_mesh_connected",
			Help: "Whether the node has a route to the border (1) or not (0)",
		},
	)

	// MeshDistance tracks the advertised distance to the border
	MeshDistance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loramesh_mesh_distance_hops",
			Help: "Advertised hop distance to the border (255 = unreachable)",
		},
	)

	// DedupEntries tracks the size of the dedup cache
	DedupEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loramesh_dedup_entries",
			Help: "Number of entries in the dedup cache",
		},
	)

	// UplinkBufferDepth tracks uplinks held while disconnected
	UplinkBufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loramesh_uplink_buffer_depth",
			Help: "Number of uplinks buffered while disconnected",
		},
	)

	// BackhaulMessages counts backhaul traffic by direction and result
	BackhaulMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loramesh_backhaul_messages_total",
			Help: "Total number of backhaul messages",
		},
		[]string{"direction", "result"},
	)

	// ReporterEvents counts mesh events published by reporters
	ReporterEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loramesh_reporter_events_total",
			Help: "Total number of mesh events reported",
		},
		[]string{"reporter", "result"},
	)

	// ControlRequests counts control socket requests by method and result (ok / error / rejected)
	ControlRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loramesh_control_requests_total",
			Help: "Total number of control socket requests",
		},
		[]string{"method", "result"},
	)

	// MeshCommands counts proprietary mesh commands run on this relay by result (ok / error / timeout)
	MeshCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loramesh_mesh_commands_total",
			Help: "Total number of mesh commands executed",
		},
		[]string{"result"},
	)
)
