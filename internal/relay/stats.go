package relay

import (
	"sync/atomic"

	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/dedup"
	"firestige.xyz/loramesh/internal/metrics"
)

// Drop reasons, also used as metric labels.
const (
	dropDecode       = "decode_error"
	dropMalformed    = "malformed_payload"
	dropDuplicate    = "duplicate"
	dropOwn          = "own_packet"
	dropHopLimit     = "hop_limit"
	dropDisconnected = "disconnected"
	dropFiltered     = "filtered"
	dropIgnored      = "ignored_direct"
	dropNoContext    = "no_uplink_context"
	dropBufferFull   = "buffer_overflow"
	dropBufferAged   = "buffer_expired"
	dropTooLarge     = "too_large"
	dropTxQueue      = "tx_queue_full"
	dropBackhaul     = "backhaul_error"
	dropReplay       = "command_replay"
	dropNoRunner     = "command_not_configured"
)

// Counters are the engine's packet counters.
type Counters struct {
	MeshReceived   atomic.Uint64
	DeviceReceived atomic.Uint64
	Overheard      atomic.Uint64
	Delivered      atomic.Uint64 // uplinks handed to the backhaul
	Forwarded      atomic.Uint64 // packets relayed to a chosen next hop
	Flooded        atomic.Uint64 // packets relayed to every neighbor
	Originated     atomic.Uint64
	DeviceTx       atomic.Uint64
	Buffered       atomic.Uint64
	Flushed        atomic.Uint64
	HeartbeatsSent atomic.Uint64
	CommandsSent   atomic.Uint64
	CommandsRun    atomic.Uint64 // command items executed by this relay
	EventsSent     atomic.Uint64
	EventsReceived atomic.Uint64 // events the border reported
	Dropped        atomic.Uint64
	DecodeErrors   atomic.Uint64
	Duplicates     atomic.Uint64
	HopLimit       atomic.Uint64
	Disconnected   atomic.Uint64
	TxErrors       atomic.Uint64
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	MeshReceived   uint64      `json:"mesh_received"`
	DeviceReceived uint64      `json:"device_received"`
	Overheard      uint64      `json:"overheard"`
	Delivered      uint64      `json:"delivered"`
	Forwarded      uint64      `json:"forwarded"`
	Flooded        uint64      `json:"flooded"`
	Originated     uint64      `json:"originated"`
	DeviceTx       uint64      `json:"device_tx"`
	Buffered       uint64      `json:"buffered"`
	Flushed        uint64      `json:"flushed"`
	HeartbeatsSent uint64      `json:"heartbeats_sent"`
	CommandsSent   uint64      `json:"commands_sent"`
	CommandsRun    uint64      `json:"commands_run"`
	EventsSent     uint64      `json:"events_sent"`
	EventsReceived uint64      `json:"events_received"`
	Dropped        uint64      `json:"dropped"`
	DecodeErrors   uint64      `json:"decode_errors"`
	Duplicates     uint64      `json:"duplicates"`
	HopLimit       uint64      `json:"hop_limit"`
	Disconnected   uint64      `json:"disconnected"`
	TxErrors       uint64      `json:"tx_errors"`
	Dedup          dedup.Stats `json:"dedup"`
	BufferDepth    int         `json:"buffer_depth"`
	Contexts       int         `json:"uplink_contexts"`
}

// Snapshot copies the counters.
func (c *Counters) Snapshot() Stats {
	return Stats{
		MeshReceived:   c.MeshReceived.Load(),
		DeviceReceived: c.DeviceReceived.Load(),
		Overheard:      c.Overheard.Load(),
		Delivered:      c.Delivered.Load(),
		Forwarded:      c.Forwarded.Load(),
		Flooded:        c.Flooded.Load(),
		Originated:     c.Originated.Load(),
		DeviceTx:       c.DeviceTx.Load(),
		Buffered:       c.Buffered.Load(),
		Flushed:        c.Flushed.Load(),
		HeartbeatsSent: c.HeartbeatsSent.Load(),
		CommandsSent:   c.CommandsSent.Load(),
		CommandsRun:    c.CommandsRun.Load(),
		EventsSent:     c.EventsSent.Load(),
		EventsReceived: c.EventsReceived.Load(),
		Dropped:        c.Dropped.Load(),
		DecodeErrors:   c.DecodeErrors.Load(),
		Duplicates:     c.Duplicates.Load(),
		HopLimit:       c.HopLimit.Load(),
		Disconnected:   c.Disconnected.Load(),
		TxErrors:       c.TxErrors.Load(),
	}
}

// countDrop records a dropped packet under reason.
func (c *Counters) countDrop(reason string) {
	c.Dropped.Add(1)
	switch reason {
	case dropDecode:
		c.DecodeErrors.Add(1)
	case dropDuplicate:
		c.Duplicates.Add(1)
	case dropHopLimit:
		c.HopLimit.Add(1)
	case dropDisconnected:
		c.Disconnected.Add(1)
	case dropTxQueue:
		c.TxErrors.Add(1)
	}
	metrics.MeshDrops.WithLabelValues(reason).Inc()
}

func countDecision(t core.PacketType, decision string) {
	metrics.MeshPackets.WithLabelValues(t.String(), decision).Inc()
}
