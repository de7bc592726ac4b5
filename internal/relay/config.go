package relay

import (
	"time"

	"firestige.xyz/loramesh/internal/config"
	"firestige.xyz/loramesh/internal/core"
)

// Policy is what a relay does with uplinks while it has no route to the border.
type Policy int

const (
	PolicyDrop Policy = iota
	PolicyBuffer
)

func (p Policy) String() string {
	if p == PolicyBuffer {
		return "buffer"
	}
	return "drop"
}

// Config holds the engine settings.
type Config struct {
	RelayID        core.RelayID
	Role           core.Role
	MaxHopCount    uint8
	HeartbeatFlood bool
	NeighborTTL    time.Duration
	DedupTTL       time.Duration
	DedupCapacity  int

	Policy       Policy
	BufferDepth  int
	BufferMaxAge time.Duration

	Frequencies []uint32
	DataRate    core.DataRate
	TxPower     int8

	ContextCapacity           int
	BorderIgnoreDirectUplinks bool
	Filter                    Filter
}

// ConfigFrom builds the engine settings from a validated configuration.
func ConfigFrom(cfg *config.GlobalConfig) Config {
	m := cfg.Mesh
	c := Config{
		RelayID:        cfg.Node.ID,
		Role:           cfg.Node.NodeRole,
		MaxHopCount:    uint8(m.MaxHopCount),
		HeartbeatFlood: m.HeartbeatFlood,
		NeighborTTL:    m.Timing.NeighborTTL,
		DedupTTL:       m.Timing.DedupTTL,
		DedupCapacity:  m.DedupCapacity,
		BufferDepth:    m.BufferDepth,
		BufferMaxAge:   m.Timing.BufferMaxAge,
		Frequencies:    m.Frequencies,
		DataRate:       m.DataRate,
		TxPower:        int8(m.TxPower),

		ContextCapacity:           m.ContextCapacity,
		BorderIgnoreDirectUplinks: m.BorderIgnoreDirectUplinks,
		Filter: Filter{
			DevAddrPrefixes: m.Filters.DevAddr,
			JoinEUIPrefixes: m.Filters.JoinEUI,
			LoRaWANOnly:     m.Filters.LoRaWANOnly,
		},
	}
	if m.DisconnectedPolicy == "buffer" {
		c.Policy = PolicyBuffer
	}
	return c
}

func (c *Config) applyDefaults() {
	if c.MaxHopCount == 0 {
		c.MaxHopCount = 8
	}
	if c.NeighborTTL <= 0 {
		c.NeighborTTL = 15 * time.Minute
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 2 * time.Minute
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 1024
	}
	if c.BufferDepth <= 0 {
		c.BufferDepth = 32
	}
	if c.ContextCapacity <= 0 {
		c.ContextCapacity = 4096
	}
	if c.DataRate.SpreadingFactor == 0 {
		c.DataRate = core.DataRate{SpreadingFactor: 7, Bandwidth: 125000}
	}
}
