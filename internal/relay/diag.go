package relay

import (
	"context"
	"sort"
	"time"

	"firestige.xyz/loramesh/internal/codec"
	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/topology"
)

// Status summarizes the node.
type Status struct {
	RelayID       core.RelayID  `json:"relay_id"`
	Role          core.Role     `json:"role"`
	State         State         `json:"state"`
	EverConnected bool          `json:"ever_connected"`
	Distance      uint8         `json:"distance"`
	NextHop       *core.RelayID `json:"next_hop,omitempty"`
	Neighbors     int           `json:"neighbors"`
	Routes        int           `json:"routes"`
	Buffered      int           `json:"buffered"`
	Signed        bool          `json:"signed"`
	Policy        string        `json:"disconnected_policy"`
}

// Topology is a copy of the topology table.
type Topology struct {
	Neighbors []topology.Entry `json:"neighbors"`
	Routes    []topology.Route `json:"routes"`
}

// RelayInfo is what the border knows about a relay from its heartbeats.
type RelayInfo struct {
	RelayID     core.RelayID      `json:"relay_id"`
	Distance    uint8             `json:"distance"`
	HopCount    uint8             `json:"hop_count"`
	Path        []codec.PathHop   `json:"path,omitempty"`
	LinkQuality core.LinkQuality  `json:"link_quality"`
	LastSeen    time.Time         `json:"last_seen"`
	Heartbeats  uint64            `json:"heartbeats"`
	Stats       *codec.StatsEvent `json:"stats,omitempty"`
	StatsTime   time.Time         `json:"stats_time,omitempty"`
}

// Status returns the node status, served by the engine loop.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var s Status
	err := e.do(ctx, func() { s = e.status() })
	return s, err
}

func (e *Engine) status() Status {
	s := Status{
		RelayID:       e.cfg.RelayID,
		Role:          e.cfg.Role,
		State:         e.state,
		EverConnected: e.everConnected,
		Distance:      e.distance(),
		Neighbors:     e.topology.Len(),
		Routes:        len(e.topology.Routes()),
		Buffered:      e.buffer.len(),
		Signed:        e.codec.Signed(),
		Policy:        e.cfg.Policy.String(),
	}
	if best, ok := e.topology.BestNextHop(); ok {
		id := best.NeighborID
		s.NextHop = &id
	}
	return s
}

// Topology returns the neighbors and learned routes.
func (e *Engine) Topology(ctx context.Context) (Topology, error) {
	var t Topology
	err := e.do(ctx, func() {
		t = Topology{Neighbors: e.topology.Neighbors(), Routes: e.topology.Routes()}
	})
	return t, err
}

// Stats returns the engine counters with the state of its tables.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := e.do(ctx, func() { s = e.stats() })
	return s, err
}

func (e *Engine) stats() Stats {
	s := e.counters.Snapshot()
	s.Dedup = e.dedup.Stats()
	s.BufferDepth = e.buffer.len()
	s.Contexts = e.contexts.len()
	return s
}

// Relays returns the relays the border heard heartbeats from, by id.
func (e *Engine) Relays(ctx context.Context) ([]RelayInfo, error) {
	var out []RelayInfo
	err := e.do(ctx, func() { out = e.relayList() })
	return out, err
}

func (e *Engine) relayList() []RelayInfo {
	out := make([]RelayInfo, 0, len(e.relays))
	for _, r := range e.relays {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelayID < out[j].RelayID })
	return out
}
