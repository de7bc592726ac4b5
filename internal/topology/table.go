// Package topology tracks mesh neighbors and their advertised distance to the border.
package topology

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"firestige.xyz/loramesh/internal/core"
)

// Entry is what a node knows about one direct neighbor.
type Entry struct {
	NeighborID  core.RelayID     `json:"neighbor_id"`
	Distance    uint8            `json:"distance"` // Hops to the border, core.DistanceUnreachable if none
	LinkQuality core.LinkQuality `json:"link_quality"`
	LastSeen    time.Time        `json:"last_seen"`
}

// Reachable reports whether the neighbor advertises a route to the border.
func (e *Entry) Reachable() bool {
	return e.Distance != core.DistanceUnreachable
}

// Route tells which neighbor leads to a destination relay.
type Route struct {
	Destination core.RelayID `json:"destination"`
	Via         core.RelayID `json:"via"`
	Hops        uint8        `json:"hops"`
	LastSeen    time.Time    `json:"last_seen"`
}

// Table holds the neighbor entries and learned routes of one node.
// It is owned by the relay engine and is not safe for concurrent use.
type Table struct {
	neighbors map[core.RelayID]*Entry
	routes    map[core.RelayID]*Route
	ttl       time.Duration
	maxHops   uint8
	clock     clock.Clock
}

// Option configures a Table.
type Option func(*Table)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(t *Table) { t.clock = c }
}

// New creates a table whose entries go stale after ttl. Distances of maxHops
// or more are treated as unreachable.
func New(ttl time.Duration, maxHops uint8, opts ...Option) *Table {
	t := &Table{
		neighbors: make(map[core.RelayID]*Entry),
		routes:    make(map[core.RelayID]*Route),
		ttl:       ttl,
		maxHops:   maxHops,
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Update records a heartbeat heard directly from a neighbor.
func (t *Table) Update(neighborID core.RelayID, distance uint8, lq core.LinkQuality) {
	if distance >= t.maxHops {
		distance = core.DistanceUnreachable
	}
	now := t.clock.Now()
	t.neighbors[neighborID] = &Entry{
		NeighborID:  neighborID,
		Distance:    distance,
		LinkQuality: lq,
		LastSeen:    now,
	}
	t.learn(neighborID, neighborID, 1, now)
}

// BestNextHop returns the fresh neighbor closest to the border.
// Ties break on link quality, then on the most recent update.
func (t *Table) BestNextHop() (Entry, bool) {
	var best *Entry
	for _, e := range t.neighbors {
		if !t.fresh(e.LastSeen) || !e.Reachable() {
			continue
		}
		if best == nil || preferred(e, best) {
			best = e
		}
	}
	if best == nil {
		return Entry{}, false
	}
	return *best, true
}

func preferred(a, b *Entry) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	if a.LinkQuality != b.LinkQuality {
		return a.LinkQuality.Better(b.LinkQuality)
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	// Fully tied entries still resolve the same way on every call.
	return a.NeighborID < b.NeighborID
}

// Distance returns the distance this relay advertises: one more than its best
// neighbor, or core.DistanceUnreachable.
func (t *Table) Distance() uint8 {
	best, ok := t.BestNextHop()
	if !ok || best.Distance+1 >= t.maxHops {
		return core.DistanceUnreachable
	}
	return best.Distance + 1
}

// LearnRoute records that dest was last heard through via, hops away.
func (t *Table) LearnRoute(dest, via core.RelayID, hops uint8) {
	t.learn(dest, via, hops, t.clock.Now())
}

func (t *Table) learn(dest, via core.RelayID, hops uint8, now time.Time) {
	if r, ok := t.routes[dest]; ok && t.fresh(r.LastSeen) && r.Hops < hops {
		// Keep a shorter fresh route.
		return
	}
	t.routes[dest] = &Route{Destination: dest, Via: via, Hops: hops, LastSeen: now}
}

// RouteTo returns the neighbor to use for dest.
func (t *Table) RouteTo(dest core.RelayID) (core.RelayID, bool) {
	r, ok := t.routes[dest]
	if !ok || !t.fresh(r.LastSeen) {
		return 0, false
	}
	return r.Via, true
}

// Expire removes stale neighbors and routes and returns the number of neighbors removed.
func (t *Table) Expire() int {
	removed := 0
	for id, e := range t.neighbors {
		if !t.fresh(e.LastSeen) {
			delete(t.neighbors, id)
			removed++
		}
	}
	for id, r := range t.routes {
		if !t.fresh(r.LastSeen) {
			delete(t.routes, id)
		}
	}
	return removed
}

// Neighbors returns the neighbor entries ordered by preference.
func (t *Table) Neighbors() []Entry {
	out := make([]*Entry, 0, len(t.neighbors))
	for _, e := range t.neighbors {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return preferred(out[i], out[j]) })

	entries := make([]Entry, len(out))
	for i, e := range out {
		entries[i] = *e
	}
	return entries
}

// Routes returns the learned routes ordered by destination.
func (t *Table) Routes() []Route {
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

// Len returns the number of neighbor entries, stale ones included until expired.
func (t *Table) Len() int { return len(t.neighbors) }

func (t *Table) fresh(lastSeen time.Time) bool {
	return t.clock.Since(lastSeen) < t.ttl
}
