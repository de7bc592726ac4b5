// Package relay implements the mesh forwarding engine: the single goroutine
// that owns the topology table, the dedup cache, buffered uplinks and uplink
// contexts, and decides for every frame whether to deliver, relay or drop it.
package relay

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"

	"firestige.xyz/loramesh/internal/backhaul"
	"firestige.xyz/loramesh/internal/codec"
	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/dedup"
	"firestige.xyz/loramesh/internal/log"
	"firestige.xyz/loramesh/internal/metrics"
	"firestige.xyz/loramesh/internal/reporter"
	"firestige.xyz/loramesh/internal/topology"
)

const (
	inboundDepth = 256
	resultDepth  = 8
)

// Sender queues a frame for transmission without blocking.
type Sender interface {
	Enqueue(f core.Frame) error
}

// EventSink receives mesh events without blocking.
type EventSink interface {
	Publish(ev reporter.Event)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source of the engine and the tables it owns.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithDeviceSender sets the radio used to reach end devices. By default
// device frames go out on the mesh radio.
func WithDeviceSender(s Sender) Option {
	return func(e *Engine) { e.device = s }
}

// WithBackhaul connects a border to the network server.
func WithBackhaul(b backhaul.Backhaul) Option {
	return func(e *Engine) { e.backhaul = b }
}

// WithEvents publishes mesh events to sink.
func WithEvents(sink EventSink) Option {
	return func(e *Engine) { e.events = sink }
}

// WithCommandRunner lets a relay execute mesh commands addressed to it.
func WithCommandRunner(r CommandRunner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithStatsTicks makes a relay report its counters to the border on every tick.
func WithStatsTicks(ticks <-chan time.Time) Option {
	return func(e *Engine) { e.statsTicks = ticks }
}

// Engine is the relay forwarding engine of one gateway.
type Engine struct {
	cfg      Config
	codec    *codec.Codec
	mesh     Sender
	device   Sender
	backhaul backhaul.Backhaul
	events   EventSink
	clock    clock.Clock
	logger   log.Logger

	topology *topology.Table
	dedup    *dedup.Cache
	contexts *uplinkContexts
	buffer   *uplinkBuffer
	relays   map[core.RelayID]*RelayInfo

	state         State
	everConnected bool
	nextID        uint16
	freqIdx       int

	runner          CommandRunner
	spawn           func(func())
	results         chan []codec.Item
	statsTicks      <-chan time.Time
	started         time.Time
	lastCommand     int64 // unix ms of the newest command accepted
	lastCommandSent int64

	frames   chan core.Frame
	queries  chan func()
	counters Counters
}

// New creates an engine transmitting mesh frames through mesh.
func New(cfg Config, c *codec.Codec, mesh Sender, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:     cfg,
		codec:   c,
		mesh:    mesh,
		clock:   clock.New(),
		relays:  make(map[core.RelayID]*RelayInfo),
		nextID:  uint16(rand.Uint32()),
		spawn:   func(f func()) { go f() },
		results: make(chan []codec.Item, resultDepth),
		frames:  make(chan core.Frame, inboundDepth),
		queries: make(chan func()),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.device == nil {
		e.device = mesh
	}
	e.started = e.clock.Now()
	e.topology = topology.New(cfg.NeighborTTL, cfg.MaxHopCount, topology.WithClock(e.clock))
	e.dedup = dedup.New(cfg.DedupCapacity, dedup.WithClock(e.clock))
	e.contexts = newUplinkContexts(cfg.ContextCapacity)
	e.buffer = newUplinkBuffer(cfg.BufferDepth)
	e.logger = log.GetLogger().WithFields(map[string]interface{}{
		"relay_id": cfg.RelayID.String(),
		"role":     cfg.Role.String(),
	})
	if cfg.Role == core.RoleBorder {
		e.state = StateConnected
		e.everConnected = true
	}
	e.updateGauges()
	return e
}

// Inbound is where receivers put frames heard on the air.
func (e *Engine) Inbound() chan<- core.Frame { return e.frames }

// Run is the engine loop. Heartbeat, sweep and stats ticks come from the
// scheduler; command output comes back from the goroutines running commands.
func (e *Engine) Run(ctx context.Context, heartbeats, sweeps <-chan time.Time) error {
	var downlinks <-chan backhaul.Downlink
	if e.backhaul != nil {
		downlinks = e.backhaul.Downlinks()
	}

	e.logger.WithFields(map[string]interface{}{
		"max_hop_count": e.cfg.MaxHopCount,
		"policy":        e.cfg.Policy.String(),
		"signed":        e.codec.Signed(),
	}).Info("relay engine started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("relay engine stopped")
			return nil
		case f := <-e.frames:
			e.HandleFrame(ctx, f)
		case <-heartbeats:
			e.Heartbeat(ctx)
		case <-sweeps:
			e.Sweep(ctx)
		case <-e.statsTicks:
			e.ReportStats(ctx)
		case items := <-e.results:
			e.sendEvents(items)
		case dl, ok := <-downlinks:
			if !ok {
				downlinks = nil
				continue
			}
			e.HandleDownlink(ctx, dl)
		case fn := <-e.queries:
			fn()
		}
	}
}

// do runs fn on the engine goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.queries <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Heartbeat advertises this node's distance to the border. A disconnected
// relay asks its neighbors to answer.
func (e *Engine) Heartbeat(ctx context.Context) {
	e.refreshState()
	e.sendHeartbeat(core.PacketTypeHeartbeat)
	e.updateGauges()
}

// Sweep expires stale neighbors, routes, dedup records and buffered uplinks.
func (e *Engine) Sweep(ctx context.Context) {
	now := e.clock.Now()
	neighbors := e.topology.Expire()
	records := e.dedup.Sweep()
	aged := e.buffer.expire(now, e.cfg.BufferMaxAge)
	for i := 0; i < aged; i++ {
		e.counters.countDrop(dropBufferAged)
	}
	for id, r := range e.relays {
		if now.Sub(r.LastSeen) > 2*e.cfg.NeighborTTL {
			delete(e.relays, id)
		}
	}
	e.refreshState()
	e.updateGauges()

	if neighbors > 0 || aged > 0 {
		e.logger.WithFields(map[string]interface{}{
			"neighbors_expired": neighbors,
			"dedup_expired":     records,
			"uplinks_expired":   aged,
		}).Debug("sweep")
	}
}

// refreshState recomputes connectivity. Becoming connected flushes buffered uplinks.
func (e *Engine) refreshState() {
	if e.cfg.Role == core.RoleBorder {
		return
	}
	next := StateDisconnected
	if _, ok := e.topology.BestNextHop(); ok {
		next = StateConnected
	}
	if next == e.state {
		return
	}
	e.state = next
	distance := e.topology.Distance()
	e.logger.WithFields(map[string]interface{}{
		"state":    next.String(),
		"distance": distance,
	}).Info("connectivity changed")
	e.publish(reporter.Event{
		Type:     reporter.EventStateChange,
		State:    next.String(),
		Distance: distance,
	})
	if next == StateConnected {
		e.everConnected = true
		e.flushBuffer()
	}
}

func (e *Engine) flushBuffer() {
	if aged := e.buffer.expire(e.clock.Now(), e.cfg.BufferMaxAge); aged > 0 {
		for i := 0; i < aged; i++ {
			e.counters.countDrop(dropBufferAged)
		}
	}
	pending := e.buffer.drain()
	for _, pkt := range pending {
		e.counters.Flushed.Add(1)
		e.routeUplink(pkt)
	}
	if len(pending) > 0 {
		e.logger.WithField("uplinks", len(pending)).Info("flushed buffered uplinks")
	}
}

func (e *Engine) publish(ev reporter.Event) {
	if e.events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = e.clock.Now()
	}
	ev.Node = e.cfg.RelayID
	e.events.Publish(ev)
}

// distance is what this node advertises in its heartbeats.
func (e *Engine) distance() uint8 {
	if e.cfg.Role == core.RoleBorder {
		return 0
	}
	return e.topology.Distance()
}

func (e *Engine) newPacketID() uint16 {
	id := e.nextID
	e.nextID++
	return id
}

// nextFrequency rotates over the configured mesh channels.
func (e *Engine) nextFrequency() uint32 {
	if len(e.cfg.Frequencies) == 0 {
		return 0
	}
	f := e.cfg.Frequencies[e.freqIdx%len(e.cfg.Frequencies)]
	e.freqIdx++
	return f
}

func (e *Engine) updateGauges() {
	metrics.TopologyNeighbors.Set(float64(e.topology.Len()))
	metrics.MeshDistance.Set(float64(e.distance()))
	metrics.DedupEntries.Set(float64(e.dedup.Len()))
	metrics.UplinkBufferDepth.Set(float64(e.buffer.len()))
	if e.state == StateConnected {
		metrics.MeshConnected.Set(1)
	} else {
		metrics.MeshConnected.Set(0)
	}
}
