package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/loramesh/internal/codec"
	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/reporter"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []codec.Item
	fail  map[uint8]bool
}

func (r *fakeRunner) Run(_ context.Context, typ uint8, input []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, codec.Item{Type: typ, Payload: input})
	if r.fail[typ] {
		return nil, errors.New("exit status 1")
	}
	return append([]byte("ran "), input...), nil
}

func (r *fakeRunner) ran() []codec.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]codec.Item(nil), r.calls...)
}

// withRunner runs commands inline so their output is queued before receive returns.
func (h *harness) withRunner(r CommandRunner) {
	h.engine.runner = r
	h.engine.spawn = func(f func()) { f() }
}

// answer sends the queued command output the way the engine loop does.
func (h *harness) answer() {
	for {
		select {
		case items := <-h.engine.results:
			h.engine.sendEvents(items)
		default:
			return
		}
	}
}

func commandPacket(t *testing.T, id uint16, hop uint8, via, target core.RelayID, ts int64, items ...codec.Item) core.MeshPacket {
	t.Helper()
	p := codec.CommandPayload{Via: via, Target: target, Timestamp: time.UnixMilli(ts), Commands: items}
	payload, err := p.MarshalBinary()
	require.NoError(t, err)
	return core.MeshPacket{Type: core.PacketTypeCommand, RelayID: borderID, PacketID: id, HopCount: hop, Payload: payload}
}

func eventPacket(t *testing.T, origin core.RelayID, id uint16, hop uint8, via core.RelayID, items ...codec.Item) core.MeshPacket {
	t.Helper()
	p := codec.EventPayload{Via: via, Timestamp: time.UnixMilli(1_700_000_000_000), Events: items}
	payload, err := p.MarshalBinary()
	require.NoError(t, err)
	return core.MeshPacket{Type: core.PacketTypeEvent, RelayID: origin, PacketID: id, HopCount: hop, Payload: payload}
}

func decodeEvents(t *testing.T, pkt core.MeshPacket) codec.EventPayload {
	t.Helper()
	var p codec.EventPayload
	require.NoError(t, p.UnmarshalBinary(pkt.Payload))
	return p
}

func TestCommandRunsAndAnswers(t *testing.T) {
	h := newHarness(t, relayA, core.RoleRelay)
	runner := &fakeRunner{}
	h.withRunner(runner)
	h.connect()

	h.receive(commandPacket(t, h.nextID(borderID), 0, relayA, relayA, 1000,
		codec.Item{Type: 130, Payload: []byte("uptime")},
		codec.Item{Type: 131, Payload: []byte("x")},
	), strong)
	assert.Len(t, runner.ran(), 2)
	assert.Empty(t, h.sent(), "answers only from the engine loop")

	h.answer()
	sent := h.sentOfType(core.PacketTypeEvent)
	require.Len(t, sent, 1)
	assert.Equal(t, relayA, sent[0].RelayID)
	assert.Equal(t, borderID, viaOf(t, sent[0]))
	ev := decodeEvents(t, sent[0])
	assert.Equal(t, []codec.Item{
		{Type: 130, Payload: []byte("ran uptime")},
		{Type: 131, Payload: []byte("ran x")},
	}, ev.Events)
	assert.Equal(t, h.clock.Now().UnixMilli(), ev.Timestamp.UnixMilli())

	stats := h.engine.stats()
	assert.Equal(t, uint64(2), stats.CommandsRun)
	assert.Equal(t, uint64(1), stats.EventsSent)
}

func TestCommandReplayRejected(t *testing.T) {
	h := newHarness(t, relayA, core.RoleRelay)
	runner := &fakeRunner{}
	h.withRunner(runner)
	h.connect()

	item := codec.Item{Type: 130, Payload: []byte("reboot")}
	h.receive(commandPacket(t, h.nextID(borderID), 0, relayA, relayA, 5000, item), strong)
	// a captured frame re-sent under a fresh packet id gets past dedup
	h.receive(commandPacket(t, h.nextID(borderID), 0, relayA, relayA, 5000, item), strong)
	h.receive(commandPacket(t, h.nextID(borderID), 0, relayA, relayA, 4999, item), strong)
	assert.Len(t, runner.ran(), 1)
	assert.Equal(t, uint64(2), h.engine.stats().Dropped)

	h.receive(commandPacket(t, h.nextID(borderID), 0, relayA, relayA, 5001, item), strong)
	assert.Len(t, runner.ran(), 2)
}

func TestCommandFailuresAndReservedTypes(t *testing.T) {
	h := newHarness(t, relayA, core.RoleRelay)
	runner := &fakeRunner{fail: map[uint8]bool{131: true}}
	h.withRunner(runner)
	h.connect()

	h.receive(commandPacket(t, h.nextID(borderID), 0, relayA, relayA, 1000,
		codec.Item{Type: codec.EventTypeStats},
		codec.Item{Type: 131},
	), strong)
	h.answer()

	require.Len(t, runner.ran(), 1, "reserved types are never executed")
	assert.Empty(t, h.sent(), "nothing to answer")
}

func TestCommandWithoutRunnerDropped(t *testing.T) {
	h := newHarness(t, relayA, core.RoleRelay)
	h.connect()

	h.receive(commandPacket(t, h.nextID(borderID), 0, relayA, relayA, 1000, codec.Item{Type: 130}), strong)

	assert.Equal(t, uint64(1), h.engine.stats().Dropped)
	assert.Empty(t, h.sent())
}

func TestCommandForOtherRelayRouted(t *testing.T) {
	h := newHarness(t, relayA, core.RoleRelay, func(c *Config) { c.HeartbeatFlood = false })
	runner := &fakeRunner{}
	h.withRunner(runner)
	h.connect()
	h.heartbeat(relayC, 1, 2, false, strong, codec.PathHop{RelayID: relayB})
	h.mesh.reset()

	routed, overheard := h.nextID(borderID), h.nextID(borderID)
	h.receive(commandPacket(t, routed, 1, relayA, relayC, 1000, codec.Item{Type: 130}), strong)
	h.receive(commandPacket(t, overheard, 1, relayB, relayC, 1001, codec.Item{Type: 130}), strong)

	sent := h.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, core.PacketTypeCommand, sent[0].Type)
	assert.Equal(t, routed, sent[0].PacketID)
	assert.Equal(t, relayB, viaOf(t, sent[0]))
	assert.Empty(t, runner.ran())
}

func TestBorderSendsCommands(t *testing.T) {
	h := newHarness(t, borderID, core.RoleBorder)
	h.heartbeat(relayC, 1, 2, false, strong, codec.PathHop{RelayID: relayB})
	h.mesh.reset()

	first, err := h.engine.sendCommand(relayC, []codec.Item{{Type: 130, Payload: []byte("a")}})
	require.NoError(t, err)
	second, err := h.engine.sendCommand(relayD, []codec.Item{{Type: 131}})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	sent := h.sentOfType(core.PacketTypeCommand)
	require.Len(t, sent, 2)
	var a, b codec.CommandPayload
	require.NoError(t, a.UnmarshalBinary(sent[0].Payload))
	require.NoError(t, b.UnmarshalBinary(sent[1].Payload))
	assert.Equal(t, relayB, a.Via)
	assert.Equal(t, core.BroadcastRelayID, b.Via)
	assert.Equal(t, relayD, b.Target)
	// the clock did not move, timestamps still increase
	assert.Equal(t, a.Timestamp.UnixMilli()+1, b.Timestamp.UnixMilli())
	assert.Equal(t, uint64(2), h.engine.stats().CommandsSent)
}

func TestSendCommandValidation(t *testing.T) {
	ctx := context.Background()
	relay := newHarness(t, relayA, core.RoleRelay)
	_, err := relay.engine.SendCommand(ctx, relayB, []codec.Item{{Type: 130}})
	assert.ErrorIs(t, err, core.ErrNotBorder)

	border := newHarness(t, borderID, core.RoleBorder)
	for _, target := range []core.RelayID{0, core.BroadcastRelayID, borderID} {
		_, err = border.engine.SendCommand(ctx, target, []codec.Item{{Type: 130}})
		assert.Error(t, err, "target %s", target)
	}
	_, err = border.engine.SendCommand(ctx, relayA, nil)
	assert.Error(t, err)
	assert.Empty(t, border.sent())
}

func TestBorderReportsEvents(t *testing.T) {
	h := newHarness(t, borderID, core.RoleBorder)
	stats := codec.StatsEvent{Uptime: time.Hour, Distance: 2, Forwarded: 40, Dropped: 3}
	payload, err := stats.MarshalBinary()
	require.NoError(t, err)

	h.receive(eventPacket(t, relayB, h.nextID(relayB), 1, borderID,
		codec.Item{Type: codec.EventTypeStats, Payload: payload},
		codec.Item{Type: 130, Payload: []byte("5\n")},
	), strong)

	reported := h.events.ofType(reporter.EventRelayStats)
	require.Len(t, reported, 1)
	assert.Equal(t, relayB, reported[0].RelayID)
	assert.Equal(t, borderID, reported[0].Node)
	assert.Equal(t, stats, *reported[0].Stats)

	custom := h.events.ofType(reporter.EventMesh)
	require.Len(t, custom, 1)
	assert.Equal(t, uint8(130), custom[0].EventType)
	assert.Equal(t, []byte("5\n"), custom[0].Payload)

	relays := h.engine.relayList()
	require.Len(t, relays, 1)
	assert.Equal(t, stats, *relays[0].Stats)
	assert.Equal(t, uint64(1), h.engine.stats().EventsReceived)
	assert.Empty(t, h.backhaul.received(), "events never reach the network server")
}

func TestRelayForwardsEvents(t *testing.T) {
	h := newHarness(t, relayA, core.RoleRelay)
	h.connect()

	h.receive(eventPacket(t, relayB, h.nextID(relayB), 0, relayA, codec.Item{Type: 130}), strong)
	h.receive(eventPacket(t, relayC, h.nextID(relayC), 0, relayD, codec.Item{Type: 130}), strong)

	sent := h.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, relayB, sent[0].RelayID)
	assert.Equal(t, uint8(1), sent[0].HopCount)
	assert.Equal(t, borderID, viaOf(t, sent[0]))
	assert.Empty(t, h.events.ofType(reporter.EventMesh))
}

func TestReportStats(t *testing.T) {
	h := newHarness(t, relayA, core.RoleRelay)
	h.connect()
	h.receive(uplinkPacket(t, relayB, h.nextID(relayB), 0, relayA), strong)
	h.mesh.reset()
	h.clock.Add(30 * time.Second)

	h.engine.ReportStats(h.ctx)

	sent := h.sentOfType(core.PacketTypeEvent)
	require.Len(t, sent, 1)
	ev := decodeEvents(t, sent[0])
	require.Len(t, ev.Events, 1)
	require.Equal(t, codec.EventTypeStats, ev.Events[0].Type)
	var s codec.StatsEvent
	require.NoError(t, s.UnmarshalBinary(ev.Events[0].Payload))
	assert.Equal(t, 30*time.Second, s.Uptime)
	assert.Equal(t, uint8(1), s.Distance)
	assert.Equal(t, uint32(1), s.Neighbors)
	assert.Equal(t, uint64(1), s.Forwarded)
	assert.Equal(t, uint64(2), s.MeshReceived)

	border := newHarness(t, borderID, core.RoleBorder)
	border.engine.ReportStats(border.ctx)
	assert.Empty(t, border.sent())
}

func TestDisconnectedRelayBuffersEvents(t *testing.T) {
	h := newHarness(t, relayA, core.RoleRelay)
	h.connect()
	h.clock.Add(2 * time.Minute)
	h.engine.Sweep(h.ctx)
	require.Equal(t, StateDisconnected, h.engine.state)

	h.engine.ReportStats(h.ctx)
	assert.Empty(t, h.sentOfType(core.PacketTypeEvent))
	assert.Equal(t, 1, h.engine.buffer.len())

	h.heartbeat(borderID, 0, 0, false, strong)
	sent := h.sentOfType(core.PacketTypeEvent)
	require.Len(t, sent, 1)
	assert.Equal(t, borderID, viaOf(t, sent[0]))
	assert.Equal(t, 0, h.engine.buffer.len())
	assert.Equal(t, uint64(1), h.engine.stats().Flushed)
}

func TestRunReportsStats(t *testing.T) {
	ticks := make(chan time.Time)
	h := newHarness(t, relayA, core.RoleRelay)
	WithStatsTicks(ticks)(h.engine)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx, nil, nil) }()

	ticks <- time.Now()
	require.Eventually(t, func() bool {
		s, err := h.engine.Stats(ctx)
		return err == nil && s.EventsSent == 1
	}, time.Second, 5*time.Millisecond)
	// never connected, so the report is flooded
	assert.Len(t, h.sentOfType(core.PacketTypeEvent), 1)

	cancel()
	require.NoError(t, <-done)
}
