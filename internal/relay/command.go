package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"firestige.xyz/loramesh/internal/codec"
	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/reporter"
)

// CommandRunner executes one mesh command item and returns its output.
type CommandRunner interface {
	Run(ctx context.Context, typ uint8, input []byte) ([]byte, error)
}

// SendCommand sends commands from the border to one relay and returns the id
// of the Command packet. Each command carries a timestamp newer than the
// previous one so relays can refuse replays.
func (e *Engine) SendCommand(ctx context.Context, target core.RelayID, commands []codec.Item) (uint16, error) {
	if e.cfg.Role != core.RoleBorder {
		return 0, core.ErrNotBorder
	}
	if target == 0 || target == core.BroadcastRelayID || target == e.cfg.RelayID {
		return 0, fmt.Errorf("invalid command target %s", target)
	}
	if len(commands) == 0 {
		return 0, errors.New("no commands to send")
	}

	var (
		id  uint16
		err error
	)
	if derr := e.do(ctx, func() { id, err = e.sendCommand(target, commands) }); derr != nil {
		return 0, derr
	}
	return id, err
}

func (e *Engine) sendCommand(target core.RelayID, commands []codec.Item) (uint16, error) {
	ts := max(e.clock.Now().UnixMilli(), e.lastCommandSent+1)
	p := codec.CommandPayload{
		Via:       core.BroadcastRelayID,
		Target:    target,
		Timestamp: time.UnixMilli(ts),
		Commands:  commands,
	}
	if via, ok := e.topology.RouteTo(target); ok {
		p.Via = via
	}
	payload, err := p.MarshalBinary()
	if err != nil {
		return 0, err
	}
	id, ok := e.originate(core.PacketTypeCommand, payload)
	if !ok {
		return 0, fmt.Errorf("command to %s not transmitted", target)
	}
	e.lastCommandSent = ts
	e.counters.CommandsSent.Add(1)
	countDecision(core.PacketTypeCommand, "originated")
	e.logger.WithFields(map[string]interface{}{
		"target":    target.String(),
		"packet_id": id,
		"commands":  len(commands),
		"routed":    p.Via != core.BroadcastRelayID,
	}).Info("mesh command sent")
	return id, nil
}

func (e *Engine) handleMeshCommand(ctx context.Context, pkt *core.MeshPacket) {
	var cmd codec.CommandPayload
	if err := cmd.UnmarshalBinary(pkt.Payload); err != nil {
		e.counters.countDrop(dropMalformed)
		return
	}
	if cmd.Target != e.cfg.RelayID {
		e.routeToward(pkt, cmd.Target)
		return
	}

	fields := packetFields(pkt)
	ts := cmd.Timestamp.UnixMilli()
	if ts <= e.lastCommand {
		e.counters.countDrop(dropReplay)
		e.logger.WithFields(fields).WithField("timestamp", ts).Warn("mesh command replayed, ignoring")
		return
	}
	if e.runner == nil {
		e.counters.countDrop(dropNoRunner)
		e.logger.WithFields(fields).Warn("mesh command received but no commands are configured")
		return
	}
	e.lastCommand = ts
	countDecision(pkt.Type, "accepted")

	commands := cmd.Commands
	e.spawn(func() { e.runCommands(ctx, commands) })
}

// runCommands executes commands off the engine goroutine and hands their
// output back to the loop as events. A failed command answers nothing.
func (e *Engine) runCommands(ctx context.Context, commands []codec.Item) {
	var out []codec.Item
	for _, c := range commands {
		if !c.Proprietary() {
			e.logger.WithField("type", c.Type).Warn("ignoring reserved mesh command type")
			continue
		}
		result, err := e.runner.Run(ctx, c.Type, c.Payload)
		if err != nil {
			e.logger.WithError(err).WithField("type", c.Type).Warn("mesh command failed")
			continue
		}
		e.counters.CommandsRun.Add(1)
		if len(result) > codec.MaxItemSize {
			result = result[:codec.MaxItemSize]
		}
		out = append(out, codec.Item{Type: c.Type, Payload: result})
	}
	if len(out) == 0 {
		return
	}
	select {
	case e.results <- out:
	case <-ctx.Done():
	}
}

// sendEvents originates an Event packet toward the border. Events travel like
// uplinks, including buffering while disconnected.
func (e *Engine) sendEvents(items []codec.Item) {
	p := codec.EventPayload{
		Via:       core.BroadcastRelayID,
		Timestamp: e.clock.Now(),
		Events:    items,
	}
	payload, err := p.MarshalBinary()
	if err != nil {
		e.counters.countDrop(dropTooLarge)
		e.logger.WithError(err).Warn("cannot encapsulate mesh event")
		return
	}
	pkt := core.MeshPacket{
		Type:     core.PacketTypeEvent,
		RelayID:  e.cfg.RelayID,
		PacketID: e.newPacketID(),
		Payload:  payload,
	}
	e.mark(&pkt)
	e.counters.Originated.Add(1)
	e.counters.EventsSent.Add(1)
	e.routeUplink(pkt)
}

// ReportStats sends this relay's counters to the border. Borders have
// nowhere to send them and do nothing.
func (e *Engine) ReportStats(ctx context.Context) {
	if e.cfg.Role == core.RoleBorder {
		return
	}
	c := &e.counters
	s := codec.StatsEvent{
		Uptime:       e.clock.Since(e.started),
		Distance:     e.topology.Distance(),
		Neighbors:    uint32(e.topology.Len()),
		MeshReceived: c.MeshReceived.Load(),
		Forwarded:    c.Forwarded.Load(),
		Flooded:      c.Flooded.Load(),
		Originated:   c.Originated.Load(),
		Dropped:      c.Dropped.Load(),
		Buffered:     uint32(e.buffer.len()),
	}
	payload, err := s.MarshalBinary()
	if err != nil {
		return
	}
	e.sendEvents([]codec.Item{{Type: codec.EventTypeStats, Payload: payload}})
	e.updateGauges()
}

func (e *Engine) handleMeshEvent(pkt *core.MeshPacket) {
	if e.cfg.Role != core.RoleBorder {
		e.routeUplink(relayCopy(pkt))
		return
	}

	var p codec.EventPayload
	if err := p.UnmarshalBinary(pkt.Payload); err != nil {
		e.counters.countDrop(dropMalformed)
		return
	}
	e.counters.EventsReceived.Add(1)
	countDecision(pkt.Type, "delivered")

	for _, it := range p.Events {
		ev := reporter.Event{
			Type:      reporter.EventMesh,
			RelayID:   pkt.RelayID,
			HopCount:  pkt.HopCount,
			EventType: it.Type,
			Payload:   it.Payload,
		}
		if it.Type == codec.EventTypeStats {
			var s codec.StatsEvent
			if err := s.UnmarshalBinary(it.Payload); err != nil {
				e.logger.WithError(err).WithField("relay_id", pkt.RelayID.String()).Debug("bad stats event")
				continue
			}
			e.recordStats(pkt.RelayID, &s)
			ev.Type = reporter.EventRelayStats
			ev.Stats = &s
			ev.Payload = nil
			ev.Distance = s.Distance
		}
		e.publish(ev)
	}
}

func (e *Engine) recordStats(id core.RelayID, s *codec.StatsEvent) {
	info, ok := e.relays[id]
	if !ok {
		info = &RelayInfo{RelayID: id, Distance: s.Distance}
		e.relays[id] = info
	}
	now := e.clock.Now()
	info.Stats = s
	info.StatsTime = now
	info.LastSeen = now
}
