package relay

import (
	"context"

	"firestige.xyz/loramesh/internal/backhaul"
	"firestige.xyz/loramesh/internal/codec"
	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/metrics"
	"firestige.xyz/loramesh/internal/reporter"
)

// HandleFrame processes one frame heard on the air. It must be called from
// the goroutine running Run, or instead of Run.
func (e *Engine) HandleFrame(ctx context.Context, f core.Frame) {
	start := e.clock.Now()
	if codec.IsMeshFrame(f.Data) {
		e.handleMesh(ctx, f)
	} else {
		e.handleDevice(ctx, f)
	}
	e.updateGauges()
	metrics.EngineLatencySeconds.Observe(e.clock.Since(start).Seconds())
}

func (e *Engine) handleMesh(ctx context.Context, f core.Frame) {
	e.counters.MeshReceived.Add(1)

	pkt, err := e.codec.Decode(f.Data)
	if err != nil {
		e.counters.countDrop(dropDecode)
		e.logger.WithError(err).WithField("size", len(f.Data)).Debug("dropping undecodable frame")
		return
	}
	pkt.RxInfo = f.RxInfo

	if pkt.RelayID == e.cfg.RelayID {
		e.counters.countDrop(dropOwn)
		return
	}
	if e.dedup.Seen(pkt.RelayID, pkt.PacketID) {
		e.counters.countDrop(dropDuplicate)
		return
	}

	ok, valid := e.addressed(&pkt)
	if !valid {
		e.counters.countDrop(dropMalformed)
		e.mark(&pkt)
		return
	}
	if !ok {
		// Not marked: the neighbor it is addressed to may hand it to us later.
		e.counters.Overheard.Add(1)
		countDecision(pkt.Type, "overheard")
		return
	}

	if pkt.HopCount >= e.cfg.MaxHopCount {
		e.counters.countDrop(dropHopLimit)
		e.logger.WithFields(packetFields(&pkt)).Debug("hop limit reached")
		e.mark(&pkt)
		return
	}

	switch pkt.Type {
	case core.PacketTypeHeartbeat, core.PacketTypeHeartbeatAck:
		e.handleHeartbeat(&pkt)
	case core.PacketTypeUplink:
		e.handleMeshUplink(ctx, &pkt)
	case core.PacketTypeDownlink:
		e.handleMeshDownlink(&pkt)
	case core.PacketTypeCommand:
		e.handleMeshCommand(ctx, &pkt)
	case core.PacketTypeEvent:
		e.handleMeshEvent(&pkt)
	}
	e.mark(&pkt)
}

func (e *Engine) mark(pkt *core.MeshPacket) {
	e.dedup.Mark(pkt.RelayID, pkt.PacketID, e.cfg.DedupTTL)
}

// addressed reports whether this node should act on pkt. Packets other than
// heartbeats name their next hop; the border takes every uplink and event and
// a target takes its own downlinks and commands. valid is false when the payload is too short to tell.
func (e *Engine) addressed(pkt *core.MeshPacket) (ok, valid bool) {
	switch pkt.Type {
	case core.PacketTypeUplink, core.PacketTypeEvent:
		if e.cfg.Role == core.RoleBorder {
			return true, true
		}
	case core.PacketTypeDownlink, core.PacketTypeCommand:
		target, has := codec.PeekTarget(pkt.Payload)
		if !has {
			return false, false
		}
		if target == e.cfg.RelayID {
			return true, true
		}
	default:
		return true, true
	}
	via, has := codec.PeekVia(pkt.Payload)
	if !has {
		return false, false
	}
	return via == e.cfg.RelayID || via == core.BroadcastRelayID, true
}

// relayCopy is pkt as this node re-transmits it.
func relayCopy(pkt *core.MeshPacket) core.MeshPacket {
	return core.MeshPacket{
		Type:     pkt.Type,
		RelayID:  pkt.RelayID,
		PacketID: pkt.PacketID,
		HopCount: pkt.HopCount + 1,
		Payload:  append([]byte(nil), pkt.Payload...),
	}
}

func (e *Engine) handleMeshUplink(ctx context.Context, pkt *core.MeshPacket) {
	if e.cfg.Role != core.RoleBorder {
		e.routeUplink(relayCopy(pkt))
		return
	}

	var up codec.UplinkPayload
	if err := up.UnmarshalBinary(pkt.Payload); err != nil {
		e.counters.countDrop(dropMalformed)
		return
	}
	e.deliver(ctx, backhaul.Uplink{
		RelayID:  pkt.RelayID,
		UplinkID: pkt.PacketID,
		HopCount: pkt.HopCount + 1,
		RxInfo: core.RxInfo{
			Frequency: up.Frequency,
			DataRate:  up.DataRate,
			RSSI:      up.RSSI,
			SNR:       up.SNR,
			Time:      pkt.RxInfo.Time,
		},
		PHYPayload: up.PHYPayload,
	})
}

// routeUplink sends an uplink toward the border: through the best neighbor
// when connected, to everyone while the node never had a route, otherwise
// per the disconnected policy.
func (e *Engine) routeUplink(pkt core.MeshPacket) {
	if best, ok := e.topology.BestNextHop(); ok {
		_ = codec.SetVia(pkt.Payload, best.NeighborID)
		if e.transmit(pkt) {
			e.counters.Forwarded.Add(1)
			countDecision(pkt.Type, "forwarded")
		}
		return
	}
	if e.state == StateConnected {
		// the last route went stale since the previous sweep
		e.refreshState()
	}

	if !e.everConnected {
		_ = codec.SetVia(pkt.Payload, core.BroadcastRelayID)
		if e.transmit(pkt) {
			e.counters.Flooded.Add(1)
			countDecision(pkt.Type, "flooded")
		}
		return
	}

	if e.cfg.Policy == PolicyBuffer {
		if e.buffer.push(pkt, e.clock.Now()) {
			e.counters.countDrop(dropBufferFull)
		}
		e.counters.Buffered.Add(1)
		countDecision(pkt.Type, "buffered")
		return
	}
	e.counters.countDrop(dropDisconnected)
	e.logger.WithFields(packetFields(&pkt)).Debug("no route to border, uplink dropped")
}

func (e *Engine) handleMeshDownlink(pkt *core.MeshPacket) {
	var dl codec.DownlinkPayload
	if err := dl.UnmarshalBinary(pkt.Payload); err != nil {
		e.counters.countDrop(dropMalformed)
		return
	}
	if dl.Target == e.cfg.RelayID {
		e.sendToDevice(&dl)
		return
	}
	e.routeToward(pkt, dl.Target)
}

// routeToward relays a packet addressed to target away from the border: to
// the neighbor a heartbeat path named, to everyone when no route is known.
func (e *Engine) routeToward(pkt *core.MeshPacket, target core.RelayID) {
	if e.state != StateConnected {
		e.counters.countDrop(dropDisconnected)
		return
	}

	fwd := relayCopy(pkt)
	via, routed := e.topology.RouteTo(target)
	if !routed {
		via = core.BroadcastRelayID
	}
	_ = codec.SetVia(fwd.Payload, via)
	if !e.transmit(fwd) {
		return
	}
	if routed {
		e.counters.Forwarded.Add(1)
		countDecision(pkt.Type, "forwarded")
	} else {
		e.counters.Flooded.Add(1)
		countDecision(pkt.Type, "flooded")
	}
}

// sendToDevice transmits a downlink addressed to this gateway in the RX
// window of the uplink it answers.
func (e *Engine) sendToDevice(dl *codec.DownlinkPayload) {
	tx := core.TxInfo{
		Frequency: dl.Frequency,
		DataRate:  dl.DataRate,
		Power:     dl.TxPower,
		Delay:     dl.Delay,
	}
	if dl.Delay > 0 {
		uc, ok := e.contexts.get(dl.UplinkID)
		if !ok {
			e.counters.countDrop(dropNoContext)
			e.logger.WithField("uplink_id", dl.UplinkID).Warn("no uplink context for downlink")
			return
		}
		tx.RxTime = uc.RxTime
	}
	e.txDevice(core.Frame{Data: dl.PHYPayload, TxInfo: tx})
}

func (e *Engine) txDevice(f core.Frame) {
	if err := e.device.Enqueue(f); err != nil {
		e.counters.countDrop(dropTxQueue)
		e.logger.WithError(err).Warn("device transmission dropped")
		return
	}
	e.counters.DeviceTx.Add(1)
	countDecision(core.PacketTypeDownlink, "device_tx")
}

func (e *Engine) handleHeartbeat(pkt *core.MeshPacket) {
	var hb codec.HeartbeatPayload
	if err := hb.UnmarshalBinary(pkt.Payload); err != nil {
		e.counters.countDrop(dropMalformed)
		return
	}
	lq := pkt.RxInfo.LinkQuality()

	if pkt.HopCount == 0 {
		e.topology.Update(pkt.RelayID, hb.Distance, lq)
	} else if n := len(hb.Path); n > 0 {
		last := hb.Path[n-1].RelayID
		for i, hop := range hb.Path[:n-1] {
			e.topology.LearnRoute(hop.RelayID, last, uint8(n-i))
		}
		e.topology.LearnRoute(last, last, 1)
		e.topology.LearnRoute(pkt.RelayID, last, pkt.HopCount+1)
	}
	countDecision(pkt.Type, "accepted")
	e.refreshState()

	if pkt.Type != core.PacketTypeHeartbeat {
		return
	}
	if e.cfg.Role == core.RoleBorder {
		e.recordRelay(pkt, &hb, lq)
	}
	if pkt.HopCount == 0 && hb.Solicit && e.state == StateConnected {
		e.sendHeartbeat(core.PacketTypeHeartbeatAck)
	}
	if e.cfg.Role == core.RoleRelay && e.cfg.HeartbeatFlood && pkt.HopCount+1 < e.cfg.MaxHopCount {
		hb.Path = append(hb.Path, codec.PathHop{RelayID: e.cfg.RelayID, RSSI: lq.RSSI, SNR: lq.SNR})
		payload, err := hb.MarshalBinary()
		if err != nil {
			return
		}
		fwd := relayCopy(pkt)
		fwd.Payload = payload
		if e.transmit(fwd) {
			e.counters.Flooded.Add(1)
			countDecision(pkt.Type, "flooded")
		}
	}
}

func (e *Engine) recordRelay(pkt *core.MeshPacket, hb *codec.HeartbeatPayload, lq core.LinkQuality) {
	info, ok := e.relays[pkt.RelayID]
	if !ok {
		info = &RelayInfo{RelayID: pkt.RelayID}
		e.relays[pkt.RelayID] = info
	}
	info.Distance = hb.Distance
	info.HopCount = pkt.HopCount
	info.Path = append([]codec.PathHop(nil), hb.Path...)
	info.LinkQuality = lq
	info.LastSeen = e.clock.Now()
	info.Heartbeats++

	path := make([]reporter.Hop, len(hb.Path))
	for i, h := range hb.Path {
		path[i] = reporter.Hop{RelayID: h.RelayID, RSSI: h.RSSI, SNR: h.SNR}
	}
	e.publish(reporter.Event{
		Type:     reporter.EventHeartbeat,
		RelayID:  pkt.RelayID,
		HopCount: pkt.HopCount,
		Distance: hb.Distance,
		Path:     path,
	})
}

func (e *Engine) sendHeartbeat(t core.PacketType) {
	hb := codec.HeartbeatPayload{
		Distance: e.distance(),
		Solicit:  t == core.PacketTypeHeartbeat && e.state == StateDisconnected,
	}
	payload, err := hb.MarshalBinary()
	if err != nil {
		return
	}
	if _, ok := e.originate(t, payload); ok && t == core.PacketTypeHeartbeat {
		e.counters.HeartbeatsSent.Add(1)
		metrics.HeartbeatsSent.Inc()
	}
}

func (e *Engine) handleDevice(ctx context.Context, f core.Frame) {
	e.counters.DeviceReceived.Add(1)

	if !e.cfg.Filter.Allow(f.Data) {
		e.counters.countDrop(dropFiltered)
		return
	}
	if f.RxInfo.Time.IsZero() {
		f.RxInfo.Time = e.clock.Now()
	}

	if e.cfg.Role == core.RoleBorder {
		if e.cfg.BorderIgnoreDirectUplinks {
			e.counters.countDrop(dropIgnored)
			return
		}
		e.deliver(ctx, backhaul.Uplink{RelayID: e.cfg.RelayID, RxInfo: f.RxInfo, PHYPayload: f.Data})
		return
	}

	up := codec.UplinkPayload{
		Via:        core.BroadcastRelayID,
		Frequency:  f.RxInfo.Frequency,
		DataRate:   f.RxInfo.DataRate,
		RSSI:       f.RxInfo.RSSI,
		SNR:        f.RxInfo.SNR,
		PHYPayload: f.Data,
	}
	payload, err := up.MarshalBinary()
	if err != nil {
		e.counters.countDrop(dropMalformed)
		e.logger.WithError(err).Debug("cannot encapsulate device uplink")
		return
	}

	pkt := core.MeshPacket{
		Type:     core.PacketTypeUplink,
		RelayID:  e.cfg.RelayID,
		PacketID: e.newPacketID(),
		Payload:  payload,
	}
	e.contexts.put(pkt.PacketID, uplinkContext{RxTime: f.RxInfo.Time, Frequency: f.RxInfo.Frequency})
	e.mark(&pkt)
	e.counters.Originated.Add(1)
	e.routeUplink(pkt)
}

// HandleDownlink sends a downlink from the backhaul: directly when the border
// heard the device, otherwise as a Downlink mesh packet toward the target.
func (e *Engine) HandleDownlink(ctx context.Context, dl backhaul.Downlink) {
	if dl.Target == e.cfg.RelayID {
		e.txDevice(core.Frame{Data: dl.PHYPayload, TxInfo: dl.TxInfo})
		return
	}

	p := codec.DownlinkPayload{
		Via:        core.BroadcastRelayID,
		Target:     dl.Target,
		UplinkID:   dl.UplinkID,
		Frequency:  dl.TxInfo.Frequency,
		DataRate:   dl.TxInfo.DataRate,
		TxPower:    dl.TxInfo.Power,
		Delay:      dl.TxInfo.Delay,
		PHYPayload: dl.PHYPayload,
	}
	if via, ok := e.topology.RouteTo(dl.Target); ok {
		p.Via = via
	}
	payload, err := p.MarshalBinary()
	if err != nil {
		e.counters.countDrop(dropMalformed)
		e.logger.WithError(err).Warn("cannot encapsulate downlink")
		return
	}
	if _, ok := e.originate(core.PacketTypeDownlink, payload); ok {
		countDecision(core.PacketTypeDownlink, "originated")
	}
}

func (e *Engine) deliver(ctx context.Context, up backhaul.Uplink) {
	if e.backhaul == nil {
		e.counters.countDrop(dropBackhaul)
		return
	}
	if err := e.backhaul.ForwardUplink(ctx, up); err != nil {
		e.counters.countDrop(dropBackhaul)
		e.logger.WithError(err).Warn("uplink delivery failed")
		return
	}
	e.counters.Delivered.Add(1)
	countDecision(core.PacketTypeUplink, "delivered")
}

// originate sends a new packet from this node and remembers it as seen.
func (e *Engine) originate(t core.PacketType, payload []byte) (uint16, bool) {
	pkt := core.MeshPacket{
		Type:     t,
		RelayID:  e.cfg.RelayID,
		PacketID: e.newPacketID(),
		Payload:  payload,
	}
	e.mark(&pkt)
	if !e.transmit(pkt) {
		return pkt.PacketID, false
	}
	e.counters.Originated.Add(1)
	return pkt.PacketID, true
}

// transmit encodes pkt and queues it on the mesh radio. Failures are counted,
// never retried.
func (e *Engine) transmit(pkt core.MeshPacket) bool {
	data, err := e.codec.Encode(&pkt)
	if err != nil {
		e.counters.countDrop(dropTooLarge)
		e.logger.WithError(err).WithFields(packetFields(&pkt)).Warn("cannot encode mesh packet")
		return false
	}
	frame := core.Frame{
		Data: data,
		TxInfo: core.TxInfo{
			Frequency: e.nextFrequency(),
			DataRate:  e.cfg.DataRate,
			Power:     e.cfg.TxPower,
		},
	}
	if err := e.mesh.Enqueue(frame); err != nil {
		e.counters.countDrop(dropTxQueue)
		e.logger.WithError(err).WithFields(packetFields(&pkt)).Warn("mesh transmission dropped")
		return false
	}
	return true
}

func packetFields(pkt *core.MeshPacket) map[string]interface{} {
	return map[string]interface{}{
		"type":      pkt.Type.String(),
		"origin":    pkt.RelayID.String(),
		"packet_id": pkt.PacketID,
		"hop_count": pkt.HopCount,
	}
}
