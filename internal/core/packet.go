package core

// PacketType enumerates the kinds of mesh packets.
type PacketType uint8

const (
	PacketTypeUplink PacketType = iota
	PacketTypeDownlink
	PacketTypeHeartbeat
	PacketTypeHeartbeatAck
	PacketTypeCommand // border to one relay
	PacketTypeEvent   // relay to border
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeUplink:
		return "uplink"
	case PacketTypeDownlink:
		return "downlink"
	case PacketTypeHeartbeat:
		return "heartbeat"
	case PacketTypeHeartbeatAck:
		return "heartbeat_ack"
	case PacketTypeCommand:
		return "command"
	case PacketTypeEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a known packet type.
func (t PacketType) Valid() bool {
	return t <= PacketTypeEvent
}

// MeshPacket is a relay-level packet carried over the radio.
type MeshPacket struct {
	Type     PacketType
	RelayID  RelayID // Originating relay
	PacketID uint16  // Per-origin sequence number
	HopCount uint8
	Payload  []byte

	// RxInfo of the hop that delivered the packet. Not part of the wire format.
	RxInfo RxInfo
}

// DedupKey identifies a packet across the whole mesh.
type DedupKey struct {
	RelayID  RelayID
	PacketID uint16
}

// Key returns the dedup key of the packet.
func (p *MeshPacket) Key() DedupKey {
	return DedupKey{RelayID: p.RelayID, PacketID: p.PacketID}
}

// DistanceUnreachable is advertised by nodes without a route to the border.
const DistanceUnreachable uint8 = 0xFF
