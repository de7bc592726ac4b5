package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/loramesh/internal/core"
)

// Heartbeat payload fields, protobuf wire format.
const (
	hbFieldDistance protowire.Number = 1
	hbFieldSolicit  protowire.Number = 2
	hbFieldPath     protowire.Number = 3

	pathFieldRelayID protowire.Number = 1
	pathFieldRSSI    protowire.Number = 2
	pathFieldSNR     protowire.Number = 3 // quarter dB
)

// PathHop is one relay that re-broadcast a heartbeat, with the signal it heard.
type PathHop struct {
	RelayID core.RelayID `json:"relay_id"`
	RSSI    int16        `json:"rssi"`
	SNR     float32      `json:"snr"`
}

// HeartbeatPayload is the payload of Heartbeat and HeartbeatAck packets.
type HeartbeatPayload struct {
	// Distance to the border in hops, core.DistanceUnreachable when unknown.
	Distance uint8
	// Solicit asks connected neighbors to answer with a HeartbeatAck.
	Solicit bool
	// Path lists the relays that re-broadcast the heartbeat, oldest first.
	Path []PathHop
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *HeartbeatPayload) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, hbFieldDistance, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Distance))
	if p.Solicit {
		b = protowire.AppendTag(b, hbFieldSolicit, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	for _, hop := range p.Path {
		var hb []byte
		hb = protowire.AppendTag(hb, pathFieldRelayID, protowire.Fixed32Type)
		hb = protowire.AppendFixed32(hb, uint32(hop.RelayID))
		hb = protowire.AppendTag(hb, pathFieldRSSI, protowire.VarintType)
		hb = protowire.AppendVarint(hb, protowire.EncodeZigZag(int64(hop.RSSI)))
		hb = protowire.AppendTag(hb, pathFieldSNR, protowire.VarintType)
		hb = protowire.AppendVarint(hb, protowire.EncodeZigZag(int64(int8(encodeSNR(hop.SNR)))))

		b = protowire.AppendTag(b, hbFieldPath, protowire.BytesType)
		b = protowire.AppendBytes(b, hb)
	}
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Unknown fields are skipped.
func (p *HeartbeatPayload) UnmarshalBinary(b []byte) error {
	*p = HeartbeatPayload{Distance: core.DistanceUnreachable}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformedHeartbeat(n)
		}
		b = b[n:]

		switch {
		case num == hbFieldDistance && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return malformedHeartbeat(n)
			}
			if v > uint64(core.DistanceUnreachable) {
				v = uint64(core.DistanceUnreachable)
			}
			p.Distance = uint8(v)
			b = b[n:]
		case num == hbFieldSolicit && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return malformedHeartbeat(n)
			}
			p.Solicit = protowire.DecodeBool(v)
			b = b[n:]
		case num == hbFieldPath && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return malformedHeartbeat(n)
			}
			hop, err := unmarshalPathHop(v)
			if err != nil {
				return err
			}
			p.Path = append(p.Path, hop)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return malformedHeartbeat(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func unmarshalPathHop(b []byte) (PathHop, error) {
	var hop PathHop
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return hop, malformedHeartbeat(n)
		}
		b = b[n:]

		switch {
		case num == pathFieldRelayID && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return hop, malformedHeartbeat(n)
			}
			hop.RelayID = core.RelayID(v)
			b = b[n:]
		case (num == pathFieldRSSI || num == pathFieldSNR) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return hop, malformedHeartbeat(n)
			}
			if num == pathFieldRSSI {
				hop.RSSI = int16(protowire.DecodeZigZag(v))
			} else {
				hop.SNR = float32(protowire.DecodeZigZag(v)) / 4
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return hop, malformedHeartbeat(n)
			}
			b = b[n:]
		}
	}
	return hop, nil
}

func malformedHeartbeat(n int) error {
	return fmt.Errorf("%w: heartbeat: %v", core.ErrMalformedPayload, protowire.ParseError(n))
}
