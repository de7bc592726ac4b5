package codec

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/loramesh/internal/core"
)

// Stats event fields, protobuf wire format like heartbeats so relays running
// newer versions can add counters.
const (
	statsFieldUptime       protowire.Number = 1 // seconds
	statsFieldDistance     protowire.Number = 2
	statsFieldNeighbors    protowire.Number = 3
	statsFieldMeshReceived protowire.Number = 4
	statsFieldForwarded    protowire.Number = 5
	statsFieldFlooded      protowire.Number = 6
	statsFieldOriginated   protowire.Number = 7
	statsFieldDropped      protowire.Number = 8
	statsFieldBuffered     protowire.Number = 9
)

// StatsEvent is the value of an EventTypeStats item: a relay's counters.
type StatsEvent struct {
	Uptime       time.Duration `json:"uptime"`
	Distance     uint8         `json:"distance"`
	Neighbors    uint32        `json:"neighbors"`
	MeshReceived uint64        `json:"mesh_received"`
	Forwarded    uint64        `json:"forwarded"`
	Flooded      uint64        `json:"flooded"`
	Originated   uint64        `json:"originated"`
	Dropped      uint64        `json:"dropped"`
	Buffered     uint32        `json:"buffered"`
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s *StatsEvent) MarshalBinary() ([]byte, error) {
	var b []byte
	for _, f := range []struct {
		num protowire.Number
		v   uint64
	}{
		{statsFieldUptime, uint64(s.Uptime / time.Second)},
		{statsFieldDistance, uint64(s.Distance)},
		{statsFieldNeighbors, uint64(s.Neighbors)},
		{statsFieldMeshReceived, s.MeshReceived},
		{statsFieldForwarded, s.Forwarded},
		{statsFieldFlooded, s.Flooded},
		{statsFieldOriginated, s.Originated},
		{statsFieldDropped, s.Dropped},
		{statsFieldBuffered, uint64(s.Buffered)},
	} {
		b = protowire.AppendTag(b, f.num, protowire.VarintType)
		b = protowire.AppendVarint(b, f.v)
	}
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Unknown fields are skipped.
func (s *StatsEvent) UnmarshalBinary(b []byte) error {
	*s = StatsEvent{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformedStats(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return malformedStats(n)
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return malformedStats(n)
		}
		b = b[n:]
		switch num {
		case statsFieldUptime:
			s.Uptime = time.Duration(v) * time.Second
		case statsFieldDistance:
			s.Distance = uint8(min(v, uint64(core.DistanceUnreachable)))
		case statsFieldNeighbors:
			s.Neighbors = uint32(v)
		case statsFieldMeshReceived:
			s.MeshReceived = v
		case statsFieldForwarded:
			s.Forwarded = v
		case statsFieldFlooded:
			s.Flooded = v
		case statsFieldOriginated:
			s.Originated = v
		case statsFieldDropped:
			s.Dropped = v
		case statsFieldBuffered:
			s.Buffered = uint32(v)
		}
	}
	return nil
}

func malformedStats(n int) error {
	return fmt.Errorf("%w: stats: %v", core.ErrMalformedPayload, protowire.ParseError(n))
}
