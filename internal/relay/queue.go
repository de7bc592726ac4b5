package relay

import (
	"time"

	"firestige.xyz/loramesh/internal/core"
)

type buffered struct {
	pkt core.MeshPacket
	at  time.Time
}

// uplinkBuffer holds uplinks while the relay is disconnected. When full the
// oldest uplink is dropped.
type uplinkBuffer struct {
	items []buffered
	depth int
}

func newUplinkBuffer(depth int) *uplinkBuffer {
	return &uplinkBuffer{depth: depth}
}

// push adds pkt and reports whether an older uplink had to be dropped.
func (b *uplinkBuffer) push(pkt core.MeshPacket, now time.Time) bool {
	overflow := false
	if len(b.items) >= b.depth {
		b.items = b.items[1:]
		overflow = true
	}
	b.items = append(b.items, buffered{pkt: pkt, at: now})
	return overflow
}

// expire drops uplinks older than maxAge and returns how many were dropped.
func (b *uplinkBuffer) expire(now time.Time, maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	kept := b.items[:0]
	for _, it := range b.items {
		if now.Sub(it.at) < maxAge {
			kept = append(kept, it)
		}
	}
	n := len(b.items) - len(kept)
	clear(b.items[len(kept):])
	b.items = kept
	return n
}

// drain removes and returns every buffered uplink, oldest first.
func (b *uplinkBuffer) drain() []core.MeshPacket {
	out := make([]core.MeshPacket, len(b.items))
	for i, it := range b.items {
		out[i] = it.pkt
	}
	b.items = nil
	return out
}

func (b *uplinkBuffer) len() int { return len(b.items) }
