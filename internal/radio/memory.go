package radio

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"firestige.xyz/loramesh/internal/core"
)

const defaultInboxDepth = 256

type linkKey struct{ a, b string }

func newLinkKey(a, b string) linkKey {
	if a > b {
		a, b = b, a
	}
	return linkKey{a, b}
}

// Medium is an in-process shared air. Radios attached to it hear each other
// only when a link exists between them.
type Medium struct {
	mu     sync.RWMutex
	clock  clock.Clock
	radios map[string]*MemoryRadio
	links  map[linkKey]core.LinkQuality
	sent   map[string]int
}

// NewMedium creates an empty medium. A nil clock uses the wall clock.
func NewMedium(clk clock.Clock) *Medium {
	if clk == nil {
		clk = clock.New()
	}
	return &Medium{
		clock:  clk,
		radios: make(map[string]*MemoryRadio),
		links:  make(map[linkKey]core.LinkQuality),
		sent:   make(map[string]int),
	}
}

// Attach creates a radio named name on the medium.
func (m *Medium) Attach(name string, maxFrameSize int) *MemoryRadio {
	r := &MemoryRadio{
		name:    name,
		medium:  m,
		maxSize: maxFrameSize,
		inbox:   make(chan core.Frame, defaultInboxDepth),
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.radios[name] = r
	m.mu.Unlock()
	return r
}

// Link makes a and b hear each other with the given quality.
func (m *Medium) Link(a, b string, q core.LinkQuality) {
	m.mu.Lock()
	m.links[newLinkKey(a, b)] = q
	m.mu.Unlock()
}

// Unlink removes the link between a and b.
func (m *Medium) Unlink(a, b string) {
	m.mu.Lock()
	delete(m.links, newLinkKey(a, b))
	m.mu.Unlock()
}

// Transmissions returns how many frames name has put on the air.
func (m *Medium) Transmissions(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sent[name]
}

func (m *Medium) broadcast(from string, f core.Frame) {
	m.mu.Lock()
	m.sent[from]++
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.Now()
	for name, r := range m.radios {
		if name == from {
			continue
		}
		q, ok := m.links[newLinkKey(from, name)]
		if !ok {
			continue
		}
		rx := core.Frame{
			Data: append([]byte(nil), f.Data...),
			RxInfo: core.RxInfo{
				Frequency: f.TxInfo.Frequency,
				DataRate:  f.TxInfo.DataRate,
				RSSI:      q.RSSI,
				SNR:       q.SNR,
				Time:      now,
			},
		}
		r.deliver(rx)
	}
}

// MemoryRadio is a radio attached to a Medium.
type MemoryRadio struct {
	name    string
	medium  *Medium
	maxSize int
	inbox   chan core.Frame

	closeOnce sync.Once
	done      chan struct{}
}

func (r *MemoryRadio) deliver(f core.Frame) {
	select {
	case <-r.done:
	case r.inbox <- f:
	default:
		// receiver overrun, the frame is lost like on real air
	}
}

// Name returns the name the radio was attached with.
func (r *MemoryRadio) Name() string { return r.name }

func (r *MemoryRadio) Receive(ctx context.Context) (core.Frame, error) {
	select {
	case <-ctx.Done():
		return core.Frame{}, ctx.Err()
	case <-r.done:
		return core.Frame{}, core.ErrRadioClosed
	case f := <-r.inbox:
		return f, nil
	}
}

// TryReceive returns a pending frame without blocking. Simulations use it to
// step a mesh deterministically.
func (r *MemoryRadio) TryReceive() (core.Frame, bool) {
	select {
	case f := <-r.inbox:
		return f, true
	default:
		return core.Frame{}, false
	}
}

func (r *MemoryRadio) Transmit(ctx context.Context, f core.Frame) error {
	select {
	case <-r.done:
		return core.ErrRadioClosed
	default:
	}
	if len(f.Data) > r.maxSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds %d", core.ErrRadio, len(f.Data), r.maxSize)
	}
	r.medium.broadcast(r.name, f)
	return nil
}

func (r *MemoryRadio) MaxFrameSize() int { return r.maxSize }

func (r *MemoryRadio) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.medium.mu.Lock()
		if r.medium.radios[r.name] == r {
			delete(r.medium.radios, r.name)
		}
		r.medium.mu.Unlock()
	})
	return nil
}
