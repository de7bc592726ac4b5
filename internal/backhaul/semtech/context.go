package semtech

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"firestige.xyz/loramesh/internal/core"
)

// rxDelays are the offsets at which a network server schedules a downlink
// after an uplink: RX1/RX2 for data frames, then join accept windows.
var rxDelays = []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 6 * time.Second}

// uplinkContext remembers which gateway heard an uplink given a tmst.
type uplinkContext struct {
	RelayID  core.RelayID
	UplinkID uint16
	RxTime   time.Time
}

// contextStore maps concentrator timestamps to uplink contexts.
type contextStore struct {
	mu  sync.Mutex
	lru *simplelru.LRU[uint32, uplinkContext]
}

func newContextStore(capacity int) *contextStore {
	if capacity <= 0 {
		capacity = 1024
	}
	lru, _ := simplelru.NewLRU[uint32, uplinkContext](capacity, nil)
	return &contextStore{lru: lru}
}

func (s *contextStore) put(tmst uint32, c uplinkContext) {
	s.mu.Lock()
	s.lru.Add(tmst, c)
	s.mu.Unlock()
}

// resolve finds the uplink a downlink scheduled at tmst answers and the RX
// delay it was scheduled with.
func (s *contextStore) resolve(tmst uint32) (uplinkContext, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range rxDelays {
		if c, ok := s.lru.Get(tmst - uint32(d.Microseconds())); ok {
			return c, d, true
		}
	}
	return uplinkContext{}, 0, false
}

func (s *contextStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}
