package relay

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// uplinkContext is what a relay remembers about an uplink it originated, so
// that the answering downlink can be sent in the device's RX window.
type uplinkContext struct {
	RxTime    time.Time
	Frequency uint32
}

type uplinkContexts struct {
	lru *simplelru.LRU[uint16, uplinkContext]
}

func newUplinkContexts(capacity int) *uplinkContexts {
	lru, _ := simplelru.NewLRU[uint16, uplinkContext](capacity, nil)
	return &uplinkContexts{lru: lru}
}

func (c *uplinkContexts) put(uplinkID uint16, ctx uplinkContext) {
	c.lru.Add(uplinkID, ctx)
}

func (c *uplinkContexts) get(uplinkID uint16) (uplinkContext, bool) {
	return c.lru.Get(uplinkID)
}

func (c *uplinkContexts) len() int { return c.lru.Len() }
