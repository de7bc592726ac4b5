// Package backhaul connects a border gateway to the network server.
package backhaul

import (
	"context"

	"firestige.xyz/loramesh/internal/core"
)

// Uplink is a device frame leaving the mesh at the border.
type Uplink struct {
	// RelayID is the gateway that heard the device, the border itself for
	// direct uplinks.
	RelayID core.RelayID
	// UplinkID is the packet_id of the mesh uplink; zero for direct uplinks.
	UplinkID   uint16
	HopCount   uint8
	RxInfo     core.RxInfo
	PHYPayload []byte
}

// Downlink is a device frame the network server wants sent.
type Downlink struct {
	// Target is the gateway that must transmit the frame.
	Target   core.RelayID
	UplinkID uint16
	// TxInfo.Delay is relative to the reception of the uplink it answers;
	// TxInfo.RxTime is that reception time as seen by the border.
	TxInfo     core.TxInfo
	PHYPayload []byte
}

// Backhaul is the border's link to the network server.
type Backhaul interface {
	// ForwardUplink hands an uplink to the network server.
	ForwardUplink(ctx context.Context, up Uplink) error
	// Downlinks delivers downlinks resolved to a target gateway.
	Downlinks() <-chan Downlink
	// Run drives the connection until ctx is done.
	Run(ctx context.Context) error
	Close() error
}

// Nop is the backhaul of a relay: uplinks go nowhere and no downlink arrives.
type Nop struct{}

func (Nop) ForwardUplink(context.Context, Uplink) error { return core.ErrBackhaulClosed }
func (Nop) Downlinks() <-chan Downlink                  { return nil }
func (Nop) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
func (Nop) Close() error { return nil }
