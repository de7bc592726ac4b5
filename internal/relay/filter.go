package relay

import (
	"firestige.xyz/loramesh/internal/lorawan"
)

// Filter selects the device uplinks a gateway relays.
type Filter struct {
	DevAddrPrefixes []lorawan.DevAddrPrefix
	JoinEUIPrefixes []lorawan.EUI64Prefix
	// LoRaWANOnly drops frames that do not parse as LoRaWAN.
	LoRaWANOnly bool
}

// Allow reports whether a frame heard from a device should be relayed.
// Overheard downlinks and proprietary frames never are.
func (f *Filter) Allow(phy []byte) bool {
	fr, err := lorawan.Parse(phy)
	if err != nil {
		return !f.LoRaWANOnly
	}
	if !fr.MType.IsUplink() {
		return false
	}
	switch fr.MType {
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		if len(f.DevAddrPrefixes) == 0 {
			return true
		}
		for _, p := range f.DevAddrPrefixes {
			if p.Match(fr.DevAddr) {
				return true
			}
		}
		return false
	case lorawan.JoinRequest:
		if len(f.JoinEUIPrefixes) == 0 {
			return true
		}
		for _, p := range f.JoinEUIPrefixes {
			if p.Match(fr.JoinEUI) {
				return true
			}
		}
		return false
	}
	return true
}
