// Package lorawan inspects the few LoRaWAN header fields the relay filters on.
// Frames are otherwise treated as opaque bytes.
package lorawan

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// MType is the LoRaWAN message type from the MHDR.
type MType uint8

const (
	JoinRequest         MType = 0
	JoinAccept          MType = 1
	UnconfirmedDataUp   MType = 2
	UnconfirmedDataDown MType = 3
	ConfirmedDataUp     MType = 4
	ConfirmedDataDown   MType = 5
	RejoinRequest       MType = 6
	Proprietary         MType = 7
)

// Frame is a parsed view of the header of a device uplink.
type Frame struct {
	MType   MType
	DevAddr uint32 // Data uplinks only
	JoinEUI uint64 // Join requests only
}

// Parse reads the header fields of a LoRaWAN frame.
func Parse(phy []byte) (Frame, error) {
	if len(phy) < 1 {
		return Frame{}, fmt.Errorf("lorawan: empty frame")
	}
	f := Frame{MType: MType(phy[0] >> 5)}
	// LoRaWAN major version is in the two low bits; only R1 (0) exists.
	if phy[0]&0x03 != 0 {
		return f, fmt.Errorf("lorawan: unsupported major version %d", phy[0]&0x03)
	}
	switch f.MType {
	case UnconfirmedDataUp, ConfirmedDataUp:
		// MHDR | DevAddr(4) | FCtrl | FCnt(2) | ... | MIC(4)
		if len(phy) < 12 {
			return f, fmt.Errorf("lorawan: data frame too short (%d bytes)", len(phy))
		}
		f.DevAddr = binary.LittleEndian.Uint32(phy[1:5])
	case JoinRequest:
		// MHDR | JoinEUI(8) | DevEUI(8) | DevNonce(2) | MIC(4)
		if len(phy) != 23 {
			return f, fmt.Errorf("lorawan: join request must be 23 bytes, got %d", len(phy))
		}
		f.JoinEUI = binary.LittleEndian.Uint64(phy[1:9])
	}
	return f, nil
}

// IsUplink reports whether the message type travels device to network.
func (m MType) IsUplink() bool {
	switch m {
	case JoinRequest, UnconfirmedDataUp, ConfirmedDataUp, RejoinRequest:
		return true
	}
	return false
}

// DevAddrPrefix matches DevAddrs by their leading bits, e.g. "26000000/7".
type DevAddrPrefix struct {
	Addr uint32
	Bits int
}

// ParseDevAddrPrefix parses the "<8 hex digits>/<bits>" form.
func ParseDevAddrPrefix(s string) (DevAddrPrefix, error) {
	addr, bits, err := splitPrefix(s, 4)
	if err != nil {
		return DevAddrPrefix{}, err
	}
	if bits > 32 {
		return DevAddrPrefix{}, fmt.Errorf("lorawan: prefix %q longer than 32 bits", s)
	}
	return DevAddrPrefix{Addr: uint32(binary.BigEndian.Uint32(addr)), Bits: bits}, nil
}

// Match reports whether addr starts with the prefix.
func (p DevAddrPrefix) Match(addr uint32) bool {
	if p.Bits == 0 {
		return true
	}
	mask := ^uint32(0) << (32 - p.Bits)
	return addr&mask == p.Addr&mask
}

// EUI64Prefix matches JoinEUIs by their leading bits, e.g. "0102030405060708/32".
type EUI64Prefix struct {
	EUI  uint64
	Bits int
}

// ParseEUI64Prefix parses the "<16 hex digits>/<bits>" form.
func ParseEUI64Prefix(s string) (EUI64Prefix, error) {
	eui, bits, err := splitPrefix(s, 8)
	if err != nil {
		return EUI64Prefix{}, err
	}
	if bits > 64 {
		return EUI64Prefix{}, fmt.Errorf("lorawan: prefix %q longer than 64 bits", s)
	}
	return EUI64Prefix{EUI: binary.BigEndian.Uint64(eui), Bits: bits}, nil
}

// Match reports whether eui starts with the prefix.
func (p EUI64Prefix) Match(eui uint64) bool {
	if p.Bits == 0 {
		return true
	}
	mask := ^uint64(0) << (64 - p.Bits)
	return eui&mask == p.EUI&mask
}

func splitPrefix(s string, size int) ([]byte, int, error) {
	hexPart, bitsPart, ok := strings.Cut(s, "/")
	if !ok {
		return nil, 0, fmt.Errorf("lorawan: prefix %q must have the form <hex>/<bits>", s)
	}
	b, err := hex.DecodeString(hexPart)
	if err != nil || len(b) != size {
		return nil, 0, fmt.Errorf("lorawan: prefix %q: expected %d hex bytes", s, size)
	}
	bits, err := strconv.Atoi(bitsPart)
	if err != nil || bits < 0 {
		return nil, 0, fmt.Errorf("lorawan: prefix %q: invalid bit length", s)
	}
	return b, bits, nil
}
