// Package core defines core types shared by the codec, the radio drivers and the relay engine.
package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RelayID identifies a gateway in the mesh. It is rendered as 8 hex digits.
type RelayID uint32

// BroadcastRelayID addresses every neighbor in radio range.
const BroadcastRelayID RelayID = 0xFFFFFFFF

// String returns the hex form, e.g. "0102a0f3".
func (id RelayID) String() string {
	return fmt.Sprintf("%08x", uint32(id))
}

// MarshalText implements encoding.TextMarshaler.
func (id RelayID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *RelayID) UnmarshalText(text []byte) error {
	parsed, err := ParseRelayID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseRelayID parses an 8 hex digit relay id.
func ParseRelayID(s string) (RelayID, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if err != nil {
		return 0, fmt.Errorf("invalid relay id %q: %w", s, err)
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("invalid relay id %q: expected 4 bytes, got %d", s, len(b))
	}
	return RelayID(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])), nil
}

// Role is the function of a gateway in the mesh.
type Role int

const (
	RoleRelay Role = iota
	RoleBorder
)

func (r Role) String() string {
	switch r {
	case RoleBorder:
		return "border"
	case RoleRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the role name.
func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// ParseRole parses "border" or "relay".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "border":
		return RoleBorder, nil
	case "relay":
		return RoleRelay, nil
	default:
		return RoleRelay, fmt.Errorf("invalid role %q (must be border/relay)", s)
	}
}

// LinkQuality describes how well a neighbor was heard.
type LinkQuality struct {
	RSSI int16   `json:"rssi"` // dBm
	SNR  float32 `json:"snr"`  // dB
}

// SNRSaturation is the SNR above which a LoRa demodulator gains nothing;
// two links both past it are told apart by RSSI.
const SNRSaturation float32 = 10

// Better reports whether q is a stronger link than o.
// SNR decides first; RSSI breaks ties and decides when both SNRs are
// saturated.
func (q LinkQuality) Better(o LinkQuality) bool {
	if q.SNR != o.SNR && (q.SNR < SNRSaturation || o.SNR < SNRSaturation) {
		return q.SNR > o.SNR
	}
	return q.RSSI > o.RSSI
}

// DataRate is a LoRa modulation setting.
type DataRate struct {
	SpreadingFactor uint8  `json:"spreading_factor" mapstructure:"spreading_factor" yaml:"spreading_factor"`
	Bandwidth       uint32 `json:"bandwidth" mapstructure:"bandwidth" yaml:"bandwidth"` // Hz
}

// String renders the data rate the way packet forwarders do, e.g. "SF7BW125".
func (dr DataRate) String() string {
	return fmt.Sprintf("SF%dBW%d", dr.SpreadingFactor, dr.Bandwidth/1000)
}

// ParseDataRate parses the "SF<sf>BW<khz>" form.
func ParseDataRate(s string) (DataRate, error) {
	var sf, bw uint32
	if _, err := fmt.Sscanf(strings.ToUpper(s), "SF%dBW%d", &sf, &bw); err != nil {
		return DataRate{}, fmt.Errorf("invalid data rate %q: %w", s, err)
	}
	if sf < 5 || sf > 12 {
		return DataRate{}, fmt.Errorf("invalid data rate %q: spreading factor out of range", s)
	}
	return DataRate{SpreadingFactor: uint8(sf), Bandwidth: bw * 1000}, nil
}

// RxInfo is the reception metadata reported by the radio HAL.
type RxInfo struct {
	Frequency uint32    // Hz
	DataRate  DataRate
	RSSI      int16     // dBm
	SNR       float32   // dB
	Time      time.Time // Reception time
}

// LinkQuality returns the signal part of the reception metadata.
func (r RxInfo) LinkQuality() LinkQuality {
	return LinkQuality{RSSI: r.RSSI, SNR: r.SNR}
}

// TxInfo carries transmission parameters for the radio HAL.
type TxInfo struct {
	Frequency uint32 // Hz
	DataRate  DataRate
	Power     int8 // dBm
	// Delay after RxTime at which the frame must be sent. Zero means immediately.
	Delay  time.Duration
	RxTime time.Time
}

// Frame is a raw radio frame with its metadata.
type Frame struct {
	Data   []byte
	RxInfo RxInfo
	TxInfo TxInfo
}
