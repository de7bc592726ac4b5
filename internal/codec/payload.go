package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"firestige.xyz/loramesh/internal/core"
)

const (
	uplinkHeaderLen   = 10
	downlinkHeaderLen = 16

	// Above this encoded value frequencies are stored in 200 Hz steps (2.4 GHz band).
	freqStep200Threshold = 2_400_000_000 / 200
)

// UplinkPayload is the payload of an Uplink mesh packet: the device frame
// and the metadata of its reception at the originating relay.
type UplinkPayload struct {
	Via        core.RelayID // Next hop, or BroadcastRelayID
	Frequency  uint32
	DataRate   core.DataRate
	RSSI       int16
	SNR        float32
	PHYPayload []byte
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *UplinkPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, uplinkHeaderLen, uplinkHeaderLen+len(p.PHYPayload))
	binary.BigEndian.PutUint32(b[0:4], uint32(p.Via))
	if err := putFrequency(b[4:7], p.Frequency); err != nil {
		return nil, err
	}
	dr, err := encodeDataRate(p.DataRate)
	if err != nil {
		return nil, err
	}
	b[7] = dr
	b[8] = encodeRSSI(p.RSSI)
	b[9] = encodeSNR(p.SNR)
	return append(b, p.PHYPayload...), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *UplinkPayload) UnmarshalBinary(b []byte) error {
	if len(b) < uplinkHeaderLen {
		return fmt.Errorf("%w: uplink payload %d bytes", core.ErrMalformedPayload, len(b))
	}
	dr, err := decodeDataRate(b[7])
	if err != nil {
		return err
	}
	p.Via = core.RelayID(binary.BigEndian.Uint32(b[0:4]))
	p.Frequency = getFrequency(b[4:7])
	p.DataRate = dr
	p.RSSI = decodeRSSI(b[8])
	p.SNR = decodeSNR(b[9])
	p.PHYPayload = nil
	if len(b) > uplinkHeaderLen {
		p.PHYPayload = append([]byte(nil), b[uplinkHeaderLen:]...)
	}
	return nil
}

// DownlinkPayload is the payload of a Downlink mesh packet.
type DownlinkPayload struct {
	Via        core.RelayID // Next hop, or BroadcastRelayID
	Target     core.RelayID // Relay that heard the device
	UplinkID   uint16       // Packet id of the uplink the downlink answers
	Frequency  uint32
	DataRate   core.DataRate
	TxPower    int8
	Delay      time.Duration // After the uplink reception, whole seconds
	PHYPayload []byte
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *DownlinkPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, downlinkHeaderLen, downlinkHeaderLen+len(p.PHYPayload))
	binary.BigEndian.PutUint32(b[0:4], uint32(p.Via))
	binary.BigEndian.PutUint32(b[4:8], uint32(p.Target))
	binary.BigEndian.PutUint16(b[8:10], p.UplinkID)
	if err := putFrequency(b[10:13], p.Frequency); err != nil {
		return nil, err
	}
	dr, err := encodeDataRate(p.DataRate)
	if err != nil {
		return nil, err
	}
	b[13] = dr
	b[14] = byte(p.TxPower)
	secs := p.Delay / time.Second
	if secs < 0 || secs > math.MaxUint8 {
		return nil, fmt.Errorf("%w: delay %s out of range", core.ErrMalformedPayload, p.Delay)
	}
	b[15] = byte(secs)
	return append(b, p.PHYPayload...), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *DownlinkPayload) UnmarshalBinary(b []byte) error {
	if len(b) < downlinkHeaderLen {
		return fmt.Errorf("%w: downlink payload %d bytes", core.ErrMalformedPayload, len(b))
	}
	dr, err := decodeDataRate(b[13])
	if err != nil {
		return err
	}
	p.Via = core.RelayID(binary.BigEndian.Uint32(b[0:4]))
	p.Target = core.RelayID(binary.BigEndian.Uint32(b[4:8]))
	p.UplinkID = binary.BigEndian.Uint16(b[8:10])
	p.Frequency = getFrequency(b[10:13])
	p.DataRate = dr
	p.TxPower = int8(b[14])
	p.Delay = time.Duration(b[15]) * time.Second
	p.PHYPayload = nil
	if len(b) > downlinkHeaderLen {
		p.PHYPayload = append([]byte(nil), b[downlinkHeaderLen:]...)
	}
	return nil
}

// PeekVia returns the next hop of an Uplink, Downlink, Command or Event
// payload without a full decode.
func PeekVia(payload []byte) (core.RelayID, bool) {
	if len(payload) < 4 {
		return 0, false
	}
	return core.RelayID(binary.BigEndian.Uint32(payload[0:4])), true
}

// PeekTarget returns the target relay of a Downlink or Command payload.
func PeekTarget(payload []byte) (core.RelayID, bool) {
	if len(payload) < 8 {
		return 0, false
	}
	return core.RelayID(binary.BigEndian.Uint32(payload[4:8])), true
}

// SetVia rewrites the next hop of a routed payload in place.
func SetVia(payload []byte, via core.RelayID) error {
	if len(payload) < 4 {
		return fmt.Errorf("%w: payload %d bytes", core.ErrMalformedPayload, len(payload))
	}
	binary.BigEndian.PutUint32(payload[0:4], uint32(via))
	return nil
}

// 100 Hz steps below 2.4 GHz, 200 Hz steps above.
func putFrequency(b []byte, freq uint32) error {
	v := freq / 100
	if freq >= 2_400_000_000 {
		v = freq / 200
	}
	if v > 0xFFFFFF || (freq < 2_400_000_000 && v >= freqStep200Threshold) {
		return fmt.Errorf("%w: frequency %d not encodable", core.ErrMalformedPayload, freq)
	}
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
	return nil
}

func getFrequency(b []byte) uint32 {
	v := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	if v >= freqStep200Threshold {
		return v * 200
	}
	return v * 100
}

var bandwidthCodes = []uint32{125000, 250000, 500000, 203125, 406250, 812500, 1625000}

func encodeDataRate(dr core.DataRate) (byte, error) {
	if dr.SpreadingFactor > 15 {
		return 0, fmt.Errorf("%w: spreading factor %d", core.ErrMalformedPayload, dr.SpreadingFactor)
	}
	for i, bw := range bandwidthCodes {
		if bw == dr.Bandwidth {
			return dr.SpreadingFactor<<4 | byte(i), nil
		}
	}
	return 0, fmt.Errorf("%w: bandwidth %d", core.ErrMalformedPayload, dr.Bandwidth)
}

func decodeDataRate(b byte) (core.DataRate, error) {
	code := int(b & 0x0F)
	if code >= len(bandwidthCodes) {
		return core.DataRate{}, fmt.Errorf("%w: bandwidth code %d", core.ErrMalformedPayload, code)
	}
	return core.DataRate{SpreadingFactor: b >> 4, Bandwidth: bandwidthCodes[code]}, nil
}

// RSSI is carried as a negated byte, clamped to 0..-255 dBm.
func encodeRSSI(rssi int16) byte {
	switch {
	case rssi > 0:
		return 0
	case rssi < -255:
		return 255
	default:
		return byte(-rssi)
	}
}

func decodeRSSI(b byte) int16 { return -int16(b) }

// SNR is carried in quarter dB steps.
func encodeSNR(snr float32) byte {
	q := math.Round(float64(snr) * 4)
	q = math.Max(math.MinInt8, math.Min(math.MaxInt8, q))
	return byte(int8(q))
}

func decodeSNR(b byte) float32 { return float32(int8(b)) / 4 }
