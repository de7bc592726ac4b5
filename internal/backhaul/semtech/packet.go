// Package semtech implements the Semtech UDP packet-forwarder protocol (v2)
// as a border gateway backhaul.
package semtech

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"firestige.xyz/loramesh/internal/core"
)

// ProtocolVersion is the packet-forwarder protocol version spoken.
const ProtocolVersion = 0x02

// Identifier is the packet type.
type Identifier byte

const (
	PushData Identifier = 0x00
	PushAck  Identifier = 0x01
	PullData Identifier = 0x02
	PullResp Identifier = 0x03
	PullAck  Identifier = 0x04
	TxAck    Identifier = 0x05
)

func (i Identifier) String() string {
	switch i {
	case PushData:
		return "PUSH_DATA"
	case PushAck:
		return "PUSH_ACK"
	case PullData:
		return "PULL_DATA"
	case PullResp:
		return "PULL_RESP"
	case PullAck:
		return "PULL_ACK"
	case TxAck:
		return "TX_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(i))
	}
}

// hasGatewayID reports whether packets of this type carry the gateway EUI.
func (i Identifier) hasGatewayID() bool {
	return i == PushData || i == PullData || i == TxAck
}

var (
	errShortPacket = errors.New("semtech: packet too short")
	errVersion     = errors.New("semtech: unsupported protocol version")
)

// Packet is one protocol datagram. Payload holds the JSON object, if any.
type Packet struct {
	Token     uint16
	ID        Identifier
	GatewayID [8]byte
	Payload   []byte
}

func (p Packet) MarshalBinary() ([]byte, error) {
	n := 4 + len(p.Payload)
	if p.ID.hasGatewayID() {
		n += 8
	}
	b := make([]byte, 4, n)
	b[0] = ProtocolVersion
	binary.LittleEndian.PutUint16(b[1:3], p.Token)
	b[3] = byte(p.ID)
	if p.ID.hasGatewayID() {
		b = append(b, p.GatewayID[:]...)
	}
	return append(b, p.Payload...), nil
}

func (p *Packet) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return errShortPacket
	}
	if b[0] != ProtocolVersion && b[0] != 0x01 {
		return fmt.Errorf("%w: %d", errVersion, b[0])
	}
	p.Token = binary.LittleEndian.Uint16(b[1:3])
	p.ID = Identifier(b[3])
	b = b[4:]
	if p.ID.hasGatewayID() {
		if len(b) < 8 {
			return errShortPacket
		}
		copy(p.GatewayID[:], b[:8])
		b = b[8:]
	}
	p.Payload = nil
	if len(b) > 0 {
		p.Payload = append([]byte(nil), b...)
	}
	return nil
}

// RXPK is a received packet as reported in PUSH_DATA.
type RXPK struct {
	Time string  `json:"time,omitempty"`
	Tmst uint32  `json:"tmst"`
	Chan uint8   `json:"chan"`
	RFCh uint8   `json:"rfch"`
	Freq float64 `json:"freq"` // MHz
	Stat int8    `json:"stat"`
	Modu string  `json:"modu"`
	DatR string  `json:"datr"`
	CodR string  `json:"codr"`
	RSSI int16   `json:"rssi"`
	LSNR float32 `json:"lsnr"`
	Size uint16  `json:"size"`
	Data []byte  `json:"data"`
}

// Stat is the gateway status report.
type Stat struct {
	Time string  `json:"time"`
	RXNb uint32  `json:"rxnb"`
	RXOK uint32  `json:"rxok"`
	RXFW uint32  `json:"rxfw"`
	ACKR float64 `json:"ackr"`
	DWNb uint32  `json:"dwnb"`
	TXNb uint32  `json:"txnb"`
}

// PushDataPayload is the JSON object of PUSH_DATA.
type PushDataPayload struct {
	RXPK []RXPK `json:"rxpk,omitempty"`
	Stat *Stat  `json:"stat,omitempty"`
}

// TXPK is a downlink request from PULL_RESP.
type TXPK struct {
	Imme bool    `json:"imme"`
	Tmst *uint32 `json:"tmst,omitempty"`
	Freq float64 `json:"freq"`
	RFCh uint8   `json:"rfch"`
	Powe int8    `json:"powe"`
	Modu string  `json:"modu"`
	DatR string  `json:"datr"`
	CodR string  `json:"codr,omitempty"`
	IPol bool    `json:"ipol"`
	Size uint16  `json:"size"`
	Data []byte  `json:"data"`
	NCRC bool    `json:"ncrc,omitempty"`
}

// PullRespPayload is the JSON object of PULL_RESP.
type PullRespPayload struct {
	TXPK TXPK `json:"txpk"`
}

// TX_ACK error values.
const (
	TxAckNone     = "NONE"
	TxAckTooLate  = "TOO_LATE"
	TxAckTooEarly = "TOO_EARLY"
	TxAckTxFreq   = "TX_FREQ"
)

// TxAckPayload is the JSON object of TX_ACK.
type TxAckPayload struct {
	TXPKAck struct {
		Error string `json:"error"`
	} `json:"txpk_ack"`
}

// FreqToMHz converts a frequency in Hz to the protocol's MHz float.
func FreqToMHz(hz uint32) float64 {
	return float64(hz) / 1e6
}

// FreqFromMHz converts the protocol's MHz float to Hz.
func FreqFromMHz(mhz float64) uint32 {
	return uint32(math.Round(mhz * 1e6))
}

func formatStatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05") + " GMT"
}

func rxpkFromUplink(tmst uint32, rx core.RxInfo, phy []byte) RXPK {
	pk := RXPK{
		Tmst: tmst,
		Freq: FreqToMHz(rx.Frequency),
		Stat: 1,
		Modu: "LORA",
		DatR: rx.DataRate.String(),
		CodR: "4/5",
		RSSI: rx.RSSI,
		LSNR: rx.SNR,
		Size: uint16(len(phy)),
		Data: phy,
	}
	if !rx.Time.IsZero() {
		pk.Time = rx.Time.UTC().Format(time.RFC3339Nano)
	}
	return pk
}
