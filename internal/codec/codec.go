// Package codec implements the mesh frame wire format.
//
// A mesh frame is an 8 byte header (tag, relay id, packet id, hop count)
// followed by the payload and, when a mesh key is configured, a 4 byte MIC.
package codec

import (
	"crypto/subtle"
	"fmt"

	"github.com/google/gopacket"
	"lukechampine.com/blake3"

	"firestige.xyz/loramesh/internal/core"
)

const (
	// MICLen is the size of the frame authentication code.
	MICLen = 4

	// DefaultMaxFrameSize is the LoRa PHY payload limit.
	DefaultMaxFrameSize = 255

	keyContext = "loramesh 2024-01-01 mesh frame signing key"
)

// Codec encodes and decodes mesh frames for one radio.
type Codec struct {
	maxFrameSize int
	key          []byte // nil when frames are not signed
}

// New creates a codec. maxFrameSize is the largest frame the radio can carry;
// rootKey enables frame signing when not empty.
func New(maxFrameSize int, rootKey []byte) *Codec {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	c := &Codec{maxFrameSize: maxFrameSize}
	if len(rootKey) > 0 {
		c.key = make([]byte, 32)
		blake3.DeriveKey(c.key, keyContext, rootKey)
	}
	return c
}

// MaxFrameSize returns the largest encoded frame accepted by the codec.
func (c *Codec) MaxFrameSize() int { return c.maxFrameSize }

// MaxPayloadSize returns the largest payload that fits in one frame.
func (c *Codec) MaxPayloadSize() int {
	return c.maxFrameSize - HeaderLen - c.micLen()
}

// Signed reports whether frames carry a MIC.
func (c *Codec) Signed() bool { return c.key != nil }

// Encode serializes a mesh packet. RxInfo is not encoded.
func (c *Codec) Encode(p *core.MeshPacket) ([]byte, error) {
	if size := HeaderLen + len(p.Payload) + c.micLen(); size > c.maxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", core.ErrPayloadTooLarge, size, c.maxFrameSize)
	}

	hdr := &MeshHeader{
		Type:     p.Type,
		RelayID:  p.RelayID,
		PacketID: p.PacketID,
		HopCount: p.HopCount,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, hdr, gopacket.Payload(p.Payload)); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(buf.Bytes())+c.micLen())
	out = append(out, buf.Bytes()...)
	if c.key != nil {
		out = append(out, c.mic(out)...)
	}
	return out, nil
}

// Decode parses a mesh frame. An empty payload decodes as nil.
//
// Only the proprietary tag prefix (0xE0) marks a mesh frame: any other tag,
// a device frame included, is ErrMalformedHeader, while a proprietary tag
// with an unassigned type is ErrUnknownPacketType.
func (c *Codec) Decode(data []byte) (core.MeshPacket, error) {
	if len(data) > c.maxFrameSize {
		return core.MeshPacket{}, fmt.Errorf("%w: %d > %d bytes", core.ErrPayloadTooLarge, len(data), c.maxFrameSize)
	}
	if len(data) < HeaderLen+c.micLen() {
		return core.MeshPacket{}, fmt.Errorf("%w: %d bytes", core.ErrMalformedHeader, len(data))
	}

	body := data
	if c.key != nil {
		body = data[:len(data)-MICLen]
		if subtle.ConstantTimeCompare(c.mic(body), data[len(data)-MICLen:]) != 1 {
			return core.MeshPacket{}, core.ErrInvalidMIC
		}
	}

	var hdr MeshHeader
	if err := hdr.DecodeFromBytes(body, gopacket.NilDecodeFeedback); err != nil {
		return core.MeshPacket{}, err
	}

	p := core.MeshPacket{
		Type:     hdr.Type,
		RelayID:  hdr.RelayID,
		PacketID: hdr.PacketID,
		HopCount: hdr.HopCount,
	}
	if len(hdr.Payload) > 0 {
		p.Payload = append([]byte(nil), hdr.Payload...)
	}
	return p, nil
}

func (c *Codec) micLen() int {
	if c.key == nil {
		return 0
	}
	return MICLen
}

func (c *Codec) mic(body []byte) []byte {
	h := blake3.New(MICLen, c.key)
	h.Write(body)
	return h.Sum(nil)
}
