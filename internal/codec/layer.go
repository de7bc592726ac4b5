package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/loramesh/internal/core"
)

const (
	// HeaderLen is the fixed mesh header size: tag, relay id, packet id, hop count.
	HeaderLen = 8

	// mhdrProprietary is the LoRaWAN "proprietary" MType prefix carried by every mesh frame.
	mhdrProprietary = 0xE0
	mhdrMask        = 0xE0
)

// LayerTypeMesh lets mesh frames be decoded with gopacket.
var LayerTypeMesh = gopacket.RegisterLayerType(2001, gopacket.LayerTypeMetadata{
	Name:    "LoRaMesh",
	Decoder: gopacket.DecodeFunc(decodeMesh),
})

// MeshHeader is the fixed header of a mesh frame.
type MeshHeader struct {
	layers.BaseLayer
	Type     core.PacketType
	RelayID  core.RelayID
	PacketID uint16
	HopCount uint8
}

// LayerType implements gopacket.Layer.
func (h *MeshHeader) LayerType() gopacket.LayerType { return LayerTypeMesh }

// CanDecode implements gopacket.DecodingLayer.
func (h *MeshHeader) CanDecode() gopacket.LayerClass { return LayerTypeMesh }

// NextLayerType implements gopacket.DecodingLayer.
func (h *MeshHeader) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

// DecodeFromBytes implements gopacket.DecodingLayer. Tags outside the
// proprietary prefix are rejected as ErrMalformedHeader.
func (h *MeshHeader) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < HeaderLen {
		df.SetTruncated()
		return fmt.Errorf("%w: %d bytes", core.ErrMalformedHeader, len(data))
	}
	tag := data[0]
	if tag&mhdrMask != mhdrProprietary {
		return fmt.Errorf("%w: tag 0x%02x", core.ErrMalformedHeader, tag)
	}
	t := core.PacketType(tag &^ mhdrMask)
	if !t.Valid() {
		return fmt.Errorf("%w: %d", core.ErrUnknownPacketType, t)
	}

	h.Type = t
	h.RelayID = core.RelayID(binary.BigEndian.Uint32(data[1:5]))
	h.PacketID = binary.BigEndian.Uint16(data[5:7])
	h.HopCount = data[7]
	h.BaseLayer = layers.BaseLayer{Contents: data[:HeaderLen], Payload: data[HeaderLen:]}
	return nil
}

// SerializeTo implements gopacket.SerializableLayer.
func (h *MeshHeader) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if !h.Type.Valid() {
		return fmt.Errorf("%w: %d", core.ErrUnknownPacketType, h.Type)
	}
	buf, err := b.PrependBytes(HeaderLen)
	if err != nil {
		return err
	}
	buf[0] = mhdrProprietary | byte(h.Type)
	binary.BigEndian.PutUint32(buf[1:5], uint32(h.RelayID))
	binary.BigEndian.PutUint16(buf[5:7], h.PacketID)
	buf[7] = h.HopCount
	return nil
}

func decodeMesh(data []byte, p gopacket.PacketBuilder) error {
	h := &MeshHeader{}
	if err := h.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(h)
	return p.NextDecoder(h.NextLayerType())
}

// IsMeshFrame reports whether a radio frame carries the mesh prefix.
// Device frames using the LoRaWAN proprietary MType share the prefix and are
// rejected later by the decoder or the MIC check.
func IsMeshFrame(data []byte) bool {
	return len(data) > 0 && data[0]&mhdrMask == mhdrProprietary
}
