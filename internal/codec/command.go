package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"firestige.xyz/loramesh/internal/core"
)

const (
	commandHeaderLen = 16 // via, target, timestamp
	eventHeaderLen   = 12 // via, timestamp
	itemHeaderLen    = 2  // type, length

	// MaxItemSize is the largest value one command or event item carries.
	MaxItemSize = 0xFF
)

// Item types. Values below ProprietaryTypeMin are defined by the mesh itself;
// the rest are operator defined and map to configured commands.
const (
	EventTypeStats     uint8 = 0x01
	ProprietaryTypeMin uint8 = 0x80
)

// Item is one typed entry of a Command or Event payload.
type Item struct {
	Type    uint8  `json:"type"`
	Payload []byte `json:"payload"`
}

// Proprietary reports whether the item type is operator defined.
func (i Item) Proprietary() bool { return i.Type >= ProprietaryTypeMin }

// CommandPayload is the payload of a Command mesh packet, sent by the border
// to a single relay. Via and Target sit where a Downlink keeps them so the
// packet is routed the same way.
type CommandPayload struct {
	Via       core.RelayID
	Target    core.RelayID
	Timestamp time.Time // millisecond precision, must increase per target
	Commands  []Item
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *CommandPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, commandHeaderLen, commandHeaderLen+itemsLen(p.Commands))
	binary.BigEndian.PutUint32(b[0:4], uint32(p.Via))
	binary.BigEndian.PutUint32(b[4:8], uint32(p.Target))
	binary.BigEndian.PutUint64(b[8:16], uint64(p.Timestamp.UnixMilli()))
	return appendItems(b, p.Commands)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *CommandPayload) UnmarshalBinary(b []byte) error {
	if len(b) < commandHeaderLen {
		return fmt.Errorf("%w: command payload %d bytes", core.ErrMalformedPayload, len(b))
	}
	items, err := parseItems(b[commandHeaderLen:])
	if err != nil {
		return err
	}
	p.Via = core.RelayID(binary.BigEndian.Uint32(b[0:4]))
	p.Target = core.RelayID(binary.BigEndian.Uint32(b[4:8]))
	p.Timestamp = time.UnixMilli(int64(binary.BigEndian.Uint64(b[8:16])))
	p.Commands = items
	return nil
}

// EventPayload is the payload of an Event mesh packet, sent by a relay to the
// border. Via leads the payload as in an Uplink.
type EventPayload struct {
	Via       core.RelayID
	Timestamp time.Time
	Events    []Item
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *EventPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, eventHeaderLen, eventHeaderLen+itemsLen(p.Events))
	binary.BigEndian.PutUint32(b[0:4], uint32(p.Via))
	binary.BigEndian.PutUint64(b[4:12], uint64(p.Timestamp.UnixMilli()))
	return appendItems(b, p.Events)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *EventPayload) UnmarshalBinary(b []byte) error {
	if len(b) < eventHeaderLen {
		return fmt.Errorf("%w: event payload %d bytes", core.ErrMalformedPayload, len(b))
	}
	items, err := parseItems(b[eventHeaderLen:])
	if err != nil {
		return err
	}
	p.Via = core.RelayID(binary.BigEndian.Uint32(b[0:4]))
	p.Timestamp = time.UnixMilli(int64(binary.BigEndian.Uint64(b[4:12])))
	p.Events = items
	return nil
}

func itemsLen(items []Item) int {
	n := 0
	for _, it := range items {
		n += itemHeaderLen + len(it.Payload)
	}
	return n
}

func appendItems(b []byte, items []Item) ([]byte, error) {
	for _, it := range items {
		if len(it.Payload) > MaxItemSize {
			return nil, fmt.Errorf("%w: item type %d carries %d bytes", core.ErrPayloadTooLarge, it.Type, len(it.Payload))
		}
		b = append(b, it.Type, byte(len(it.Payload)))
		b = append(b, it.Payload...)
	}
	return b, nil
}

func parseItems(b []byte) ([]Item, error) {
	var items []Item
	for len(b) > 0 {
		if len(b) < itemHeaderLen {
			return nil, fmt.Errorf("%w: truncated item header", core.ErrMalformedPayload)
		}
		n := int(b[1])
		if len(b) < itemHeaderLen+n {
			return nil, fmt.Errorf("%w: item type %d needs %d bytes, %d left", core.ErrMalformedPayload, b[0], n, len(b)-itemHeaderLen)
		}
		it := Item{Type: b[0]}
		if n > 0 {
			it.Payload = append([]byte(nil), b[itemHeaderLen:itemHeaderLen+n]...)
		}
		items = append(items, it)
		b = b[itemHeaderLen+n:]
	}
	return items, nil
}
