// Package radio defines the radio HAL boundary and its drivers.
package radio

import (
	"context"

	"firestige.xyz/loramesh/internal/core"
)

// Radio is a half-duplex LoRa radio.
//
// Receive blocks until a frame arrives, the context is done or the radio is
// closed (core.ErrRadioClosed). Transmit returns once the driver has accepted
// the frame; a failure wraps core.ErrRadio.
type Radio interface {
	Receive(ctx context.Context) (core.Frame, error)
	Transmit(ctx context.Context, frame core.Frame) error
	// MaxFrameSize is the largest frame the radio can carry.
	MaxFrameSize() int
	Close() error
}
