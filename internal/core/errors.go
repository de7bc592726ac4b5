// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w", err).
var (
	// Mesh frame decoding errors
	ErrMalformedHeader   = errors.New("loramesh: malformed mesh header")
	ErrUnknownPacketType = errors.New("loramesh: unknown mesh packet type")
	ErrPayloadTooLarge   = errors.New("loramesh: payload exceeds radio frame size")
	ErrInvalidMIC        = errors.New("loramesh: invalid mesh frame MIC")
	ErrMalformedPayload  = errors.New("loramesh: malformed mesh payload")

	// Forwarding errors
	ErrHopLimit        = errors.New("loramesh: hop limit reached")
	ErrDisconnected    = errors.New("loramesh: no route to border")
	ErrNoUplinkContext = errors.New("loramesh: no uplink context for downlink")
	ErrNotBorder       = errors.New("loramesh: only a border gateway can send mesh commands")

	// Mesh command errors
	ErrCommandReplay        = errors.New("loramesh: mesh command timestamp did not increase")
	ErrCommandNotConfigured = errors.New("loramesh: mesh command type not configured")

	// Radio errors
	ErrRadio        = errors.New("loramesh: radio error")
	ErrRadioClosed  = errors.New("loramesh: radio closed")
	ErrTxQueueFull  = errors.New("loramesh: transmit queue full")
	ErrUnknownRadio = errors.New("loramesh: unknown radio driver")

	// Backhaul errors
	ErrBackhaulClosed = errors.New("loramesh: backhaul closed")

	// Configuration errors
	ErrConfigInvalid = errors.New("loramesh: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("loramesh: daemon not running")
)
