package radio

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/log"
	"firestige.xyz/loramesh/internal/metrics"
)

// TxStats are the transmitter counters.
type TxStats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Queued  int    `json:"queued"`
}

// Transmitter owns the transmit side of a radio. All transmissions funnel
// through its queue so that they never overlap on the half-duplex radio.
type Transmitter struct {
	radio  Radio
	queue  chan core.Frame
	logger log.Logger

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewTransmitter creates a transmitter with a queue of depth frames.
func NewTransmitter(r Radio, depth int) *Transmitter {
	if depth <= 0 {
		depth = 1
	}
	return &Transmitter{
		radio:  r,
		queue:  make(chan core.Frame, depth),
		logger: log.GetLogger().WithField("component", "transmitter"),
	}
}

// Enqueue queues a frame without blocking. A full queue drops the frame.
func (t *Transmitter) Enqueue(f core.Frame) error {
	select {
	case t.queue <- f:
		return nil
	default:
		t.dropped.Add(1)
		metrics.RadioTransmissions.WithLabelValues("queue_full").Inc()
		return core.ErrTxQueueFull
	}
}

// Run transmits queued frames until ctx is done. Failed transmissions are
// counted and logged; they are not retried.
func (t *Transmitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-t.queue:
			if err := t.radio.Transmit(ctx, f); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				t.failed.Add(1)
				metrics.RadioTransmissions.WithLabelValues("error").Inc()
				t.logger.WithError(err).WithField("size", len(f.Data)).Warn("transmit failed")
				if errors.Is(err, core.ErrRadioClosed) {
					return nil
				}
				continue
			}
			t.sent.Add(1)
			metrics.RadioTransmissions.WithLabelValues("ok").Inc()
		}
	}
}

// Stats returns a snapshot of the counters.
func (t *Transmitter) Stats() TxStats {
	return TxStats{
		Sent:    t.sent.Load(),
		Failed:  t.failed.Load(),
		Dropped: t.dropped.Load(),
		Queued:  len(t.queue),
	}
}

// receiveBackoff is the pause after a failed Receive.
const receiveBackoff = time.Second

// Receiver feeds frames from a radio into a channel.
type Receiver struct {
	name  string
	radio Radio
	out   chan<- core.Frame
}

// NewReceiver creates a receiver; name labels its metrics and logs.
func NewReceiver(name string, r Radio, out chan<- core.Frame) *Receiver {
	return &Receiver{name: name, radio: r, out: out}
}

// Run reads frames until ctx is done or the radio is closed. Delivery blocks
// so that frames keep their arrival order.
func (r *Receiver) Run(ctx context.Context) error {
	logger := log.GetLogger().WithFields(map[string]interface{}{"component": "receiver", "radio": r.name})
	for {
		f, err := r.radio.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, core.ErrRadioClosed) {
				logger.WithError(err).Warn("radio closed, receiver stopped")
				return nil
			}
			logger.WithError(err).Warn("receive failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveBackoff):
			}
			continue
		}
		metrics.RadioFramesReceived.WithLabelValues(r.name).Inc()
		select {
		case <-ctx.Done():
			return nil
		case r.out <- f:
		}
	}
}
