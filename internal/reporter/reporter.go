// Package reporter publishes mesh events (relay heartbeats and reports seen by
// the border, connectivity changes) to an external system.
package reporter

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"firestige.xyz/loramesh/internal/codec"
	"firestige.xyz/loramesh/internal/config"
	"firestige.xyz/loramesh/internal/core"
	"firestige.xyz/loramesh/internal/log"
	"firestige.xyz/loramesh/internal/metrics"
)

// EventType names a mesh event.
type EventType string

const (
	// EventHeartbeat is a relay heartbeat received by the border.
	EventHeartbeat EventType = "heartbeat"
	// EventStateChange is this node gaining or losing its route to the border.
	EventStateChange EventType = "state_change"
	// EventRelayStats is a counters report a relay sent to the border.
	EventRelayStats EventType = "relay_stats"
	// EventMesh is an operator defined event a relay sent to the border,
	// usually the output of a mesh command.
	EventMesh EventType = "mesh_event"
)

// Hop is one relay on the path a heartbeat travelled.
type Hop struct {
	RelayID core.RelayID `json:"relay_id"`
	RSSI    int16        `json:"rssi"`
	SNR     float32      `json:"snr"`
}

// Event is a mesh event.
type Event struct {
	Type     EventType    `json:"type"`
	Time     time.Time    `json:"time"`
	Node     core.RelayID `json:"node"`
	RelayID  core.RelayID `json:"relay_id,omitempty"`
	HopCount uint8        `json:"hop_count,omitempty"`
	Distance uint8        `json:"distance,omitempty"`
	Path     []Hop        `json:"path,omitempty"`
	State    string       `json:"state,omitempty"`

	EventType uint8             `json:"event_type,omitempty"`
	Payload   []byte            `json:"payload,omitempty"`
	Stats     *codec.StatsEvent `json:"stats,omitempty"`
}

// Reporter delivers events.
type Reporter interface {
	Name() string
	Report(ctx context.Context, ev Event) error
	Close() error
}

// New creates the reporter selected by cfg, nil for the none driver.
func New(cfg config.ReporterConfig) (Reporter, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "log":
		return NewLogReporter(), nil
	case "kafka":
		return NewKafkaReporter(cfg.Kafka)
	default:
		return nil, fmt.Errorf("unsupported reporter driver: %s", cfg.Driver)
	}
}

// Dispatcher decouples event producers from a possibly slow Reporter.
type Dispatcher struct {
	reporter Reporter
	events   chan Event
	dropped  atomic.Uint64
	logger   log.Logger
}

// NewDispatcher queues up to depth events for r.
func NewDispatcher(r Reporter, depth int) *Dispatcher {
	if depth <= 0 {
		depth = 256
	}
	return &Dispatcher{
		reporter: r,
		events:   make(chan Event, depth),
		logger:   log.GetLogger().WithField("reporter", r.Name()),
	}
}

// Publish queues ev and never blocks; events beyond the queue depth are dropped.
func (d *Dispatcher) Publish(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.dropped.Add(1)
		metrics.ReporterEvents.WithLabelValues(d.reporter.Name(), "dropped").Inc()
	}
}

// Dropped returns the number of events lost to a full queue.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Run reports queued events until ctx is done, then closes the reporter.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer func() {
		if err := d.reporter.Close(); err != nil {
			d.logger.WithError(err).Warn("close reporter failed")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.events:
			if err := d.reporter.Report(ctx, ev); err != nil {
				metrics.ReporterEvents.WithLabelValues(d.reporter.Name(), "error").Inc()
				d.logger.WithError(err).WithField("type", string(ev.Type)).Warn("report failed")
				continue
			}
			metrics.ReporterEvents.WithLabelValues(d.reporter.Name(), "ok").Inc()
		}
	}
}
