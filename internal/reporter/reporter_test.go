package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/loramesh/internal/codec"
	"firestige.xyz/loramesh/internal/config"
	"firestige.xyz/loramesh/internal/core"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func TestKafkaReporterMessage(t *testing.T) {
	w := &fakeWriter{}
	r := &KafkaReporter{writer: w, topic: "events"}

	ev := Event{
		Type:     EventHeartbeat,
		Time:     time.Unix(1700000000, 0).UTC(),
		Node:     0xB0,
		RelayID:  0xA2,
		HopCount: 1,
		Distance: 2,
		Path:     []Hop{{RelayID: 0xA1, RSSI: -90, SNR: 4.25}},
	}
	require.NoError(t, r.Report(context.Background(), ev))
	require.Equal(t, 1, w.count())

	msg := w.msgs[0]
	assert.Equal(t, "000000a2", string(msg.Key))
	assert.Equal(t, ev.Time, msg.Time)
	assert.Equal(t, "heartbeat", string(msg.Headers[0].Value))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "000000a2", got["relay_id"])
	assert.Equal(t, "000000b0", got["node"])
	assert.Len(t, got["path"], 1)

	w.err = errors.New("broker down")
	assert.Error(t, r.Report(context.Background(), ev))
	assert.Equal(t, uint64(1), r.errorCount.Load())

	require.NoError(t, r.Close())
	assert.True(t, w.closed)
}

func TestStateChangeKeyedByNode(t *testing.T) {
	msg, err := buildMessage(Event{Type: EventStateChange, Node: 0x11, State: "connected"})
	require.NoError(t, err)
	assert.Equal(t, core.RelayID(0x11).String(), string(msg.Key))
}

func TestRelayReportsKeyedByRelay(t *testing.T) {
	msg, err := buildMessage(Event{
		Type:    EventRelayStats,
		Node:    0xB0,
		RelayID: 0xA2,
		Stats:   &codec.StatsEvent{Uptime: time.Hour, Forwarded: 12},
	})
	require.NoError(t, err)
	assert.Equal(t, "000000a2", string(msg.Key))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	stats := got["stats"].(map[string]interface{})
	assert.EqualValues(t, 12, stats["forwarded"])
	assert.NotContains(t, got, "payload")

	msg, err = buildMessage(Event{Type: EventMesh, RelayID: 0xA3, EventType: 130, Payload: []byte("5\n")})
	require.NoError(t, err)
	assert.Equal(t, "000000a3", string(msg.Key))
	assert.Equal(t, "mesh_event", string(msg.Headers[0].Value))
}

func TestPrintable(t *testing.T) {
	assert.Equal(t, "uptime 3 days", printable([]byte("uptime 3 days\n")))
	assert.Equal(t, "00ff10", printable([]byte{0x00, 0xff, 0x10}))
	assert.Equal(t, "", printable(nil))
	assert.NoError(t, NewLogReporter().Report(context.Background(), Event{Type: EventMesh, Payload: []byte{1, 2}}))
}

func TestNewKafkaReporterValidation(t *testing.T) {
	_, err := NewKafkaReporter(config.KafkaReporterConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaReporter(config.KafkaReporterConfig{Brokers: []string{"b:9092"}})
	assert.Error(t, err)
	_, err = NewKafkaReporter(config.KafkaReporterConfig{Brokers: []string{"b:9092"}, Topic: "t", Compression: "brotli"})
	assert.Error(t, err)

	r, err := NewKafkaReporter(config.KafkaReporterConfig{Brokers: []string{"b:9092"}, Topic: "t", Compression: "zstd", BatchTimeout: "200ms"})
	require.NoError(t, err)
	assert.Equal(t, "kafka", r.Name())
	require.NoError(t, r.Close())
}

func TestNewByDriver(t *testing.T) {
	r, err := New(config.ReporterConfig{Driver: "none"})
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = New(config.ReporterConfig{Driver: "log"})
	require.NoError(t, err)
	assert.Equal(t, "log", r.Name())
	assert.NoError(t, r.Report(context.Background(), Event{Type: EventStateChange, State: "disconnected"}))

	_, err = New(config.ReporterConfig{Driver: "mqtt"})
	assert.Error(t, err)
}

type fakeReporter struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (f *fakeReporter) Name() string { return "fake" }

func (f *fakeReporter) Report(ctx context.Context, ev Event) error {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeReporter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeReporter) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestDispatcher(t *testing.T) {
	f := &fakeReporter{}
	d := NewDispatcher(f, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- d.Run(ctx) }()

	d.Publish(Event{Type: EventHeartbeat, RelayID: 1})
	d.Publish(Event{Type: EventHeartbeat, RelayID: 2})
	assert.Eventually(t, func() bool { return f.len() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, f.closed)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	f := &fakeReporter{}
	d := NewDispatcher(f, 1)
	d.Publish(Event{RelayID: 1})
	d.Publish(Event{RelayID: 2})
	assert.Equal(t, uint64(1), d.Dropped())
}
