package reporter

import (
	"context"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"

	"firestige.xyz/loramesh/internal/log"
)

// LogReporter writes events to the process log.
type LogReporter struct {
	logger log.Logger
}

func NewLogReporter() *LogReporter {
	return &LogReporter{logger: log.GetLogger().WithField("component", "mesh-events")}
}

func (r *LogReporter) Name() string { return "log" }

func (r *LogReporter) Report(_ context.Context, ev Event) error {
	fields := map[string]interface{}{
		"type": string(ev.Type),
		"node": ev.Node.String(),
	}
	switch ev.Type {
	case EventHeartbeat:
		fields["relay_id"] = ev.RelayID.String()
		fields["hop_count"] = ev.HopCount
		fields["distance"] = ev.Distance
		fields["path_len"] = len(ev.Path)
	case EventStateChange:
		fields["state"] = ev.State
		fields["distance"] = ev.Distance
	case EventRelayStats:
		fields["relay_id"] = ev.RelayID.String()
		if s := ev.Stats; s != nil {
			fields["uptime"] = s.Uptime.String()
			fields["distance"] = s.Distance
			fields["forwarded"] = s.Forwarded
			fields["dropped"] = s.Dropped
		}
	case EventMesh:
		fields["relay_id"] = ev.RelayID.String()
		fields["event_type"] = ev.EventType
		fields["payload"] = printable(ev.Payload)
	}
	r.logger.WithFields(fields).Info("mesh event")
	return nil
}

func (r *LogReporter) Close() error { return nil }

// printable renders text payloads as text and anything else as hex.
func printable(b []byte) string {
	if utf8.Valid(b) {
		s := string(b)
		if strings.IndexFunc(s, func(r rune) bool { return !unicode.IsPrint(r) && !unicode.IsSpace(r) }) < 0 {
			return strings.TrimSpace(s)
		}
	}
	return hex.EncodeToString(b)
}
