package telemetry

import "github.com/clawinfra/ai-genesis/internal/bus"

// BusSink adapts the Collector's fan-out to the event bus, publishing each
// collected snapshot on bus.Telemetry so the Watcher Agent and any other
// subscriber never touches the Collector directly.
type BusSink struct {
	Bus *bus.Bus
}

// Collect implements Sink.
func (s BusSink) Collect(snap Snapshot) {
	s.Bus.Publish(bus.Telemetry, bus.TelemetryPayload{Snapshot: snap}, "")
}
