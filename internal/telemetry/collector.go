package telemetry

import (
	"fmt"
	"log/slog"
	"sync"
)

// Sink receives every snapshot the Collector produces. The Event Bus's
// Telemetry publisher implements this.
type Sink interface {
	Collect(Snapshot)
}

// Collector aggregates a snapshot every N ticks and hands it to every
// registered Sink. It keeps no history of its own: retention across ticks
// is the Watcher Agent's ring buffer (§4.5), not this component's job.
type Collector struct {
	mu          sync.RWMutex
	sinks       []Sink
	lastTick    int64
	haveEmitted bool
	logger      *slog.Logger
}

// NewCollector returns a Collector that logs through logger.
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{logger: logger.With("component", "telemetry")}
}

// Subscribe registers s to receive every future snapshot.
func (c *Collector) Subscribe(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

// Collect validates that tick numbers are strictly increasing (per §8's
// invariant) and fans the snapshot out to every subscriber.
func (c *Collector) Collect(snap Snapshot) error {
	c.mu.Lock()
	if c.haveEmitted && snap.Tick <= c.lastTick {
		c.mu.Unlock()
		return fmt.Errorf("telemetry: non-increasing snapshot tick %d after %d", snap.Tick, c.lastTick)
	}
	c.lastTick = snap.Tick
	c.haveEmitted = true
	sinks := append([]Sink(nil), c.sinks...)
	c.mu.Unlock()

	for _, s := range sinks {
		s.Collect(snap)
	}
	c.logger.Debug("snapshot collected", "tick", snap.Tick, "entities", snap.EntityCount, "mean_energy", snap.MeanEnergy)
	return nil
}
