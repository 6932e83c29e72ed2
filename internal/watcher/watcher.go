// Package watcher implements the Watcher Agent (C6): it consumes world
// telemetry, detects anomalies against fixed rules, and emits evolution
// triggers onto the event bus, subject to a per-category cooldown and a
// circuit breaker against runaway trigger storms.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/ai-genesis/internal/bus"
	"github.com/clawinfra/ai-genesis/internal/config"
	"github.com/clawinfra/ai-genesis/internal/telemetry"
)

var severityRank = map[string]int{"low": 0, "medium": 1, "high": 2, "critical": 3}

// Watcher is the anomaly-detection agent. One instance per process; its
// ring buffer and cooldown clocks are not shared.
type Watcher struct {
	cfg    config.WatcherConfig
	bus    *bus.Bus
	logger *slog.Logger

	mu            sync.Mutex
	ring          []telemetry.Snapshot
	lastEmission  map[string]time.Time // problem_type -> last emission time
	triggerTimes  []time.Time          // sliding window for the circuit breaker
	suppressUntil time.Time

	minPopulation int
	maxEntities   int
}

// New returns a Watcher seeded with the world's current min_population and
// max_entities (later kept current via ParamsChanged events).
func New(cfg config.WatcherConfig, minPopulation, maxEntities int, b *bus.Bus, logger *slog.Logger) *Watcher {
	return &Watcher{
		cfg:           cfg,
		bus:           b,
		logger:        logger.With("component", "watcher"),
		lastEmission:  make(map[string]time.Time),
		minPopulation: minPopulation,
		maxEntities:   maxEntities,
	}
}

// Start subscribes to Telemetry, ParamsChanged and EvolutionForce and runs
// until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) {
	telemetrySub := w.bus.Subscribe(bus.Telemetry)
	paramsSub := w.bus.Subscribe(bus.ParamsChanged)
	forceSub := w.bus.Subscribe(bus.EvolutionForce)

	go func() {
		defer telemetrySub.Cancel()
		defer paramsSub.Cancel()
		defer forceSub.Cancel()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-telemetrySub.Events():
				if !ok {
					return
				}
				if payload, ok := event.Payload.(bus.TelemetryPayload); ok {
					if snap, ok := payload.Snapshot.(telemetry.Snapshot); ok {
						w.onSnapshot(snap)
					}
				}
			case event, ok := <-paramsSub.Events():
				if !ok {
					return
				}
				if payload, ok := event.Payload.(bus.ParamsChangedPayload); ok {
					w.onParamsChanged(payload)
				}
			case event, ok := <-forceSub.Events():
				if !ok {
					return
				}
				if payload, ok := event.Payload.(bus.EvolutionForcePayload); ok {
					w.onForce(payload)
				}
			}
		}
	}()
}

func (w *Watcher) onParamsChanged(p bus.ParamsChangedPayload) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if v, ok := p.Changes["min_population"]; ok {
		if n, ok := asInt(v); ok {
			w.minPopulation = n
		}
	}
	if v, ok := p.Changes["max_entities"]; ok {
		if n, ok := asInt(v); ok {
			w.maxEntities = n
		}
	}
}

func (w *Watcher) onSnapshot(snap telemetry.Snapshot) {
	w.mu.Lock()
	w.ring = append(w.ring, snap)
	if len(w.ring) > w.cfg.RingBufferSize {
		w.ring = w.ring[len(w.ring)-w.cfg.RingBufferSize:]
	}
	minPop, maxEnt := w.minPopulation, w.maxEntities
	w.mu.Unlock()

	problemType, severity, ok := detect(snap, w.cfg, minPop, maxEnt)
	if !ok {
		return
	}
	w.tryEmit(problemType, severity, snap)
}

// onForce fabricates a synthetic manual_test trigger, bypassing cooldown.
func (w *Watcher) onForce(p bus.EvolutionForcePayload) {
	w.mu.Lock()
	var snap telemetry.Snapshot
	if len(w.ring) > 0 {
		snap = w.ring[len(w.ring)-1]
	}
	w.mu.Unlock()

	severity := p.Severity
	if severity == "" {
		severity = "medium"
	}
	w.gatedEmit("manual_test", severity, snap, true, true)
}

// tryEmit applies cooldown and circuit-breaker gating before emitting.
func (w *Watcher) tryEmit(problemType, severity string, snap telemetry.Snapshot) {
	w.gatedEmit(problemType, severity, snap, false, false)
}

// gatedEmit is the shared emission path for both snapshot-detected anomalies
// and operator-forced triggers. bypassCooldown skips the per-category
// cooldown check (forced triggers always do this) but never skips the
// circuit breaker's global trigger accounting.
func (w *Watcher) gatedEmit(problemType, severity string, snap telemetry.Snapshot, forced, bypassCooldown bool) {
	w.mu.Lock()
	now := time.Now()
	critical := severity == "critical"

	if !critical && !bypassCooldown {
		if last, ok := w.lastEmission[problemType]; ok && now.Sub(last) < time.Duration(w.cfg.CooldownSec)*time.Second {
			w.mu.Unlock()
			w.logger.Debug("evolution trigger suppressed", "problem_type", problemType, "failure_code", bus.CooldownActive)
			return
		}
	}
	if !critical {
		if now.Before(w.suppressUntil) {
			w.mu.Unlock()
			w.logger.Debug("evolution trigger suppressed", "problem_type", problemType, "failure_code", bus.CircuitBreakerActive)
			return
		}
	}

	window := time.Duration(w.cfg.CircuitWindowSec) * time.Second
	cutoff := now.Add(-window)
	kept := w.triggerTimes[:0]
	for _, t := range w.triggerTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.triggerTimes = kept

	tripped := false
	if !critical && len(w.triggerTimes)+1 > w.cfg.CircuitMaxTriggers {
		w.suppressUntil = now.Add(time.Duration(w.cfg.CircuitSuppressSec) * time.Second)
		tripped = true
	} else {
		w.triggerTimes = append(w.triggerTimes, now)
		w.lastEmission[problemType] = now
	}
	w.mu.Unlock()

	if tripped {
		w.publishFeed("system", "circuit_breaker", fmt.Sprintf(
			"more than %d triggers fired within %ds; suppressing non-critical evolution triggers for %ds",
			w.cfg.CircuitMaxTriggers, w.cfg.CircuitWindowSec, w.cfg.CircuitSuppressSec),
			map[string]any{"failure_code": bus.CircuitBreakerActive})
		return
	}

	w.emit(problemType, severity, snap, forced)
}

func (w *Watcher) emit(problemType, severity string, snap telemetry.Snapshot, forced bool) {
	cycleID := uuid.NewString()
	worldContext := map[string]any{
		"entity_count":   snap.EntityCount,
		"mean_energy":    snap.MeanEnergy,
		"resource_count": snap.ResourceCount,
	}

	w.bus.Publish(bus.EvolutionTrigger, bus.EvolutionTriggerPayload{
		ProblemType:  problemType,
		Severity:     severity,
		SnapshotKey:  snap.Key(),
		WorldContext: worldContext,
	}, cycleID)

	action := "anomaly_detected"
	msg := fmt.Sprintf("detected %s (severity=%s) at tick %d", problemType, severity, snap.Tick)
	if forced {
		action = "manual_trigger"
		msg = fmt.Sprintf("operator forced an evolution cycle (severity=%s)", severity)
	}
	w.publishFeed("watcher", action, msg, map[string]any{"cycle_id": cycleID, "problem_type": problemType})
}

func (w *Watcher) publishFeed(agent, action, message string, metadata map[string]any) {
	w.bus.Publish(bus.FeedMessage, bus.FeedMessagePayload{
		Agent: agent, Action: action, Message: message, Metadata: metadata,
	}, "")
}

// detect evaluates the three fixed anomaly rules against snap and returns
// the single most severe one that fired, if any.
func detect(snap telemetry.Snapshot, cfg config.WatcherConfig, minPopulation, maxEntities int) (problemType, severity string, ok bool) {
	type candidate struct {
		problemType string
		severity    string
	}
	var candidates []candidate

	if snap.MeanEnergy < cfg.StarvationMeanEnergy {
		sev := "medium"
		if snap.MeanEnergy < cfg.StarvationHighSeverity {
			sev = "high"
		}
		candidates = append(candidates, candidate{"starvation", sev})
	}

	extinctionThreshold := 1.5 * float64(minPopulation)
	if float64(snap.EntityCount) < extinctionThreshold {
		sev := "high"
		if snap.EntityCount < minPopulation {
			sev = "critical"
		}
		candidates = append(candidates, candidate{"extinction_risk", sev})
	}

	if maxEntities > 0 {
		overpopThreshold := 0.95 * float64(maxEntities)
		if float64(snap.EntityCount) > overpopThreshold {
			sev := "medium"
			if snap.EntityCount > maxEntities {
				sev = "high"
			}
			candidates = append(candidates, candidate{"overpopulation", sev})
		}
	}

	if len(candidates) == 0 {
		return "", "", false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if severityRank[c.severity] > severityRank[best.severity] {
			best = c
		}
	}
	return best.problemType, best.severity, true
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
