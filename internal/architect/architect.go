// Package architect implements the Architect Agent (C7): it turns an
// EvolutionTrigger into a structured EvolutionPlan by consulting the LLM
// collaborator through a bounded-timeout, forgiving-JSON-extraction call.
package architect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/ai-genesis/internal/bus"
	"github.com/clawinfra/ai-genesis/internal/llmclient"
	"github.com/clawinfra/ai-genesis/internal/telemetry"
	"github.com/clawinfra/ai-genesis/internal/trait"
)

const defaultSnapshotCacheSize = 64

// Architect is the plan-drafting agent.
type Architect struct {
	bus      *bus.Bus
	provider llmclient.Provider
	registry *trait.Registry
	timeout  time.Duration
	logger   *slog.Logger
	template *PromptTemplate // optional; falls back to an inline prompt when nil

	mu            sync.Mutex
	snapshots     map[string]telemetry.Snapshot
	snapshotOrder []string // insertion order, for LRU-ish eviction

	group *errgroup.Group
}

// New returns an Architect. template may be nil, in which case a built-in
// prompt body is used.
func New(b *bus.Bus, provider llmclient.Provider, registry *trait.Registry, timeout time.Duration, template *PromptTemplate, logger *slog.Logger) *Architect {
	g := &errgroup.Group{}
	g.SetLimit(4)
	return &Architect{
		bus:       b,
		provider:  provider,
		registry:  registry,
		timeout:   timeout,
		logger:    logger.With("component", "architect"),
		template:  template,
		snapshots: make(map[string]telemetry.Snapshot),
		group:     g,
	}
}

// Start subscribes to Telemetry (to build the snapshot cache) and
// EvolutionTrigger (to plan), dispatching each trigger to a bounded pool of
// concurrently running cycles.
func (a *Architect) Start(ctx context.Context) {
	telemetrySub := a.bus.Subscribe(bus.Telemetry)
	triggerSub := a.bus.Subscribe(bus.EvolutionTrigger)

	go func() {
		defer telemetrySub.Cancel()
		defer triggerSub.Cancel()
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
						a.cacheSnapshot(snap)
					}
				}
			case event, ok := <-triggerSub.Events():
				if !ok {
					return
				}
				trigger, ok := event.Payload.(bus.EvolutionTriggerPayload)
				if !ok {
					continue
				}
				cycleID := event.CycleID
				a.group.Go(func() error {
					a.handleTrigger(ctx, cycleID, trigger)
					return nil
				})
			}
		}
	}()
}

// Stop waits for any in-flight planning cycles to finish.
func (a *Architect) Stop() {
	_ = a.group.Wait()
}

func (a *Architect) cacheSnapshot(snap telemetry.Snapshot) {
	key := snap.Key()
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.snapshots[key]; !exists {
		a.snapshotOrder = append(a.snapshotOrder, key)
		if len(a.snapshotOrder) > defaultSnapshotCacheSize {
			oldest := a.snapshotOrder[0]
			a.snapshotOrder = a.snapshotOrder[1:]
			delete(a.snapshots, oldest)
		}
	}
	a.snapshots[key] = snap
}

func (a *Architect) lookupSnapshot(key string) (telemetry.Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap, ok := a.snapshots[key]
	return snap, ok
}

// planReply is the JSON shape the LLM is asked to return (§4.6).
type planReply struct {
	ChangeType      string   `json:"change_type"`
	TargetClass     string   `json:"target_class"`
	TargetMethod    *string  `json:"target_method"`
	Description     string   `json:"description"`
	ExpectedOutcome string   `json:"expected_outcome"`
	Constraints     []string `json:"constraints"`
}

var validChangeTypes = map[string]bool{"new_trait": true, "modify_trait": true, "adjust_params": true}

func (a *Architect) handleTrigger(ctx context.Context, cycleID string, trigger bus.EvolutionTriggerPayload) {
	snap, _ := a.lookupSnapshot(trigger.SnapshotKey)
	knownTraits := a.registry.Load().Names()

	system, user := a.buildPrompt(trigger, snap, knownTraits)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	reply, err := a.provider.Complete(callCtx, system, user)
	if err != nil {
		a.fail(cycleID, trigger, llmFailureCode(err), fmt.Sprintf("LLM call failed: %v", err))
		return
	}

	raw, err := extractJSON(reply)
	if err != nil {
		a.fail(cycleID, trigger, bus.LLMUnparseable, fmt.Sprintf("could not extract a JSON plan from the response: %v", err))
		return
	}

	var parsed planReply
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		a.fail(cycleID, trigger, bus.LLMUnparseable, fmt.Sprintf("plan JSON did not parse: %v", err))
		return
	}
	if !validChangeTypes[parsed.ChangeType] {
		a.fail(cycleID, trigger, bus.LLMUnparseable, fmt.Sprintf("unrecognized change_type %q", parsed.ChangeType))
		return
	}

	targetMethod := ""
	if parsed.TargetMethod != nil {
		targetMethod = *parsed.TargetMethod
	}

	plan := bus.EvolutionPlanPayload{
		ChangeType:      parsed.ChangeType,
		TargetClass:     parsed.TargetClass,
		TargetMethod:    targetMethod,
		Description:     parsed.Description,
		ExpectedOutcome: parsed.ExpectedOutcome,
		Constraints:     parsed.Constraints,
		Trigger:         trigger,
	}
	a.bus.Publish(bus.EvolutionPlan, plan, cycleID)
	a.bus.Publish(bus.FeedMessage, bus.FeedMessagePayload{
		Agent:    "architect",
		Action:   "plan_ready",
		Message:  fmt.Sprintf("drafted a %s plan for %s", parsed.ChangeType, parsed.TargetClass),
		Metadata: map[string]any{"cycle_id": cycleID},
	}, cycleID)
}

func (a *Architect) fail(cycleID string, trigger bus.EvolutionTriggerPayload, code, reason string) {
	a.logger.Warn("planning cycle failed", "cycle_id", cycleID, "problem_type", trigger.ProblemType, "failure_code", code, "reason", reason)
	a.bus.Publish(bus.FeedMessage, bus.FeedMessagePayload{
		Agent:    "architect",
		Action:   "plan_failed",
		Message:  reason,
		Metadata: map[string]any{"cycle_id": cycleID, "stage": "planning", "failure_code": code},
	}, cycleID)
}

// llmFailureCode classifies a Provider.Complete error against the agent-level
// taxonomy (§7); errors that match neither case carry no code, same as any
// other non-enumerated failure.
func llmFailureCode(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return bus.LLMTimeout
	case errors.Is(err, llmclient.ErrRateLimited):
		return bus.RateLimitExceeded
	default:
		return ""
	}
}

func (a *Architect) buildPrompt(trigger bus.EvolutionTriggerPayload, snap telemetry.Snapshot, knownTraits []string) (system, user string) {
	if a.template != nil {
		return a.template.Body, renderContext(trigger, snap, knownTraits)
	}
	return defaultSystemPrompt, renderContext(trigger, snap, knownTraits)
}

const defaultSystemPrompt = `You design small, safe behavioural changes for a population of simulated creatures.
You never write code yourself. You respond with exactly one JSON object and nothing else,
with fields: change_type (one of "new_trait", "modify_trait", "adjust_params"), target_class,
target_method (string or null), description, expected_outcome, constraints (array of strings).`

func renderContext(trigger bus.EvolutionTriggerPayload, snap telemetry.Snapshot, knownTraits []string) string {
	return fmt.Sprintf(
		"Problem: %s (severity=%s)\nWorld context: %v\nCurrent tick: %d, entities: %d, mean energy: %.2f\nKnown traits: %v\n"+
			"Propose one change. Do not include code in your reply.",
		trigger.ProblemType, trigger.Severity, trigger.WorldContext, snap.Tick, snap.EntityCount, snap.MeanEnergy, knownTraits)
}
