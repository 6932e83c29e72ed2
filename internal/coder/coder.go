// Package coder implements the Coder Agent (C8): it turns an EvolutionPlan
// into validated, persisted Go trait source and announces it as a
// MutationReady event for the Runtime Patcher to load.
package coder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/ai-genesis/internal/bus"
	"github.com/clawinfra/ai-genesis/internal/config"
	"github.com/clawinfra/ai-genesis/internal/llmclient"
	"github.com/clawinfra/ai-genesis/internal/mutationstore"
	"github.com/clawinfra/ai-genesis/internal/sandbox"
	"github.com/clawinfra/ai-genesis/internal/security"
)

// Coder is the code-generation agent.
type Coder struct {
	bus       *bus.Bus
	provider  llmclient.Provider
	validator *sandbox.Validator
	store     *mutationstore.Store
	cfg       config.SandboxConfig
	timeout   time.Duration
	logger    *slog.Logger

	group *errgroup.Group
}

// New returns a Coder.
func New(b *bus.Bus, provider llmclient.Provider, validator *sandbox.Validator, store *mutationstore.Store,
	cfg config.SandboxConfig, timeout time.Duration, logger *slog.Logger) *Coder {
	g := &errgroup.Group{}
	g.SetLimit(4)
	return &Coder{
		bus:       b,
		provider:  provider,
		validator: validator,
		store:     store,
		cfg:       cfg,
		timeout:   timeout,
		logger:    logger.With("component", "coder"),
		group:     g,
	}
}

// Start subscribes to EvolutionPlan and dispatches each plan to a bounded
// pool of concurrently running code-generation cycles.
func (c *Coder) Start(ctx context.Context) {
	planSub := c.bus.Subscribe(bus.EvolutionPlan)
	go func() {
		defer planSub.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-planSub.Events():
				if !ok {
					return
				}
				plan, ok := event.Payload.(bus.EvolutionPlanPayload)
				if !ok {
					continue
				}
				cycleID := event.CycleID
				c.group.Go(func() error {
					c.handlePlan(ctx, cycleID, plan)
					return nil
				})
			}
		}
	}()
}

// Stop waits for any in-flight generation cycles to finish.
func (c *Coder) Stop() {
	_ = c.group.Wait()
}

func (c *Coder) handlePlan(ctx context.Context, cycleID string, plan bus.EvolutionPlanPayload) {
	traitName := deriveTraitName(plan.TargetClass)

	system, user := c.buildPrompt(plan)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.provider.Complete(callCtx, system, user)
	if err != nil {
		c.fail(cycleID, llmFailureCode(err), "LLM call failed: "+err.Error(), "generation")
		return
	}

	source, err := extractSource(reply)
	if err != nil {
		c.fail(cycleID, bus.LLMUnparseable, "could not extract Go source from the response: "+err.Error(), "extraction")
		return
	}

	res := c.validator.Validate(source)
	if !res.Accepted {
		c.fail(cycleID, string(res.FailureCode), strings.Join(res.Log, "; "), "validation")
		return
	}

	version, err := c.store.NextVersion(ctx, traitName)
	if err != nil {
		c.fail(cycleID, "", "could not compute next version: "+err.Error(), "persistence")
		return
	}

	path, err := c.writeArtifact(traitName, version, source)
	if err != nil {
		c.fail(cycleID, "", "could not write artifact: "+err.Error(), "persistence")
		return
	}

	rec, err := c.store.Insert(ctx, mutationstore.Record{
		TraitName:    traitName,
		Version:      version,
		CodeHash:     res.CodeHash,
		Source:       source,
		ArtifactPath: path,
		CycleID:      cycleID,
		TriggerType:  plan.Trigger.ProblemType,
		Status:       mutationstore.StatusValidated,
	})
	if err != nil {
		c.fail(cycleID, "", "could not persist trait record: "+err.Error(), "persistence")
		return
	}

	c.bus.Publish(bus.MutationReady, bus.MutationReadyPayload{
		MutationID: rec.MutationID,
		TraitName:  traitName,
		Version:    version,
		FilePath:   path,
		CodeHash:   res.CodeHash,
	}, cycleID)
	c.bus.Publish(bus.FeedMessage, bus.FeedMessagePayload{
		Agent:    "coder",
		Action:   "mutation_ready",
		Message:  fmt.Sprintf("generated %s v%d (%s)", traitName, version, res.ClassName),
		Metadata: map[string]any{"cycle_id": cycleID, "mutation_id": rec.MutationID},
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

func (c *Coder) fail(cycleID, failureCode, reason, stage string) {
	c.logger.Warn("generation cycle failed", "cycle_id", cycleID, "stage", stage, "reason", reason)
	c.bus.Publish(bus.FeedMessage, bus.FeedMessagePayload{
		Agent:    "coder",
		Action:   "mutation_failed",
		Message:  reason,
		Metadata: map[string]any{"cycle_id": cycleID, "stage": stage, "failure_code": failureCode},
	}, cycleID)
}

// writeArtifact persists source atomically: write to a temp file in the
// artifacts directory, then rename into place.
func (c *Coder) writeArtifact(traitName string, version int, source string) (string, error) {
	if err := os.MkdirAll(c.cfg.ArtifactsDir, 0o755); err != nil {
		return "", fmt.Errorf("coder: mkdir artifacts dir: %w", err)
	}
	finalName := fmt.Sprintf("trait_%s_v%d.go", traitName, version)
	finalPath := filepath.Join(c.cfg.ArtifactsDir, finalName)
	if err := security.ValidateArtifactPath(finalPath, c.cfg.ArtifactsDir); err != nil {
		return "", fmt.Errorf("coder: artifact path rejected: %w", err)
	}

	tmp, err := os.CreateTemp(c.cfg.ArtifactsDir, "."+finalName+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("coder: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(source); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("coder: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("coder: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("coder: rename into place: %w", err)
	}
	return finalPath, nil
}

func deriveTraitName(targetClass string) string {
	return strings.ToLower(strings.TrimSpace(targetClass))
}

func (c *Coder) buildPrompt(plan bus.EvolutionPlanPayload) (system, user string) {
	system = fmt.Sprintf(
		"You write one Go file implementing a single trait. The file must define exactly one type with a "+
			"method `Execute(ctx context.Context, e trait.Entity) error`, plus a package-level "+
			"`func NewTrait() trait.Trait { return &T{} }` that the runtime loader looks up by name. Only import "+
			"from: context, github.com/clawinfra/ai-genesis/internal/trait, and %s. Never perform file, network, "+
			"process, or reflective I/O. Bound any loop to at most %d iterations. Only touch the entity through "+
			"its exported methods. Respond with exactly one fenced Go code block and nothing else.",
		strings.Join(c.cfg.AllowedImports, ", "), c.cfg.MaxLoopIterations)

	user = fmt.Sprintf(
		"Change type: %s\nTarget class: %s\nTarget method: %s\nDescription: %s\nExpected outcome: %s\nConstraints: %v\n"+
			"Triggering problem: %s (severity=%s)",
		plan.ChangeType, plan.TargetClass, plan.TargetMethod, plan.Description, plan.ExpectedOutcome, plan.Constraints,
		plan.Trigger.ProblemType, plan.Trigger.Severity)
	return system, user
}
