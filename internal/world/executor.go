package world

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawinfra/ai-genesis/internal/trait"
)

// Executor safely runs per-entity trait behaviours under time budgets.
// Each invocation gets a per-trait hard budget; all invocations for a tick
// share a per-tick global budget. Trait faults are always local: they
// never propagate to the Engine or other entities.
type Executor struct {
	registry       *trait.Registry
	perTraitBudget time.Duration
	perTickBudget  time.Duration
	logger         *slog.Logger
}

// NewExecutor returns an Executor bound to registry.
func NewExecutor(registry *trait.Registry, perTraitBudget, perTickBudget time.Duration, logger *slog.Logger) *Executor {
	return &Executor{
		registry:       registry,
		perTraitBudget: perTraitBudget,
		perTickBudget:  perTickBudget,
		logger:         logger.With("component", "trait_executor"),
	}
}

// RunTick executes every living entity's active traits in insertion order,
// stopping early once the shared per-tick budget is exhausted. It returns
// the number of entities skipped this tick because the budget ran out —
// a conscious backpressure device, not an error.
func (ex *Executor) RunTick(ctx context.Context, entities []*Entity) (skipped int) {
	snap := ex.registry.Load()
	deadline := time.Now().Add(ex.perTickBudget)

	for i, e := range entities {
		if e.LifecycleState != StateAlive {
			continue
		}
		if time.Now().After(deadline) {
			skipped = len(entities) - i
			ex.logger.Warn("per-tick trait budget exhausted, skipping remaining entities", "skipped", skipped)
			return skipped
		}
		ex.runEntity(ctx, e, snap)
	}
	return 0
}

// runEntity executes every active trait on e in order, deactivating any
// trait that faults or exceeds its per-trait budget.
func (ex *Executor) runEntity(ctx context.Context, e *Entity, snap *trait.Snapshot) {
	for _, name := range append([]string(nil), e.ActiveTraits...) {
		entry, ok := snap.Lookup(name)
		if !ok {
			// Trait was removed from the registry since this entity last
			// spawned; treat it as a local fault, not an engine error.
			e.Deactivate(name)
			continue
		}
		if err := ex.runOne(ctx, entry.Impl, e); err != nil {
			ex.logger.Debug("trait deactivated", "trait", name, "entity", e.StableID, "error", err)
			e.Deactivate(name)
		}
	}
}

// runOne invokes impl.Execute under the per-trait budget. Because traits
// may be dynamically loaded, untrusted-origin code running in-process, a
// hung invocation cannot be forcibly killed the way an OS-isolated
// subprocess could be (see the dynamic-loading trade-off this repo makes
// in favour of ahead-of-time compiled plugins); runOne instead abandons
// the goroutine and treats the timeout as a fault, deactivating the trait
// so the entity is never blocked by it again.
func (ex *Executor) runOne(parent context.Context, impl trait.Trait, e *Entity) error {
	ctx, cancel := context.WithTimeout(parent, ex.perTraitBudget)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("trait panicked: %v", r)
				return
			}
		}()
		done <- impl.Execute(ctx, e)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("trait exceeded per-trait budget of %s", ex.perTraitBudget)
	}
}
