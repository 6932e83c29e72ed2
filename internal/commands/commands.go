// Package commands implements §6's operator command list as plain
// functions over the Engine, Bus, and Mutation Store. It is invoked by
// whatever external collaborator exposes these operations (an HTTP
// handler, a TUI, a test harness); that transport is out of scope here.
package commands

import (
	"context"
	"errors"

	"github.com/clawinfra/ai-genesis/internal/bus"
	"github.com/clawinfra/ai-genesis/internal/mutationstore"
	"github.com/clawinfra/ai-genesis/internal/world"
)

// ErrMutationNotFound is returned by GetMutationSource when no mutation
// with the given id exists.
var ErrMutationNotFound = errors.New("commands: mutation not found")

// ErrEntityNotFound is returned by InspectEntity and KillEntity when no
// entity with the given stable id exists.
var ErrEntityNotFound = errors.New("commands: entity not found")

// Commands wraps the Engine, Bus, and Mutation Store behind the
// operation set an operator surface needs.
type Commands struct {
	engine *world.Engine
	bus    *bus.Bus
	store  *mutationstore.Store
}

// New returns a Commands bound to the given collaborators.
func New(engine *world.Engine, b *bus.Bus, store *mutationstore.Store) *Commands {
	return &Commands{engine: engine, bus: b, store: store}
}

// UpdateParam applies a single named world parameter change. name must be
// one of the recognized set Engine.ApplyParams validates; value must
// satisfy that name's constraint. On success a ParamsChanged event is
// published.
func (c *Commands) UpdateParam(name string, value any) error {
	if err := c.engine.ApplyParams(map[string]any{name: value}); err != nil {
		return err
	}
	c.bus.Publish(bus.ParamsChanged, bus.ParamsChangedPayload{
		Changes: map[string]any{name: value},
	}, "")
	return nil
}

// ForceEvolution publishes a synthetic EvolutionForce trigger, bypassing
// the Watcher Agent's own detection. reason and severity may be empty.
func (c *Commands) ForceEvolution(reason, severity string) {
	c.bus.Publish(bus.EvolutionForce, bus.EvolutionForcePayload{
		Reason:   reason,
		Severity: severity,
	}, "")
}

// ListMutations returns every recorded mutation, most recently created
// first.
func (c *Commands) ListMutations(ctx context.Context) ([]mutationstore.Record, error) {
	return c.store.ListMutations(ctx)
}

// GetMutationSource returns the full source text of the named mutation,
// or ErrMutationNotFound if no such mutation exists.
func (c *Commands) GetMutationSource(ctx context.Context, mutationID string) (string, error) {
	source, ok := c.store.GetSource(ctx, mutationID)
	if !ok {
		return "", ErrMutationNotFound
	}
	return source, nil
}

// ListEntities returns a read-only snapshot of every entity in the world.
func (c *Commands) ListEntities() []world.EntitySummary {
	return c.engine.ListEntities()
}

// InspectEntity returns the current state of one entity, or
// ErrEntityNotFound if no entity with that stable id exists.
func (c *Commands) InspectEntity(stableID string) (world.EntitySummary, error) {
	summary, ok := c.engine.InspectEntity(stableID)
	if !ok {
		return world.EntitySummary{}, ErrEntityNotFound
	}
	return summary, nil
}

// KillEntity ends one living entity immediately, or returns
// ErrEntityNotFound if no living entity with that stable id exists.
func (c *Commands) KillEntity(stableID string) error {
	if !c.engine.KillEntity(stableID) {
		return ErrEntityNotFound
	}
	return nil
}
