// Package trait defines the behaviour ABI every loaded trait implements and
// the atomically-swapped registry that maps trait names to their current
// implementation.
package trait

import "context"

// Entity is the narrow capability interface a trait is allowed to observe
// and mutate. It is implemented by the world package's entity type; trait
// is kept free of any dependency on world so natively-compiled traits and
// dynamically-loaded plugin traits share exactly one contract.
type Entity interface {
	X() float64
	Y() float64
	Energy() float64
	MaxEnergy() float64
	Age() int64
	Generation() int
	State() string
	Traits() []string
	MetabolismRate() float64
	EnergyConsumptionRate() float64
	NearbyEntities() []Entity
	NearbyResources() []Resource

	Move(dx, dy float64)
	ConsumeResource(r Resource)
}

// Resource is a consumable point in the environment, visible to traits
// through NearbyResources/ConsumeResource.
type Resource struct {
	X, Y   float64
	Amount float64
}

// Trait is a loadable unit of per-entity behaviour. Native traits and
// dynamically-loaded plugin traits both implement this single interface,
// realizing the capability-interface pattern in place of class inheritance.
type Trait interface {
	Execute(ctx context.Context, e Entity) error
}

// TraitFunc adapts a plain function to the Trait interface.
type TraitFunc func(ctx context.Context, e Entity) error

// Execute calls f.
func (f TraitFunc) Execute(ctx context.Context, e Entity) error { return f(ctx, e) }
