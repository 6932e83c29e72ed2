package world

import (
	"github.com/clawinfra/ai-genesis/internal/trait"
)

// State is an entity's lifecycle state.
type State string

const (
	StateAlive State = "alive"
	StateDead  State = "dead"
)

// Entity is a single Molbot. Entities are owned exclusively by the Engine;
// no other component mutates them. It implements trait.Entity so both
// native and dynamically-loaded traits observe and mutate it through one
// narrow capability interface.
type Entity struct {
	ID       uint32 // monotonic numeric handle for binary framing
	StableID string // stable opaque id, survives generations

	PosX, PosY float64
	VelX, VelY float64 // accumulated per-tick movement impulse, decayed by friction
	EnergyV    float64
	MaxEnergyV float64
	AgeTicks   int64
	Gen        int
	ParentID   string
	BornAtTick int64

	ColorRGB uint32 // 24-bit color, 0x00RRGGBB
	Radius   float32

	MetabolismRateV    float64
	EnergyConsumptionV float64

	ActiveTraits      []string // ordered set, names only
	DeactivatedTraits map[string]bool

	Predator bool
	Infected bool

	LifecycleState State

	// world is the owning Engine's state, used to answer NearbyEntities /
	// NearbyResources queries. Set by the Engine before each trait
	// invocation; never persisted or serialized.
	world *World
}

var _ trait.Entity = (*Entity)(nil)

func (e *Entity) X() float64                     { return e.PosX }
func (e *Entity) Y() float64                     { return e.PosY }
func (e *Entity) Energy() float64                { return e.EnergyV }
func (e *Entity) MaxEnergy() float64             { return e.MaxEnergyV }
func (e *Entity) Age() int64                     { return e.AgeTicks }
func (e *Entity) Generation() int                { return e.Gen }
func (e *Entity) State() string                  { return string(e.LifecycleState) }
func (e *Entity) MetabolismRate() float64        { return e.MetabolismRateV }
func (e *Entity) EnergyConsumptionRate() float64 { return e.EnergyConsumptionV }

func (e *Entity) Traits() []string {
	out := make([]string, len(e.ActiveTraits))
	copy(out, e.ActiveTraits)
	return out
}

func (e *Entity) NearbyEntities() []trait.Entity {
	if e.world == nil {
		return nil
	}
	return e.world.nearbyEntities(e, e.world.cellSize)
}

func (e *Entity) NearbyResources() []trait.Resource {
	if e.world == nil {
		return nil
	}
	return e.world.nearbyResources(e.PosX, e.PosY, e.world.cellSize)
}

// Move applies a movement impulse. The impulse accumulates into the
// entity's velocity and is integrated into position during the engine's
// environment-physics step, where friction also decays it.
func (e *Entity) Move(dx, dy float64) {
	e.VelX += dx
	e.VelY += dy
}

func (e *Entity) ConsumeResource(r trait.Resource) {
	e.EnergyV += r.Amount
	if e.EnergyV > e.MaxEnergyV {
		e.EnergyV = e.MaxEnergyV
	}
	if e.world != nil {
		e.world.consumeResourceAt(r)
	}
}

// Deactivate removes traitName from the entity's active list and records
// it as faulted. Idempotent.
func (e *Entity) Deactivate(traitName string) {
	if e.DeactivatedTraits == nil {
		e.DeactivatedTraits = map[string]bool{}
	}
	e.DeactivatedTraits[traitName] = true

	filtered := e.ActiveTraits[:0]
	for _, t := range e.ActiveTraits {
		if t != traitName {
			filtered = append(filtered, t)
		}
	}
	e.ActiveTraits = filtered
}

// HasTrait reports whether name is currently active on the entity.
func (e *Entity) HasTrait(name string) bool {
	for _, t := range e.ActiveTraits {
		if t == name {
			return true
		}
	}
	return false
}
