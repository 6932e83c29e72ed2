package world

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/clawinfra/ai-genesis/internal/telemetry"
	"github.com/clawinfra/ai-genesis/internal/trait"
)

// TelemetrySink receives the snapshot the Engine builds every
// snapshot_interval ticks. telemetry.Collector implements this.
type TelemetrySink interface {
	Collect(telemetry.Snapshot) error
}

// FrameEntity is one entity's binary-frame record (§6 wire layout).
type FrameEntity struct {
	ID     uint32
	X, Y   float32
	Radius float32
	Color  uint32 // 0x00RRGGBB
	Flags  uint8  // bit0 predator, bit1 infected
}

// FrameResource is one resource's binary-frame record.
type FrameResource struct {
	X, Y float32
}

// StreamSink receives a world frame every stream_interval ticks. The
// Stream Multiplexer implements this.
type StreamSink interface {
	PublishFrame(tick uint32, entities []FrameEntity, resources []FrameResource)
}

// EngineConfig configures a new Engine. All fields mirror config.WorldConfig.
type EngineConfig struct {
	TickRateMs        int
	WidthUnits        float64
	HeightUnits       float64
	CellSize          float64
	MinPopulation     int
	MaxEntities       int
	Friction          float64
	SpawnRate         float64
	ResourceSpawnRate float64
	SnapshotInterval  int64
	StreamInterval    int64
	InitialEntities   int
	InitialEnergy     float64
	MaxEnergy         float64
	MaxAgeTicks       int64
	MetabolismRate    float64
	Seed              int64
	PerTraitBudgetMs  int
	PerTickBudgetMs   int
}

// Engine drives simulated time and owns all entity state. It is the only
// writer of World; every other component reads through telemetry
// snapshots or stream frames.
type Engine struct {
	world    *World
	registry *trait.Registry
	executor *Executor
	rng      *rand.Rand // seeded once at construction, threaded explicitly

	telemetry TelemetrySink
	stream    StreamSink

	paramsMu sync.Mutex
	params   Params
	pending  map[string]any

	tick             int64
	snapshotInterval int64
	streamInterval   int64
	maxAgeTicks      int64
	initialEnergy    float64
	maxEnergy        float64
	metabolismRate   float64

	lifecycleMu sync.Mutex
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}

	// entitiesMu guards every read or write of world.entities and its
	// members. Step holds it for the whole tick; operator commands
	// (ListEntities, InspectEntity, KillEntity) take it independently, so
	// they work whether or not the tick loop is running.
	entitiesMu sync.RWMutex

	// deathTally accumulates cause -> count across ticks since the last
	// snapshot; buildSnapshot drains and resets it.
	deathTally map[string]int

	logger *slog.Logger
}

const (
	deathCauseStarvation = "starvation"
	deathCauseOldAge     = "old_age"
)

// EntitySummary is the read-only view of an entity exposed to operator
// commands (§6 list_entities / inspect_entity). It never aliases the live
// Entity so a caller can't mutate simulation state by holding one.
type EntitySummary struct {
	StableID   string
	X, Y       float64
	Energy     float64
	MaxEnergy  float64
	Age        int64
	Generation int
	State      string
	Traits     []string
	Predator   bool
	Infected   bool
}

func summarizeEntity(ent *Entity) EntitySummary {
	return EntitySummary{
		StableID:   ent.StableID,
		X:          ent.PosX,
		Y:          ent.PosY,
		Energy:     ent.EnergyV,
		MaxEnergy:  ent.MaxEnergyV,
		Age:        ent.AgeTicks,
		Generation: ent.Gen,
		State:      string(ent.LifecycleState),
		Traits:     ent.Traits(),
		Predator:   ent.Predator,
		Infected:   ent.Infected,
	}
}

// NewEngine constructs an Engine wired to registry and the given sinks.
// Nothing is process-wide: Engine, registry, bus, and sinks are all
// explicit collaborators constructed once at startup and wired together
// by the caller.
func NewEngine(cfg EngineConfig, registry *trait.Registry, tel TelemetrySink, stream StreamSink, logger *slog.Logger) *Engine {
	w := newWorld(cfg.WidthUnits, cfg.HeightUnits, cfg.CellSize)
	logger = logger.With("component", "engine")

	e := &Engine{
		world:     w,
		registry:  registry,
		executor:  NewExecutor(registry, time.Duration(cfg.PerTraitBudgetMs)*time.Millisecond, time.Duration(cfg.PerTickBudgetMs)*time.Millisecond, logger),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		telemetry: tel,
		stream:    stream,
		params: Params{
			TickRateMs:        cfg.TickRateMs,
			MinPopulation:     cfg.MinPopulation,
			MaxEntities:       cfg.MaxEntities,
			Friction:          cfg.Friction,
			SpawnRate:         cfg.SpawnRate,
			ResourceSpawnRate: cfg.ResourceSpawnRate,
		},
		pending:          make(map[string]any),
		deathTally:       make(map[string]int),
		snapshotInterval: cfg.SnapshotInterval,
		streamInterval:   cfg.StreamInterval,
		maxAgeTicks:      cfg.MaxAgeTicks,
		initialEnergy:    cfg.InitialEnergy,
		maxEnergy:        cfg.MaxEnergy,
		metabolismRate:   cfg.MetabolismRate,
		logger:           logger,
	}
	e.seedInitialPopulation(cfg.InitialEntities)
	return e
}

func (e *Engine) seedInitialPopulation(n int) {
	snap := e.registry.Load()
	for i := 0; i < n; i++ {
		e.spawn(snap)
	}
}

// ApplyParams queues a set of parameter changes. Unknown keys or values
// failing their per-name constraint are rejected and no change is queued.
// Accepted changes are applied at the boundary of the next tick.
func (e *Engine) ApplyParams(changes map[string]any) error {
	for name, value := range changes {
		if err := validateParamChange(name, value); err != nil {
			return fmt.Errorf("apply params: %w", err)
		}
	}
	if maxV, ok := changes["max_entities"]; ok {
		minV := e.params.MinPopulation
		if minChange, ok := changes["min_population"]; ok {
			minV, _ = asInt(minChange)
		}
		maxInt, _ := asInt(maxV)
		if maxInt < minV {
			return fmt.Errorf("apply params: max_entities must be >= min_population")
		}
	}

	e.paramsMu.Lock()
	defer e.paramsMu.Unlock()
	for name, value := range changes {
		e.pending[name] = value
	}
	return nil
}

func (e *Engine) applyPendingParams() {
	e.paramsMu.Lock()
	defer e.paramsMu.Unlock()
	for name, value := range e.pending {
		switch name {
		case "tick_rate_ms":
			v, _ := asInt(value)
			e.params.TickRateMs = v
		case "min_population":
			v, _ := asInt(value)
			e.params.MinPopulation = v
		case "max_entities":
			v, _ := asInt(value)
			e.params.MaxEntities = v
		case "friction":
			v, _ := asFloat(value)
			e.params.Friction = v
		case "spawn_rate":
			v, _ := asFloat(value)
			e.params.SpawnRate = v
		case "resource_spawn_rate":
			v, _ := asFloat(value)
			e.params.ResourceSpawnRate = v
		}
	}
	e.pending = make(map[string]any)
}

// Start begins the tick loop in a dedicated goroutine. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.tickLoop(ctx)
}

// Stop signals the tick loop to stop and waits for the in-flight tick to
// complete before returning. Idempotent.
func (e *Engine) Stop() {
	e.lifecycleMu.Lock()
	if !e.running {
		e.lifecycleMu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	doneCh := e.doneCh
	e.lifecycleMu.Unlock()

	<-doneCh
}

// tickLoop drives simulated time at a fixed rate. The Engine owns one
// dedicated scheduling line, never shared with any I/O-bound agent. If
// behind schedule it does not attempt to catch up more than one tick;
// it logs the lag and continues.
func (e *Engine) tickLoop(ctx context.Context) {
	defer close(e.doneCh)

	interval := time.Duration(e.params.TickRateMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastTick := time.Now()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case tickStart := <-ticker.C:
			lag := tickStart.Sub(lastTick) - interval
			if lag > interval {
				e.logger.Warn("tick loop behind schedule, not catching up", "lag", lag)
			}
			lastTick = tickStart
			e.Step(ctx)

			// A tick_rate_ms change only takes effect on the next ticker
			// reset, avoiding mid-flight ticker reconfiguration races.
			e.paramsMu.Lock()
			newInterval := time.Duration(e.params.TickRateMs) * time.Millisecond
			e.paramsMu.Unlock()
			if newInterval != interval {
				interval = newInterval
				ticker.Reset(interval)
			}
		}
	}
}

// Step advances one tick. Exported for deterministic single-step tests;
// the running engine calls it from tickLoop only.
func (e *Engine) Step(ctx context.Context) {
	e.entitiesMu.Lock()
	defer e.entitiesMu.Unlock()

	e.applyPendingParams()

	e.world.rebuildIndex()
	for _, ent := range e.world.entities {
		ent.world = e.world
	}

	living := e.world.livingEntities()
	e.executor.RunTick(ctx, living)
	for _, ent := range living {
		ent.AgeTicks++
		ent.EnergyV -= ent.MetabolismRateV
	}

	e.applyPhysics(living)
	e.markDeaths(living)
	e.compactDead()
	e.respawn()

	e.tick++

	if e.snapshotInterval > 0 && e.tick%e.snapshotInterval == 0 && e.telemetry != nil {
		snap := e.buildSnapshot()
		if err := e.telemetry.Collect(snap); err != nil {
			e.logger.Error("telemetry collect failed", "error", err)
		}
	}
	if e.streamInterval > 0 && e.tick%e.streamInterval == 0 && e.stream != nil {
		e.publishFrame()
	}
}

func (e *Engine) applyPhysics(living []*Entity) {
	e.paramsMu.Lock()
	friction := e.params.Friction
	e.paramsMu.Unlock()

	for _, ent := range living {
		ent.PosX += ent.VelX
		ent.PosY += ent.VelY
		ent.PosX, ent.PosY = e.world.Environment.clamp(ent.PosX, ent.PosY)
		ent.VelX *= 1 - friction
		ent.VelY *= 1 - friction
	}

	// Pairwise collision resolution via the spatial index, tie-break on
	// lower entity id.
	for _, a := range living {
		for _, idx := range e.world.index.query(a.PosX, a.PosY) {
			b := e.world.entities[idx]
			if b == a || b.LifecycleState != StateAlive {
				continue
			}
			if a.ID > b.ID {
				continue // resolve each pair once, from the lower id's perspective
			}
			dx, dy := b.PosX-a.PosX, b.PosY-a.PosY
			dist2 := dx*dx + dy*dy
			minDist := float64(a.Radius + b.Radius)
			if dist2 > 0 && dist2 < minDist*minDist {
				b.PosX, b.PosY = e.world.Environment.clamp(b.PosX+dx*0.1, b.PosY+dy*0.1)
			}
		}
	}
}

func (e *Engine) markDeaths(living []*Entity) {
	for _, ent := range living {
		if ent.EnergyV <= 0 {
			ent.LifecycleState = StateDead
			e.deathTally[deathCauseStarvation]++
		} else if e.maxAgeTicks > 0 && ent.AgeTicks > e.maxAgeTicks {
			ent.LifecycleState = StateDead
			e.deathTally[deathCauseOldAge]++
		}
	}
}

// compactDead drops dead entities from world.entities so the slice (and
// every per-tick scan over it) doesn't grow unbounded over a long run.
func (e *Engine) compactDead() {
	kept := e.world.entities[:0]
	for _, ent := range e.world.entities {
		if ent.LifecycleState == StateAlive {
			kept = append(kept, ent)
		}
	}
	e.world.entities = kept
}

// respawn implements §4.1 step 5: if alive_count < min_population, spawn
// up to the deficit; otherwise, with probability proportional to
// spawn_rate / max_entities, spawn if alive_count < max_entities.
func (e *Engine) respawn() {
	e.paramsMu.Lock()
	minPop, maxEnt, spawnRate := e.params.MinPopulation, e.params.MaxEntities, e.params.SpawnRate
	e.paramsMu.Unlock()

	snap := e.registry.Load()
	alive := e.world.aliveCount()

	if alive < minPop {
		for i := alive; i < minPop; i++ {
			e.spawn(snap)
		}
		return
	}
	if alive >= maxEnt || maxEnt == 0 {
		return
	}
	prob := spawnRate / float64(maxEnt)
	if e.rng.Float64() < prob {
		e.spawn(snap)
	}
}

// spawn creates a new entity sampling its trait set from a single atomic
// registry snapshot, never from a registry mid-mutation.
func (e *Engine) spawn(snap *trait.Snapshot) {
	e.world.nextHandle++
	ent := &Entity{
		ID:              e.world.nextHandle,
		StableID:        fmt.Sprintf("entity-%d", e.world.nextHandle),
		PosX:            e.rng.Float64() * e.world.Environment.Width,
		PosY:            e.rng.Float64() * e.world.Environment.Height,
		EnergyV:         e.initialEnergy,
		MaxEnergyV:      e.maxEnergy,
		BornAtTick:      e.tick,
		ColorRGB:        0x00888888,
		Radius:          4,
		MetabolismRateV: e.metabolismRate,
		ActiveTraits:    snap.Names(),
		LifecycleState:  StateAlive,
		world:           e.world,
	}
	e.world.entities = append(e.world.entities, ent)
}

func (e *Engine) buildSnapshot() telemetry.Snapshot {
	var totalEnergy float64
	deathCauses := e.deathTally
	e.deathTally = make(map[string]int)
	traitSet := map[string]int{}
	dominant := ""
	dominantCount := 0
	aliveCount := 0

	for _, ent := range e.world.entities {
		if ent.LifecycleState != StateAlive {
			continue
		}
		aliveCount++
		totalEnergy += ent.EnergyV
		for _, t := range ent.ActiveTraits {
			traitSet[t]++
			if traitSet[t] > dominantCount {
				dominant = t
				dominantCount = traitSet[t]
			}
		}
	}

	mean := 0.0
	if aliveCount > 0 {
		mean = totalEnergy / float64(aliveCount)
	}

	return telemetry.Snapshot{
		Tick:           e.tick,
		WallClock:      time.Now(),
		EntityCount:    aliveCount,
		MeanEnergy:     mean,
		ResourceCount:  len(e.world.Environment.Resources),
		DeathCauses:    deathCauses,
		TraitDiversity: len(traitSet),
		DominantTrait:  dominant,
	}
}

func (e *Engine) publishFrame() {
	entities := make([]FrameEntity, 0, len(e.world.entities))
	for _, ent := range e.world.entities {
		if ent.LifecycleState != StateAlive {
			continue
		}
		var flags uint8
		if ent.Predator {
			flags |= 1
		}
		if ent.Infected {
			flags |= 2
		}
		entities = append(entities, FrameEntity{
			ID:     ent.ID,
			X:      float32(ent.PosX),
			Y:      float32(ent.PosY),
			Radius: ent.Radius,
			Color:  ent.ColorRGB,
			Flags:  flags,
		})
	}
	resources := make([]FrameResource, 0, len(e.world.Environment.Resources))
	for _, r := range e.world.Environment.Resources {
		resources = append(resources, FrameResource{X: float32(r.X), Y: float32(r.Y)})
	}
	e.stream.PublishFrame(uint32(e.tick), entities, resources)
}

// AliveCount returns the number of currently-living entities.
func (e *Engine) AliveCount() int { return e.world.aliveCount() }

// CurrentTick returns the most recently completed tick number.
func (e *Engine) CurrentTick() int64 { return e.tick }

// Registry returns the engine's trait registry.
func (e *Engine) Registry() *trait.Registry { return e.registry }

// ListEntities returns a snapshot of every entity currently in the world,
// in no particular order.
func (e *Engine) ListEntities() []EntitySummary {
	e.entitiesMu.RLock()
	defer e.entitiesMu.RUnlock()

	out := make([]EntitySummary, len(e.world.entities))
	for i, ent := range e.world.entities {
		out[i] = summarizeEntity(ent)
	}
	return out
}

// InspectEntity returns the current state of the entity with the given
// stable id, or ok=false if no such entity exists.
func (e *Engine) InspectEntity(stableID string) (EntitySummary, bool) {
	e.entitiesMu.RLock()
	defer e.entitiesMu.RUnlock()

	for _, ent := range e.world.entities {
		if ent.StableID == stableID {
			return summarizeEntity(ent), true
		}
	}
	return EntitySummary{}, false
}

// KillEntity marks the named living entity dead, as if it had run out of
// energy on the next tick's death check. Returns false if no living
// entity has that stable id.
func (e *Engine) KillEntity(stableID string) bool {
	e.entitiesMu.Lock()
	defer e.entitiesMu.Unlock()

	for _, ent := range e.world.entities {
		if ent.StableID == stableID && ent.LifecycleState == StateAlive {
			ent.LifecycleState = StateDead
			return true
		}
	}
	return false
}
