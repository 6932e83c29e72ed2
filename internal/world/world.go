package world

// World is the mutable state owned exclusively by the Engine: entities,
// environment, and the spatial index used to answer neighbour queries.
type World struct {
	Environment Environment
	entities    []*Entity
	index       *spatialIndex
	cellSize    float64
	nextHandle  uint32
}

func newWorld(width, height, cellSize float64) *World {
	return &World{
		Environment: Environment{Width: width, Height: height},
		index:       newSpatialIndex(cellSize),
		cellSize:    cellSize,
	}
}

func (w *World) consumeResourceAt(r Resource) {
	w.Environment.removeResourceAt(r)
}

// rebuildIndex repopulates the spatial index from current entity
// positions; called once per tick before traits and physics run.
func (w *World) rebuildIndex() {
	w.index.reset()
	for i, e := range w.entities {
		if e.LifecycleState == StateAlive {
			w.index.insert(i, e.PosX, e.PosY)
		}
	}
}

// livingEntities returns entities currently alive, preserving insertion
// order (the tick contract requires traits run "in insertion order").
func (w *World) livingEntities() []*Entity {
	out := make([]*Entity, 0, len(w.entities))
	for _, e := range w.entities {
		if e.LifecycleState == StateAlive {
			out = append(out, e)
		}
	}
	return out
}

func (w *World) aliveCount() int {
	n := 0
	for _, e := range w.entities {
		if e.LifecycleState == StateAlive {
			n++
		}
	}
	return n
}
