package world

import (
	"math"

	"github.com/clawinfra/ai-genesis/internal/trait"
)

type cellKey struct{ cx, cy int }

// spatialIndex is a fixed-size grid mapping cell -> entity indices, rebuilt
// every tick. Used only by the Engine for O(local) neighbour queries; no
// other component touches it.
type spatialIndex struct {
	cellSize float64
	cells    map[cellKey][]int // cellKey -> indices into World.entities
}

func newSpatialIndex(cellSize float64) *spatialIndex {
	return &spatialIndex{cellSize: cellSize, cells: make(map[cellKey][]int)}
}

func (s *spatialIndex) reset() {
	for k := range s.cells {
		delete(s.cells, k)
	}
}

func (s *spatialIndex) cellOf(x, y float64) cellKey {
	return cellKey{int(math.Floor(x / s.cellSize)), int(math.Floor(y / s.cellSize))}
}

func (s *spatialIndex) insert(idx int, x, y float64) {
	k := s.cellOf(x, y)
	s.cells[k] = append(s.cells[k], idx)
}

// query returns entity indices in the 3x3 block of cells around (x, y).
func (s *spatialIndex) query(x, y float64) []int {
	center := s.cellOf(x, y)
	var out []int
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			k := cellKey{center.cx + dx, center.cy + dy}
			out = append(out, s.cells[k]...)
		}
	}
	return out
}

// nearbyEntities returns living entities within radius of e, excluding e
// itself, using the spatial index rather than a full scan.
func (w *World) nearbyEntities(e *Entity, radius float64) []trait.Entity {
	indices := w.index.query(e.PosX, e.PosY)
	out := make([]trait.Entity, 0, len(indices))
	for _, idx := range indices {
		other := w.entities[idx]
		if other == e || other.LifecycleState != StateAlive {
			continue
		}
		dx, dy := other.PosX-e.PosX, other.PosY-e.PosY
		if dx*dx+dy*dy <= radius*radius {
			out = append(out, other)
		}
	}
	return out
}

// nearbyResources returns resources within radius of (x, y).
func (w *World) nearbyResources(x, y, radius float64) []trait.Resource {
	out := make([]trait.Resource, 0, 4)
	for _, r := range w.Environment.Resources {
		dx, dy := r.X-x, r.Y-y
		if dx*dx+dy*dy <= radius*radius {
			out = append(out, trait.Resource{X: r.X, Y: r.Y, Amount: r.Amount})
		}
	}
	return out
}
