package streaming

import "voxelstream.ai/internal/sim/units"

// Witness is a point whose movement drives chunk loading. The loader only
// reads witnesses; whoever tracks them calls Observe once per tick.
type Witness struct {
	ID       string
	Position units.VoxelUnits
	// Previous is nil until the witness has been observed twice.
	Previous *units.VoxelUnits
}

func NewWitness(id string, pos units.VoxelUnits) Witness {
	return Witness{ID: id, Position: pos}
}

// Observe records a new position, keeping the current one as previous.
func (w *Witness) Observe(pos units.VoxelUnits) {
	cur := w.Position
	w.Previous = &cur
	w.Position = pos
}
