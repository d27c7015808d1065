package clipmap

import (
	"fmt"

	"voxelstream.ai/internal/sim/logic/mathx"
	"voxelstream.ai/internal/sim/units"
)

// NodeKey addresses a node at one level of the clipmap. Level 0 nodes are
// single chunks; a level l node spans 2^l chunks along each axis.
type NodeKey struct {
	Level  uint8
	Coords units.Vec3i
}

func Key(level uint8, x, y, z int32) NodeKey {
	return NodeKey{Level: level, Coords: units.Vec3i{X: x, Y: y, Z: z}}
}

func (k NodeKey) String() string {
	return fmt.Sprintf("L%d(%d,%d,%d)", k.Level, k.Coords.X, k.Coords.Y, k.Coords.Z)
}

func (k NodeKey) Less(o NodeKey) bool {
	if k.Level != o.Level {
		return k.Level < o.Level
	}
	return k.Coords.Less(o.Coords)
}

func (k NodeKey) Parent() NodeKey {
	return NodeKey{
		Level: k.Level + 1,
		Coords: units.Vec3i{
			X: int32(mathx.FloorDiv(int(k.Coords.X), 2)),
			Y: int32(mathx.FloorDiv(int(k.Coords.Y), 2)),
			Z: int32(mathx.FloorDiv(int(k.Coords.Z), 2)),
		},
	}
}

// Edge is the node's side length in voxels.
func (k NodeKey) Edge() float64 {
	return float64(int(units.ChunkEdge) << k.Level)
}

func (k NodeKey) Min() units.Vec3 {
	return k.Coords.Vec3().Scale(k.Edge())
}

// DistanceSquared is the squared distance from p to the node's box; zero when
// p lies inside.
func (k NodeKey) DistanceSquared(p units.VoxelUnits) float64 {
	min := k.Min()
	e := k.Edge()
	dx := axisGap(p.V.X, min.X, min.X+e)
	dy := axisGap(p.V.Y, min.Y, min.Y+e)
	dz := axisGap(p.V.Z, min.Z, min.Z+e)
	return dx*dx + dy*dy + dz*dz
}

func axisGap(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo - v
	case v > hi:
		return v - hi
	}
	return 0
}

// keyAt returns the level node containing voxel position p.
func keyAt(level uint8, p units.Vec3) NodeKey {
	e := float64(int(units.ChunkEdge) << level)
	return NodeKey{Level: level, Coords: units.Vec3i{
		X: int32(mathx.FloorToInt(p.X / e)),
		Y: int32(mathx.FloorToInt(p.Y / e)),
		Z: int32(mathx.FloorToInt(p.Z / e)),
	}}
}
