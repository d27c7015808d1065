// Package units tags coordinates with the space they are measured in so voxel
// and chunk positions cannot be mixed up by accident.
package units

import (
	"math"

	"voxelstream.ai/internal/sim/logic/mathx"
)

// ChunkEdge is the number of voxels along each axis of a chunk.
const ChunkEdge = 16

type Vec3 struct{ X, Y, Z float64 }

func (v Vec3) Add(o Vec3) Vec3      { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3      { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

func (v Vec3) DistanceSquared(o Vec3) float64 {
	d := v.Sub(o)
	return d.X*d.X + d.Y*d.Y + d.Z*d.Z
}

func (v Vec3) Distance(o Vec3) float64 { return math.Sqrt(v.DistanceSquared(o)) }

type Vec3i struct{ X, Y, Z int32 }

func (v Vec3i) Add(o Vec3i) Vec3i { return Vec3i{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

func (v Vec3i) Vec3() Vec3 { return Vec3{float64(v.X), float64(v.Y), float64(v.Z)} }

// Less orders by X, then Y, then Z.
func (v Vec3i) Less(o Vec3i) bool {
	if v.X != o.X {
		return v.X < o.X
	}
	if v.Y != o.Y {
		return v.Y < o.Y
	}
	return v.Z < o.Z
}

// VoxelUnits is a position measured in voxels.
type VoxelUnits struct{ V Vec3 }

// ChunkUnits is a position measured in chunks.
type ChunkUnits struct{ V Vec3i }

func Voxels(x, y, z float64) VoxelUnits { return VoxelUnits{V: Vec3{x, y, z}} }

func (p VoxelUnits) Distance(o VoxelUnits) float64 { return p.V.Distance(o.V) }

// Chunk returns the chunk containing the voxel position.
func (p VoxelUnits) Chunk() ChunkUnits {
	return ChunkUnits{V: Vec3i{
		X: int32(mathx.FloorDiv(mathx.FloorToInt(p.V.X), ChunkEdge)),
		Y: int32(mathx.FloorDiv(mathx.FloorToInt(p.V.Y), ChunkEdge)),
		Z: int32(mathx.FloorDiv(mathx.FloorToInt(p.V.Z), ChunkEdge)),
	}}
}

// Min returns the voxel position of the chunk's minimum corner.
func (c ChunkUnits) Min() VoxelUnits {
	return VoxelUnits{V: c.V.Vec3().Scale(ChunkEdge)}
}
