// Package terrain generates deterministic voxel chunks from a seed. It is
// used to populate map databases; the streaming path never calls it.
package terrain

import (
	"voxelstream.ai/internal/sim/chunk"
	"voxelstream.ai/internal/sim/clipmap"
	"voxelstream.ai/internal/sim/logic/mathx"
)

type Palette struct {
	Air     uint16
	Stone   uint16
	Dirt    uint16
	Sand    uint16
	Gravel  uint16
	Log     uint16
	CoalOre uint16
	IronOre uint16
}

func DefaultPalette() Palette {
	return Palette{Air: 0, Stone: 1, Dirt: 2, Sand: 3, Gravel: 4, Log: 5, CoalOre: 6, IronOre: 7}
}

type Config struct {
	Seed int64
	// BaseHeight is the lowest surface y; Relief is added on top of it.
	BaseHeight      int
	Relief          int
	BiomeRegionSize int
	// OreClusterProbScalePermille scales ore cluster odds (1000 = unchanged).
	OreClusterProbScalePermille int
	// TreePermille is the chance per forest column of a log pillar.
	TreePermille int
	Palette      Palette
}

func DefaultConfig(seed int64) Config {
	return Config{
		Seed:                        seed,
		BaseHeight:                  32,
		Relief:                      24,
		BiomeRegionSize:             96,
		OreClusterProbScalePermille: 1000,
		TreePermille:                12,
		Palette:                     DefaultPalette(),
	}
}

type Generator struct {
	cfg Config
}

func New(cfg Config) *Generator {
	if cfg.BiomeRegionSize <= 0 {
		cfg.BiomeRegionSize = 1
	}
	if cfg.Relief < 0 {
		cfg.Relief = 0
	}
	return &Generator{cfg: cfg}
}

func (g *Generator) Config() Config { return g.cfg }

// Generate fills the node's chunk. Level l samples every 2^l-th voxel so
// coarse nodes hold a downsampled view of the same terrain.
func (g *Generator) Generate(k clipmap.NodeKey) *chunk.Chunk {
	stride := 1 << k.Level
	edge := chunk.Edge * stride
	ox := int(k.Coords.X) * edge
	oy := int(k.Coords.Y) * edge
	oz := int(k.Coords.Z) * edge

	ch := chunk.New()
	for z := 0; z < chunk.Edge; z++ {
		for x := 0; x < chunk.Edge; x++ {
			wx, wz := ox+x*stride, oz+z*stride
			col := g.column(wx, wz)
			for y := 0; y < chunk.Edge; y++ {
				ch.Set(x, y, z, g.block(col, wx, oy+y*stride, wz))
			}
		}
	}
	_ = ch.Digest()
	return ch
}

// Block returns the voxel at a world position.
func (g *Generator) Block(wx, wy, wz int) uint16 {
	return g.block(g.column(wx, wz), wx, wy, wz)
}

type column struct {
	surface int
	biome   string
	tree    int // log pillar height, 0 for none
}

func (g *Generator) column(wx, wz int) column {
	c := column{surface: g.SurfaceAt(wx, wz), biome: g.BiomeAt(wx, wz)}
	if c.biome == "FOREST" {
		roll := mathx.Hash2(g.cfg.Seed+999, wx, wz) % 1000
		if roll < uint64(ClampPermille(g.cfg.TreePermille)) {
			c.tree = 3 + int((roll>>2)%3)
		}
	}
	return c
}

func (g *Generator) block(c column, wx, wy, wz int) uint16 {
	p := g.cfg.Palette
	switch {
	case wy > c.surface:
		if c.tree > 0 && wy <= c.surface+c.tree {
			return p.Log
		}
		return p.Air
	case wy > c.surface-3:
		if c.biome == "DESERT" {
			return p.Sand
		}
		return p.Dirt
	}
	scale := g.cfg.OreClusterProbScalePermille
	switch {
	case InCluster(g.cfg.Seed+101, wx, wy, wz, 24, 2, ScalePermille(250, scale)):
		return p.IronOre
	case InCluster(g.cfg.Seed+104, wx, wy, wz, 16, 2, ScalePermille(450, scale)):
		return p.CoalOre
	case InCluster(g.cfg.Seed+204, wx, wy, wz, 32, 3, 180):
		return p.Gravel
	}
	return p.Stone
}

// SurfaceAt is the topmost solid y of a column, in
// [BaseHeight, BaseHeight+Relief].
func (g *Generator) SurfaceAt(wx, wz int) int {
	const cell = 32
	cx, cz := mathx.FloorDiv(wx, cell), mathx.FloorDiv(wz, cell)
	fx := smooth(float64(mathx.Mod(wx, cell)) / cell)
	fz := smooth(float64(mathx.Mod(wz, cell)) / cell)

	top := lerp(g.corner(cx, cz), g.corner(cx+1, cz), fx)
	bot := lerp(g.corner(cx, cz+1), g.corner(cx+1, cz+1), fx)
	v := lerp(top, bot, fz)
	return g.cfg.BaseHeight + int(v*float64(g.cfg.Relief))
}

func (g *Generator) corner(cx, cz int) float64 {
	return float64(mathx.Hash2(g.cfg.Seed, cx, cz)%1024) / 1023
}

func (g *Generator) BiomeAt(wx, wz int) string {
	rx := mathx.FloorDiv(wx, g.cfg.BiomeRegionSize)
	rz := mathx.FloorDiv(wz, g.cfg.BiomeRegionSize)
	return BiomeFrom(mathx.Hash2(g.cfg.Seed, rx, rz))
}

func BiomeFrom(noise uint64) string {
	switch noise % 3 {
	case 0:
		return "PLAINS"
	case 1:
		return "FOREST"
	default:
		return "DESERT"
	}
}

func ClampPermille(v int) int {
	if v < 0 {
		return 0
	}
	if v > 1000 {
		return 1000
	}
	return v
}

func ScalePermille(base uint64, scalePermille int) uint64 {
	if scalePermille <= 0 {
		scalePermille = 1000
	}
	scaled := (base*uint64(scalePermille) + 500) / 1000
	if scaled > 1000 {
		return 1000
	}
	return scaled
}

// InCluster reports whether (x,y,z) lies within radius of a cluster centre.
// Space is cut into grid-sized cells and each cell holds at most one centre,
// present with probability probPermille/1000.
func InCluster(seed int64, x, y, z, grid, radius int, probPermille uint64) bool {
	if grid <= 0 || radius <= 0 || probPermille == 0 {
		return false
	}
	gx := mathx.FloorDiv(x, grid)
	gy := mathx.FloorDiv(y, grid)
	gz := mathx.FloorDiv(z, grid)
	r2 := radius * radius

	for dy := -1; dy <= 1; dy++ {
		for dz := -1; dz <= 1; dz++ {
			for dx := -1; dx <= 1; dx++ {
				cgx, cgy, cgz := gx+dx, gy+dy, gz+dz
				h := mathx.Hash3(seed, cgx, cgy, cgz)
				if h%1000 >= probPermille {
					continue
				}

				cx := cgx*grid + int((h>>10)%uint64(grid))
				cy := cgy*grid + int((h>>20)%uint64(grid))
				cz := cgz*grid + int((h>>30)%uint64(grid))

				ddx, ddy, ddz := x-cx, y-cy, z-cz
				if ddx*ddx+ddy*ddy+ddz*ddz <= r2 {
					return true
				}
			}
		}
	}
	return false
}

func smooth(t float64) float64 { return t * t * (3 - 2*t) }

func lerp(a, b, t float64) float64 { return a + (b-a)*t }
