// Package chunk holds the voxel payload addressed by a clipmap node and its
// compressed storage form.
package chunk

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"voxelstream.ai/internal/sim/encoding"
	"voxelstream.ai/internal/sim/units"
)

const (
	Edge   = units.ChunkEdge
	Volume = Edge * Edge * Edge
)

type Chunk struct {
	Voxels []uint16 // len = Volume, x fastest then z then y

	dirty bool
	hash  [32]byte
}

func New() *Chunk {
	return &Chunk{Voxels: make([]uint16, Volume)}
}

func index(x, y, z int) int {
	return x + z*Edge + y*Edge*Edge
}

func (c *Chunk) Get(x, y, z int) uint16 {
	return c.Voxels[index(x, y, z)]
}

func (c *Chunk) Set(x, y, z int, v uint16) {
	i := index(x, y, z)
	if c.Voxels[i] == v {
		return
	}
	c.Voxels[i] = v
	c.dirty = true
}

// IsEmpty reports whether every voxel equals air.
func (c *Chunk) IsEmpty(air uint16) bool {
	for _, v := range c.Voxels {
		if v != air {
			return false
		}
	}
	return true
}

func (c *Chunk) Digest() [32]byte {
	if c.dirty || c.hash == ([32]byte{}) {
		h := sha256.New()
		var tmp [2]byte
		for _, v := range c.Voxels {
			binary.LittleEndian.PutUint16(tmp[:], v)
			h.Write(tmp[:])
		}
		copy(c.hash[:], h.Sum(nil))
		c.dirty = false
	}
	return c.hash
}

// Compressed is the stored form of a chunk.
type Compressed struct {
	Bytes []byte
}

func (c *Chunk) Compress() Compressed {
	return Compressed{Bytes: encoding.CompressVoxels(c.Voxels)}
}

func (c Compressed) Decompress() (*Chunk, error) {
	voxels, err := encoding.DecompressVoxels(c.Bytes, Volume)
	if err != nil {
		return nil, fmt.Errorf("decompress chunk: %w", err)
	}
	ch := &Chunk{Voxels: voxels}
	_ = ch.Digest()
	return ch, nil
}
