package encoding

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Shared coders; EncodeAll/DecodeAll are safe for concurrent use.
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// maxVoxelBytes bounds decompressed payloads (one chunk's RLE at worst case).
const maxVoxelBytes = 64 * 1024

// CompressVoxels run-length encodes ids and compresses the result with zstd.
func CompressVoxels(ids []uint16) []byte {
	raw := AppendRLE(make([]byte, 0, 64), ids)
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)))
}

// DecompressVoxels reverses CompressVoxels, expecting exactly want ids.
func DecompressVoxels(b []byte, want int) ([]uint16, error) {
	raw, err := decoder.DecodeAll(b, make([]byte, 0, 256))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	if len(raw) > maxVoxelBytes {
		return nil, fmt.Errorf("%w: %d decompressed bytes", ErrCorrupt, len(raw))
	}
	return DecodeRLE(raw, want)
}
