package encoding

import (
	"errors"
	"testing"
)

func TestRLE_RoundTrip(t *testing.T) {
	in := make([]uint16, 0, 200)
	in = append(in, 1, 1, 1, 2, 2, 3)
	for i := 0; i < 50; i++ {
		in = append(in, 7)
	}
	in = append(in, 9, 10, 10, 10)

	enc := AppendRLE(nil, in)
	out, err := DecodeRLE(enc, len(in))
	if err != nil {
		t.Fatalf("DecodeRLE: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("mismatch at %d: got %d want %d", i, out[i], in[i])
		}
	}
}

func TestRLE_RejectsWrongLength(t *testing.T) {
	enc := AppendRLE(nil, []uint16{4, 4, 4, 4})
	if _, err := DecodeRLE(enc, 3); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for overflowing run, got %v", err)
	}
	if _, err := DecodeRLE(enc, 5); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for short data, got %v", err)
	}
}

func TestCompressVoxels_RoundTrip(t *testing.T) {
	in := make([]uint16, 4096)
	for i := range in {
		if i%97 == 0 {
			in[i] = uint16(i % 5)
		}
	}
	b := CompressVoxels(in)
	if len(b) >= len(in)*2 {
		t.Fatalf("compressed size %d not smaller than raw", len(b))
	}
	out, err := DecompressVoxels(b, len(in))
	if err != nil {
		t.Fatalf("DecompressVoxels: %v", err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("mismatch at %d", i)
		}
	}
}

func TestDecompressVoxels_Garbage(t *testing.T) {
	if _, err := DecompressVoxels([]byte("not zstd"), 16); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}
