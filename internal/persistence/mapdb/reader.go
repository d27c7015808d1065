package mapdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/sim/chunk"
	"voxelstream.ai/internal/sim/clipmap"
)

// CompressedReader reads stored chunks by node key.
type CompressedReader interface {
	ReadWorkingVersion(ctx context.Context, key clipmap.NodeKey) (*chunk.Compressed, error)
}

// Retrying retries failed reads with exponential backoff. Cancellation and a
// closed store are not retried.
type Retrying struct {
	inner    CompressedReader
	retries  uint64
	interval time.Duration
}

func NewRetrying(inner CompressedReader, retries int, interval time.Duration) *Retrying {
	if retries < 0 {
		retries = 0
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &Retrying{inner: inner, retries: uint64(retries), interval: interval}
}

func (r *Retrying) ReadWorkingVersion(ctx context.Context, key clipmap.NodeKey) (*chunk.Compressed, error) {
	var out *chunk.Compressed
	op := func() error {
		c, err := r.inner.ReadWorkingVersion(ctx, key)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = c
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.interval
	exp.MaxInterval = 20 * r.interval
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, r.retries), ctx)
	notify := func(error, time.Duration) { metrics.MapReadRetriesTotal.Inc() }
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return out, nil
}

// Decoding turns stored chunks into decompressed ones. Decompression runs on
// the calling goroutine, which for the loader is a pool worker.
type Decoding struct {
	inner CompressedReader
}

func NewDecoding(inner CompressedReader) *Decoding {
	return &Decoding{inner: inner}
}

func (d *Decoding) ReadChunk(ctx context.Context, key clipmap.NodeKey) (*chunk.Chunk, error) {
	c, err := d.inner.ReadWorkingVersion(ctx, key)
	if err != nil || c == nil {
		return nil, err
	}
	ch, err := c.Decompress()
	if err != nil {
		return nil, fmt.Errorf("%v: %w", key, err)
	}
	return ch, nil
}
