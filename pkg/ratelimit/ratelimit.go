// Package `ratelimit` wraps the subset of `github.com/juju/ratelimit` that
// Ballen uses to throttle copy streams.
package ratelimit

import (
	"io"

	"github.com/juju/ratelimit"
)

type Bucket = ratelimit.Bucket

// `Capacity` is the fixed bucket capacity, 1 MiB.
const Capacity = 1024 * 1024

// `NewBucket()` returns a bucket that refills at `bytesPerSec`, or nil if
// `bytesPerSec` is zero, which means unlimited.
func NewBucket(bytesPerSec uint64) *Bucket {
	if bytesPerSec == 0 {
		return nil
	}
	return ratelimit.NewBucketWithRate(float64(bytesPerSec), Capacity)
}

// `Reader()` returns `r` throttled by `b`, or `r` itself if `b` is nil.
func Reader(r io.Reader, b *Bucket) io.Reader {
	if b == nil {
		return r
	}
	return ratelimit.Reader(r, b)
}
