// Package resource bounds the memory and IO appetite of the product pipeline.
//
// Per-mode beam and eigenvector blocks are large dense matrices; computing many
// modes at once can exhaust memory long before it exhausts cores. The
// Controller makes those costs explicit: workers reserve matrix memory before
// allocating it and release it when the mode's artifacts are flushed, and
// artifact writes share a global byte-rate budget.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded marks a single reservation larger than the whole
// memory budget. Waiting can never satisfy it, so the request fails instead of
// blocking.
var ErrMemoryLimitExceeded = errors.New("resource: request exceeds memory limit")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for in-flight matrix memory.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// MaxWorkers is the number of concurrent per-mode workers.
	// If 0, defaults to 1.
	MaxWorkers int64

	// WriteLimitBytesPerSec caps artifact-write throughput.
	// If 0, unlimited.
	WriteLimitBytesPerSec int64
}

// Controller manages the pipeline's global resources.
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	workerSem *semaphore.Weighted

	writeLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}

	c := &Controller{
		cfg:       cfg,
		workerSem: semaphore.NewWeighted(cfg.MaxWorkers),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.WriteLimitBytesPerSec > 0 {
		c.writeLimiter = rate.NewLimiter(rate.Limit(cfg.WriteLimitBytesPerSec), int(cfg.WriteLimitBytesPerSec))
	}

	return c
}

// Workers returns the configured worker count.
func (c *Controller) Workers() int {
	if c == nil {
		return 1
	}
	return int(c.cfg.MaxWorkers)
}

// AcquireMemory reserves matrix memory, blocking until available or ctx is
// canceled.
func (c *Controller) AcquireMemory(ctx context.Context, bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	if c.memSem != nil {
		if bytes > c.cfg.MemoryLimitBytes {
			return fmt.Errorf("%w: need %d bytes, limit %d bytes", ErrMemoryLimitExceeded, bytes, c.cfg.MemoryLimitBytes)
		}
		if err := c.memSem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}
	c.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory releases reserved matrix memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the current reserved bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// AcquireWorker reserves a worker slot, blocking if all slots are busy.
func (c *Controller) AcquireWorker(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.workerSem.Acquire(ctx, 1)
}

// ReleaseWorker releases a worker slot.
func (c *Controller) ReleaseWorker() {
	if c == nil {
		return
	}
	c.workerSem.Release(1)
}

// WriteLimiter exposes the artifact-write rate limiter, or nil if unlimited.
func (c *Controller) WriteLimiter() *rate.Limiter {
	if c == nil {
		return nil
	}
	return c.writeLimiter
}
