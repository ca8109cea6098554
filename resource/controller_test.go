package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_MemoryTracking(t *testing.T) {
	ctx := context.Background()
	c := NewController(Config{MemoryLimitBytes: 1 << 20, MaxWorkers: 2})

	require.NoError(t, c.AcquireMemory(ctx, 1024))
	assert.Equal(t, int64(1024), c.MemoryUsage())

	c.ReleaseMemory(1024)
	assert.Zero(t, c.MemoryUsage())
}

func TestController_MemoryLimitBlocks(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100, MaxWorkers: 1})

	ctx := context.Background()
	require.NoError(t, c.AcquireMemory(ctx, 100))

	// A second acquire beyond the limit blocks until cancellation.
	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := c.AcquireMemory(blocked, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	c.ReleaseMemory(100)
	require.NoError(t, c.AcquireMemory(ctx, 100))
	c.ReleaseMemory(100)
}

func TestController_OversizedRequestFails(t *testing.T) {
	ctx := context.Background()
	c := NewController(Config{MemoryLimitBytes: 100, MaxWorkers: 1})

	// A reservation no amount of waiting can satisfy must fail immediately
	// rather than block until cancellation.
	err := c.AcquireMemory(ctx, 101)
	require.ErrorIs(t, err, ErrMemoryLimitExceeded)
	assert.Zero(t, c.MemoryUsage())

	// The limit itself is still admissible.
	require.NoError(t, c.AcquireMemory(ctx, 100))
	c.ReleaseMemory(100)

	// Unlimited controllers accept anything.
	unlimited := NewController(Config{MaxWorkers: 1})
	require.NoError(t, unlimited.AcquireMemory(ctx, 1<<40))
	unlimited.ReleaseMemory(1 << 40)
}

func TestController_Workers(t *testing.T) {
	ctx := context.Background()
	c := NewController(Config{MaxWorkers: 1})

	assert.Equal(t, 1, c.Workers())
	require.NoError(t, c.AcquireWorker(ctx))

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.AcquireWorker(blocked), context.DeadlineExceeded)

	c.ReleaseWorker()
	require.NoError(t, c.AcquireWorker(ctx))
	c.ReleaseWorker()
}

func TestController_NilSafe(t *testing.T) {
	ctx := context.Background()

	var c *Controller
	require.NoError(t, c.AcquireMemory(ctx, 1024))
	c.ReleaseMemory(1024)
	assert.Zero(t, c.MemoryUsage())
	require.NoError(t, c.AcquireWorker(ctx))
	c.ReleaseWorker()
	assert.Equal(t, 1, c.Workers())
	assert.Nil(t, c.WriteLimiter())
}

func TestController_Defaults(t *testing.T) {
	c := NewController(Config{})
	assert.Equal(t, 1, c.Workers())
	assert.Nil(t, c.WriteLimiter())

	limited := NewController(Config{WriteLimitBytesPerSec: 1 << 20})
	assert.NotNil(t, limited.WriteLimiter())
}
