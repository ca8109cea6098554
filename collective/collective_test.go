package collective

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/skydrift/mode"
)

func modes(n int) []int {
	ms := make([]int, n)
	for i := range ms {
		ms[i] = i
	}
	return ms
}

func TestScatterModes_AllSucceed(t *testing.T) {
	pool := NewPool(func(o *Options) {
		o.Workers = 4
	})

	var mu sync.Mutex
	seen := make(map[int]int)

	res, err := pool.ScatterModes(context.Background(), "beam", modes(17), func(ctx context.Context, worker, m int) error {
		assert.Equal(t, mode.Assign(m, 4), worker)
		mu.Lock()
		seen[m]++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 17, res.Done.Len())
	assert.Zero(t, res.Failed.Len())
	assert.Empty(t, res.Errs)

	// Each mode ran exactly once.
	require.Len(t, seen, 17)
	for m, count := range seen {
		assert.Equal(t, 1, count, "mode %d", m)
	}
}

func TestScatterModes_PerModeFailure(t *testing.T) {
	pool := NewPool(func(o *Options) {
		o.Workers = 3
	})

	boom := errors.New("boom")

	res, err := pool.ScatterModes(context.Background(), "evals", modes(10), func(ctx context.Context, worker, m int) error {
		if m == 4 || m == 7 {
			return fmt.Errorf("mode %d: %w", m, boom)
		}
		return nil
	})
	require.NoError(t, err, "a mode failure must not abort the scatter")

	assert.Equal(t, 8, res.Done.Len())
	assert.Equal(t, []int{4, 7}, res.Failed.Modes())

	var me *ModeError
	require.ErrorAs(t, res.Errs[4], &me)
	assert.Equal(t, "evals", me.Stage)
	assert.Equal(t, 4, me.M)
	assert.ErrorIs(t, res.Errs[4], boom)
}

func TestScatterModes_Cancellation(t *testing.T) {
	pool := NewPool(func(o *Options) {
		o.Workers = 2
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pool.ScatterModes(ctx, "beam", modes(8), func(ctx context.Context, worker, m int) error {
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestScatterModes_WorkerDefaults(t *testing.T) {
	pool := NewPool(func(o *Options) {
		o.Workers = 0
	})
	assert.Equal(t, 1, pool.Workers())

	res, err := pool.ScatterModes(context.Background(), "beam", modes(3), func(ctx context.Context, worker, m int) error {
		assert.Zero(t, worker)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Done.Len())
}

func TestReduceSum(t *testing.T) {
	parts := [][]float64{
		{1, 2, 3},
		{10, 20, 30},
		{100, 200, 300},
	}
	assert.Equal(t, []float64{111, 222, 333}, ReduceSum(parts))

	// Commutative: permuting worker order gives the same result.
	perm := [][]float64{parts[2], parts[0], parts[1]}
	assert.Equal(t, ReduceSum(parts), ReduceSum(perm))

	assert.Nil(t, ReduceSum(nil))
}
