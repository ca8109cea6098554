package mode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIndex_Validation(t *testing.T) {
	_, err := NewIndex(10, 5, 4, 8, 400, 10) // lmax < mmax
	require.Error(t, err)

	_, err = NewIndex(-1, 5, 4, 8, 400, 10)
	require.Error(t, err)

	_, err = NewIndex(5, 10, 0, 8, 400, 10)
	require.Error(t, err)
}

func TestIndex_Geometry(t *testing.T) {
	ix, err := NewIndex(20, 24, 4, 8, 400, 10)
	require.NoError(t, err)

	assert.Equal(t, 21, ix.NModes())
	assert.Equal(t, 8, ix.NFreq())
	assert.Equal(t, 25, ix.NSky(0))
	assert.Equal(t, 1, ix.NSky(24))
	assert.Equal(t, 0, ix.NSky(25))

	freqs := ix.Frequencies()
	assert.InDelta(t, 405.0, freqs[0], 1e-12)
	assert.InDelta(t, 475.0, freqs[7], 1e-12)

	modes := ix.Modes()
	assert.Equal(t, 0, modes[0])
	assert.Equal(t, 20, modes[len(modes)-1])
}

func TestPartition_DisjointCover(t *testing.T) {
	ix, err := NewIndex(20, 24, 4, 8, 400, 10)
	require.NoError(t, err)

	for _, nworkers := range []int{1, 3, 7, 21, 50} {
		seen := make(map[int]int)
		for w := 0; w < nworkers; w++ {
			for _, m := range ix.Partition(w, nworkers) {
				seen[m]++
				assert.Equal(t, w, Assign(m, nworkers))
			}
		}
		// Every mode owned by exactly one worker.
		require.Len(t, seen, ix.NModes(), "nworkers=%d", nworkers)
		for m, count := range seen {
			assert.Equal(t, 1, count, "mode %d nworkers=%d", m, nworkers)
		}
	}
}

func TestMask_Roundtrip(t *testing.T) {
	mask := NewMask()
	for _, m := range []int{0, 3, 14, 20} {
		mask.Add(m)
	}

	assert.Equal(t, 4, mask.Len())
	assert.True(t, mask.Contains(14))
	assert.False(t, mask.Contains(5))
	assert.Equal(t, []int{0, 3, 14, 20}, mask.Modes())

	data, err := mask.MarshalBinary()
	require.NoError(t, err)

	restored := NewMask()
	require.NoError(t, restored.UnmarshalBinary(data))
	assert.Equal(t, mask.Modes(), restored.Modes())
}

func TestMask_Union(t *testing.T) {
	a := NewMask()
	a.Add(1)
	a.Add(2)

	b := NewMask()
	b.Add(2)
	b.Add(9)

	a.Union(b)
	assert.Equal(t, []int{1, 2, 9}, a.Modes())
}
