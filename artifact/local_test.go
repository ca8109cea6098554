package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/skydrift/internal/fs"
)

func TestLocal_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	store, err := NewLocal(tmpDir)
	require.NoError(t, err)

	name := "bt/svd_m_14"

	ok, err := store.Exists(ctx, name)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Load(ctx, name)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Store(ctx, name, testArtifact()))

	ok, err = store.Exists(ctx, name)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Load(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "14", got.Attrs["m"])

	// No temp file left behind.
	entries, err := os.ReadDir(filepath.Join(tmpDir, "bt"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "svd_m_14.skd", entries[0].Name())

	names, err := store.List(ctx, "bt/")
	require.NoError(t, err)
	assert.Equal(t, []string{"bt/svd_m_14"}, names)
}

func TestLocal_OverwriteIsAtomicReplace(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	a := New()
	a.Attrs["generation"] = "1"
	require.NoError(t, store.Store(ctx, "evals_kl", a))

	b := New()
	b.Attrs["generation"] = "2"
	require.NoError(t, store.Store(ctx, "evals_kl", b))

	got, err := store.Load(ctx, "evals_kl")
	require.NoError(t, err)
	assert.Equal(t, "2", got.Attrs["generation"])
}

func TestLocal_InvalidNames(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"../escape", "/abs/path", "."} {
		_, err := store.Exists(ctx, name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestLocal_WriteFaultLeavesNoArtifact(t *testing.T) {
	ctx := context.Background()

	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("fisher_ps1", fs.Fault{FailOnWrite: true, Err: errors.New("disk full")})

	store, err := NewLocal(t.TempDir(), func(o *LocalOptions) {
		o.FS = ffs
	})
	require.NoError(t, err)

	err = store.Store(ctx, "fisher_ps1", testArtifact())
	require.Error(t, err)

	// The failed write must not publish a partial artifact.
	ok, err := store.Exists(ctx, "fisher_ps1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Unrelated artifacts still work.
	require.NoError(t, store.Store(ctx, "fisher_ps2", testArtifact()))
}

func TestLocal_SyncFault(t *testing.T) {
	ctx := context.Background()

	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("svdspectrum", fs.Fault{FailOnSync: true})

	store, err := NewLocal(t.TempDir(), func(o *LocalOptions) {
		o.FS = ffs
	})
	require.NoError(t, err)

	require.Error(t, store.Store(ctx, "svdspectrum", testArtifact()))

	ok, err := store.Exists(ctx, "svdspectrum")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	_, err := store.Load(ctx, "beam_m_3")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Store(ctx, "beam_m_3", testArtifact()))

	ok, err := store.Exists(ctx, "beam_m_3")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := store.List(ctx, "beam")
	require.NoError(t, err)
	assert.Equal(t, []string{"beam_m_3"}, names)
}

func TestSub_ScopesKeys(t *testing.T) {
	ctx := context.Background()
	root := NewMemory()

	bt := Sub(root, "bt")
	ev := Sub(root, "ev/kl")

	require.NoError(t, bt.Store(ctx, "beam_m_0", testArtifact()))
	require.NoError(t, ev.Store(ctx, "ev_kl_m_0", testArtifact()))

	// Each component sees only its own subtree.
	names, err := bt.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"beam_m_0"}, names)

	ok, err := ev.Exists(ctx, "ev_kl_m_0")
	require.NoError(t, err)
	assert.True(t, ok)

	// The root sees both, under their prefixes.
	all, err := root.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"bt/beam_m_0", "ev/kl/ev_kl_m_0"}, all)
}
