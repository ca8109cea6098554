package kl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/skydrift/artifact"
	"github.com/hupe1980/skydrift/beam"
	"github.com/hupe1980/skydrift/internal/linalg"
	"github.com/hupe1980/skydrift/mode"
	"github.com/hupe1980/skydrift/telescope"
)

func testModels() (signal *telescope.PowerLawSignal, fg *telescope.SmoothForeground, noise *telescope.NoiseModel) {
	signal = &telescope.PowerLawSignal{Amplitude: 1, SpectralIndex: 1.5, CorrWidth: 15}
	fg = &telescope.SmoothForeground{Amplitude: 500, SpectralIndex: 2.5, FreqIndex: 2.8, Xi: 4, RefFreq: 400}
	noise = &telescope.NoiseModel{Tsys: 50, BandwidthTime: 1e6}
	return signal, fg, noise
}

func testTransfer(t *testing.T) *beam.Transfer {
	t.Helper()

	ix, err := mode.NewIndex(10, 12, 4, 5, 400, 10)
	require.NoError(t, err)

	model := telescope.NewGaussianBeam(ix, 20, 400)
	return beam.NewTransfer(ix, model, artifact.NewMemory())
}

func TestEvals_Range(t *testing.T) {
	ctx := context.Background()
	bt := testTransfer(t)
	signal, fg, noise := testModels()

	kt := NewTransform("dk", bt, signal, fg, noise, artifact.NewMemory())

	evals, evecs, err := kt.ModesM(ctx, 0)
	require.NoError(t, err)
	require.NotEmpty(t, evals)

	// Eigenvalues are signal fractions: descending, in [0, 1].
	for i, ev := range evals {
		assert.GreaterOrEqual(t, ev, 0.0)
		assert.LessOrEqual(t, ev, 1.0+1e-9)
		if i > 0 {
			assert.LessOrEqual(t, ev, evals[i-1])
		}
	}

	assert.Equal(t, len(evals), evecs.Rows)
	sb, err := bt.SVD(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, sb.Rank(), evecs.Cols)
}

func TestEvecs_Normalization(t *testing.T) {
	ctx := context.Background()
	bt := testTransfer(t)
	signal, fg, noise := testModels()

	kt := NewTransform("dk", bt, signal, fg, noise, artifact.NewMemory())

	const m = 1
	evals, evecs, err := kt.ModesM(ctx, m)
	require.NoError(t, err)
	require.NotEmpty(t, evals)

	// Rebuild the total covariance and check v^H T v == 1 for each vector.
	sb, err := bt.SVD(ctx, m)
	require.NoError(t, err)

	total, err := kt.ProjectCovariance(ctx, m, sb, signal)
	require.NoError(t, err)
	fgc, err := kt.ProjectCovariance(ctx, m, sb, fg)
	require.NoError(t, err)
	require.NoError(t, linalg.Add(total, fgc))
	nc, err := kt.projectNoise(ctx, m, sb)
	require.NoError(t, err)
	require.NoError(t, linalg.Add(total, nc))

	k := sb.Rank()
	for r := 0; r < evecs.Rows; r++ {
		var acc complex128
		for i := 0; i < k; i++ {
			vi := evecs.At(r, i)
			for j := 0; j < k; j++ {
				acc += complex(real(vi), -imag(vi)) * total.At(i, j) * evecs.At(r, j)
			}
		}
		assert.InDelta(t, 1.0, real(acc), 1e-8, "vector %d", r)
		assert.InDelta(t, 0.0, imag(acc), 1e-8, "vector %d", r)
	}
}

func TestThreshold_Instances(t *testing.T) {
	ctx := context.Background()
	bt := testTransfer(t)
	signal, fg, noise := testModels()

	// The foregroundless instance keeps everything; the foreground-cleaning
	// instance cuts at unit signal-to-contamination.
	kl := NewTransform("kl", bt, signal, nil, noise, artifact.NewMemory())
	dk := NewTransform("dk", bt, signal, fg, noise, artifact.NewMemory(), func(o *Options) {
		o.Threshold = 1.0
	})

	for m := 0; m <= 10; m += 5 {
		klEvals, err := kl.EvalsM(ctx, m)
		require.NoError(t, err)
		dkEvals, err := dk.EvalsM(ctx, m)
		require.NoError(t, err)

		// Foreground contamination can only shrink the retained set.
		assert.GreaterOrEqual(t, len(klEvals), len(dkEvals), "mode %d", m)
		for _, ev := range dkEvals {
			assert.Greater(t, ev, 0.5, "mode %d", m)
		}
	}
}

func TestEvalsAll_Layout(t *testing.T) {
	ctx := context.Background()
	bt := testTransfer(t)
	signal, _, noise := testModels()

	kt := NewTransform("kl", bt, signal, nil, noise, artifact.NewMemory())

	spectra, err := kt.EvalsAll(ctx)
	require.NoError(t, err)
	require.Len(t, spectra, bt.Index().NModes())

	for m, row := range spectra {
		require.Len(t, row, bt.MaxRank(), "mode %d", m)
		for i := 1; i < len(row); i++ {
			assert.LessOrEqual(t, row[i], row[i-1], "mode %d", m)
		}
	}
	assert.Zero(t, kt.FailedModes().Len())
}

func TestCompute_Reproducible(t *testing.T) {
	ctx := context.Background()
	signal, fg, noise := testModels()

	// Two independent caches over the same configuration agree to tight
	// tolerance.
	a := NewTransform("dk", testTransfer(t), signal, fg, noise, artifact.NewMemory())
	b := NewTransform("dk", testTransfer(t), signal, fg, noise, artifact.NewMemory())

	for m := 0; m <= 10; m += 3 {
		ea, err := a.EvalsM(ctx, m)
		require.NoError(t, err)
		eb, err := b.EvalsM(ctx, m)
		require.NoError(t, err)

		require.Len(t, eb, len(ea), "mode %d", m)
		for i := range ea {
			assert.InDelta(t, ea[i], eb[i], 1e-6, "mode %d eigenvalue %d", m, i)
		}
	}
}

func TestModeArtifact_UpstreamFailure(t *testing.T) {
	ctx := context.Background()
	bt := testTransfer(t)
	signal, _, noise := testModels()

	// Mark a mode as failed upstream via a cached mask.
	require.NoError(t, bt.Generate(ctx))

	kt := NewTransform("kl", bt, signal, nil, noise, artifact.NewMemory())

	bt.FailedModes().Add(3)
	_, err := kt.EvalsM(ctx, 3)
	require.ErrorIs(t, err, ErrModeUnavailable)
}
