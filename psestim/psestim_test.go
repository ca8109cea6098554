package psestim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/skydrift/artifact"
	"github.com/hupe1980/skydrift/beam"
	"github.com/hupe1980/skydrift/collective"
	"github.com/hupe1980/skydrift/kl"
	"github.com/hupe1980/skydrift/mode"
	"github.com/hupe1980/skydrift/telescope"
)

func testKL(t *testing.T, withForeground bool) *kl.Transform {
	t.Helper()

	ix, err := mode.NewIndex(8, 10, 4, 4, 400, 10)
	require.NoError(t, err)

	model := telescope.NewGaussianBeam(ix, 20, 400)
	bt := beam.NewTransfer(ix, model, artifact.NewMemory())

	signal := &telescope.PowerLawSignal{Amplitude: 1, SpectralIndex: 1.5, CorrWidth: 15}
	noise := &telescope.NoiseModel{Tsys: 50, BandwidthTime: 1e6}

	var fg telescope.CovarianceModel
	if withForeground {
		fg = &telescope.SmoothForeground{Amplitude: 500, SpectralIndex: 2.5, FreqIndex: 2.8, Xi: 4, RefFreq: 400}
	}
	return kl.NewTransform("kl", bt, signal, fg, noise, artifact.NewMemory())
}

func TestUniformBands(t *testing.T) {
	bands := UniformBands(10, 4, 100)
	require.Len(t, bands, 4)

	// Bands tile [0, lmax] without gap or overlap.
	assert.Zero(t, bands[0].LLow)
	assert.Equal(t, 11, bands[3].LHigh)
	for i := 1; i < len(bands); i++ {
		assert.Equal(t, bands[i-1].LHigh, bands[i].LLow)
	}
	for _, b := range bands {
		assert.InDelta(t, float64(b.LLow+b.LHigh)/2/100, b.KCenter, 1e-12)
	}
}

func TestFisherBias_Shape(t *testing.T) {
	ctx := context.Background()
	kt := testKL(t, false)
	bands := UniformBands(10, 3, 100)

	est := NewEstimator("ps1", kt, bands, artifact.NewMemory())

	fisher, bias, err := est.FisherBias(ctx)
	require.NoError(t, err)

	r, c := fisher.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 3, c)
	require.Len(t, bias, 3)

	// Fisher is symmetric with non-negative diagonal.
	for i := 0; i < r; i++ {
		assert.GreaterOrEqual(t, fisher.At(i, i), 0.0)
		for j := 0; j < c; j++ {
			assert.InDelta(t, fisher.At(i, j), fisher.At(j, i), 1e-12)
		}
	}
	for _, b := range bias {
		assert.GreaterOrEqual(t, b, -1e-9)
	}
}

func TestGenerate_WorkerInvariance(t *testing.T) {
	ctx := context.Background()
	bands := UniformBands(10, 3, 100)

	serial := NewEstimator("ps1", testKL(t, true), bands, artifact.NewMemory())
	parallel := NewEstimator("ps1", testKL(t, true), bands, artifact.NewMemory(), func(o *Options) {
		o.Pool = collective.NewPool(func(po *collective.Options) {
			po.Workers = 4
		})
	})

	f1, b1, err := serial.FisherBias(ctx)
	require.NoError(t, err)
	f2, b2, err := parallel.FisherBias(ctx)
	require.NoError(t, err)

	// The per-mode reduction is commutative: only float accumulation order
	// differs between worker counts.
	nb := len(bands)
	for i := 0; i < nb; i++ {
		for j := 0; j < nb; j++ {
			rel := 1e-10 * (1 + absf(f1.At(i, j)))
			assert.InDelta(t, f1.At(i, j), f2.At(i, j), rel, "fisher(%d,%d)", i, j)
		}
		assert.InDelta(t, b1[i], b2[i], 1e-10*(1+absf(b1[i])), "bias(%d)", i)
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestBias_MonteCarloAgreesWithExact(t *testing.T) {
	ctx := context.Background()
	bands := UniformBands(10, 2, 100)

	exact := NewEstimator("ps1", testKL(t, true), bands, artifact.NewMemory())
	mc := NewEstimator("ps2", testKL(t, true), bands, artifact.NewMemory(), func(o *Options) {
		o.NSamples = 2000
		o.Seed = 42
	})

	_, bExact, err := exact.FisherBias(ctx)
	require.NoError(t, err)
	_, bMC, err := mc.FisherBias(ctx)
	require.NoError(t, err)

	for i := range bExact {
		if bExact[i] == 0 {
			assert.InDelta(t, 0.0, bMC[i], 1e-12)
			continue
		}
		assert.InEpsilon(t, bExact[i], bMC[i], 0.1, "band %d", i)
	}
}

func TestBias_MonteCarloReproducible(t *testing.T) {
	ctx := context.Background()
	bands := UniformBands(10, 2, 100)

	opt := func(o *Options) {
		o.NSamples = 100
		o.Seed = 7
	}
	a := NewEstimator("ps2", testKL(t, true), bands, artifact.NewMemory(), opt)
	b := NewEstimator("ps2", testKL(t, true), bands, artifact.NewMemory(), opt)

	_, ba, err := a.FisherBias(ctx)
	require.NoError(t, err)
	_, bb, err := b.FisherBias(ctx)
	require.NoError(t, err)

	for i := range ba {
		assert.InDelta(t, ba[i], bb[i], 1e-9, "band %d", i)
	}
}

func TestGenerate_MissingModesTolerated(t *testing.T) {
	ctx := context.Background()
	kt := testKL(t, false)
	bands := UniformBands(10, 3, 100)

	// Exclude two modes upstream; the estimator takes zero contribution from
	// them instead of failing.
	require.NoError(t, kt.BeamTransfer().Generate(ctx))
	kt.BeamTransfer().FailedModes().Add(2)
	kt.BeamTransfer().FailedModes().Add(6)

	full := NewEstimator("ps1", testKL(t, false), bands, artifact.NewMemory())
	partial := NewEstimator("ps1", kt, bands, artifact.NewMemory())

	fFull, _, err := full.FisherBias(ctx)
	require.NoError(t, err)
	fPartial, _, err := partial.FisherBias(ctx)
	require.NoError(t, err)

	// Contributions are non-negative on the diagonal, so dropping modes can
	// only lower it.
	for i := range bands {
		assert.LessOrEqual(t, fPartial.At(i, i), fFull.At(i, i)+1e-12, "band %d", i)
	}
}

func TestFisherArtifactName(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemory()
	est := NewEstimator("ps1", testKL(t, false), UniformBands(10, 2, 100), store)

	_, _, err := est.FisherBias(ctx)
	require.NoError(t, err)

	// The aggregate is filed under the bound transform's name, not the
	// estimator's.
	ok, err := store.Exists(ctx, "fisher_kl")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, "fisher_ps1")
	require.NoError(t, err)
	assert.False(t, ok)

	// The aggregate records the multipole window of each band.
	a, err := store.Load(ctx, "fisher_kl")
	require.NoError(t, err)
	edges, err := a.MustGet("band_edges")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, edges.Shape)
	assert.Equal(t, []int64{0, 5, 5, 11}, edges.Ints)
}

func TestFisherBias_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemory()
	est := NewEstimator("ps1", testKL(t, true), UniformBands(10, 3, 100), store)

	f1, b1, err := est.FisherBias(ctx)
	require.NoError(t, err)

	// Second call reads the cached artifact: bit-identical.
	f2, b2, err := est.FisherBias(ctx)
	require.NoError(t, err)
	assert.Equal(t, f1.RawMatrix().Data, f2.RawMatrix().Data)
	assert.Equal(t, b1, b2)
}
