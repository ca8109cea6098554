package telescope

import (
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/skydrift/mode"
)

func testIndex(t *testing.T) *mode.Index {
	t.Helper()

	ix, err := mode.NewIndex(12, 16, 4, 5, 400, 10)
	require.NoError(t, err)

	return ix
}

func TestGaussianBeam_Deterministic(t *testing.T) {
	ix := testIndex(t)
	beam := NewGaussianBeam(ix, 20, 400)

	a, err := beam.Beam(2, 3)
	require.NoError(t, err)
	require.Len(t, a, ix.NTel*ix.NSky(3))

	b, err := beam.Beam(2, 3)
	require.NoError(t, err)

	// Identical inputs must give bit-identical output.
	assert.Equal(t, a, b)
}

func TestGaussianBeam_Decay(t *testing.T) {
	ix := testIndex(t)
	beam := NewGaussianBeam(ix, 5, 400)

	block, err := beam.Beam(0, 0)
	require.NoError(t, err)

	// The Gaussian envelope decays with multipole within a telescope row.
	first := cmplx.Abs(block[0])
	last := cmplx.Abs(block[ix.NSky(0)-1])
	assert.Greater(t, first, last)
}

func TestGaussianBeam_RangeChecks(t *testing.T) {
	ix := testIndex(t)
	beam := NewGaussianBeam(ix, 20, 400)

	_, err := beam.Beam(99, 0)
	require.Error(t, err)

	_, err = beam.Beam(0, ix.MMax+1)
	require.Error(t, err)
}

func TestCovarianceModels_Hermitian(t *testing.T) {
	models := []CovarianceModel{
		&PowerLawSignal{Amplitude: 1, SpectralIndex: 1.5, CorrWidth: 15},
		&SmoothForeground{Amplitude: 500, SpectralIndex: 2.5, FreqIndex: 2.8, Xi: 4, RefFreq: 400},
	}

	for _, model := range models {
		t.Run(model.Name(), func(t *testing.T) {
			assert.InDelta(t,
				model.AngularPower(10, 405, 465),
				model.AngularPower(10, 465, 405),
				1e-12)
			assert.Positive(t, model.AngularPower(3, 420, 420))
		})
	}
}

func TestCovarianceModels_Hierarchy(t *testing.T) {
	signal := &PowerLawSignal{Amplitude: 1, SpectralIndex: 1.5, CorrWidth: 15}
	fg := &SmoothForeground{Amplitude: 500, SpectralIndex: 2.5, FreqIndex: 2.8, Xi: 4, RefFreq: 400}

	// Foregrounds dominate the signal at equal frequencies.
	assert.Greater(t, fg.AngularPower(5, 405, 405), signal.AngularPower(5, 405, 405))

	// The signal decorrelates across frequency much faster than foregrounds do.
	sRatio := signal.AngularPower(5, 405, 475) / signal.AngularPower(5, 405, 405)
	fRatio := fg.AngularPower(5, 405, 475) / fg.AngularPower(5, 405, 405)
	assert.Less(t, sRatio, fRatio)
}

func TestBandLimited_Window(t *testing.T) {
	inner := &PowerLawSignal{Amplitude: 1, SpectralIndex: 1.5, CorrWidth: 15}
	band := &BandLimited{Inner: inner, LMin: 4, LMax: 8}

	assert.Zero(t, band.AngularPower(3, 405, 405))
	assert.Zero(t, band.AngularPower(8, 405, 405))
	assert.Equal(t, inner.AngularPower(5, 405, 405), band.AngularPower(5, 405, 405))
	assert.Equal(t, "signal[4,8]", band.Name())
}

func TestNoiseModel_Variance(t *testing.T) {
	noise := &NoiseModel{Tsys: 50, BandwidthTime: 1e6}
	assert.InDelta(t, 2.5e-3, noise.Variance(405, 0), 1e-12)

	// Guard against zero bandwidth-time.
	degenerate := &NoiseModel{Tsys: 50}
	assert.InDelta(t, 2500.0, degenerate.Variance(405, 0), 1e-12)
}
