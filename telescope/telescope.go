// Package telescope holds the physical-model collaborators the product
// pipeline consumes: the beam response model and the signal, foreground and
// noise covariance models. All models are pure and deterministic given their
// configuration, so cached products are reproducible across runs and machines.
package telescope

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/hupe1980/skydrift/mode"
)

// BeamModel produces raw beam response values for one (frequency, mode) pair.
type BeamModel interface {
	// Beam returns a row-major ntel x nsky block for the given frequency
	// channel and mode m. Sky columns are ordered by multipole l = m..lmax.
	Beam(freq, m int) ([]complex128, error)
}

// GaussianBeam is the built-in synthetic beam: a Gaussian multipole envelope
// with a deterministic per-element phase screen. Its per-mode stacked matrix
// has a steeply decaying singular spectrum, which is what the SVD compression
// stage relies on.
type GaussianBeam struct {
	Index *mode.Index
	// Width is the Gaussian width in multipole units.
	Width float64
	// RefFreq scales the frequency dependence of the envelope.
	RefFreq float64
}

// NewGaussianBeam builds the synthetic beam with the given multipole width.
func NewGaussianBeam(ix *mode.Index, width, refFreq float64) *GaussianBeam {
	if width <= 0 {
		width = 20.0
	}
	if refFreq <= 0 {
		refFreq = 400.0
	}
	return &GaussianBeam{Index: ix, Width: width, RefFreq: refFreq}
}

// Beam implements BeamModel.
func (b *GaussianBeam) Beam(freq, m int) ([]complex128, error) {
	freqs := b.Index.Frequencies()
	if freq < 0 || freq >= len(freqs) {
		return nil, fmt.Errorf("telescope: frequency channel %d out of range [0, %d)", freq, len(freqs))
	}
	if m < 0 || m > b.Index.MMax {
		return nil, fmt.Errorf("telescope: mode %d out of range [0, %d]", m, b.Index.MMax)
	}

	nu := freqs[freq]
	ntel := b.Index.NTel
	nsky := b.Index.NSky(m)

	out := make([]complex128, ntel*nsky)
	for t := 0; t < ntel; t++ {
		for j := 0; j < nsky; j++ {
			l := m + j
			// Envelope: Gaussian in l with a mild chromatic ripple.
			env := math.Exp(-float64(l*(l+1))/(2*b.Width*b.Width)) *
				(1 + 0.1*math.Sin(2*math.Pi*nu/b.RefFreq+float64(t)))
			// Deterministic phase screen; irrational multipliers keep it
			// free of accidental symmetry across (t, l, m).
			phase := math.Mod(
				math.Sqrt2*float64(t+1)*float64(l+1)+
					math.Pi/7*float64(m+1)+
					math.Phi*nu,
				2*math.Pi,
			)
			out[t*nsky+j] = complex(env, 0) * cmplx.Exp(complex(0, phase))
		}
	}
	return out, nil
}

// CovarianceModel gives the angular power of a sky component at multipole l
// between two frequencies. Models must be Hermitian in (freqI, freqJ).
type CovarianceModel interface {
	AngularPower(l int, freqI, freqJ float64) float64
	Name() string
}

// PowerLawSignal models the cosmological signal: a power law in multipole that
// decorrelates over a short frequency separation.
type PowerLawSignal struct {
	Amplitude     float64
	SpectralIndex float64
	// CorrWidth is the frequency decorrelation width in MHz.
	CorrWidth float64
}

// Name implements CovarianceModel.
func (s *PowerLawSignal) Name() string { return "signal" }

// AngularPower implements CovarianceModel.
func (s *PowerLawSignal) AngularPower(l int, freqI, freqJ float64) float64 {
	dnu := freqI - freqJ
	return s.Amplitude *
		math.Pow(float64(l+1), -s.SpectralIndex) *
		math.Exp(-dnu*dnu/(2*s.CorrWidth*s.CorrWidth))
}

// SmoothForeground models galactic foregrounds: much brighter than the signal,
// steeper in multipole, and highly correlated across frequency.
type SmoothForeground struct {
	Amplitude     float64
	SpectralIndex float64
	// FreqIndex is the spectral index in frequency.
	FreqIndex float64
	// Xi is the log-frequency correlation length.
	Xi float64
	// RefFreq normalizes the frequency power law.
	RefFreq float64
}

// Name implements CovarianceModel.
func (f *SmoothForeground) Name() string { return "foreground" }

// AngularPower implements CovarianceModel.
func (f *SmoothForeground) AngularPower(l int, freqI, freqJ float64) float64 {
	lnr := math.Log(freqI / freqJ)
	return f.Amplitude *
		math.Pow(float64(l+1)/100.0, -f.SpectralIndex) *
		math.Pow(freqI*freqJ/(f.RefFreq*f.RefFreq), -f.FreqIndex) *
		math.Exp(-lnr*lnr/(2*f.Xi*f.Xi))
}

// BandLimited restricts a model's power to a multipole window [LMin, LMax].
// The power-spectrum estimator uses it to form per-band response derivatives.
type BandLimited struct {
	Inner      CovarianceModel
	LMin, LMax int
}

// Name implements CovarianceModel.
func (b *BandLimited) Name() string {
	return fmt.Sprintf("%s[%d,%d]", b.Inner.Name(), b.LMin, b.LMax)
}

// AngularPower implements CovarianceModel.
func (b *BandLimited) AngularPower(l int, freqI, freqJ float64) float64 {
	if l < b.LMin || l >= b.LMax {
		return 0
	}
	return b.Inner.AngularPower(l, freqI, freqJ)
}

// NoiseModel gives the instrumental noise variance per telescope degree of
// freedom. Noise is uncorrelated between channels and telescope inputs.
type NoiseModel struct {
	// Tsys is the system temperature in kelvin.
	Tsys float64
	// BandwidthTime is the product of channel bandwidth and integration time.
	BandwidthTime float64
}

// Variance returns the noise variance for one (frequency, telescope input).
func (n *NoiseModel) Variance(freq float64, tel int) float64 {
	bt := n.BandwidthTime
	if bt <= 0 {
		bt = 1
	}
	return n.Tsys * n.Tsys / bt
}
