// Package kl computes the per-mode Karhunen-Loeve transform: a generalized
// eigendecomposition separating cosmological signal from foregrounds and
// noise, performed in the SVD-compressed basis of the beam transfer.
//
// For each mode the signal covariance S and the total covariance
// T = S + F + N are projected into the compressed basis and the symmetric-
// definite problem S v = lambda T v is solved. Eigenvalues lie in [0, 1] and
// measure the signal fraction of each direction; they are returned descending
// and only directions whose signal-to-contamination ratio lambda/(1-lambda)
// exceeds the configured threshold are retained.
//
// Named instances differ only in which covariance models they combine: the
// conventional pair is "kl" (no foreground model) and "dk" (with foregrounds).
package kl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/hupe1980/skydrift/artifact"
	"github.com/hupe1980/skydrift/beam"
	"github.com/hupe1980/skydrift/collective"
	"github.com/hupe1980/skydrift/internal/linalg"
	"github.com/hupe1980/skydrift/mode"
	"github.com/hupe1980/skydrift/resource"
	"github.com/hupe1980/skydrift/telescope"
)

// ErrModeUnavailable marks a mode with no KL product: either its beam products
// failed upstream or its own eigendecomposition did not converge. Downstream
// estimators exclude such modes instead of failing.
var ErrModeUnavailable = errors.New("kl: mode unavailable")

// DefaultLoading is the relative diagonal loading applied to the total
// covariance before factorization.
const DefaultLoading = 1e-12

const (
	dsEvals = "evals"
	dsEvecs = "evecs"
)

// Options configure a Transform.
type Options struct {
	// Threshold is the signal-to-contamination ratio above which a KL mode
	// is retained. Zero keeps every direction with positive eigenvalue.
	Threshold float64
	// Loading is the relative diagonal loading of the total covariance.
	Loading float64
	// Pool runs the per-mode scatter; defaults to a single worker.
	Pool *collective.Pool
	// Controller bounds matrix memory; optional.
	Controller *resource.Controller
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Transform is one named KL transform bound to a beam transfer and a set of
// covariance models.
type Transform struct {
	name       string
	bt         *beam.Transfer
	signal     telescope.CovarianceModel
	foreground telescope.CovarianceModel // nil for the foregroundless instance
	noise      *telescope.NoiseModel
	store      artifact.Store

	threshold float64
	loading   float64
	pool      *collective.Pool
	ctl       *resource.Controller
	log       *slog.Logger

	mu     sync.Mutex
	failed *mode.Mask
}

// NewTransform creates a named KL transform. foreground may be nil.
func NewTransform(name string, bt *beam.Transfer, signal, foreground telescope.CovarianceModel, noise *telescope.NoiseModel, store artifact.Store, optFns ...func(o *Options)) *Transform {
	opts := Options{Loading: DefaultLoading}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Loading <= 0 {
		opts.Loading = DefaultLoading
	}
	if opts.Pool == nil {
		opts.Pool = collective.NewPool()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Transform{
		name:       name,
		bt:         bt,
		signal:     signal,
		foreground: foreground,
		noise:      noise,
		store:      store,
		threshold:  opts.Threshold,
		loading:    opts.Loading,
		pool:       opts.Pool,
		ctl:        opts.Controller,
		log:        opts.Logger,
		failed:     mode.NewMask(),
	}
}

// Name returns the instance name.
func (t *Transform) Name() string { return t.name }

// BeamTransfer returns the upstream beam transfer.
func (t *Transform) BeamTransfer() *beam.Transfer { return t.bt }

// Signal returns the signal covariance model; the power-spectrum estimator
// band-limits it to form response derivatives.
func (t *Transform) Signal() telescope.CovarianceModel { return t.signal }

// FailedModes returns modes without a KL product.
func (t *Transform) FailedModes() *mode.Mask {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

func (t *Transform) modeArtifactName(m int) string {
	return fmt.Sprintf("ev_%s_m_%d", t.name, m)
}

func (t *Transform) spectrumArtifactName() string {
	return fmt.Sprintf("evals_%s", t.name)
}

// EvalsM returns the retained KL eigenvalues for mode m, descending.
func (t *Transform) EvalsM(ctx context.Context, m int) ([]float64, error) {
	evals, _, err := t.ModesM(ctx, m)
	return evals, err
}

// ModesM returns the retained eigenvalues and eigenvectors for mode m.
// Row i of the returned matrix is the eigenvector for eigenvalue i, expressed
// in the SVD-compressed basis and normalized against the total covariance.
func (t *Transform) ModesM(ctx context.Context, m int) ([]float64, *linalg.CMatrix, error) {
	a, err := t.modeArtifact(ctx, m)
	if err != nil {
		return nil, nil, err
	}
	evArr, err := a.MustGet(dsEvals)
	if err != nil {
		return nil, nil, err
	}
	vecArr, err := a.MustGet(dsEvecs)
	if err != nil {
		return nil, nil, err
	}
	if len(vecArr.Shape) != 2 {
		return nil, nil, fmt.Errorf("kl: cached evecs for m=%d malformed", m)
	}
	evecs := &linalg.CMatrix{Rows: vecArr.Shape[0], Cols: vecArr.Shape[1], Data: vecArr.Complexs}
	return evArr.Floats, evecs, nil
}

func (t *Transform) modeArtifact(ctx context.Context, m int) (*artifact.Artifact, error) {
	if t.bt.FailedModes().Contains(m) {
		return nil, fmt.Errorf("beam products for m=%d failed upstream: %w", m, ErrModeUnavailable)
	}

	name := t.modeArtifactName(m)
	ok, err := t.store.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if ok {
		return t.store.Load(ctx, name)
	}
	return t.compute(ctx, m)
}

func (t *Transform) compute(ctx context.Context, m int) (*artifact.Artifact, error) {
	sb, err := t.bt.SVD(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("svd products for m=%d: %w: %v", m, ErrModeUnavailable, err)
	}

	k := sb.Rank()
	var evals []float64
	var evecs *linalg.CMatrix

	if k == 0 {
		// No signal-bearing directions survived SVD truncation; the KL
		// product is legitimately empty.
		evecs = linalg.NewCMatrix(0, 0)
	} else {
		bytes := int64(3*k*k) * 16
		if err := t.ctl.AcquireMemory(ctx, bytes); err != nil {
			return nil, err
		}
		defer t.ctl.ReleaseMemory(bytes)

		signal, err := t.ProjectCovariance(ctx, m, sb, t.signal)
		if err != nil {
			return nil, err
		}
		total := signal.Clone()
		if t.foreground != nil {
			fg, err := t.ProjectCovariance(ctx, m, sb, t.foreground)
			if err != nil {
				return nil, err
			}
			if err := linalg.Add(total, fg); err != nil {
				return nil, err
			}
		}
		noise, err := t.projectNoise(ctx, m, sb)
		if err != nil {
			return nil, err
		}
		if err := linalg.Add(total, noise); err != nil {
			return nil, err
		}

		all, vecs, err := linalg.EighGen(signal, total, t.loading)
		if err != nil {
			return nil, fmt.Errorf("eigensolver for m=%d: %w: %v", m, ErrModeUnavailable, err)
		}

		evals, evecs = t.retain(all, vecs)
	}

	a := artifact.New()
	a.Set(dsEvals, artifact.NewFloats(evals, len(evals)))
	a.Set(dsEvecs, artifact.NewComplexs(evecs.Data, evecs.Rows, evecs.Cols))
	a.Attrs["m"] = strconv.Itoa(m)
	a.Attrs["threshold"] = strconv.FormatFloat(t.threshold, 'g', -1, 64)

	if err := t.store.Store(ctx, t.modeArtifactName(m), a); err != nil {
		return nil, err
	}
	t.log.Debug("kl modes computed", "name", t.name, "m", m, "retained", len(evals), "rank", k)
	return a, nil
}

// retain keeps eigenpairs whose signal-to-contamination ratio exceeds the
// threshold. Eigenvalues arrive descending from the solver.
func (t *Transform) retain(evals []float64, evecs *linalg.CMatrix) ([]float64, *linalg.CMatrix) {
	// lambda/(1-lambda) > tau  <=>  lambda > tau/(1+tau)
	cut := t.threshold / (1 + t.threshold)
	n := 0
	for _, ev := range evals {
		if ev > cut {
			n++
		}
	}
	kept := &linalg.CMatrix{
		Rows: n,
		Cols: evecs.Cols,
		Data: evecs.Data[:n*evecs.Cols],
	}
	return evals[:n], kept
}

// ProjectCovariance builds the covariance of model in stacked telescope space
// for mode m and projects it into the SVD-compressed basis.
func (t *Transform) ProjectCovariance(ctx context.Context, m int, sb *beam.SVDBeam, model telescope.CovarianceModel) (*linalg.CMatrix, error) {
	ix := t.bt.Index()
	freqs := ix.Frequencies()
	nfreq, ntel, nsky := ix.NFreq(), ix.NTel, ix.NSky(m)
	ntall := nfreq * ntel

	beams := make([]*linalg.CMatrix, nfreq)
	for f := 0; f < nfreq; f++ {
		b, err := t.bt.BeamMatrix(ctx, f, m)
		if err != nil {
			return nil, err
		}
		beams[f] = b
	}

	ctel := linalg.NewCMatrix(ntall, ntall)
	scaled := linalg.NewCMatrix(ntel, nsky)
	for fi := 0; fi < nfreq; fi++ {
		for fj := fi; fj < nfreq; fj++ {
			// block = B_fi diag(C_l) B_fj^H
			for i := 0; i < ntel; i++ {
				for j := 0; j < nsky; j++ {
					w := model.AngularPower(m+j, freqs[fi], freqs[fj])
					scaled.Set(i, j, beams[fi].At(i, j)*complex(w, 0))
				}
			}
			block, err := linalg.Mul(scaled, beams[fj].Dagger())
			if err != nil {
				return nil, err
			}
			for i := 0; i < ntel; i++ {
				for j := 0; j < ntel; j++ {
					v := block.At(i, j)
					ctel.Set(fi*ntel+i, fj*ntel+j, v)
					if fj != fi {
						ctel.Set(fj*ntel+j, fi*ntel+i, complex(real(v), -imag(v)))
					}
				}
			}
		}
	}

	return linalg.Project(sb.UT, ctel)
}

// projectNoise builds the diagonal telescope-space noise covariance projected
// into the compressed basis.
func (t *Transform) projectNoise(_ context.Context, m int, sb *beam.SVDBeam) (*linalg.CMatrix, error) {
	ix := t.bt.Index()
	freqs := ix.Frequencies()
	ntel := ix.NTel

	k := sb.Rank()
	out := linalg.NewCMatrix(k, k)
	// UT diag(N) UT^H without forming the diagonal matrix.
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			var acc complex128
			for f := 0; f < len(freqs); f++ {
				for tt := 0; tt < ntel; tt++ {
					col := f*ntel + tt
					nv := complex(t.noise.Variance(freqs[f], tt), 0)
					uj := sb.UT.At(j, col)
					acc += sb.UT.At(i, col) * nv * complex(real(uj), -imag(uj))
				}
			}
			out.Set(i, j, acc)
		}
	}
	return out, nil
}

// EvalsAll returns the retained eigenvalue spectra for all modes, ordered by
// m and zero-padded to a common width. Failed modes contribute all-zero rows.
func (t *Transform) EvalsAll(ctx context.Context) ([][]float64, error) {
	name := t.spectrumArtifactName()
	ok, err := t.store.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := t.Generate(ctx); err != nil {
			return nil, err
		}
	}
	a, err := t.store.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	arr, err := a.MustGet(dsEvals)
	if err != nil {
		return nil, err
	}
	if len(arr.Shape) != 2 {
		return nil, fmt.Errorf("kl: eigenvalue spectrum for %q malformed", t.name)
	}
	rows, cols := arr.Shape[0], arr.Shape[1]
	out := make([][]float64, rows)
	for i := range out {
		out[i] = arr.Floats[i*cols : (i+1)*cols]
	}
	return out, nil
}

// Generate computes KL products for all modes, scattering per-mode work across
// the pool, then writes the aggregate eigenvalue spectrum. Idempotent.
func (t *Transform) Generate(ctx context.Context) error {
	ix := t.bt.Index()

	res, err := t.pool.ScatterModes(ctx, "kltransform/"+t.name, ix.Modes(), func(ctx context.Context, worker, m int) error {
		_, err := t.modeArtifact(ctx, m)
		return err
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.failed = res.Failed
	t.mu.Unlock()

	width := t.bt.MaxRank()
	spectra := make([]float64, ix.NModes()*width)
	for _, m := range res.Done.Modes() {
		evals, err := t.EvalsM(ctx, m)
		if err != nil {
			return err
		}
		copy(spectra[m*width:], evals)
	}

	spec := artifact.New()
	spec.Set(dsEvals, artifact.NewFloats(spectra, ix.NModes(), width))
	if err := t.store.Store(ctx, t.spectrumArtifactName(), spec); err != nil {
		return err
	}

	t.log.Info("kl transform generated",
		"name", t.name,
		"modes", ix.NModes(),
		"failed", res.Failed.Len(),
	)
	return nil
}
