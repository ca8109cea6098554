// Package psestim assembles the quadratic power-spectrum estimator: per-band
// response operators projected into KL-mode space, accumulated across modes
// into a Fisher information matrix and a bias vector.
//
// Per-mode contributions are independent and summed by a commutative
// reduction, so they can be computed by any worker in any order. A mode
// without a KL product contributes zero rather than aborting the run; an
// entirely empty mode set leaves zero Fisher rows, a valid (if uninformative)
// state.
package psestim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/hupe1980/skydrift/artifact"
	"github.com/hupe1980/skydrift/collective"
	"github.com/hupe1980/skydrift/internal/linalg"
	"github.com/hupe1980/skydrift/kl"
	"github.com/hupe1980/skydrift/telescope"
)

const (
	dsFisher      = "fisher"
	dsBias        = "bias"
	dsKCenter     = "k_center"
	dsThetaCenter = "theta_center"
	dsBandEdges   = "band_edges"
)

// Band is one power-spectrum bandpower bin: a multipole window with its
// wavenumber/angle bin center recorded for downstream consumers.
type Band struct {
	LLow, LHigh int
	KCenter     float64
	ThetaCenter float64
}

// UniformBands splits the multipole range [0, lmax] into n equal bands.
// chi converts bin-center multipoles to wavenumbers.
func UniformBands(lmax, n int, chi float64) []Band {
	if chi <= 0 {
		chi = 1
	}
	bands := make([]Band, n)
	step := float64(lmax+1) / float64(n)
	for i := range bands {
		lo := int(float64(i) * step)
		hi := int(float64(i+1) * step)
		if i == n-1 {
			hi = lmax + 1
		}
		bands[i] = Band{
			LLow:        lo,
			LHigh:       hi,
			KCenter:     (float64(lo+hi) / 2) / chi,
			ThetaCenter: math.Pi / 2,
		}
	}
	return bands
}

// Options configure an Estimator.
type Options struct {
	// NSamples selects Monte-Carlo bias estimation with that many samples
	// per mode; zero evaluates the bias trace exactly.
	NSamples int
	// Seed fixes the Monte-Carlo stream so runs are reproducible.
	Seed int64
	// Pool runs the per-mode scatter; defaults to a single worker.
	Pool *collective.Pool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Estimator is one named power-spectrum estimator bound to a KL transform.
type Estimator struct {
	name  string
	kt    *kl.Transform
	bands []Band
	store artifact.Store

	nsamples int
	seed     int64
	pool     *collective.Pool
	log      *slog.Logger
}

// NewEstimator creates a named estimator over the given bandpower bins.
func NewEstimator(name string, kt *kl.Transform, bands []Band, store artifact.Store, optFns ...func(o *Options)) *Estimator {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Pool == nil {
		opts.Pool = collective.NewPool()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Estimator{
		name:     name,
		kt:       kt,
		bands:    bands,
		store:    store,
		nsamples: opts.NSamples,
		seed:     opts.Seed,
		pool:     opts.Pool,
		log:      opts.Logger,
	}
}

// Name returns the instance name.
func (e *Estimator) Name() string { return e.name }

// Bands returns the bandpower bins.
func (e *Estimator) Bands() []Band { return e.bands }

// The cached aggregate is named after the KL transform the estimator is bound
// to, matching the established on-disk contract; each estimator owns its own
// store subtree, so transforms shared between estimators do not collide.
func (e *Estimator) artifactName() string { return fmt.Sprintf("fisher_%s", e.kt.Name()) }

// FisherBias returns the accumulated Fisher matrix (n_bands x n_bands) and
// bias vector, computing and caching them on first request.
func (e *Estimator) FisherBias(ctx context.Context) (*mat.Dense, []float64, error) {
	ok, err := e.store.Exists(ctx, e.artifactName())
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		if err := e.Generate(ctx); err != nil {
			return nil, nil, err
		}
	}

	a, err := e.store.Load(ctx, e.artifactName())
	if err != nil {
		return nil, nil, err
	}
	fArr, err := a.MustGet(dsFisher)
	if err != nil {
		return nil, nil, err
	}
	bArr, err := a.MustGet(dsBias)
	if err != nil {
		return nil, nil, err
	}
	nb := len(e.bands)
	if len(fArr.Floats) != nb*nb || len(bArr.Floats) != nb {
		return nil, nil, fmt.Errorf("psestim: cached fisher for %q inconsistent with %d bands", e.name, nb)
	}
	return mat.NewDense(nb, nb, fArr.Floats), bArr.Floats, nil
}

// Generate accumulates Fisher and bias contributions over all modes and
// persists the aggregate artifact. Per-worker partial sums are merged with a
// commutative reduction, so accumulation order does not affect the result
// beyond floating-point error. Idempotent.
func (e *Estimator) Generate(ctx context.Context) error {
	ix := e.kt.BeamTransfer().Index()
	nb := len(e.bands)

	// One partial accumulator per worker: fisher (nb*nb) then bias (nb).
	partials := make([][]float64, e.pool.Workers())
	for i := range partials {
		partials[i] = make([]float64, nb*nb+nb)
	}
	var skipped sync.Map

	res, err := e.pool.ScatterModes(ctx, "psestimator/"+e.name, ix.Modes(), func(ctx context.Context, worker, m int) error {
		err := e.accumulateMode(ctx, m, partials[worker])
		if errors.Is(err, kl.ErrModeUnavailable) {
			// Zero contribution, not an error.
			skipped.Store(m, true)
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	sum := collective.ReduceSum(partials)

	fisher := sum[:nb*nb]
	bias := sum[nb*nb:]

	kc := make([]float64, nb)
	tc := make([]float64, nb)
	edges := make([]int64, 2*nb)
	for i, b := range e.bands {
		kc[i] = b.KCenter
		tc[i] = b.ThetaCenter
		edges[2*i] = int64(b.LLow)
		edges[2*i+1] = int64(b.LHigh)
	}

	a := artifact.New()
	a.Set(dsFisher, artifact.NewFloats(fisher, nb, nb))
	a.Set(dsBias, artifact.NewFloats(bias, nb))
	a.Set(dsKCenter, artifact.NewFloats(kc, nb))
	a.Set(dsThetaCenter, artifact.NewFloats(tc, nb))
	a.Set(dsBandEdges, artifact.NewInts(edges, nb, 2))

	if err := e.store.Store(ctx, e.artifactName(), a); err != nil {
		return err
	}

	var nskipped int
	skipped.Range(func(_, _ any) bool { nskipped++; return true })
	e.log.Info("fisher accumulated",
		"name", e.name,
		"bands", nb,
		"modes", ix.NModes(),
		"skipped", nskipped,
		"failed", res.Failed.Len(),
	)
	return nil
}

// accumulateMode adds mode m's Fisher and bias contribution into partial.
func (e *Estimator) accumulateMode(ctx context.Context, m int, partial []float64) error {
	evals, evecs, err := e.kt.ModesM(ctx, m)
	if err != nil {
		return err
	}
	nkl := len(evals)
	if nkl == 0 {
		return nil
	}

	sb, err := e.kt.BeamTransfer().SVD(ctx, m)
	if err != nil {
		return err
	}

	nb := len(e.bands)

	// Band responses projected into KL space. In the KL basis the total
	// covariance is the identity, so the Fisher contraction reduces to
	// plain traces of response products.
	qs := make([]*linalg.CMatrix, nb)
	for i, band := range e.bands {
		resp := &telescope.BandLimited{Inner: e.kt.Signal(), LMin: band.LLow, LMax: band.LHigh}
		csvd, err := e.kt.ProjectCovariance(ctx, m, sb, resp)
		if err != nil {
			return err
		}
		qs[i], err = linalg.Project(evecs, csvd)
		if err != nil {
			return err
		}
	}

	for i := 0; i < nb; i++ {
		for j := i; j < nb; j++ {
			tr, err := linalg.TraceMul(qs[i], qs[j])
			if err != nil {
				return err
			}
			v := 0.5 * real(tr)
			partial[i*nb+j] += v
			if j != i {
				partial[j*nb+i] += v
			}
		}
	}

	// Contamination covariance in KL space: total minus signal, i.e.
	// I - diag(lambda).
	contam := make([]float64, nkl)
	for k, ev := range evals {
		contam[k] = 1 - ev
	}

	if e.nsamples > 0 {
		e.accumulateBiasMC(m, qs, contam, partial[nb*nb:])
	} else {
		for i := 0; i < nb; i++ {
			var tr float64
			for k := 0; k < nkl; k++ {
				tr += real(qs[i].At(k, k)) * contam[k]
			}
			partial[nb*nb+i] += 0.5 * tr
		}
	}

	return nil
}

// accumulateBiasMC estimates the bias term by Monte-Carlo: samples are drawn
// from the contamination covariance and contracted with each band response.
// The stream is seeded per (estimator, mode) so results are reproducible and
// independent of worker assignment.
func (e *Estimator) accumulateBiasMC(m int, qs []*linalg.CMatrix, contam []float64, bias []float64) {
	nkl := len(contam)
	rng := rand.New(rand.NewSource(e.seed + int64(m)))

	x := make([]complex128, nkl)
	qx := make([]complex128, nkl)
	acc := make([]float64, len(qs))

	for s := 0; s < e.nsamples; s++ {
		for k := 0; k < nkl; k++ {
			sd := math.Sqrt(math.Max(contam[k], 0) / 2)
			x[k] = complex(sd*rng.NormFloat64(), sd*rng.NormFloat64())
		}
		for i, q := range qs {
			for r := 0; r < nkl; r++ {
				var acc128 complex128
				row := q.Data[r*q.Cols : (r+1)*q.Cols]
				for c, qv := range row {
					acc128 += qv * x[c]
				}
				qx[r] = acc128
			}
			var quad float64
			for r := 0; r < nkl; r++ {
				quad += real(complex(real(x[r]), -imag(x[r])) * qx[r])
			}
			acc[i] += 0.5 * quad
		}
	}

	inv := 1 / float64(e.nsamples)
	for i := range qs {
		bias[i] += acc[i] * inv
	}
}
