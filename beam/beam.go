// Package beam computes and caches the per-frequency beam response matrices
// and their per-mode SVD compression.
//
// For every (frequency, mode) pair the external beam model yields a dense
// complex ntel x nsky block. Per mode, the frequency blocks are stacked into
// one tall matrix whose truncated SVD gives the compressed basis every
// downstream product works in. Truncation is relative: directions with
// singular value above threshold*max(sigma) are retained, so the basis width
// adapts to each mode's signal content and may legitimately be zero.
package beam

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/hupe1980/skydrift/artifact"
	"github.com/hupe1980/skydrift/collective"
	"github.com/hupe1980/skydrift/internal/linalg"
	"github.com/hupe1980/skydrift/mode"
	"github.com/hupe1980/skydrift/resource"
	"github.com/hupe1980/skydrift/telescope"
)

// Cache artifact and dataset names. These are part of the on-disk contract
// with prior runs and must not change.
const (
	beamName     = "beam_m_%d"
	svdName      = "svd_m_%d"
	spectrumName = "svdspectrum"
	maskName     = "modemask"

	dsBeam       = "beam_m"
	dsSingular   = "singularvalues"
	dsBeamSVD    = "beam_svd"
	dsInvBeamSVD = "invbeam_svd"
	dsBeamUT     = "beam_ut"

	attrDone   = "modes_done"
	attrFailed = "modes_failed"
)

// DefaultThreshold is the relative singular-value cutoff.
const DefaultThreshold = 1e-6

// SVDBeam is the per-mode compressed basis.
type SVDBeam struct {
	M int
	// Sigma holds the retained singular values, descending.
	Sigma []float64
	// UT projects stacked telescope vectors into the compressed basis
	// (k x nfreq*ntel).
	UT *linalg.CMatrix
	// Beam maps sky degrees of freedom into the compressed basis
	// (k x nsky).
	Beam *linalg.CMatrix
	// Inv is the pseudo-inverse mapping the compressed basis back to the
	// sky (nsky x k).
	Inv *linalg.CMatrix
}

// Rank returns the number of retained directions.
func (s *SVDBeam) Rank() int { return len(s.Sigma) }

// Options configure a Transfer.
type Options struct {
	// Threshold is the relative singular-value cutoff.
	Threshold float64
	// Pool runs the per-mode scatter; defaults to a single worker.
	Pool *collective.Pool
	// Controller bounds matrix memory; optional.
	Controller *resource.Controller
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Transfer computes and caches beam matrices and their SVD compression.
type Transfer struct {
	ix        *mode.Index
	model     telescope.BeamModel
	store     artifact.Store
	threshold float64
	pool      *collective.Pool
	ctl       *resource.Controller
	log       *slog.Logger

	mu     sync.Mutex
	failed *mode.Mask
}

// NewTransfer creates a beam transfer bound to its cache subtree.
func NewTransfer(ix *mode.Index, model telescope.BeamModel, store artifact.Store, optFns ...func(o *Options)) *Transfer {
	opts := Options{Threshold: DefaultThreshold}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Pool == nil {
		opts.Pool = collective.NewPool()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Transfer{
		ix:        ix,
		model:     model,
		store:     store,
		threshold: opts.Threshold,
		pool:      opts.Pool,
		ctl:       opts.Controller,
		log:       opts.Logger,
		failed:    mode.NewMask(),
	}
}

// Index returns the mode index the transfer operates over.
func (t *Transfer) Index() *mode.Index { return t.ix }

// Threshold returns the relative singular-value cutoff.
func (t *Transfer) Threshold() float64 { return t.threshold }

// FailedModes returns the modes excluded by the last Generate (or recorded in
// the cached mode mask).
func (t *Transfer) FailedModes() *mode.Mask {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// BeamMatrix returns the dense beam response for one (frequency, mode) pair,
// computing and caching the mode's frequency stack on first request.
func (t *Transfer) BeamMatrix(ctx context.Context, freq, m int) (*linalg.CMatrix, error) {
	if freq < 0 || freq >= t.ix.NFreq() {
		return nil, fmt.Errorf("beam: frequency channel %d out of range [0, %d)", freq, t.ix.NFreq())
	}
	a, err := t.beamArtifact(ctx, m)
	if err != nil {
		return nil, err
	}
	arr, err := a.MustGet(dsBeam)
	if err != nil {
		return nil, err
	}
	ntel, nsky := t.ix.NTel, t.ix.NSky(m)
	out := linalg.NewCMatrix(ntel, nsky)
	copy(out.Data, arr.Complexs[freq*ntel*nsky:(freq+1)*ntel*nsky])
	return out, nil
}

// beamArtifact loads or computes the beam_m artifact for mode m.
func (t *Transfer) beamArtifact(ctx context.Context, m int) (*artifact.Artifact, error) {
	name := fmt.Sprintf(beamName, m)

	ok, err := t.store.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if ok {
		a, err := t.store.Load(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := t.checkBeamShape(a, m); err != nil {
			return nil, err
		}
		return a, nil
	}

	nfreq, ntel, nsky := t.ix.NFreq(), t.ix.NTel, t.ix.NSky(m)

	bytes := int64(nfreq*ntel*nsky) * 16
	if err := t.ctl.AcquireMemory(ctx, bytes); err != nil {
		return nil, err
	}
	defer t.ctl.ReleaseMemory(bytes)

	data := make([]complex128, nfreq*ntel*nsky)
	for f := 0; f < nfreq; f++ {
		block, err := t.model.Beam(f, m)
		if err != nil {
			return nil, fmt.Errorf("beam: model query (freq=%d, m=%d): %w", f, m, err)
		}
		if len(block) != ntel*nsky {
			return nil, fmt.Errorf("beam: model returned %d values for (freq=%d, m=%d), want %d",
				len(block), f, m, ntel*nsky)
		}
		copy(data[f*ntel*nsky:(f+1)*ntel*nsky], block)
	}

	a := artifact.New()
	a.Set(dsBeam, artifact.NewComplexs(data, nfreq, ntel, nsky))
	a.Attrs["m"] = strconv.Itoa(m)

	if err := t.store.Store(ctx, name, a); err != nil {
		return nil, err
	}
	t.log.Debug("beam matrix computed", "m", m, "nfreq", nfreq, "ntel", ntel, "nsky", nsky)
	return a, nil
}

// checkBeamShape validates a cached beam artifact against the telescope
// geometry. A mismatch means the cache was produced by a different
// configuration and is fatal for the mode.
func (t *Transfer) checkBeamShape(a *artifact.Artifact, m int) error {
	arr, err := a.MustGet(dsBeam)
	if err != nil {
		return err
	}
	want := []int{t.ix.NFreq(), t.ix.NTel, t.ix.NSky(m)}
	if len(arr.Shape) != 3 || arr.Shape[0] != want[0] || arr.Shape[1] != want[1] || arr.Shape[2] != want[2] {
		return fmt.Errorf("beam: cached beam for m=%d has shape %v, want %v: %w",
			m, arr.Shape, want, &artifact.ErrShapeMismatch{Shape: arr.Shape, Elements: arr.Len()})
	}
	return nil
}

// SVD returns the compressed basis for mode m, computing and caching it on
// first request.
func (t *Transfer) SVD(ctx context.Context, m int) (*SVDBeam, error) {
	name := fmt.Sprintf(svdName, m)

	ok, err := t.store.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if ok {
		a, err := t.store.Load(ctx, name)
		if err != nil {
			return nil, err
		}
		return t.svdFromArtifact(a, m)
	}

	a, err := t.computeSVD(ctx, m)
	if err != nil {
		return nil, err
	}
	return t.svdFromArtifact(a, m)
}

func (t *Transfer) computeSVD(ctx context.Context, m int) (*artifact.Artifact, error) {
	ba, err := t.beamArtifact(ctx, m)
	if err != nil {
		return nil, err
	}
	arr, err := ba.MustGet(dsBeam)
	if err != nil {
		return nil, err
	}

	nfreq, ntel, nsky := t.ix.NFreq(), t.ix.NTel, t.ix.NSky(m)
	ntall := nfreq * ntel

	// Stack the per-frequency blocks into one tall matrix.
	tall := &linalg.CMatrix{Rows: ntall, Cols: nsky, Data: arr.Complexs}

	res, err := linalg.SVD(tall)
	if err != nil {
		return nil, fmt.Errorf("beam: svd for m=%d: %w", m, err)
	}
	res = res.Truncate(t.threshold)
	k := len(res.S)

	ut := res.U.Dagger()

	// Compressed beam: Sigma * Vh maps sky -> compressed basis.
	beamSVD := linalg.NewCMatrix(k, nsky)
	for i := 0; i < k; i++ {
		for j := 0; j < nsky; j++ {
			beamSVD.Set(i, j, complex(res.S[i], 0)*res.Vh.At(i, j))
		}
	}

	// Pseudo-inverse: V * Sigma^-1 maps compressed basis -> sky.
	inv := linalg.NewCMatrix(nsky, k)
	for i := 0; i < k; i++ {
		if res.S[i] == 0 {
			continue
		}
		s := complex(1/res.S[i], 0)
		for j := 0; j < nsky; j++ {
			inv.Set(j, i, s*linalgConj(res.Vh.At(i, j)))
		}
	}

	a := artifact.New()
	a.Set(dsSingular, artifact.NewFloats(res.S, k))
	a.Set(dsBeamSVD, artifact.NewComplexs(beamSVD.Data, k, nsky))
	a.Set(dsInvBeamSVD, artifact.NewComplexs(inv.Data, nsky, k))
	a.Set(dsBeamUT, artifact.NewComplexs(ut.Data, k, ntall))
	a.Attrs["m"] = strconv.Itoa(m)
	a.Attrs["threshold"] = strconv.FormatFloat(t.threshold, 'g', -1, 64)

	if err := t.store.Store(ctx, fmt.Sprintf(svdName, m), a); err != nil {
		return nil, err
	}
	t.log.Debug("svd computed", "m", m, "rank", k, "nsky", nsky)
	return a, nil
}

func linalgConj(v complex128) complex128 { return complex(real(v), -imag(v)) }

func (t *Transfer) svdFromArtifact(a *artifact.Artifact, m int) (*SVDBeam, error) {
	sig, err := a.MustGet(dsSingular)
	if err != nil {
		return nil, err
	}
	ut, err := a.MustGet(dsBeamUT)
	if err != nil {
		return nil, err
	}
	bsvd, err := a.MustGet(dsBeamSVD)
	if err != nil {
		return nil, err
	}
	inv, err := a.MustGet(dsInvBeamSVD)
	if err != nil {
		return nil, err
	}
	k := len(sig.Floats)
	ntall := t.ix.NFreq() * t.ix.NTel
	nsky := t.ix.NSky(m)
	if len(ut.Complexs) != k*ntall || len(bsvd.Complexs) != k*nsky {
		return nil, fmt.Errorf("beam: cached svd for m=%d inconsistent with geometry: %w",
			m, &artifact.ErrShapeMismatch{Shape: ut.Shape, Elements: len(ut.Complexs)})
	}
	return &SVDBeam{
		M:     m,
		Sigma: sig.Floats,
		UT:    &linalg.CMatrix{Rows: k, Cols: ntall, Data: ut.Complexs},
		Beam:  &linalg.CMatrix{Rows: k, Cols: nsky, Data: bsvd.Complexs},
		Inv:   &linalg.CMatrix{Rows: nsky, Cols: k, Data: inv.Complexs},
	}, nil
}

// MaxRank returns the widest possible compressed basis over all modes.
func (t *Transfer) MaxRank() int {
	ntall := t.ix.NFreq() * t.ix.NTel
	widest := t.ix.NSky(0)
	if ntall < widest {
		return ntall
	}
	return widest
}

// SVDAll returns the singular-value spectra for all modes, ordered by m and
// zero-padded to a common width. Failed modes contribute all-zero rows.
func (t *Transfer) SVDAll(ctx context.Context) ([][]float64, error) {
	ok, err := t.store.Exists(ctx, spectrumName)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := t.Generate(ctx); err != nil {
			return nil, err
		}
	}
	a, err := t.store.Load(ctx, spectrumName)
	if err != nil {
		return nil, err
	}
	arr, err := a.MustGet(dsSingular)
	if err != nil {
		return nil, err
	}
	if len(arr.Shape) != 2 {
		return nil, fmt.Errorf("beam: svd spectrum has %d dimensions, want 2", len(arr.Shape))
	}
	rows, cols := arr.Shape[0], arr.Shape[1]
	out := make([][]float64, rows)
	for i := range out {
		out[i] = arr.Floats[i*cols : (i+1)*cols]
	}
	return out, nil
}

// Generate computes the beam and SVD artifacts for all modes, scattering
// per-mode work across the pool, then writes the aggregate singular-value
// spectrum and the mode mask. It is idempotent: modes with validated cached
// artifacts are skipped.
func (t *Transfer) Generate(ctx context.Context) error {
	res, err := t.pool.ScatterModes(ctx, "beamtransfer", t.ix.Modes(), func(ctx context.Context, worker, m int) error {
		_, err := t.SVD(ctx, m)
		return err
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.failed = res.Failed
	t.mu.Unlock()

	width := t.MaxRank()
	spectra := make([]float64, t.ix.NModes()*width)
	for _, m := range res.Done.Modes() {
		sb, err := t.SVD(ctx, m)
		if err != nil {
			return err
		}
		copy(spectra[m*width:], sb.Sigma)
	}

	spec := artifact.New()
	spec.Set(dsSingular, artifact.NewFloats(spectra, t.ix.NModes(), width))
	if err := t.store.Store(ctx, spectrumName, spec); err != nil {
		return err
	}

	if err := t.storeMask(ctx, res); err != nil {
		return err
	}

	t.log.Info("beam transfer generated",
		"modes", t.ix.NModes(),
		"failed", res.Failed.Len(),
		"threshold", t.threshold,
	)
	return nil
}

func (t *Transfer) storeMask(ctx context.Context, res *collective.ScatterResult) error {
	done, err := res.Done.MarshalBinary()
	if err != nil {
		return err
	}
	failed, err := res.Failed.MarshalBinary()
	if err != nil {
		return err
	}
	a := artifact.New()
	a.Attrs[attrDone] = base64.StdEncoding.EncodeToString(done)
	a.Attrs[attrFailed] = base64.StdEncoding.EncodeToString(failed)
	return t.store.Store(ctx, maskName, a)
}

// LoadMask restores the done/failed masks persisted by Generate.
func (t *Transfer) LoadMask(ctx context.Context) (done, failed *mode.Mask, err error) {
	a, err := t.store.Load(ctx, maskName)
	if err != nil {
		return nil, nil, err
	}
	done, failed = mode.NewMask(), mode.NewMask()
	for attr, mask := range map[string]*mode.Mask{attrDone: done, attrFailed: failed} {
		raw, err := base64.StdEncoding.DecodeString(a.Attrs[attr])
		if err != nil {
			return nil, nil, fmt.Errorf("beam: mode mask %q corrupt: %w", attr, err)
		}
		if err := mask.UnmarshalBinary(raw); err != nil {
			return nil, nil, err
		}
	}
	return done, failed, nil
}
