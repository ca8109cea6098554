// Package skydrift computes and caches the analysis products of a drift-scan
// radio interferometer: per-frequency beam response matrices, their SVD
// compression, Karhunen-Loeve foreground-filtering transforms, and quadratic
// power-spectrum estimators (Fisher matrix and bias vector).
//
// The products form a strict dependency chain, each stage reading the cached
// artifacts of the one before it:
//
//	BeamTransfer -> KLTransform(s) -> PSEstimator(s)
//
// Every stage is idempotent: artifacts already present in the cache are
// validated and reused, so re-running against an unchanged configuration
// reproduces prior results. Per-mode work is scattered across a fixed worker
// pool; a failure in one mode excludes only that mode from aggregate products.
//
// The ProductManager wires the chain together from a configuration file:
//
//	m, err := skydrift.FromConfig("params.yaml")
//	if err != nil { ... }
//	if err := m.Run(ctx); err != nil { ... }
//	fisher, bias, err := m.PSEstimators()["ps1"].FisherBias(ctx)
package skydrift

import (
	"context"
	"fmt"

	"github.com/hupe1980/skydrift/artifact"
	"github.com/hupe1980/skydrift/beam"
	"github.com/hupe1980/skydrift/codec"
	"github.com/hupe1980/skydrift/collective"
	"github.com/hupe1980/skydrift/config"
	"github.com/hupe1980/skydrift/kl"
	"github.com/hupe1980/skydrift/mode"
	"github.com/hupe1980/skydrift/psestim"
	"github.com/hupe1980/skydrift/resource"
	"github.com/hupe1980/skydrift/telescope"
)

// ProductManager owns the cache directory and the wired component chain.
type ProductManager struct {
	cfg   *config.Config
	log   *Logger
	store artifact.Store
	index *mode.Index
	pool  *collective.Pool
	ctl   *resource.Controller

	beamtransfer *beam.Transfer
	kltransforms map[string]*kl.Transform
	psestimators map[string]*psestim.Estimator
}

// FromConfig loads a configuration file, resolves the cache directory and
// constructs the full dependency chain. No products are computed yet; they are
// generated lazily on first access or eagerly by Run.
func FromConfig(path string, optFns ...Option) (*ProductManager, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return fromConfig(cfg, optFns...)
}

func fromConfig(cfg *config.Config, optFns ...Option) (*ProductManager, error) {
	var o options
	for _, fn := range optFns {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = NewLogger(nil)
	}
	if o.workers == 0 {
		o.workers = cfg.Run.Workers
	}

	c, ok := codec.ByName(cfg.Run.Codec)
	if !ok {
		return nil, &ErrInvalidCodec{Name: cfg.Run.Codec}
	}

	ctl := resource.NewController(resource.Config{
		MemoryLimitBytes:      cfg.Run.MemoryLimitMB << 20,
		MaxWorkers:            int64(o.workers),
		WriteLimitBytesPerSec: cfg.Run.WriteLimitMBPerSec << 20,
	})

	store := o.store
	if store == nil {
		local, err := artifact.NewLocal(cfg.Run.OutputDirectory, func(lo *artifact.LocalOptions) {
			lo.Codec = c
			lo.WriteLimiter = ctl.WriteLimiter()
		})
		if err != nil {
			return nil, err
		}
		store = local
	}

	t := cfg.Telescope
	ix, err := mode.NewIndex(t.MMax, t.LMax, t.NTel, t.NFreq, t.FreqStart, t.FreqWidth)
	if err != nil {
		return nil, err
	}

	pool := collective.NewPool(func(po *collective.Options) {
		po.Workers = o.workers
		po.Controller = ctl
		po.Logger = o.logger.Logger
	})

	beamModel := telescope.NewGaussianBeam(ix, t.BeamWidth, t.FreqStart)
	signal := &telescope.PowerLawSignal{
		Amplitude:     cfg.Models.Signal.Amplitude,
		SpectralIndex: cfg.Models.Signal.SpectralIndex,
		CorrWidth:     cfg.Models.Signal.CorrWidth,
	}
	foreground := &telescope.SmoothForeground{
		Amplitude:     cfg.Models.Foreground.Amplitude,
		SpectralIndex: cfg.Models.Foreground.SpectralIndex,
		FreqIndex:     cfg.Models.Foreground.FreqIndex,
		Xi:            cfg.Models.Foreground.Xi,
		RefFreq:       t.FreqStart,
	}
	noise := &telescope.NoiseModel{
		Tsys:          cfg.Models.Noise.Tsys,
		BandwidthTime: cfg.Models.Noise.BandwidthTime,
	}

	bt := beam.NewTransfer(ix, beamModel, artifact.Sub(store, "bt"), func(bo *beam.Options) {
		bo.Threshold = t.SVDThreshold
		bo.Pool = pool
		bo.Controller = ctl
		bo.Logger = o.logger.WithStage("beamtransfer").Logger
	})

	m := &ProductManager{
		cfg:          cfg,
		log:          o.logger,
		store:        store,
		index:        ix,
		pool:         pool,
		ctl:          ctl,
		beamtransfer: bt,
		kltransforms: make(map[string]*kl.Transform, len(cfg.KLTransforms)),
		psestimators: make(map[string]*psestim.Estimator, len(cfg.PSEstimators)),
	}

	for _, kc := range cfg.KLTransforms {
		kc := kc
		var fg telescope.CovarianceModel
		if kc.Foregrounds {
			fg = foreground
		}
		m.kltransforms[kc.Name] = kl.NewTransform(kc.Name, bt, signal, fg, noise,
			artifact.Sub(store, "ev/"+kc.Name),
			func(ko *kl.Options) {
				ko.Threshold = kc.Threshold
				ko.Pool = pool
				ko.Controller = ctl
				ko.Logger = o.logger.WithStage("kltransform").WithInstance(kc.Name).Logger
			})
	}

	for _, pc := range cfg.PSEstimators {
		pc := pc
		kt, ok := m.kltransforms[pc.KLTransform]
		if !ok {
			return nil, fmt.Errorf("%w: %q (referenced by psestimator %q)", ErrUnknownKLTransform, pc.KLTransform, pc.Name)
		}
		bands := psestim.UniformBands(t.LMax, pc.Bands, pc.Chi)
		m.psestimators[pc.Name] = psestim.NewEstimator(pc.Name, kt, bands,
			artifact.Sub(store, "ps/"+pc.Name),
			func(po *psestim.Options) {
				po.NSamples = pc.NSamples
				po.Seed = pc.Seed
				po.Pool = pool
				po.Logger = o.logger.WithStage("psestimator").WithInstance(pc.Name).Logger
			})
	}

	return m, nil
}

// Directory returns the resolved cache root directory.
func (m *ProductManager) Directory() string { return m.cfg.Run.OutputDirectory }

// Config returns the parsed configuration.
func (m *ProductManager) Config() *config.Config { return m.cfg }

// Index returns the mode index shared by all components.
func (m *ProductManager) Index() *mode.Index { return m.index }

// BeamTransfer returns the beam transfer component.
func (m *ProductManager) BeamTransfer() *beam.Transfer { return m.beamtransfer }

// KLTransforms returns the named KL transforms.
func (m *ProductManager) KLTransforms() map[string]*kl.Transform { return m.kltransforms }

// KLTransform returns one named KL transform.
func (m *ProductManager) KLTransform(name string) (*kl.Transform, error) {
	kt, ok := m.kltransforms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKLTransform, name)
	}
	return kt, nil
}

// PSEstimators returns the named power-spectrum estimators.
func (m *ProductManager) PSEstimators() map[string]*psestim.Estimator { return m.psestimators }

// PSEstimator returns one named estimator.
func (m *ProductManager) PSEstimator(name string) (*psestim.Estimator, error) {
	ps, ok := m.psestimators[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPSEstimator, name)
	}
	return ps, nil
}

// Run generates all products in dependency order. The return of each stage's
// Generate is the barrier before the next stage starts reading its cache.
// Per-mode failures are downgraded inside the stages; only configuration or
// IO errors abort the run.
func (m *ProductManager) Run(ctx context.Context) error {
	err := m.beamtransfer.Generate(ctx)
	m.log.LogStage(ctx, "beamtransfer", m.beamtransfer.FailedModes().Len(), err)
	if err != nil {
		m.log.LogRun(ctx, m.Directory(), err)
		return fmt.Errorf("beam transfer stage: %w", err)
	}

	for name, kt := range m.kltransforms {
		err := kt.Generate(ctx)
		m.log.LogStage(ctx, "kltransform/"+name, kt.FailedModes().Len(), err)
		if err != nil {
			m.log.LogRun(ctx, m.Directory(), err)
			return fmt.Errorf("kl transform %q stage: %w", name, err)
		}
	}

	for name, ps := range m.psestimators {
		if err := ps.Generate(ctx); err != nil {
			m.log.LogStage(ctx, "psestimator/"+name, 0, err)
			m.log.LogRun(ctx, m.Directory(), err)
			return fmt.Errorf("psestimator %q stage: %w", name, err)
		}
		m.log.LogStage(ctx, "psestimator/"+name, 0, nil)
	}

	m.log.LogRun(ctx, m.Directory(), nil)
	return nil
}

// FromConfigStruct wires a manager from an already-parsed configuration.
// Intended for tests and embedding callers that build configuration
// programmatically.
func FromConfigStruct(cfg *config.Config, optFns ...Option) (*ProductManager, error) {
	return fromConfig(cfg, optFns...)
}
