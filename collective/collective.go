// Package collective provides the work-distribution primitives of the product
// pipeline: scatter-by-mode across a fixed pool of workers, per-mode failure
// collection, and reduction of per-worker partial accumulators.
//
// Modes are statically partitioned (mode.Assign), so a given mode's artifact is
// written by exactly one worker and no locking is needed between workers. The
// barrier between pipeline stages is the return of ScatterModes: a stage's
// products are complete (or marked failed) before the next stage starts
// reading them.
package collective

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/skydrift/mode"
	"github.com/hupe1980/skydrift/resource"
)

// ModeError marks a recoverable failure of a single mode in one stage. The
// mode is excluded from downstream aggregates; the run continues.
type ModeError struct {
	Stage string
	M     int
	Err   error
}

func (e *ModeError) Error() string {
	return fmt.Sprintf("stage %s: mode %d: %v", e.Stage, e.M, e.Err)
}

func (e *ModeError) Unwrap() error { return e.Err }

// ScatterResult reports the outcome of a scattered stage.
type ScatterResult struct {
	// Done holds modes whose computation completed.
	Done *mode.Mask
	// Failed holds modes whose computation failed; they carry zero
	// contribution downstream.
	Failed *mode.Mask
	// Errs maps failed modes to their errors.
	Errs map[int]error
}

// Options configure a Pool.
type Options struct {
	// Workers is the size of the fixed worker pool. Defaults to 1.
	Workers int
	// Controller gates shared resources; optional.
	Controller *resource.Controller
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Pool is a fixed pool of cooperating workers.
type Pool struct {
	workers int
	ctl     *resource.Controller
	log     *slog.Logger
}

// NewPool creates a worker pool.
func NewPool(optFns ...func(o *Options)) *Pool {
	opts := Options{Workers: 1}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		workers: opts.Workers,
		ctl:     opts.Controller,
		log:     opts.Logger,
	}
}

// Workers returns the pool size.
func (p *Pool) Workers() int { return p.workers }

// ScatterModes runs fn for every mode in modes, partitioned statically across
// the pool. fn receives the worker index owning the mode.
//
// A non-nil error from fn marks only that mode as failed; the scatter
// continues. The only global abort is context cancellation. One log line is
// emitted per failed mode with its full context.
func (p *Pool) ScatterModes(ctx context.Context, stage string, modes []int, fn func(ctx context.Context, worker, m int) error) (*ScatterResult, error) {
	res := &ScatterResult{
		Done:   mode.NewMask(),
		Failed: mode.NewMask(),
		Errs:   make(map[int]error),
	}

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < p.workers; w++ {
		worker := w
		g.Go(func() error {
			for _, m := range modes {
				if mode.Assign(m, p.workers) != worker {
					continue
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := p.ctl.AcquireWorker(gctx); err != nil {
					return err
				}
				err := fn(gctx, worker, m)
				p.ctl.ReleaseWorker()
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					p.log.Error("mode computation failed",
						"stage", stage,
						"m", m,
						"worker", worker,
						"error", err,
					)
					mu.Lock()
					res.Failed.Add(m)
					res.Errs[m] = &ModeError{Stage: stage, M: m, Err: err}
					mu.Unlock()
					continue
				}
				res.Done.Add(m)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("collective: stage %s aborted: %w", stage, err)
	}
	return res, nil
}

// ReduceSum merges per-worker partial accumulators by elementwise addition.
// The reduction is commutative and associative, so worker order does not
// affect the result beyond floating-point accumulation error.
func ReduceSum(parts [][]float64) []float64 {
	if len(parts) == 0 {
		return nil
	}
	out := make([]float64, len(parts[0]))
	for _, part := range parts {
		for i, v := range part {
			out[i] += v
		}
	}
	return out
}
