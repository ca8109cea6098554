package skydrift

import (
	"github.com/hupe1980/skydrift/artifact"
)

type options struct {
	logger  *Logger
	store   artifact.Store
	workers int
}

// Option configures ProductManager construction.
//
// Today options primarily exist to avoid exploding the API surface
// (e.g. store-specific constructor variants).
type Option func(*options)

// WithLogger overrides the logger. If nil is passed, the default text logger
// is used.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithStore overrides the artifact store the components are bound to. By
// default a local store rooted at the configured output directory is used;
// pass an object-store backed implementation to share a cache between
// machines.
func WithStore(s artifact.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithWorkers overrides the configured worker-pool size.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}
