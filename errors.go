package skydrift

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKLTransform is returned when a configuration or lookup
	// references a KL transform name that was never wired.
	ErrUnknownKLTransform = errors.New("unknown kltransform")

	// ErrUnknownPSEstimator is returned when a lookup references an
	// estimator name that was never wired.
	ErrUnknownPSEstimator = errors.New("unknown psestimator")
)

// ErrInvalidCodec indicates an unsupported artifact codec name.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrInvalidCodec struct {
	Name  string
	cause error
}

func (e *ErrInvalidCodec) Error() string {
	return fmt.Sprintf("invalid codec: %q", e.Name)
}

func (e *ErrInvalidCodec) Unwrap() error { return e.cause }
