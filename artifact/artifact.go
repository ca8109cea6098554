// Package artifact persists the pipeline's analysis products.
//
// An artifact is a named collection of dense array datasets plus string
// attributes, mirroring the hierarchical array files of prior runs: dataset
// names such as "beam_m", "singularvalues", "evals", "evecs", "fisher" and
// "bias" are part of the cache contract and must not change.
//
// Stores hold artifacts under deterministic keys derived from the product kind
// and mode index (for example "bt/beam_m_14" or "ev/kl/ev_kl_m_26"). Artifacts
// are written atomically and never mutated in place.
package artifact

import (
	"fmt"
	"os"
)

// ErrNotFound is returned when an artifact does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Kind identifies the element type of an Array.
type Kind uint8

const (
	// Float64 marks real-valued datasets.
	Float64 Kind = iota + 1
	// Complex128 marks complex-valued datasets.
	Complex128
	// Int64 marks integer-valued datasets.
	Int64
)

// Array is a dense n-dimensional array in row-major layout. Exactly one of the
// element slices is populated, matching Kind.
type Array struct {
	Kind  Kind
	Shape []int

	Floats   []float64
	Complexs []complex128
	Ints     []int64
}

// NewFloats builds a Float64 array over the given shape.
func NewFloats(data []float64, shape ...int) *Array {
	return &Array{Kind: Float64, Shape: shape, Floats: data}
}

// NewComplexs builds a Complex128 array over the given shape.
func NewComplexs(data []complex128, shape ...int) *Array {
	return &Array{Kind: Complex128, Shape: shape, Complexs: data}
}

// NewInts builds an Int64 array over the given shape.
func NewInts(data []int64, shape ...int) *Array {
	return &Array{Kind: Int64, Shape: shape, Ints: data}
}

// Len returns the number of elements implied by the shape.
func (a *Array) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Validate checks that the populated slice matches Kind and Shape.
func (a *Array) Validate() error {
	var have int
	switch a.Kind {
	case Float64:
		have = len(a.Floats)
	case Complex128:
		have = len(a.Complexs)
	case Int64:
		have = len(a.Ints)
	default:
		return fmt.Errorf("artifact: unknown array kind %d", a.Kind)
	}
	if want := a.Len(); have != want {
		return &ErrShapeMismatch{Shape: a.Shape, Elements: have}
	}
	return nil
}

// ErrShapeMismatch indicates a dataset whose element count does not match its
// recorded shape, typically a corrupt or foreign cache file.
type ErrShapeMismatch struct {
	Shape    []int
	Elements int
}

func (e *ErrShapeMismatch) Error() string {
	return fmt.Sprintf("shape mismatch: shape %v does not hold %d elements", e.Shape, e.Elements)
}

// Artifact is a named set of datasets with optional string attributes.
type Artifact struct {
	Datasets map[string]*Array
	Attrs    map[string]string
}

// New returns an empty artifact.
func New() *Artifact {
	return &Artifact{
		Datasets: make(map[string]*Array),
		Attrs:    make(map[string]string),
	}
}

// Set stores a dataset under name.
func (a *Artifact) Set(name string, arr *Array) { a.Datasets[name] = arr }

// Get returns a dataset by name.
func (a *Artifact) Get(name string) (*Array, bool) {
	arr, ok := a.Datasets[name]
	return arr, ok
}

// MustGet returns a dataset or an error naming the missing dataset.
func (a *Artifact) MustGet(name string) (*Array, error) {
	arr, ok := a.Datasets[name]
	if !ok {
		return nil, fmt.Errorf("artifact: missing dataset %q", name)
	}
	return arr, nil
}

// Validate checks all datasets.
func (a *Artifact) Validate() error {
	for name, arr := range a.Datasets {
		if err := arr.Validate(); err != nil {
			return fmt.Errorf("artifact: dataset %q: %w", name, err)
		}
	}
	return nil
}
