// Package linalg provides the dense complex linear algebra kernels used by the
// product pipeline: truncated complex SVD and the symmetric-definite generalized
// Hermitian eigenproblem.
//
// gonum's mat package factorizes real matrices only, so both kernels work on the
// standard real embedding of a complex matrix A = X + iY:
//
//	embed(A) = [ X -Y ]
//	           [ Y  X ]
//
// The embedding is an algebra homomorphism, so singular values and eigenvalues of
// embed(A) are those of A with multiplicity doubled, and every real
// singular/eigenvector of the embedding maps back to a valid complex one. The
// kernels factorize the embedding and keep every second value of the doubled
// spectrum.
package linalg

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// CMatrix is a dense complex matrix in row-major layout.
type CMatrix struct {
	Rows, Cols int
	Data       []complex128
}

// NewCMatrix allocates a zeroed r x c matrix.
func NewCMatrix(r, c int) *CMatrix {
	return &CMatrix{Rows: r, Cols: c, Data: make([]complex128, r*c)}
}

// At returns the element at (i, j).
func (m *CMatrix) At(i, j int) complex128 { return m.Data[i*m.Cols+j] }

// Set assigns the element at (i, j).
func (m *CMatrix) Set(i, j int, v complex128) { m.Data[i*m.Cols+j] = v }

// IsEmpty reports whether the matrix has no elements.
func (m *CMatrix) IsEmpty() bool { return m == nil || m.Rows == 0 || m.Cols == 0 }

// Clone returns a deep copy.
func (m *CMatrix) Clone() *CMatrix {
	out := NewCMatrix(m.Rows, m.Cols)
	copy(out.Data, m.Data)
	return out
}

// Dagger returns the conjugate transpose.
func (m *CMatrix) Dagger() *CMatrix {
	out := NewCMatrix(m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			out.Data[j*out.Cols+i] = cmplx.Conj(m.Data[i*m.Cols+j])
		}
	}
	return out
}

// Mul returns a*b.
func Mul(a, b *CMatrix) (*CMatrix, error) {
	if a.Cols != b.Rows {
		return nil, fmt.Errorf("linalg: dimension mismatch in mul: (%d,%d) x (%d,%d)", a.Rows, a.Cols, b.Rows, b.Cols)
	}
	out := NewCMatrix(a.Rows, b.Cols)
	for i := 0; i < a.Rows; i++ {
		arow := a.Data[i*a.Cols : (i+1)*a.Cols]
		orow := out.Data[i*out.Cols : (i+1)*out.Cols]
		for k, av := range arow {
			if av == 0 {
				continue
			}
			brow := b.Data[k*b.Cols : (k+1)*b.Cols]
			for j, bv := range brow {
				orow[j] += av * bv
			}
		}
	}
	return out, nil
}

// Project returns p * a * p^H, the congruence transform of a by p.
func Project(p, a *CMatrix) (*CMatrix, error) {
	pa, err := Mul(p, a)
	if err != nil {
		return nil, err
	}
	return Mul(pa, p.Dagger())
}

// Add accumulates b into a elementwise. The shapes must match.
func Add(a, b *CMatrix) error {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return fmt.Errorf("linalg: dimension mismatch in add: (%d,%d) vs (%d,%d)", a.Rows, a.Cols, b.Rows, b.Cols)
	}
	for i, v := range b.Data {
		a.Data[i] += v
	}
	return nil
}

// Trace returns the trace of a square matrix.
func Trace(m *CMatrix) complex128 {
	var t complex128
	for i := 0; i < m.Rows; i++ {
		t += m.Data[i*m.Cols+i]
	}
	return t
}

// TraceMul returns Tr(a*b) without forming the product.
func TraceMul(a, b *CMatrix) (complex128, error) {
	if a.Cols != b.Rows || a.Rows != b.Cols {
		return 0, fmt.Errorf("linalg: dimension mismatch in tracemul: (%d,%d) x (%d,%d)", a.Rows, a.Cols, b.Rows, b.Cols)
	}
	var t complex128
	for i := 0; i < a.Rows; i++ {
		for k := 0; k < a.Cols; k++ {
			t += a.Data[i*a.Cols+k] * b.Data[k*b.Cols+i]
		}
	}
	return t, nil
}

// embed maps a complex r x c matrix to its real 2r x 2c embedding.
func embed(m *CMatrix) *mat.Dense {
	r, c := m.Rows, m.Cols
	out := mat.NewDense(2*r, 2*c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.Data[i*m.Cols+j]
			x, y := real(v), imag(v)
			out.Set(i, j, x)
			out.Set(i, c+j, -y)
			out.Set(r+i, j, y)
			out.Set(r+i, c+j, x)
		}
	}
	return out
}

// columnToComplex maps column j of a 2n-row real matrix back to a complex
// n-vector using the [x; y] -> x+iy convention of embed.
func columnToComplex(a *mat.Dense, j, n int) []complex128 {
	out := make([]complex128, n)
	for i := 0; i < n; i++ {
		out[i] = complex(a.At(i, j), a.At(n+i, j))
	}
	return out
}

// SVDResult holds a (possibly truncated) complex singular value decomposition
// A = U diag(S) Vh with S sorted descending.
type SVDResult struct {
	U  *CMatrix  // rows x k left singular vectors
	S  []float64 // k singular values, descending
	Vh *CMatrix  // k x cols conjugated right singular vectors
}

// SVD computes the thin complex SVD of a.
func SVD(a *CMatrix) (*SVDResult, error) {
	if a.IsEmpty() {
		return &SVDResult{
			U:  NewCMatrix(a.Rows, 0),
			S:  nil,
			Vh: NewCMatrix(0, a.Cols),
		}, nil
	}

	ar := embed(a)

	var svd mat.SVD
	if ok := svd.Factorize(ar, mat.SVDThin); !ok {
		return nil, fmt.Errorf("linalg: SVD of (%d,%d) matrix did not converge", a.Rows, a.Cols)
	}

	s := svd.Values(nil)

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// The embedding doubles every singular value, so the complex spectrum is
	// every second entry of the doubled one. The matching complex vectors
	// cannot be read off by column position alone: inside a degenerate cluster
	// the real singular subspace is twice as wide as the complex one, and
	// consecutive real columns can map back to the same complex direction.
	// Walk the right singular columns in order and keep each one that stays
	// independent after orthogonalization against the vectors already kept.
	k := min(a.Rows, a.Cols)
	vs, sv, err := independentColumns(&v, s, a.Cols, k)
	if err != nil {
		return nil, fmt.Errorf("linalg: SVD of (%d,%d) matrix: %w", a.Rows, a.Cols, err)
	}

	res := &SVDResult{
		U:  NewCMatrix(a.Rows, k),
		S:  sv,
		Vh: NewCMatrix(k, a.Cols),
	}
	for p, vc := range vs {
		for j := 0; j < a.Cols; j++ {
			res.Vh.Set(p, j, cmplx.Conj(vc[j]))
		}
	}

	// Left vectors come from u_p = A v_p / sigma_p, which keeps the pairing
	// A v_p = sigma_p u_p exact regardless of how the cluster basis was
	// chosen. Columns for vanishing singular values are mapped back from the
	// embedded factor instead; truncation removes them downstream.
	floor := sv[0] * 1e-13
	var uFallback [][]complex128
	for p, vc := range vs {
		var uc []complex128
		if sv[p] > floor {
			uc = make([]complex128, a.Rows)
			for i := 0; i < a.Rows; i++ {
				var acc complex128
				row := a.Data[i*a.Cols : (i+1)*a.Cols]
				for j, av := range row {
					acc += av * vc[j]
				}
				uc[i] = acc
			}
			inv := complex(1/sv[p], 0)
			for i := range uc {
				uc[i] *= inv
			}
		} else {
			if uFallback == nil {
				uFallback, _, err = independentColumns(&u, s, a.Rows, k)
				if err != nil {
					return nil, fmt.Errorf("linalg: SVD of (%d,%d) matrix: %w", a.Rows, a.Cols, err)
				}
			}
			uc = uFallback[p]
		}
		for i := 0; i < a.Rows; i++ {
			res.U.Set(i, p, uc[i])
		}
	}

	return res, nil
}

// independentColumns maps real columns of the embedded factorization back to
// complex vectors, discarding columns whose complex image is already spanned
// by the accepted set, until want vectors are collected. Accepted vectors are
// orthonormalized and returned with the spectrum values of their source
// columns.
func independentColumns(m *mat.Dense, vals []float64, n, want int) ([][]complex128, []float64, error) {
	_, cols := m.Dims()
	kept := make([][]complex128, 0, want)
	keptVals := make([]float64, 0, want)
	for j := 0; j < cols && len(kept) < want; j++ {
		vc := columnToComplex(m, j, n)
		for _, prev := range kept {
			var d complex128
			for i := range prev {
				d += cmplx.Conj(prev[i]) * vc[i]
			}
			for i := range vc {
				vc[i] -= d * prev[i]
			}
		}
		var nrm float64
		for _, x := range vc {
			nrm += real(x)*real(x) + imag(x)*imag(x)
		}
		// Source columns are unit vectors, so anything left after the
		// projection well above roundoff is a new direction.
		if nrm <= 1e-12 {
			continue
		}
		scale := complex(1/math.Sqrt(nrm), 0)
		for i := range vc {
			vc[i] *= scale
		}
		kept = append(kept, vc)
		keptVals = append(keptVals, vals[j])
	}
	if len(kept) < want {
		return nil, nil, fmt.Errorf("embedded factor yielded %d of %d independent directions", len(kept), want)
	}
	return kept, keptVals, nil
}

// Truncate reduces the decomposition to singular values strictly above
// threshold*max(S). A fully truncated result has a zero-width basis.
func (r *SVDResult) Truncate(threshold float64) *SVDResult {
	if len(r.S) == 0 {
		return r
	}
	cut := threshold * r.S[0]
	k := 0
	for _, sv := range r.S {
		if sv > cut {
			k++
		}
	}
	out := &SVDResult{
		U:  NewCMatrix(r.U.Rows, k),
		S:  append([]float64(nil), r.S[:k]...),
		Vh: NewCMatrix(k, r.Vh.Cols),
	}
	for i := 0; i < r.U.Rows; i++ {
		copy(out.U.Data[i*k:(i+1)*k], r.U.Data[i*r.U.Cols:i*r.U.Cols+k])
	}
	copy(out.Vh.Data, r.Vh.Data[:k*r.Vh.Cols])
	return out
}

// EighGen solves the symmetric-definite generalized eigenproblem
//
//	a v = lambda b v
//
// for Hermitian a and Hermitian positive-definite b. The b side is diagonally
// loaded with loading*max|diag(b)| before factorization. Eigenvalues are
// returned descending; row i of the returned matrix is the eigenvector for
// eigenvalue i, normalized so that v^H b v = 1.
func EighGen(a, b *CMatrix, loading float64) ([]float64, *CMatrix, error) {
	if a.Rows != a.Cols || b.Rows != b.Cols || a.Rows != b.Rows {
		return nil, nil, fmt.Errorf("linalg: eighgen needs square matrices of equal order, got (%d,%d) and (%d,%d)",
			a.Rows, a.Cols, b.Rows, b.Cols)
	}
	n := a.Rows
	if n == 0 {
		return nil, NewCMatrix(0, 0), nil
	}

	breg := b.Clone()
	var maxDiag float64
	for i := 0; i < n; i++ {
		if d := math.Abs(real(breg.At(i, i))); d > maxDiag {
			maxDiag = d
		}
	}
	eps := loading * maxDiag
	if eps == 0 {
		eps = loading
	}
	for i := 0; i < n; i++ {
		breg.Set(i, i, breg.At(i, i)+complex(eps, 0))
	}

	ar := embed(a)
	br := embed(breg)

	symB := toSym(br)
	var chol mat.Cholesky
	if ok := chol.Factorize(symB); !ok {
		return nil, nil, fmt.Errorf("linalg: covariance of order %d is not positive definite", n)
	}

	var l mat.TriDense
	chol.LTo(&l)

	// Reduce to the standard problem: C = L^-1 A L^-T.
	var x mat.Dense
	if err := x.Solve(&l, ar); err != nil {
		return nil, nil, fmt.Errorf("linalg: forward substitution failed: %w", err)
	}
	var z mat.Dense
	if err := z.Solve(&l, x.T()); err != nil {
		return nil, nil, fmt.Errorf("linalg: backward substitution failed: %w", err)
	}
	symC := toSym(z.T())

	var es mat.EigenSym
	if ok := es.Factorize(symC, true); !ok {
		return nil, nil, fmt.Errorf("linalg: eigendecomposition of order %d did not converge", n)
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	// Map eigenvectors back: v = L^-T w.
	var back mat.Dense
	if err := back.Solve(l.T(), &vecs); err != nil {
		return nil, nil, fmt.Errorf("linalg: eigenvector back-transform failed: %w", err)
	}

	// gonum returns the real spectrum ascending and the embedding doubles each
	// eigenvalue, so walking down from the top visits the complex spectrum
	// descending, twice over. Inside a degenerate cluster consecutive columns
	// can map back to the same complex direction, so each candidate is
	// orthogonalized against the accepted vectors in the b metric and dropped
	// when nothing independent remains.
	evals := make([]float64, 0, n)
	evecs := NewCMatrix(n, n)
	kept := make([][]complex128, 0, n)
	for j := 2*n - 1; j >= 0 && len(kept) < n; j-- {
		vc := columnToComplex(&back, j, n)
		orig := bNorm(breg, vc)
		for _, prev := range kept {
			d := bDot(breg, prev, vc)
			for i := range prev {
				vc[i] -= d * prev[i]
			}
		}
		norm := bNorm(breg, vc)
		if norm <= orig*1e-12 {
			continue
		}
		scale := complex(1/math.Sqrt(norm), 0)
		for i := range vc {
			vc[i] *= scale
		}
		copy(evecs.Data[len(kept)*n:(len(kept)+1)*n], vc)
		kept = append(kept, vc)
		evals = append(evals, vals[j])
	}
	if len(kept) < n {
		return nil, nil, fmt.Errorf("linalg: eigenbasis of order %d yielded only %d independent directions", n, len(kept))
	}

	return evals, evecs, nil
}

// bDot returns u^H b v.
func bDot(b *CMatrix, u, v []complex128) complex128 {
	var acc complex128
	for i := 0; i < b.Rows; i++ {
		var row complex128
		for j := 0; j < b.Cols; j++ {
			row += b.Data[i*b.Cols+j] * v[j]
		}
		acc += cmplx.Conj(u[i]) * row
	}
	return acc
}

// bNorm returns v^H b v for Hermitian b (the result is real).
func bNorm(b *CMatrix, v []complex128) float64 {
	return real(bDot(b, v, v))
}

// toSym symmetrizes a square real matrix into a SymDense.
func toSym(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return out
}
