// Package linalg holds the matrix functions needed by the Fréchet distance:
// principal square roots of general and symmetric matrices, built on gonum.
package linalg

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/cblas128"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

// MaxCondition is the eigenvector condition number above which Sqrtm treats
// the input as singular.
const MaxCondition = 1e12

// Sqrtm returns the principal square root of the square matrix a, computed
// from the complex eigendecomposition a = V·diag(λ)·V⁻¹ as V·diag(√λ)·V⁻¹.
// The result is complex in general; callers decide what to do with any
// imaginary part.
//
// ErrSingularMatrix is returned (wrapped) when the decomposition fails, when V
// is numerically singular, or when the result is not finite.
func Sqrtm(a mat.Matrix) (*mat.CDense, error) {
	r, c := a.Dims()
	if r != c {
		return nil, errors.NewDimensionError("Sqrtm", r, c, 1)
	}
	if r == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "Sqrtm")
	}
	if err := errors.CheckMatrix("Sqrtm", a, r, c, 0); err != nil {
		return nil, errors.Wrap(errors.ErrSingularMatrix, err.Error())
	}

	var eig mat.Eigen
	if ok := eig.Factorize(a, mat.EigenRight); !ok {
		return nil, errors.Wrap(errors.ErrSingularMatrix, "Sqrtm: eigendecomposition failed")
	}
	values := eig.Values(nil)
	var vecs mat.CDense
	eig.VectorsTo(&vecs)

	inv, cond, err := invertComplex(&vecs)
	if err != nil {
		return nil, err
	}
	if cond > MaxCondition {
		return nil, errors.Wrapf(errors.ErrSingularMatrix, "Sqrtm: eigenvector condition %.3g", cond)
	}

	// scaled = V·diag(√λ)
	scaled := mat.NewCDense(r, r, nil)
	for i := 0; i < r; i++ {
		for k := 0; k < r; k++ {
			scaled.Set(i, k, vecs.At(i, k)*cmplx.Sqrt(values[k]))
		}
	}
	out := mat.NewCDense(r, r, nil)
	cblas128.Gemm(blas.NoTrans, blas.NoTrans, 1, scaled.RawCMatrix(), inv.RawCMatrix(), 0, out.RawCMatrix())

	if !IsFiniteC(out) {
		return nil, errors.Wrap(errors.ErrSingularMatrix, "Sqrtm: non-finite result")
	}
	return out, nil
}

// invertComplex inverts a by Gauss-Jordan elimination with partial pivoting
// and returns the 1-norm condition estimate ‖a‖₁·‖a⁻¹‖₁.
func invertComplex(a *mat.CDense) (*mat.CDense, float64, error) {
	n, _ := a.Dims()
	work := make([][]complex128, n)
	inv := make([][]complex128, n)
	for i := 0; i < n; i++ {
		work[i] = make([]complex128, n)
		inv[i] = make([]complex128, n)
		for j := 0; j < n; j++ {
			work[i][j] = a.At(i, j)
		}
		inv[i][i] = 1
	}

	scale := norm1(work)
	tol := float64(n) * 1e-15 * scale
	for col := 0; col < n; col++ {
		pivot, best := col, cmplx.Abs(work[col][col])
		for row := col + 1; row < n; row++ {
			if v := cmplx.Abs(work[row][col]); v > best {
				pivot, best = row, v
			}
		}
		if best <= tol {
			return nil, math.Inf(1), errors.Wrapf(errors.ErrSingularMatrix, "Sqrtm: eigenvector matrix singular at column %d", col)
		}
		work[col], work[pivot] = work[pivot], work[col]
		inv[col], inv[pivot] = inv[pivot], inv[col]

		p := work[col][col]
		for j := 0; j < n; j++ {
			work[col][j] /= p
			inv[col][j] /= p
		}
		for row := 0; row < n; row++ {
			if row == col {
				continue
			}
			f := work[row][col]
			if f == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				work[row][j] -= f * work[col][j]
				inv[row][j] -= f * inv[col][j]
			}
		}
	}

	out := mat.NewCDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out.Set(i, j, inv[i][j])
		}
	}
	return out, scale * norm1(inv), nil
}

func norm1(m [][]complex128) float64 {
	var best float64
	for j := range m {
		var s float64
		for i := range m {
			s += cmplx.Abs(m[i][j])
		}
		best = math.Max(best, s)
	}
	return best
}

// SqrtmSym returns the symmetric positive semi-definite square root of a.
// Negative eigenvalues from round-off are clamped to zero.
func SqrtmSym(a mat.Symmetric) (*mat.SymDense, error) {
	n := a.SymmetricDim()
	if n == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "SqrtmSym")
	}
	var es mat.EigenSym
	if ok := es.Factorize(a, true); !ok {
		return nil, errors.Wrap(errors.ErrSingularMatrix, "SqrtmSym: eigendecomposition failed")
	}
	values := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	// √a = W·Wᵀ with W = V·diag(λ^¼)
	for j, v := range values {
		f := math.Pow(math.Max(v, 0), 0.25)
		for i := 0; i < n; i++ {
			vecs.Set(i, j, vecs.At(i, j)*f)
		}
	}
	out := mat.NewSymDense(n, nil)
	out.SymOuterK(1, &vecs)
	return out, nil
}

// TraceSqrtPSD returns Tr(√a) for a symmetric positive semi-definite a, that
// is the sum of the square roots of its clamped eigenvalues.
func TraceSqrtPSD(a mat.Symmetric) (float64, error) {
	if a.SymmetricDim() == 0 {
		return 0, errors.Wrap(errors.ErrEmptyData, "TraceSqrtPSD")
	}
	var es mat.EigenSym
	if ok := es.Factorize(a, false); !ok {
		return 0, errors.Wrap(errors.ErrSingularMatrix, "TraceSqrtPSD: eigendecomposition failed")
	}
	var tr float64
	for _, v := range es.Values(nil) {
		tr += math.Sqrt(math.Max(v, 0))
	}
	return tr, nil
}

// AddDiagonal returns a + eps·I.
func AddDiagonal(a mat.Symmetric, eps float64) *mat.SymDense {
	n := a.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	out.CopySym(a)
	for i := 0; i < n; i++ {
		out.SetSym(i, i, out.At(i, i)+eps)
	}
	return out
}
