package linalg

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

func square(m *mat.CDense) *mat.CDense {
	n, _ := m.Dims()
	out := mat.NewCDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var s complex128
			for k := 0; k < n; k++ {
				s += m.At(i, k) * m.At(k, j)
			}
			out.Set(i, j, s)
		}
	}
	return out
}

func randomSPD(rng *rand.Rand, n int) *mat.SymDense {
	x := mat.NewDense(n+3, n, nil)
	for i := 0; i < n+3; i++ {
		for j := 0; j < n; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
	}
	s := mat.NewSymDense(n, nil)
	s.SymOuterK(1, x.T())
	return AddDiagonal(s, 0.1)
}

func TestSqrtmDiagonal(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{4, 0, 0, 9})
	r, err := Sqrtm(a)
	require.NoError(t, err)
	assert.InDelta(t, 2, real(r.At(0, 0)), 1e-12)
	assert.InDelta(t, 3, real(r.At(1, 1)), 1e-12)
	assert.InDelta(t, 0, real(r.At(0, 1)), 1e-12)
	assert.Equal(t, 0.0, MaxAbsImag(r))
}

func TestSqrtmRotation(t *testing.T) {
	// 固有値 ±i を持つ行列でも主平方根は実行列になる
	a := mat.NewDense(2, 2, []float64{0, -1, 1, 0})
	r, err := Sqrtm(a)
	require.NoError(t, err)
	h := 1 / math.Sqrt2
	want := []float64{h, -h, h, h}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			assert.InDelta(t, want[i*2+j], real(r.At(i, j)), 1e-10)
			assert.InDelta(t, 0, imag(r.At(i, j)), 1e-10)
		}
	}
}

func TestSqrtmProductOfCovariances(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	n := 6
	s1, s2 := randomSPD(rng, n), randomSPD(rng, n)
	var prod mat.Dense
	prod.Mul(s1, s2)

	r, err := Sqrtm(&prod)
	require.NoError(t, err)
	assert.True(t, DiagImagWithin(r, 1e-8))

	sq := square(r)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			assert.InDelta(t, prod.At(i, j), real(sq.At(i, j)), 1e-8)
		}
	}

	// Tr √(Σ1Σ2) は √Σ1 Σ2 √Σ1 の平方根のトレースと一致する
	root1, err := SqrtmSym(s1)
	require.NoError(t, err)
	var inner mat.Dense
	inner.Product(root1, s2, root1)
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, (inner.At(i, j)+inner.At(j, i))/2)
		}
	}
	tr, err := TraceSqrtPSD(sym)
	require.NoError(t, err)
	assert.InDelta(t, real(TraceC(r)), tr, 1e-8)
}

func TestSqrtmNegativeEigenvalue(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{-4, 0, 0, 1})
	r, err := Sqrtm(a)
	require.NoError(t, err)
	assert.True(t, HasImag(r))
	assert.InDelta(t, 2, MaxAbsImag(r), 1e-12)
	assert.False(t, DiagImagWithin(r, 1e-3))
	assert.InDelta(t, 1, real(r.At(1, 1)), 1e-12)
}

func TestSqrtmDefectiveIsSingular(t *testing.T) {
	// Jordan ブロックは対角化できない
	a := mat.NewDense(2, 2, []float64{1, 1, 0, 1})
	_, err := Sqrtm(a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSingularMatrix))
}

func TestSqrtmInvalidInput(t *testing.T) {
	_, err := Sqrtm(mat.NewDense(2, 3, nil))
	var dimErr *errors.DimensionError
	require.True(t, errors.As(err, &dimErr))

	nan := mat.NewDense(2, 2, []float64{1, math.NaN(), 0, 1})
	_, err = Sqrtm(nan)
	assert.True(t, errors.Is(err, errors.ErrSingularMatrix))
}

func TestSqrtmSym(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	s := randomSPD(rng, 5)
	root, err := SqrtmSym(s)
	require.NoError(t, err)
	var sq mat.Dense
	sq.Mul(root, root)
	assert.True(t, mat.EqualApprox(&sq, s, 1e-9))

	tr, err := TraceSqrtPSD(s)
	require.NoError(t, err)
	assert.InDelta(t, mat.Trace(root), tr, 1e-9)
}

func TestSqrtmSymClampsNegative(t *testing.T) {
	s := mat.NewSymDense(2, []float64{1, 0, 0, -1e-12})
	root, err := SqrtmSym(s)
	require.NoError(t, err)
	assert.InDelta(t, 1, root.At(0, 0), 1e-12)
	assert.InDelta(t, 0, root.At(1, 1), 1e-12)
}

func TestComplexHelpers(t *testing.T) {
	m := mat.NewCDense(2, 2, []complex128{1 + 1e-4i, 2, 3 - 0.5i, 4})
	assert.Equal(t, complex(5, 1e-4), TraceC(m))
	assert.InDelta(t, 0.5, MaxAbsImag(m), 0)
	assert.True(t, DiagImagWithin(m, 1e-3))
	assert.False(t, DiagImagWithin(m, 1e-5))
	assert.True(t, IsFiniteC(m))
	m.Set(1, 0, complex(math.Inf(1), 0))
	assert.False(t, IsFiniteC(m))
	assert.Equal(t, 4.0, real(m.At(1, 1)))

	d := AddDiagonal(mat.NewSymDense(2, []float64{1, 2, 2, 1}), 0.5)
	assert.Equal(t, 1.5, d.At(0, 0))
	assert.Equal(t, 2.0, d.At(0, 1))
}
