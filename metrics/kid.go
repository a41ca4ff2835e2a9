package metrics

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

// KernelInceptionDistance は2つの特徴量集合の間のKID（多項式カーネルによる
// 不偏MMD²）を計算する。カーネルは k(x, y) = (x·y/D + 1)³。
//
// refとgenのサンプル数は異なってもよいが、それぞれ2以上が必要。
func KernelInceptionDistance(ref, gen mat.Matrix) (float64, error) {
	m, d := ref.Dims()
	n, d2 := gen.Dims()
	if d != d2 {
		return 0, errors.NewDimensionError("KernelInceptionDistance", d, d2, 1)
	}
	if d == 0 {
		return 0, errors.Wrap(errors.ErrEmptyData, "KernelInceptionDistance")
	}
	if m < 2 || n < 2 {
		return 0, errors.NewValueError("KernelInceptionDistance", "at least 2 samples per set are required")
	}

	// 自己カーネルは対角を除いて平均する
	kxx := polynomialKernel(ref, ref, d)
	kyy := polynomialKernel(gen, gen, d)
	kxy := polynomialKernel(ref, gen, d)

	meanOffDiag := func(k *mat.Dense, size int) float64 {
		return (mat.Sum(k) - mat.Trace(k)) / float64(size*(size-1))
	}
	kid := meanOffDiag(kxx, m) + meanOffDiag(kyy, n) - 2*mat.Sum(kxy)/float64(m*n)
	if err := errors.CheckScalar("KernelInceptionDistance", kid, 0); err != nil {
		return 0, err
	}
	return kid, nil
}

func polynomialKernel(a, b mat.Matrix, d int) *mat.Dense {
	var k mat.Dense
	k.Mul(a, b.T())
	k.Apply(func(_, _ int, v float64) float64 {
		return math.Pow(v/float64(d)+1, 3)
	}, &k)
	return &k
}
