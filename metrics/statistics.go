package metrics

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/flowfid/core/model"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

// Statistics は特徴量分布の平均ベクトルと共分散行列
type Statistics struct {
	N     int
	Mu    *mat.VecDense
	Sigma *mat.SymDense
	// Fingerprint は統計量を作った抽出器とデータの識別子。キャッシュの照合に使う。
	Fingerprint string
}

// Dim は特徴量の次元数を返す
func (s *Statistics) Dim() int {
	return s.Mu.Len()
}

// ComputeStatistics は N×D の特徴量行列からサンプル方向（axis 0）の平均と
// 不偏共分散（N-1で正規化）を計算する。2サンプル以上が必要。
func ComputeStatistics(features mat.Matrix) (*Statistics, error) {
	n, d := features.Dims()
	if n == 0 || d == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "ComputeStatistics")
	}
	if n < 2 {
		return nil, errors.NewValueError("ComputeStatistics", "at least 2 samples are required for a covariance estimate")
	}
	if err := errors.CheckMatrix("ComputeStatistics", features, n, d, 0); err != nil {
		return nil, err
	}

	mu := mat.NewVecDense(d, nil)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mat.Col(col, j, features)
		mu.SetVec(j, stat.Mean(col, nil))
	}
	sigma := mat.NewSymDense(d, nil)
	stat.CovarianceMatrix(sigma, features, nil)

	return &Statistics{N: n, Mu: mu, Sigma: sigma}, nil
}

// StatisticsAccumulator はバッチごとに特徴量を受け取り、全体を保持せずに
// 平均と共分散を逐次更新する（Chan et al. の並列アルゴリズム）。
type StatisticsAccumulator struct {
	model.BaseEstimator

	dim  int
	n    int
	mean *mat.VecDense
	m2   *mat.SymDense // 偏差平方和行列
}

// NewStatisticsAccumulator は新しいアキュムレータを作成する。
// dim が0の場合は最初のバッチから次元を決める。
func NewStatisticsAccumulator(dim int) *StatisticsAccumulator {
	return &StatisticsAccumulator{dim: dim}
}

// PartialFit はバッチ（行がサンプル）を取り込む
func (a *StatisticsAccumulator) PartialFit(batch mat.Matrix) error {
	nb, d := batch.Dims()
	if nb == 0 || d == 0 {
		return errors.Wrap(errors.ErrEmptyData, "StatisticsAccumulator.PartialFit")
	}
	if a.dim == 0 {
		a.dim = d
	}
	if d != a.dim {
		return errors.NewDimensionError("StatisticsAccumulator.PartialFit", a.dim, d, 1)
	}
	if err := errors.CheckMatrix("StatisticsAccumulator.PartialFit", batch, nb, d, a.n); err != nil {
		return err
	}

	// バッチ平均と偏差平方和
	mb := mat.NewVecDense(d, nil)
	col := make([]float64, nb)
	for j := 0; j < d; j++ {
		mat.Col(col, j, batch)
		mb.SetVec(j, stat.Mean(col, nil))
	}

	centered := mat.NewDense(nb, d, nil)
	for i := 0; i < nb; i++ {
		for j := 0; j < d; j++ {
			centered.Set(i, j, batch.At(i, j)-mb.AtVec(j))
		}
	}
	sb := mat.NewSymDense(d, nil)
	sb.SymOuterK(1, centered.T())

	if !a.IsFitted() {
		a.mean, a.m2, a.n = mb, sb, nb
		a.SetFitted()
		return nil
	}

	// M2 = M2a + M2b + δδᵀ·na·nb/n
	total := a.n + nb
	delta := mat.NewVecDense(d, nil)
	delta.SubVec(mb, a.mean)
	a.mean.AddScaledVec(a.mean, float64(nb)/float64(total), delta)
	a.m2.AddSym(a.m2, sb)
	a.m2.SymRankOne(a.m2, float64(a.n)*float64(nb)/float64(total), delta)
	a.n = total
	return nil
}

// Statistics は蓄積したデータの平均と不偏共分散を返す
func (a *StatisticsAccumulator) Statistics() (*Statistics, error) {
	if !a.IsFitted() {
		return nil, errors.NewNotFittedError("StatisticsAccumulator", "Statistics")
	}
	if a.n < 2 {
		return nil, errors.NewValueError("StatisticsAccumulator.Statistics", "at least 2 samples are required for a covariance estimate")
	}
	mu := mat.VecDenseCopyOf(a.mean)
	sigma := mat.NewSymDense(a.dim, nil)
	sigma.ScaleSym(1/float64(a.n-1), a.m2)
	return &Statistics{N: a.n, Mu: mu, Sigma: sigma}, nil
}

// N は蓄積したサンプル数
func (a *StatisticsAccumulator) N() int {
	return a.n
}

// Dim は特徴量の次元数（未確定なら0）
func (a *StatisticsAccumulator) Dim() int {
	return a.dim
}

// Reset は蓄積をすべて破棄する。次元は保持される。
func (a *StatisticsAccumulator) Reset() {
	a.BaseEstimator.Reset()
	a.n = 0
	a.mean = nil
	a.m2 = nil
}
