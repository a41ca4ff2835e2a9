// Package metrics は2つの特徴量分布の間の距離（FID, KID）と、その計算に必要な
// 平均・共分散の統計量を提供します。
package metrics

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowfid/linalg"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
	"github.com/YuminosukeSato/flowfid/pkg/log"
)

// CalculateFrechetDistance はガウス分布 N(mu1, sigma1) と N(mu2, sigma2) の間の
// Fréchet距離の二乗を計算する
//
//	d² = ||mu1 - mu2||² + Tr(sigma1 + sigma2 - 2·√(sigma1·sigma2))
//
// 平方根が特異または非有限の場合は警告を出し、両方の共分散の対角にepsを加えて
// 一度だけ再計算する。平方根の対角に許容値を超える虚部が残った場合は
// ImaginaryComponentError を返す。
func CalculateFrechetDistance(mu1 mat.Vector, sigma1 mat.Symmetric, mu2 mat.Vector, sigma2 mat.Symmetric, opts ...Option) (float64, error) {
	cfg := defaultFrechetConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	// 入力検証
	d := mu1.Len()
	if d != mu2.Len() {
		return 0, errors.Wrap(errors.NewDimensionError("CalculateFrechetDistance", d, mu2.Len(), 1),
			"Training and test mean vectors have different lengths")
	}
	if sigma1.SymmetricDim() != sigma2.SymmetricDim() {
		return 0, errors.Wrap(errors.NewDimensionError("CalculateFrechetDistance", sigma1.SymmetricDim(), sigma2.SymmetricDim(), 1),
			"Training and test covariances have different dimensions")
	}
	if sigma1.SymmetricDim() != d {
		return 0, errors.Wrap(errors.NewDimensionError("CalculateFrechetDistance", d, sigma1.SymmetricDim(), 1),
			"Covariance dimension does not match mean length")
	}
	if d == 0 {
		return 0, errors.Wrap(errors.ErrEmptyData, "CalculateFrechetDistance")
	}
	for _, m := range []mat.Matrix{mu1, mu2, sigma1, sigma2} {
		r, c := m.Dims()
		if err := errors.CheckMatrix("CalculateFrechetDistance", m, r, c, 0); err != nil {
			return 0, err
		}
	}

	diff := mat.NewVecDense(d, nil)
	diff.SubVec(mu1, mu2)

	trCovmean, err := traceCovmean(sigma1, sigma2, cfg)
	if err != nil {
		return 0, err
	}

	fid := mat.Dot(diff, diff) + mat.Trace(sigma1) + mat.Trace(sigma2) - 2*trCovmean
	cfg.logger.Debug("frechet distance computed",
		log.OperationKey, log.OperationFrechet,
		log.MethodKey, cfg.method.String(),
		log.FeaturesKey, d,
		log.FIDKey, fid,
	)
	return fid, nil
}

// traceCovmean は Tr(√(sigma1·sigma2)) を返す。特異な場合は eps·I を加えて一度だけ再試行する。
func traceCovmean(sigma1, sigma2 mat.Symmetric, cfg *frechetConfig) (float64, error) {
	tr, err := traceSqrtProduct(sigma1, sigma2, cfg)
	if err == nil || !errors.Is(err, errors.ErrSingularMatrix) {
		return tr, err
	}

	d := sigma1.SymmetricDim()
	errors.Warn(errors.NewSingularProductWarning(cfg.eps, d))
	cfg.logger.Debug("retrying square root with diagonal offset",
		log.OperationKey, log.OperationSqrtm,
		log.EpsilonKey, cfg.eps,
		log.ErrorCodeKey, log.ErrorSingularMatrix,
	)

	tr, err = traceSqrtProduct(linalg.AddDiagonal(sigma1, cfg.eps), linalg.AddDiagonal(sigma2, cfg.eps), cfg)
	if err != nil {
		return 0, errors.Wrapf(err, "square root still singular after adding %g to the diagonal", cfg.eps)
	}
	return tr, nil
}

func traceSqrtProduct(sigma1, sigma2 mat.Symmetric, cfg *frechetConfig) (float64, error) {
	switch cfg.method {
	case MethodSymmetric:
		root1, err := linalg.SqrtmSym(sigma1)
		if err != nil {
			return 0, err
		}
		var inner mat.Dense
		inner.Product(root1, sigma2, root1)
		d := sigma1.SymmetricDim()
		sym := mat.NewSymDense(d, nil)
		for i := 0; i < d; i++ {
			for j := i; j < d; j++ {
				sym.SetSym(i, j, (inner.At(i, j)+inner.At(j, i))/2)
			}
		}
		return linalg.TraceSqrtPSD(sym)

	case MethodEigen:
		var prod mat.Dense
		prod.Mul(sigma1, sigma2)
		covmean, err := linalg.Sqrtm(&prod)
		if err != nil {
			return 0, err
		}
		if linalg.HasImag(covmean) {
			m := linalg.MaxAbsImag(covmean)
			if !linalg.DiagImagWithin(covmean, cfg.atol) {
				return 0, errors.NewImaginaryComponentError("CalculateFrechetDistance", m)
			}
			if cfg.logger.Enabled(context.Background(), log.LevelDebug) {
				cfg.logger.Debug("discarding imaginary part of square root", log.ImagKey, m)
			}
		}
		return real(linalg.TraceC(covmean)), nil

	default:
		return 0, errors.NewValidationError("method", "unknown square root method", int(cfg.method))
	}
}

// FrechetDistance は2つの Statistics の間のFIDを計算する
func FrechetDistance(s1, s2 *Statistics, opts ...Option) (float64, error) {
	if s1 == nil || s2 == nil {
		return 0, errors.NewValueError("FrechetDistance", "statistics must not be nil")
	}
	return CalculateFrechetDistance(s1.Mu, s1.Sigma, s2.Mu, s2.Sigma, opts...)
}
