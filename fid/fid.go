// Package fid computes the Fréchet Inception Distance between a reference
// image loader and samples reconstructed by a normalizing flow from
// temperature-scaled Gaussian latents.
//
//	res, err := fid.Calculate(ctx, cfg, loader, glow, extractor,
//	    fid.WithReferenceCache(cfg.StatsCache),
//	    fid.WithProgress(os.Stderr),
//	)
package fid

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowfid/config"
	"github.com/YuminosukeSato/flowfid/core/model"
	"github.com/YuminosukeSato/flowfid/core/tensor"
	"github.com/YuminosukeSato/flowfid/flow"
	"github.com/YuminosukeSato/flowfid/metrics"
	"github.com/YuminosukeSato/flowfid/performance"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
	"github.com/YuminosukeSato/flowfid/pkg/log"
	"github.com/YuminosukeSato/flowfid/preprocessing"
)

// Result is the outcome of one evaluation run.
type Result struct {
	RunID string
	FID   float64
	// KID is set when cfg.KIDSubset > 0 and reference features were extracted.
	KID *float64
	// Samples is the number of images per distribution.
	Samples int
	// NaNPixels counts non-finite values in the generated images.
	NaNPixels       int
	CachedReference bool
	Duration        time.Duration
	Real, Fake      *metrics.Statistics
}

// collected is what one pass over the loader produces.
type collected struct {
	real, fake *metrics.Statistics
	realKID    *mat.Dense
	fakeKID    *mat.Dense
	nanPixels  int
	cached     bool
}

// ActivationStatistics runs every reference batch and an equally sized
// generated batch through the extractor and returns the mean and covariance
// of both feature sets.
func ActivationStatistics(ctx context.Context, cfg *config.Config, loader model.Loader, gen model.Generator, ext model.Extractor, opts ...Option) (*metrics.Statistics, *metrics.Statistics, error) {
	if err := checkArgs(cfg, loader, gen, ext); err != nil {
		return nil, nil, err
	}
	o := buildOptions(cfg, opts)
	c, err := collect(ctx, cfg, loader, gen, ext, o)
	if err != nil {
		return nil, nil, err
	}
	return c.real, c.fake, nil
}

// Calculate computes the statistics and the Fréchet distance between them.
func Calculate(ctx context.Context, cfg *config.Config, loader model.Loader, gen model.Generator, ext model.Extractor, opts ...Option) (*Result, error) {
	start := time.Now()
	if err := checkArgs(cfg, loader, gen, ext); err != nil {
		return nil, err
	}
	o := buildOptions(cfg, opts)
	logger := o.logger

	c, err := collect(ctx, cfg, loader, gen, ext, o)
	if err != nil {
		logger.Error("activation statistics failed", log.ErrAttrKey, err)
		return nil, err
	}

	value, err := metrics.FrechetDistance(c.real, c.fake,
		metrics.WithEpsilon(cfg.Eps),
		metrics.WithMethod(cfg.MethodValue()),
		metrics.WithLogger(logger),
	)
	if err != nil {
		logger.Error("frechet distance failed", log.ErrAttrKey, err, log.OperationKey, log.OperationFrechet)
		return nil, err
	}

	res := &Result{
		RunID:           o.runID,
		FID:             value,
		Samples:         c.fake.N,
		NaNPixels:       c.nanPixels,
		CachedReference: c.cached,
		Real:            c.real,
		Fake:            c.fake,
	}
	if c.realKID != nil && c.fakeKID != nil {
		kid, err := metrics.KernelInceptionDistance(c.realKID, c.fakeKID)
		if err != nil {
			return nil, err
		}
		res.KID = &kid
	}
	final := []float64{res.FID}
	if res.KID != nil {
		final = append(final, *res.KID)
	}
	if err := errors.CheckNumericalStability("fid", final, 0); err != nil {
		logger.Error("distance is not finite", log.ErrAttrKey, err, log.ErrorCodeKey, log.ErrorNonFinite)
		return nil, err
	}
	res.Duration = time.Since(start)

	fields := []any{
		log.FIDKey, res.FID,
		log.SamplesKey, res.Samples,
		log.DurationMsKey, res.Duration.Milliseconds(),
	}
	if res.KID != nil {
		fields = append(fields, log.KIDKey, *res.KID)
	}
	if secs := res.Duration.Seconds(); secs > 0 {
		fields = append(fields, log.ImagesPerSecKey, float64(2*res.Samples)/secs)
	}
	logger.Info("fid computed", fields...)
	return res, nil
}

func checkArgs(cfg *config.Config, loader model.Loader, gen model.Generator, ext model.Extractor) error {
	if cfg == nil || loader == nil || gen == nil || ext == nil {
		return errors.NewValueError("fid", "config, loader, generator and extractor are required")
	}
	return nil
}

func buildOptions(cfg *config.Config, opts []Option) *options {
	o := &options{logger: log.GetLogger()}
	for _, opt := range opts {
		opt(o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	o.logger = o.logger.With(log.ComponentKey, "fid", log.RunIDKey, o.runID)
	return o
}

func collect(ctx context.Context, cfg *config.Config, loader model.Loader, gen model.Generator, ext model.Extractor, o *options) (*collected, error) {
	if loader.BatchSize() != cfg.Batch {
		return nil, errors.NewValidationError("batch", "loader batch size differs from config batch", loader.BatchSize())
	}
	nBatches := loader.Len()
	if nBatches == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "loader yields no full batch")
	}
	shapes, err := flow.ZShapes(preprocessing.Channels, cfg.ImgSize, cfg.NFlow, cfg.NBlock)
	if err != nil {
		return nil, err
	}

	logger := o.logger
	dim := ext.Dim()
	need := performance.FrechetBytes(dim) + performance.BatchBytes(cfg.Batch, preprocessing.Channels, cfg.ImgSize, dim)
	budget := o.budget
	if budget == nil {
		budget = performance.NewMemoryBudget(cfg.MaxMemoryMB)
	}
	if err := budget.Allocate(need); err != nil {
		return nil, errors.Wrapf(err, "feature dimension %d", dim)
	}
	defer budget.Free(need)
	used, limit := budget.GetUsage()

	logger.Info("computing activation statistics",
		log.ModelNameKey, model.NameOf(gen, "generator"),
		log.BatchSizeKey, cfg.Batch,
		log.ImageSizeKey, cfg.ImgSize,
		log.NFlowKey, cfg.NFlow,
		log.NBlockKey, cfg.NBlock,
		log.TemperatureKey, cfg.Temp,
		log.FeaturesKey, dim,
		log.SamplesKey, nBatches*cfg.Batch,
		log.DataSizeKey, humanize.IBytes(uint64(need)),
	)
	if limit > 0 {
		logger.Debug("memory reserved",
			log.MemoryUsedKey, humanize.IBytes(uint64(used)),
			log.MemoryLimitKey, humanize.IBytes(uint64(limit)),
		)
	}

	fingerprint := referenceFingerprint(cfg, loader, ext)
	out := &collected{}
	if o.cachePath != "" {
		out.real, out.cached = loadCache(o.cachePath, fingerprint, dim, logger)
	}

	realAcc := metrics.NewStatisticsAccumulator(dim)
	fakeAcc := metrics.NewStatisticsAccumulator(dim)
	var realKID, fakeKID [][]float64

	bar := newBar(o, nBatches)
	for i := 0; i < nBatches; i++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "interrupted at batch %d of %d", i, nBatches)
		}

		if !out.cached {
			images, err := loader.Batch(ctx, i)
			if err != nil {
				return nil, errors.Wrapf(err, "load batch %d", i)
			}
			if images == nil {
				return nil, errors.NewValueError("Loader.Batch", fmt.Sprintf("batch %d is nil", i))
			}
			feats, err := extract(ctx, ext, images, cfg.Batch)
			if err != nil {
				return nil, errors.Wrapf(err, "reference batch %d", i)
			}
			if err := realAcc.PartialFit(feats); err != nil {
				return nil, errors.Wrapf(err, "reference batch %d", i)
			}
			realKID = keepRows(realKID, feats, cfg.KIDSubset)
		}

		z := flow.SampleLatents(o.rng, cfg.Batch, shapes, cfg.Temp)
		pics, err := reverse(gen, z)
		if err != nil {
			return nil, errors.Wrapf(err, "generate batch %d", i)
		}
		if nan := pics.CountNonFinite(); nan > 0 {
			out.nanPixels += nan
			w := errors.NewNonFiniteOutputWarning(model.NameOf(gen, "generator"), i, nan, pics.Len())
			errors.Warn(w)
			logger.Warn("generated images contain non-finite values",
				log.BatchIndexKey, i,
				log.NonFiniteKey, nan,
				log.ErrorCodeKey, log.ErrorNonFinite,
				log.SuggestionKey, "lower the sampling temperature",
			)
		}
		feats, err := extract(ctx, ext, pics, cfg.Batch)
		if err != nil {
			return nil, errors.Wrapf(err, "generated batch %d", i)
		}
		if err := fakeAcc.PartialFit(feats); err != nil {
			return nil, errors.Wrapf(err, "generated batch %d", i)
		}
		fakeKID = keepRows(fakeKID, feats, cfg.KIDSubset)

		_ = bar.Add(1)
		logger.Debug("batch done", log.BatchIndexKey, i)
	}
	_ = bar.Finish()

	if !out.cached {
		if out.real, err = realAcc.Statistics(); err != nil {
			return nil, err
		}
		out.real.Fingerprint = fingerprint
		if o.cachePath != "" {
			if err := metrics.SaveStatistics(out.real, o.cachePath); err != nil {
				logger.Warn("could not write reference statistics cache", log.CachePathKey, o.cachePath, log.ErrAttrKey, err)
			} else {
				logger.Info("reference statistics cached", log.CachePathKey, o.cachePath)
			}
		}
		out.realKID = rowsToDense(realKID)
	}
	if out.fake, err = fakeAcc.Statistics(); err != nil {
		return nil, err
	}
	out.fakeKID = rowsToDense(fakeKID)
	return out, nil
}

// referenceFingerprint identifies what produced the reference statistics.
// The generator and its seed are not part of it.
func referenceFingerprint(cfg *config.Config, loader model.Loader, ext model.Extractor) string {
	return fmt.Sprintf("%s|%s|batches=%d×%d|img=%d|bits=%d|dim=%d",
		model.NameOf(ext, "extractor"), model.NameOf(loader, "loader"),
		loader.Len(), cfg.Batch, cfg.ImgSize, cfg.NBits, ext.Dim())
}

// loadCache returns cached reference statistics when path holds a file
// written for the same fingerprint.
func loadCache(path, fingerprint string, dim int, logger log.Logger) (*metrics.Statistics, bool) {
	if _, err := os.Stat(path); err != nil {
		return nil, false
	}
	s, err := metrics.LoadStatistics(path)
	if err != nil {
		logger.Warn("ignoring unreadable reference statistics cache", log.CachePathKey, path, log.ErrAttrKey, err)
		return nil, false
	}
	if s.Dim() != dim {
		logger.Warn("ignoring reference statistics cache with different feature dimension",
			log.CachePathKey, path, log.FeaturesKey, s.Dim())
		return nil, false
	}
	if s.Fingerprint != fingerprint {
		logger.Warn("ignoring reference statistics cache computed for other inputs",
			log.CachePathKey, path, log.FingerprintKey, s.Fingerprint)
		return nil, false
	}
	logger.Info("loaded reference statistics", log.CachePathKey, path, log.SamplesKey, s.N)
	return s, true
}

// extract runs the extractor with panics converted to errors and checks
// that it returned one row per image.
func extract(ctx context.Context, ext model.Extractor, images *tensor.Tensor, batch int) (feats *mat.Dense, err error) {
	err = errors.SafeExecute("Extractor.Extract", func() error {
		var e error
		feats, e = ext.Extract(ctx, images)
		return e
	})
	if err != nil {
		return nil, errors.NewModelError("Extractor.Extract", "extraction failed", err)
	}
	if feats == nil {
		return nil, errors.NewValueError("Extractor.Extract", "returned nil features")
	}
	if r, c := feats.Dims(); r != batch || c != ext.Dim() {
		return nil, errors.NewInputShapeError("Extractor.Extract", []int{batch, ext.Dim()}, []int{r, c})
	}
	return feats, nil
}

// reverse runs the generator with panics converted to errors.
func reverse(gen model.Generator, z []*tensor.Tensor) (pics *tensor.Tensor, err error) {
	err = errors.SafeExecute("Generator.Reverse", func() error {
		var e error
		pics, e = gen.Reverse(z)
		return e
	})
	if err != nil {
		return nil, errors.NewModelError("Generator.Reverse", "reverse pass failed", err)
	}
	if pics == nil {
		return nil, errors.NewValueError("Generator.Reverse", "returned nil images")
	}
	return pics, nil
}

func keepRows(dst [][]float64, feats *mat.Dense, limit int) [][]float64 {
	r, _ := feats.Dims()
	for i := 0; i < r && len(dst) < limit; i++ {
		dst = append(dst, append([]float64(nil), feats.RawRowView(i)...))
	}
	return dst
}

func rowsToDense(rows [][]float64) *mat.Dense {
	if len(rows) < 2 {
		return nil
	}
	out := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, r := range rows {
		out.SetRow(i, r)
	}
	return out
}

func newBar(o *options, total int) *progressbar.ProgressBar {
	if o.progress == nil {
		return progressbar.DefaultSilent(int64(total))
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(o.progress),
		progressbar.OptionSetDescription("fid"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
}
