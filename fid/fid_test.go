package fid

import (
	"bytes"
	"context"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowfid/config"
	"github.com/YuminosukeSato/flowfid/core/model"
	"github.com/YuminosukeSato/flowfid/core/tensor"
	"github.com/YuminosukeSato/flowfid/dataset"
	"github.com/YuminosukeSato/flowfid/features"
	"github.com/YuminosukeSato/flowfid/flow"
	"github.com/YuminosukeSato/flowfid/performance"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
	"github.com/YuminosukeSato/flowfid/pkg/log"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Batch = 4
	cfg.ImgSize = 8
	cfg.NFlow = 1
	cfg.NBlock = 2
	cfg.Hidden = 4
	cfg.FeatureDim = 6
	cfg.PoolSize = 2
	cfg.Seed = 3
	return cfg
}

func testLoader(t *testing.T, cfg *config.Config, batches int) *dataset.InMemory {
	t.Helper()
	rng := rand.New(rand.NewPCG(10, 20))
	images := tensor.New(batches*cfg.Batch, 3, cfg.ImgSize, cfg.ImgSize)
	for i := range images.Data() {
		images.Data()[i] = rng.Float64() - 0.5
	}
	l, err := dataset.NewInMemory(images, cfg.Batch)
	require.NoError(t, err)
	return l
}

func testParts(t *testing.T, cfg *config.Config) (*flow.Glow, *features.PoolProjector) {
	t.Helper()
	g, err := flow.NewGlow(3, cfg.NFlow, cfg.NBlock, cfg.Hidden, cfg.Seed)
	require.NoError(t, err)
	p, err := features.NewPoolProjector(3, cfg.PoolSize, cfg.FeatureDim, cfg.ActivationValue(), cfg.Seed)
	require.NoError(t, err)
	return g, p
}

// replayGenerator は参照画像をそのまま「生成」する
type replayGenerator struct {
	loader model.Loader
	next   int
}

func (r *replayGenerator) Reverse(_ []*tensor.Tensor) (*tensor.Tensor, error) {
	b, err := r.loader.Batch(context.Background(), r.next)
	r.next++
	return b, err
}

type panicGenerator struct{}

func (panicGenerator) Reverse(_ []*tensor.Tensor) (*tensor.Tensor, error) {
	panic("reverse exploded")
}

// nanGenerator は各バッチに1つだけNaNを含む画像を返す
type nanGenerator struct{ cfg *config.Config }

func (g nanGenerator) Reverse(_ []*tensor.Tensor) (*tensor.Tensor, error) {
	t := tensor.New(g.cfg.Batch, 3, g.cfg.ImgSize, g.cfg.ImgSize)
	t.Data()[0] = math.NaN()
	return t, nil
}

// noiseExtractor は入力を見ずに乱数の特徴量を返す
type noiseExtractor struct {
	rng  *rand.Rand
	dim  int
	rows int
}

func (e *noiseExtractor) Extract(_ context.Context, images *tensor.Tensor) (*mat.Dense, error) {
	rows := images.Dim(0)
	if e.rows > 0 {
		rows = e.rows
	}
	out := mat.NewDense(rows, e.dim, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < e.dim; j++ {
			out.Set(i, j, e.rng.NormFloat64())
		}
	}
	return out, nil
}

func (e *noiseExtractor) Dim() int { return e.dim }

// nilGenerator はエラーなしで nil を返す
type nilGenerator struct{}

func (nilGenerator) Reverse(_ []*tensor.Tensor) (*tensor.Tensor, error) {
	return nil, nil
}

// nilExtractor はエラーなしで nil を返す
type nilExtractor struct{}

func (nilExtractor) Extract(context.Context, *tensor.Tensor) (*mat.Dense, error) {
	return nil, nil
}

func (nilExtractor) Dim() int { return 4 }

type brokenExtractor struct{}

func (brokenExtractor) Extract(context.Context, *tensor.Tensor) (*mat.Dense, error) {
	return nil, errors.New("weights not loaded")
}

func (brokenExtractor) Dim() int { return 4 }

// failingLoader は Batch を呼ばれると失敗する。名前は元のローダーと同じ。
type failingLoader struct{ *dataset.InMemory }

func (failingLoader) Batch(context.Context, int) (*tensor.Tensor, error) {
	return nil, errors.New("reference images unavailable")
}

func TestCalculate(t *testing.T) {
	cfg := testConfig()
	loader := testLoader(t, cfg, 3)
	g, p := testParts(t, cfg)
	logger, _ := log.NewTestLogger(log.LevelDebug)

	res, err := Calculate(context.Background(), cfg, loader, g, p, WithLogger(logger))
	require.NoError(t, err)

	assert.Equal(t, 12, res.Samples)
	assert.Equal(t, 12, res.Real.N)
	assert.Equal(t, 6, res.Real.Dim())
	assert.False(t, math.IsNaN(res.FID))
	assert.Greater(t, res.FID, -1e-6)
	assert.Zero(t, res.NaNPixels)
	assert.Nil(t, res.KID)
	_, err = uuid.Parse(res.RunID)
	assert.NoError(t, err)
	assert.True(t, logger.ContainsMessage("fid computed"))
	assert.True(t, logger.ContainsField(log.RunIDKey, res.RunID))

	// 同じシードなら同じ結果
	again, err := Calculate(context.Background(), cfg, loader, g, p, WithRunID("fixed"))
	require.NoError(t, err)
	assert.InDelta(t, res.FID, again.FID, 1e-9)
	assert.Equal(t, "fixed", again.RunID)
}

func TestCalculateIdenticalDistributions(t *testing.T) {
	cfg := testConfig()
	loader := testLoader(t, cfg, 4)
	_, p := testParts(t, cfg)

	res, err := Calculate(context.Background(), cfg, loader, &replayGenerator{loader: loader}, p)
	require.NoError(t, err)
	assert.InDelta(t, 0, res.FID, 1e-6)
	assert.True(t, mat.EqualApprox(res.Real.Mu, res.Fake.Mu, 1e-12))
}

func TestActivationStatistics(t *testing.T) {
	cfg := testConfig()
	loader := testLoader(t, cfg, 2)
	g, p := testParts(t, cfg)

	ref, gen, err := ActivationStatistics(context.Background(), cfg, loader, g, p)
	require.NoError(t, err)
	assert.Equal(t, 8, ref.N)
	assert.Equal(t, 8, gen.N)
	assert.Equal(t, p.Dim(), gen.Sigma.SymmetricDim())
}

func TestCalculateReferenceCache(t *testing.T) {
	cfg := testConfig()
	loader := testLoader(t, cfg, 3)
	g, p := testParts(t, cfg)
	path := filepath.Join(t.TempDir(), "ref.gob")

	first, err := Calculate(context.Background(), cfg, loader, g, p, WithReferenceCache(path))
	require.NoError(t, err)
	assert.False(t, first.CachedReference)
	_, err = os.Stat(path)
	require.NoError(t, err)

	// 2回目は参照画像を読まない
	second, err := Calculate(context.Background(), cfg, failingLoader{loader}, g, p, WithReferenceCache(path))
	require.NoError(t, err)
	assert.True(t, second.CachedReference)
	assert.InDelta(t, first.FID, second.FID, 1e-9)
	assert.Equal(t, first.Real.Fingerprint, second.Real.Fingerprint)

	// 次元が同じでも別の抽出器で作ったキャッシュは使わない
	other, err := features.NewPoolProjector(3, cfg.PoolSize, cfg.FeatureDim, cfg.ActivationValue(), cfg.Seed+1)
	require.NoError(t, err)
	logger, _ := log.NewTestLogger(log.LevelDebug)
	reseeded, err := Calculate(context.Background(), cfg, loader, g, other, WithReferenceCache(path), WithLogger(logger))
	require.NoError(t, err)
	assert.False(t, reseeded.CachedReference)
	assert.True(t, logger.ContainsMessage("ignoring reference statistics cache computed for other inputs"))
	_, err = Calculate(context.Background(), cfg, failingLoader{loader}, g, p, WithReferenceCache(path))
	assert.Error(t, err, "cache now belongs to the reseeded projector")

	// 次元が合わないキャッシュは無視して再計算する
	cfg.FeatureDim = 5
	_, p5 := testParts(t, cfg)
	third, err := Calculate(context.Background(), cfg, loader, g, p5, WithReferenceCache(path))
	require.NoError(t, err)
	assert.False(t, third.CachedReference)
}

func TestCalculateKID(t *testing.T) {
	cfg := testConfig()
	cfg.KIDSubset = 6
	loader := testLoader(t, cfg, 3)
	g, p := testParts(t, cfg)

	res, err := Calculate(context.Background(), cfg, loader, g, p)
	require.NoError(t, err)
	require.NotNil(t, res.KID)
	assert.False(t, math.IsNaN(*res.KID))
}

func TestCalculateNonFiniteImages(t *testing.T) {
	cfg := testConfig()
	loader := testLoader(t, cfg, 2)
	ext := &noiseExtractor{rng: rand.New(rand.NewPCG(1, 1)), dim: 4}

	var warnings []error
	errors.SetZerologWarnFunc(nil)
	errors.SetWarningHandler(func(w error) { warnings = append(warnings, w) })
	t.Cleanup(func() { errors.SetWarningHandler(func(error) {}) })

	logger, _ := log.NewTestLogger(log.LevelInfo)
	res, err := Calculate(context.Background(), cfg, loader, nanGenerator{cfg}, ext, WithLogger(logger))
	require.NoError(t, err)
	assert.Equal(t, 2, res.NaNPixels)
	require.Len(t, warnings, 2)
	var w *errors.NonFiniteOutputWarning
	require.True(t, errors.As(warnings[1], &w))
	assert.Equal(t, 1, w.Batch)
	assert.Equal(t, 1, w.Count)
	assert.True(t, logger.ContainsField(log.NonFiniteKey, 1.0))
}

func TestCalculateErrors(t *testing.T) {
	cfg := testConfig()
	loader := testLoader(t, cfg, 2)
	g, p := testParts(t, cfg)

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Calculate(ctx, cfg, loader, g, p)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("generator panic", func(t *testing.T) {
		_, err := Calculate(context.Background(), cfg, loader, panicGenerator{}, p)
		var pe *errors.PanicError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "Generator.Reverse", pe.Operation)
		var me *errors.ModelError
		require.True(t, errors.As(err, &me))
		assert.Equal(t, "Generator.Reverse", me.Op)
	})

	t.Run("extractor failure", func(t *testing.T) {
		_, err := Calculate(context.Background(), cfg, loader, g, brokenExtractor{})
		var me *errors.ModelError
		require.True(t, errors.As(err, &me))
		assert.Equal(t, "Extractor.Extract", me.Op)
		assert.Contains(t, err.Error(), "weights not loaded")
	})

	t.Run("nil arguments", func(t *testing.T) {
		require.NotPanics(t, func() {
			_, err := Calculate(context.Background(), nil, loader, g, p)
			var vErr *errors.ValueError
			assert.True(t, errors.As(err, &vErr))
			_, _, err = ActivationStatistics(context.Background(), nil, loader, g, p)
			assert.True(t, errors.As(err, &vErr))
			_, err = Calculate(context.Background(), cfg, loader, nil, p)
			assert.True(t, errors.As(err, &vErr))
		})
	})

	t.Run("nil generator output", func(t *testing.T) {
		require.NotPanics(t, func() {
			_, err := Calculate(context.Background(), cfg, loader, nilGenerator{}, p)
			var vErr *errors.ValueError
			require.True(t, errors.As(err, &vErr))
			assert.Contains(t, err.Error(), "nil images")
		})
	})

	t.Run("nil extractor output", func(t *testing.T) {
		require.NotPanics(t, func() {
			_, err := Calculate(context.Background(), cfg, loader, g, nilExtractor{})
			var vErr *errors.ValueError
			require.True(t, errors.As(err, &vErr))
			assert.Contains(t, err.Error(), "nil features")
		})
	})

	t.Run("extractor row count", func(t *testing.T) {
		ext := &noiseExtractor{rng: rand.New(rand.NewPCG(2, 2)), dim: 3, rows: 2}
		_, err := Calculate(context.Background(), cfg, loader, g, ext)
		var shapeErr *errors.InputShapeError
		assert.True(t, errors.As(err, &shapeErr))
	})

	t.Run("batch mismatch", func(t *testing.T) {
		other := *cfg
		other.Batch = 2
		_, err := Calculate(context.Background(), &other, loader, g, p)
		var vErr *errors.ValidationError
		assert.True(t, errors.As(err, &vErr))
	})

	t.Run("memory budget", func(t *testing.T) {
		other := *cfg
		other.MaxMemoryMB = 1
		big := &noiseExtractor{rng: rand.New(rand.NewPCG(3, 3)), dim: 1024}
		_, err := Calculate(context.Background(), &other, loader, g, big)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "memory limit exceeded")
	})

	t.Run("reference load failure", func(t *testing.T) {
		_, err := Calculate(context.Background(), cfg, failingLoader{loader}, g, p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reference images unavailable")
	})
}

func TestCalculateSharedMemoryBudget(t *testing.T) {
	cfg := testConfig()
	loader := testLoader(t, cfg, 2)
	g, p := testParts(t, cfg)
	budget := performance.NewMemoryBudget(1)

	_, err := Calculate(context.Background(), cfg, loader, g, p, WithMemoryBudget(budget))
	require.NoError(t, err)
	used, limit := budget.GetUsage()
	assert.Zero(t, used, "reservation is released when the run returns")
	assert.Equal(t, int64(1<<20), limit)

	// 他の処理が予算を使い切っていれば失敗する
	require.NoError(t, budget.Allocate(1<<20))
	_, err = Calculate(context.Background(), cfg, loader, g, p, WithMemoryBudget(budget))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory limit exceeded")
	budget.Free(1 << 20)
}

func TestCalculateProgress(t *testing.T) {
	cfg := testConfig()
	loader := testLoader(t, cfg, 2)
	g, p := testParts(t, cfg)

	var buf bytes.Buffer
	_, err := Calculate(context.Background(), cfg, loader, g, p, WithProgress(&buf))
	require.NoError(t, err)
	assert.NotZero(t, buf.Len())
}
