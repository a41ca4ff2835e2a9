// Package features provides the default feature extractor: adaptive average
// pooling followed by a fixed random projection. Any model.Extractor, such as
// a real Inception network, can be used in its place.
package features

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowfid/core/parallel"
	"github.com/YuminosukeSato/flowfid/core/tensor"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

// Activation is applied to the projected features.
type Activation string

const (
	ActivationIdentity Activation = "identity"
	ActivationReLU     Activation = "relu"
	ActivationTanh     Activation = "tanh"
)

// ParseActivation accepts identity, relu or tanh (empty means identity).
func ParseActivation(s string) (Activation, error) {
	switch a := Activation(strings.ToLower(strings.TrimSpace(s))); a {
	case "", ActivationIdentity:
		return ActivationIdentity, nil
	case ActivationReLU, ActivationTanh:
		return a, nil
	}
	return "", errors.NewValidationError("activation", "must be one of identity, relu, tanh", s)
}

func (a Activation) apply(v float64) float64 {
	switch a {
	case ActivationReLU:
		return math.Max(v, 0)
	case ActivationTanh:
		return math.Tanh(v)
	default:
		return v
	}
}

// PoolProjector pools every channel to Pool×Pool, flattens and projects the
// C·Pool² values to Dim features with a seeded Gaussian matrix scaled by
// 1/sqrt(C·Pool²).
type PoolProjector struct {
	channels   int
	pool       int
	dim        int
	activation Activation
	seed       uint64
	proj       *mat.Dense // Dim × C·Pool²
}

// NewPoolProjector creates a projector for images with the given channel count.
func NewPoolProjector(channels, pool, dim int, activation Activation, seed uint64) (*PoolProjector, error) {
	switch {
	case channels <= 0:
		return nil, errors.NewValidationError("channels", "must be positive", channels)
	case pool <= 0:
		return nil, errors.NewValidationError("pool_size", "must be positive", pool)
	case dim <= 0:
		return nil, errors.NewValidationError("feature_dim", "must be positive", dim)
	}
	in := channels * pool * pool
	rng := rand.New(rand.NewPCG(seed, uint64(in)))
	scale := 1 / math.Sqrt(float64(in))
	data := make([]float64, dim*in)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
	return &PoolProjector{
		channels:   channels,
		pool:       pool,
		dim:        dim,
		activation: activation,
		seed:       seed,
		proj:       mat.NewDense(dim, in, data),
	}, nil
}

// Name implements model.Named. Two projectors with the same name produce the
// same features.
func (p *PoolProjector) Name() string {
	return fmt.Sprintf("PoolProjector(%d×%d→%d,%s,seed=%d)", p.pool, p.pool, p.dim, p.activation, p.seed)
}

// Dim is the feature dimensionality.
func (p *PoolProjector) Dim() int { return p.dim }

// Extract maps an N×C×H×W batch to an N×Dim feature matrix. Samples are
// processed in parallel.
func (p *PoolProjector) Extract(ctx context.Context, images *tensor.Tensor) (*mat.Dense, error) {
	if images.Rank() != 4 || images.Dim(1) != p.channels {
		return nil, errors.NewInputShapeError("PoolProjector.Extract", []int{-1, p.channels, -1, -1}, images.Shape())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, h, w := images.Dim(0), images.Dim(2), images.Dim(3)
	if h < p.pool || w < p.pool {
		return nil, errors.NewValueError("PoolProjector.Extract", fmt.Sprintf("image %dx%d is smaller than pool size %d", h, w, p.pool))
	}

	in := p.channels * p.pool * p.pool
	pooled := mat.NewDense(n, in, nil)
	parallel.Parallelize(n, func(start, end int) {
		for i := start; i < end; i++ {
			adaptiveAvgPool(images.Sample(i), p.channels, h, w, p.pool, pooled.RawRowView(i))
		}
	})

	out := mat.NewDense(n, p.dim, nil)
	out.Mul(pooled, p.proj.T())
	out.Apply(func(_, _ int, v float64) float64 { return p.activation.apply(v) }, out)
	return out, nil
}

// adaptiveAvgPool averages each channel of src (C×H×W) into P×P bins.
// Bin i spans [floor(i·H/P), ceil((i+1)·H/P)), so bins may overlap when H is
// not a multiple of P.
func adaptiveAvgPool(src []float64, c, h, w, pool int, dst []float64) {
	for ch := 0; ch < c; ch++ {
		plane := src[ch*h*w : (ch+1)*h*w]
		for by := 0; by < pool; by++ {
			y0, y1 := by*h/pool, ((by+1)*h+pool-1)/pool
			for bx := 0; bx < pool; bx++ {
				x0, x1 := bx*w/pool, ((bx+1)*w+pool-1)/pool
				var s float64
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						s += plane[y*w+x]
					}
				}
				dst[(ch*pool+by)*pool+bx] = s / float64((y1-y0)*(x1-x0))
			}
		}
	}
}
