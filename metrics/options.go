package metrics

import (
	"strings"

	"github.com/YuminosukeSato/flowfid/pkg/errors"
	"github.com/YuminosukeSato/flowfid/pkg/log"
)

// Method selects how Tr(√(Σ1Σ2)) is computed.
type Method int

const (
	// MethodEigen takes the principal square root of the (non-symmetric)
	// product Σ1Σ2 through a complex eigendecomposition.
	MethodEigen Method = iota
	// MethodSymmetric uses Tr √(√Σ1 Σ2 √Σ1), which has the same value for
	// PSD inputs and stays real.
	MethodSymmetric
)

func (m Method) String() string {
	switch m {
	case MethodEigen:
		return "eigen"
	case MethodSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// ParseMethod accepts "eigen" or "symmetric".
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "eigen":
		return MethodEigen, nil
	case "symmetric", "sym":
		return MethodSymmetric, nil
	}
	return 0, errors.NewValidationError("method", "must be one of eigen, symmetric", s)
}

const (
	// DefaultEpsilon is the diagonal offset added when the square root is singular.
	DefaultEpsilon = 1e-6
	// DefaultImagTolerance bounds the imaginary part allowed on the diagonal.
	DefaultImagTolerance = 1e-3
)

type frechetConfig struct {
	eps    float64
	atol   float64
	method Method
	logger log.Logger
}

func defaultFrechetConfig() *frechetConfig {
	return &frechetConfig{
		eps:    DefaultEpsilon,
		atol:   DefaultImagTolerance,
		method: MethodEigen,
		logger: log.GetLogger(),
	}
}

// Option configures CalculateFrechetDistance.
type Option func(*frechetConfig)

// WithEpsilon sets the diagonal offset used on a singular product
func WithEpsilon(eps float64) Option {
	return func(c *frechetConfig) {
		c.eps = eps
	}
}

// WithImagTolerance sets the absolute tolerance for imaginary diagonal entries
func WithImagTolerance(atol float64) Option {
	return func(c *frechetConfig) {
		c.atol = atol
	}
}

// WithMethod selects the square root method
func WithMethod(m Method) Option {
	return func(c *frechetConfig) {
		c.method = m
	}
}

// WithLogger sets the logger for debug records
func WithLogger(l log.Logger) Option {
	return func(c *frechetConfig) {
		if l != nil {
			c.logger = l
		}
	}
}
