package metrics

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

func nan() float64 { return math.NaN() }

func TestKernelInceptionDistance(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	a := randomFeatures(rng, 60, 6, 0)
	b := randomFeatures(rng, 50, 6, 0)
	shifted := randomFeatures(rng, 50, 6, 2)

	same, err := KernelInceptionDistance(a, b)
	require.NoError(t, err)
	far, err := KernelInceptionDistance(a, shifted)
	require.NoError(t, err)
	assert.Greater(t, far, same)
	assert.Greater(t, far, 0.0)

	rev, err := KernelInceptionDistance(shifted, a)
	require.NoError(t, err)
	assert.InDelta(t, far, rev, 1e-9)
}

func TestKernelInceptionDistanceKnownValue(t *testing.T) {
	// D=1: k(x,y) = (xy+1)³
	x := mat.NewDense(2, 1, []float64{0, 1})
	y := mat.NewDense(2, 1, []float64{0, 0})
	got, err := KernelInceptionDistance(x, y)
	require.NoError(t, err)
	// kxx 非対角 = 1, kyy 非対角 = 1, kxy = {1,1,1,1}
	assert.InDelta(t, 0, got, 1e-12)

	y = mat.NewDense(2, 1, []float64{2, 2})
	got, err = KernelInceptionDistance(x, y)
	require.NoError(t, err)
	// kxx=1, kyy=125, kxy 平均 = (1+1+27+27)/4 = 14
	assert.InDelta(t, 1+125-28, got, 1e-9)
}

func TestKernelInceptionDistanceErrors(t *testing.T) {
	_, err := KernelInceptionDistance(mat.NewDense(3, 2, nil), mat.NewDense(3, 3, nil))
	var dimErr *errors.DimensionError
	assert.True(t, errors.As(err, &dimErr))

	_, err = KernelInceptionDistance(mat.NewDense(1, 2, nil), mat.NewDense(3, 2, nil))
	var valErr *errors.ValueError
	assert.True(t, errors.As(err, &valErr))
}
