// Package flow implements the generator side of the evaluation: latent shape
// bookkeeping for a multi-scale Glow, temperature-scaled latent sampling and
// the Glow reverse pass that turns latents into images.
package flow

import (
	"fmt"
	"math/rand/v2"

	"github.com/YuminosukeSato/flowfid/core/tensor"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

// Shape is a per-sample latent shape C×H×W.
type Shape struct {
	C, H, W int
}

// Dims returns the batched tensor shape N×C×H×W.
func (s Shape) Dims(n int) []int {
	return []int{n, s.C, s.H, s.W}
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s.C, s.H, s.W)
}

// ZShapes returns the latent shape of every block of a Glow with nBlock
// multi-scale blocks on nChannel×inputSize×inputSize images. Every block
// but the last halves the spatial size, doubles the channels and emits half
// of its squeezed channels; the last block emits all 4C channels.
// nFlow does not change the shapes.
func ZShapes(nChannel, inputSize, nFlow, nBlock int) ([]Shape, error) {
	switch {
	case nChannel <= 0:
		return nil, errors.NewValidationError("n_channel", "must be positive", nChannel)
	case inputSize <= 0:
		return nil, errors.NewValidationError("input_size", "must be positive", inputSize)
	case nFlow <= 0:
		return nil, errors.NewValidationError("n_flow", "must be positive", nFlow)
	case nBlock <= 0:
		return nil, errors.NewValidationError("n_block", "must be positive", nBlock)
	case nBlock >= 31 || inputSize%(1<<nBlock) != 0:
		return nil, errors.NewValidationError("input_size", fmt.Sprintf("must be divisible by 2^n_block = 2^%d", nBlock), inputSize)
	}

	shapes := make([]Shape, 0, nBlock)
	for i := 0; i < nBlock-1; i++ {
		inputSize /= 2
		nChannel *= 2
		shapes = append(shapes, Shape{C: nChannel, H: inputSize, W: inputSize})
	}
	inputSize /= 2
	shapes = append(shapes, Shape{C: nChannel * 4, H: inputSize, W: inputSize})
	return shapes, nil
}

// SampleLatents draws one N×C×H×W tensor per shape with entries N(0, 1)·temperature.
func SampleLatents(rng *rand.Rand, batch int, shapes []Shape, temperature float64) []*tensor.Tensor {
	z := make([]*tensor.Tensor, len(shapes))
	for i, s := range shapes {
		t := tensor.New(s.Dims(batch)...)
		data := t.Data()
		for j := range data {
			data[j] = rng.NormFloat64() * temperature
		}
		z[i] = t
	}
	return z
}
