// Package model defines the contracts between the FID pipeline and the
// pluggable pieces: the image loader, the generative model and the feature
// extractor.
package model

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowfid/core/tensor"
)

// Loader yields reference image batches of shape N×C×H×W.
type Loader interface {
	// Len is the number of batches.
	Len() int
	// BatchSize is N for every batch.
	BatchSize() int
	// Batch returns batch i, 0 <= i < Len().
	Batch(ctx context.Context, i int) (*tensor.Tensor, error)
}

// Generator reconstructs images from latents, one latent tensor per flow block.
type Generator interface {
	Reverse(z []*tensor.Tensor) (*tensor.Tensor, error)
}

// Extractor maps an image batch to an N×D feature matrix.
type Extractor interface {
	Extract(ctx context.Context, images *tensor.Tensor) (*mat.Dense, error)
	// Dim is D.
	Dim() int
}

// Named is implemented by components that report a name in logs and history.
type Named interface {
	Name() string
}

// NameOf returns v's Name() when available and fallback otherwise.
func NameOf(v any, fallback string) string {
	if n, ok := v.(Named); ok {
		return n.Name()
	}
	return fallback
}
