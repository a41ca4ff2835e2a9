package dataset

import (
	"context"
	"fmt"

	"github.com/YuminosukeSato/flowfid/core/tensor"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

// InMemory serves batches from a pre-built N×C×H×W tensor. A trailing
// partial batch is dropped.
type InMemory struct {
	images    *tensor.Tensor
	batchSize int
}

// NewInMemory wraps images without copying.
func NewInMemory(images *tensor.Tensor, batchSize int) (*InMemory, error) {
	if images.Rank() != 4 {
		return nil, errors.NewInputShapeError("NewInMemory", []int{-1, -1, -1, -1}, images.Shape())
	}
	if batchSize <= 0 || batchSize > images.Dim(0) {
		return nil, errors.NewValidationError("batch", fmt.Sprintf("must be in [1, %d]", images.Dim(0)), batchSize)
	}
	return &InMemory{images: images, batchSize: batchSize}, nil
}

// Name implements model.Named.
func (m *InMemory) Name() string { return "InMemory" }

// Len is the number of full batches.
func (m *InMemory) Len() int { return m.images.Dim(0) / m.batchSize }

// BatchSize implements model.Loader.
func (m *InMemory) BatchSize() int { return m.batchSize }

// Batch returns a copy of batch i.
func (m *InMemory) Batch(ctx context.Context, i int) (*tensor.Tensor, error) {
	if i < 0 || i >= m.Len() {
		return nil, errors.NewValueError("InMemory.Batch", fmt.Sprintf("batch %d out of range [0, %d)", i, m.Len()))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shape := m.images.Shape()
	shape[0] = m.batchSize
	out := tensor.New(shape...)
	stride := len(m.images.Sample(0))
	copy(out.Data(), m.images.Data()[i*m.batchSize*stride:(i+1)*m.batchSize*stride])
	return out, nil
}
