// Package tensor provides the dense float64 tensor used for image batches and
// flow latents. Layout is row-major; image batches are N×C×H×W.
package tensor

import (
	"fmt"

	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

// Tensor is a dense row-major float64 array.
type Tensor struct {
	shape []int
	data  []float64
}

// New allocates a zeroed tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{shape: append([]int(nil), shape...), data: make([]float64, Size(shape))}
}

// Size is the number of elements of a shape.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Rank is the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Dim returns dimension i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Data returns the backing slice.
func (t *Tensor) Data() []float64 { return t.data }

// Len is the number of elements.
func (t *Tensor) Len() int { return len(t.data) }

// SameShape reports whether t has exactly shape.
func (t *Tensor) SameShape(shape []int) bool {
	if len(shape) != len(t.shape) {
		return false
	}
	for i := range shape {
		if shape[i] != t.shape[i] {
			return false
		}
	}
	return true
}

// Sample returns a view of the i-th entry along the first axis.
func (t *Tensor) Sample(i int) []float64 {
	stride := len(t.data) / t.shape[0]
	return t.data[i*stride : (i+1)*stride]
}

// CountNonFinite counts NaN and ±Inf elements.
func (t *Tensor) CountNonFinite() int {
	return errors.CountNonFinite(t.data)
}

// ConcatChannels concatenates two N×C×H×W tensors along the channel axis.
func ConcatChannels(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 4 || b.Rank() != 4 {
		return nil, errors.NewValueError("tensor.ConcatChannels", fmt.Sprintf("rank 4 required, got %d and %d", a.Rank(), b.Rank()))
	}
	n, ca, h, w := a.shape[0], a.shape[1], a.shape[2], a.shape[3]
	cb := b.shape[1]
	if b.shape[0] != n || b.shape[2] != h || b.shape[3] != w {
		return nil, errors.NewInputShapeError("tensor.ConcatChannels", []int{n, cb, h, w}, b.Shape())
	}
	out := New(n, ca+cb, h, w)
	plane := h * w
	for i := 0; i < n; i++ {
		dst := out.Sample(i)
		copy(dst[:ca*plane], a.Sample(i))
		copy(dst[ca*plane:], b.Sample(i))
	}
	return out, nil
}

// Unsqueeze2x2 maps N×4C×H×W to N×C×2H×2W. Output pixel (c, y, x) is read
// from channel c*4 + (y%2)*2 + x%2 at (y/2, x/2), undoing the squeeze of the
// flow's forward pass.
func Unsqueeze2x2(t *Tensor) (*Tensor, error) {
	if t.Rank() != 4 || t.shape[1]%4 != 0 {
		return nil, errors.NewValueError("tensor.Unsqueeze2x2", fmt.Sprintf("channels must be a multiple of 4, got %v", t.shape))
	}
	n, c4, h2, w2 := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	c, h, w := c4/4, h2*2, w2*2
	out := New(n, c, h, w)
	for i := 0; i < n; i++ {
		src, dst := t.Sample(i), out.Sample(i)
		for ch := 0; ch < c; ch++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					ic := ch*4 + (y%2)*2 + x%2
					dst[(ch*h+y)*w+x] = src[(ic*h2+y/2)*w2+x/2]
				}
			}
		}
	}
	return out, nil
}
