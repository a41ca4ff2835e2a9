package preprocessing

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantizerValue(t *testing.T) {
	tests := []struct {
		name  string
		nBits int
		p     uint8
		want  float64
	}{
		{"8bit zero", 8, 0, -0.5},
		{"8bit max", 8, 255, 255.0/256 - 0.5},
		{"5bit max", 5, 255, 31.0/32 - 0.5},
		{"5bit floor", 5, 7, -0.5},
		{"5bit step", 5, 8, 1.0/32 - 0.5},
		{"1bit", 1, 200, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewQuantizer(tt.nBits)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, q.Value(tt.p), 1e-12)
		})
	}

	_, err := NewQuantizer(0)
	assert.Error(t, err)
	_, err = NewQuantizer(9)
	assert.Error(t, err)
}

func TestQuantizerInverse(t *testing.T) {
	q, err := NewQuantizer(5)
	require.NoError(t, err)
	for p := 0; p < 256; p += 8 {
		assert.Equal(t, uint8(p), q.InverseValue(q.Value(uint8(p))))
	}
	assert.Equal(t, uint8(0), q.InverseValue(-3))
	assert.Equal(t, uint8(248), q.InverseValue(3))
	assert.Equal(t, uint8(0), q.InverseValue(math.NaN()))
}

func TestQuantizerTransform(t *testing.T) {
	q, err := NewQuantizer(8)
	require.NoError(t, err)

	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 0, G: 128, B: 255, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 64, G: 0, B: 0, A: 255})

	dst := make([]float64, 6)
	require.NoError(t, q.Transform(img, dst))
	// CHW: R平面, G平面, B平面
	assert.InDeltaSlice(t, []float64{
		-0.5, 64.0/256 - 0.5,
		0, -0.5,
		255.0/256 - 0.5, -0.5,
	}, dst, 1e-12)

	back, err := q.InverseTransform(dst, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, back.Pix)

	assert.Error(t, q.Transform(img, make([]float64, 5)))
	_, err = q.InverseTransform(dst, 2, 2)
	assert.Error(t, err)
}

func TestResizeCenterCrop(t *testing.T) {
	tests := []struct {
		name string
		w, h int
	}{
		{"landscape", 40, 20},
		{"portrait", 15, 45},
		{"square", 33, 33},
		{"upscale", 4, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := image.NewNRGBA(image.Rect(0, 0, tt.w, tt.h))
			out := ResizeCenterCrop(img, 16)
			assert.Equal(t, 16, out.Bounds().Dx())
			assert.Equal(t, 16, out.Bounds().Dy())
		})
	}

	// 横長画像では中央が残る
	img := image.NewNRGBA(image.Rect(0, 0, 30, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 30; x++ {
			c := color.NRGBA{A: 255}
			if x >= 10 && x < 20 {
				c.R = 255
			}
			img.SetNRGBA(x, y, c)
		}
	}
	out := ResizeCenterCrop(img, 10)
	assert.Equal(t, uint8(255), out.NRGBAAt(5, 5).R)
}
