package preprocessing

import (
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

// Channels は画像テンソルのチャネル数（RGB）
const Channels = 3

// Quantizer は8bitの画素値を nBits に量子化し、[-0.5, 0.5) に正規化する
//
//	v = floor(p / 2^(8-nBits)) / 2^nBits - 0.5
//
// 使用例:
//
//	q, err := preprocessing.NewQuantizer(5)
//	chw := make([]float64, 3*64*64)
//	q.Transform(preprocessing.ResizeCenterCrop(img, 64), chw)
type Quantizer struct {
	// NBits は量子化ビット数 (1〜8)
	NBits int
}

// NewQuantizer は新しいQuantizerを作成する
func NewQuantizer(nBits int) (*Quantizer, error) {
	if nBits < 1 || nBits > 8 {
		return nil, errors.NewValidationError("n_bits", "must be between 1 and 8", nBits)
	}
	return &Quantizer{NBits: nBits}, nil
}

// Bins は量子化後の階調数 2^nBits
func (q *Quantizer) Bins() int {
	return 1 << q.NBits
}

// Value は1つの画素値を変換する
func (q *Quantizer) Value(p uint8) float64 {
	level := int(p) >> (8 - q.NBits)
	return float64(level)/float64(q.Bins()) - 0.5
}

// InverseValue は Value の逆変換。範囲外の値は飽和させ、NaNは0にする。
func (q *Quantizer) InverseValue(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	level := math.Floor((v + 0.5) * float64(q.Bins()))
	level = math.Max(0, math.Min(float64(q.Bins()-1), level))
	return uint8(int(level) << (8 - q.NBits))
}

// Transform は NRGBA 画像を CHW 順の3チャネルに変換して dst に書き込む。
// dst の長さは 3·H·W でなければならない。
func (q *Quantizer) Transform(img *image.NRGBA, dst []float64) error {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	plane := h * w
	if len(dst) != Channels*plane {
		return errors.NewDimensionError("Quantizer.Transform", Channels*plane, len(dst), 1)
	}
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4:]
			for c := 0; c < Channels; c++ {
				dst[c*plane+y*w+x] = q.Value(px[c])
			}
		}
	}
	return nil
}

// InverseTransform は CHW の値から NRGBA 画像を作る（生成画像の保存用）
func (q *Quantizer) InverseTransform(src []float64, h, w int) (*image.NRGBA, error) {
	plane := h * w
	if len(src) != Channels*plane {
		return nil, errors.NewDimensionError("Quantizer.InverseTransform", Channels*plane, len(src), 1)
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := y*img.Stride + x*4
			for c := 0; c < Channels; c++ {
				img.Pix[off+c] = q.InverseValue(src[c*plane+y*w+x])
			}
			img.Pix[off+3] = 255
		}
	}
	return img, nil
}

// ResizeCenterCrop は短辺を size に合わせて縦横比を保ったまま縮小し、
// 中央を size×size で切り出す
func ResizeCenterCrop(img image.Image, size int) *image.NRGBA {
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	switch {
	case width < height:
		height = int(math.Round(float64(height) * float64(size) / float64(width)))
		width = size
	case height < width:
		width = int(math.Round(float64(width) * float64(size) / float64(height)))
		height = size
	default:
		width, height = size, size
	}
	resized := imaging.Resize(img, width, height, imaging.Linear)

	// 長辺の中央を切り出す
	switch {
	case width > height:
		start := (width - size) / 2
		return imaging.Crop(resized, image.Rect(start, 0, start+size, size))
	case height > width:
		start := (height - size) / 2
		return imaging.Crop(resized, image.Rect(0, start, size, start+size))
	}
	return resized
}
