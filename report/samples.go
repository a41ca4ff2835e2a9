package report

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/YuminosukeSato/flowfid/core/tensor"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
	"github.com/YuminosukeSato/flowfid/preprocessing"
)

// SampleGrid tiles an N×3×H×W batch of generated images into one image with
// cols images per row. Values are mapped back to pixels with the n-bit
// quantiser used for the reference data.
func SampleGrid(images *tensor.Tensor, nBits, cols int) (*image.NRGBA, error) {
	if images == nil || images.Rank() != 4 || images.Dim(1) != preprocessing.Channels {
		var got []int
		if images != nil {
			got = images.Shape()
		}
		return nil, errors.NewInputShapeError("SampleGrid", []int{-1, preprocessing.Channels, -1, -1}, got)
	}
	q, err := preprocessing.NewQuantizer(nBits)
	if err != nil {
		return nil, err
	}
	n, h, w := images.Dim(0), images.Dim(2), images.Dim(3)
	if cols <= 0 || cols > n {
		cols = n
	}
	rows := (n + cols - 1) / cols

	grid := imaging.New(cols*w, rows*h, color.NRGBA{A: 255})
	for i := 0; i < n; i++ {
		img, err := q.InverseTransform(images.Sample(i), h, w)
		if err != nil {
			return nil, err
		}
		grid = imaging.Paste(grid, img, image.Pt((i%cols)*w, (i/cols)*h))
	}
	return grid, nil
}

// SaveSampleGrid writes SampleGrid to path; the format follows the extension.
func SaveSampleGrid(path string, images *tensor.Tensor, nBits, cols int) error {
	grid, err := SampleGrid(images, nBits, cols)
	if err != nil {
		return err
	}
	return errors.Wrapf(imaging.Save(grid, path), "save %s", path)
}
