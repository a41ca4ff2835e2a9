// Package dataset provides the reference image loaders: a directory of image
// files and an in-memory tensor. Both yield full N×3×S×S batches only.
package dataset

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/YuminosukeSato/flowfid/core/parallel"
	"github.com/YuminosukeSato/flowfid/core/tensor"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
	"github.com/YuminosukeSato/flowfid/preprocessing"
)

var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// ImageFolder loads every .png/.jpg/.jpeg file below a directory in sorted
// path order. Images are resized on the shortest side, center cropped to
// imgSize and quantised to nBits. A trailing partial batch is dropped.
type ImageFolder struct {
	root      string
	files     []string
	imgSize   int
	batchSize int
	quantizer *preprocessing.Quantizer
}

// NewImageFolder scans dir recursively.
func NewImageFolder(dir string, imgSize, batchSize, nBits int) (*ImageFolder, error) {
	if imgSize <= 0 {
		return nil, errors.NewValidationError("img_size", "must be positive", imgSize)
	}
	if batchSize <= 0 {
		return nil, errors.NewValidationError("batch", "must be positive", batchSize)
	}
	q, err := preprocessing.NewQuantizer(nBits)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", dir)
	}
	sort.Strings(files)
	if len(files) < batchSize {
		return nil, errors.NewValueError("NewImageFolder",
			fmt.Sprintf("%s holds %d images, fewer than one batch of %d", dir, len(files), batchSize))
	}

	return &ImageFolder{root: dir, files: files, imgSize: imgSize, batchSize: batchSize, quantizer: q}, nil
}

// Name implements model.Named.
func (f *ImageFolder) Name() string { return "ImageFolder(" + f.root + ")" }

// Len is the number of full batches.
func (f *ImageFolder) Len() int { return len(f.files) / f.batchSize }

// BatchSize implements model.Loader.
func (f *ImageFolder) BatchSize() int { return f.batchSize }

// Files returns the image paths in load order.
func (f *ImageFolder) Files() []string { return append([]string(nil), f.files...) }

// Batch decodes batch i. Files are decoded in parallel; the first failure
// is returned.
func (f *ImageFolder) Batch(ctx context.Context, i int) (*tensor.Tensor, error) {
	if i < 0 || i >= f.Len() {
		return nil, errors.NewValueError("ImageFolder.Batch", fmt.Sprintf("batch %d out of range [0, %d)", i, f.Len()))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := tensor.New(f.batchSize, preprocessing.Channels, f.imgSize, f.imgSize)
	errs := make([]error, f.batchSize)
	paths := f.files[i*f.batchSize : (i+1)*f.batchSize]
	parallel.Parallelize(len(paths), func(start, end int) {
		for j := start; j < end; j++ {
			errs[j] = f.load(paths[j], out.Sample(j))
		}
	})
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (f *ImageFolder) load(path string, dst []float64) error {
	img, err := imaging.Open(path)
	if err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return f.quantizer.Transform(preprocessing.ResizeCenterCrop(img, f.imgSize), dst)
}
