// Package report turns evaluation results into artefacts: covariance spectra
// plots, per-feature CSV summaries, sample grids and terminal tables.
package report

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/flowfid/metrics"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

// spectrumFloor keeps log10 finite for numerically zero eigenvalues.
const spectrumFloor = 1e-12

// Eigenvalues returns the eigenvalues of s.Sigma in descending order.
func Eigenvalues(s *metrics.Statistics) ([]float64, error) {
	if s == nil || s.Sigma == nil {
		return nil, errors.ErrEmptyData
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(s.Sigma, false); !ok {
		return nil, errors.Wrap(errors.ErrSingularMatrix, "eigendecomposition of covariance failed")
	}
	vals := eig.Values(nil)
	sort.Sort(sort.Reverse(sort.Float64Slice(vals)))
	return vals, nil
}

func spectrumXYs(vals []float64) plotter.XYs {
	pts := make(plotter.XYs, len(vals))
	for i, v := range vals {
		pts[i].X = float64(i + 1)
		pts[i].Y = math.Log10(math.Max(v, spectrumFloor))
	}
	return pts
}

// PlotSpectra saves the log10 eigenvalue spectra of both covariances to path.
// The format follows the extension (png, svg, pdf).
func PlotSpectra(path string, real, fake *metrics.Statistics) error {
	rv, err := Eigenvalues(real)
	if err != nil {
		return errors.Wrap(err, "reference spectrum")
	}
	fv, err := Eigenvalues(fake)
	if err != nil {
		return errors.Wrap(err, "generated spectrum")
	}

	p := plot.New()
	p.Title.Text = "Feature covariance spectrum"
	p.X.Label.Text = "component"
	p.Y.Label.Text = "log10 eigenvalue"
	if err := plotutil.AddLines(p, "reference", spectrumXYs(rv), "generated", spectrumXYs(fv)); err != nil {
		return errors.Wrap(err, "add spectrum lines")
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	return nil
}

// PlotMeanShift saves a histogram of the per-feature mean difference
// (generated minus reference) to path.
func PlotMeanShift(path string, real, fake *metrics.Statistics, bins int) error {
	if real == nil || fake == nil {
		return errors.ErrEmptyData
	}
	if real.Dim() != fake.Dim() {
		return errors.NewDimensionError("PlotMeanShift", real.Dim(), fake.Dim(), 1)
	}
	if bins <= 0 {
		bins = 20
	}
	diff := make(plotter.Values, real.Dim())
	for i := range diff {
		diff[i] = fake.Mu.AtVec(i) - real.Mu.AtVec(i)
	}

	p := plot.New()
	p.Title.Text = "Mean shift per feature"
	p.X.Label.Text = "generated - reference"
	p.Y.Label.Text = "features"
	h, err := plotter.NewHist(diff, bins)
	if err != nil {
		return errors.Wrap(err, "histogram")
	}
	p.Add(h)
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	return nil
}
