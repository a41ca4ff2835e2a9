package report

import (
	"io"
	"math"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"github.com/YuminosukeSato/flowfid/metrics"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

// Summary column names.
const (
	ColFeature  = "feature"
	ColMuReal   = "mu_real"
	ColMuFake   = "mu_fake"
	ColVarReal  = "var_real"
	ColVarFake  = "var_fake"
	ColMeanDiff = "abs_mean_diff"
)

// SummaryFrame tabulates per-feature mean and variance of both statistics,
// sorted by absolute mean difference, largest first.
func SummaryFrame(real, fake *metrics.Statistics) (dataframe.DataFrame, error) {
	if real == nil || fake == nil {
		return dataframe.DataFrame{}, errors.ErrEmptyData
	}
	d := real.Dim()
	if fake.Dim() != d {
		return dataframe.DataFrame{}, errors.NewDimensionError("SummaryFrame", d, fake.Dim(), 1)
	}

	idx := make([]int, d)
	muR := make([]float64, d)
	muF := make([]float64, d)
	varR := make([]float64, d)
	varF := make([]float64, d)
	diff := make([]float64, d)
	for i := 0; i < d; i++ {
		idx[i] = i
		muR[i] = real.Mu.AtVec(i)
		muF[i] = fake.Mu.AtVec(i)
		varR[i] = real.Sigma.At(i, i)
		varF[i] = fake.Sigma.At(i, i)
		diff[i] = math.Abs(muR[i] - muF[i])
	}

	df := dataframe.New(
		series.New(idx, series.Int, ColFeature),
		series.New(muR, series.Float, ColMuReal),
		series.New(muF, series.Float, ColMuFake),
		series.New(varR, series.Float, ColVarReal),
		series.New(varF, series.Float, ColVarFake),
		series.New(diff, series.Float, ColMeanDiff),
	)
	if df.Err != nil {
		return df, errors.Wrap(df.Err, "build summary")
	}
	df = df.Arrange(dataframe.RevSort(ColMeanDiff))
	return df, errors.Wrap(df.Err, "sort summary")
}

// WriteSummaryCSV writes SummaryFrame as CSV with a header row.
func WriteSummaryCSV(w io.Writer, real, fake *metrics.Statistics) error {
	df, err := SummaryFrame(real, fake)
	if err != nil {
		return err
	}
	return errors.Wrap(df.WriteCSV(w), "write summary csv")
}
