package report

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowfid/core/tensor"
	"github.com/YuminosukeSato/flowfid/fid"
	"github.com/YuminosukeSato/flowfid/history"
	"github.com/YuminosukeSato/flowfid/metrics"
)

func diagStats(mu []float64, diag []float64) *metrics.Statistics {
	s := mat.NewSymDense(len(diag), nil)
	for i, v := range diag {
		s.SetSym(i, i, v)
	}
	return &metrics.Statistics{N: 10, Mu: mat.NewVecDense(len(mu), mu), Sigma: s}
}

func TestEigenvalues(t *testing.T) {
	vals, err := Eigenvalues(diagStats([]float64{0, 0, 0}, []float64{1, 4, 2}))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{4, 2, 1}, vals, 1e-12)

	_, err = Eigenvalues(nil)
	assert.Error(t, err)
}

func TestPlots(t *testing.T) {
	dir := t.TempDir()
	real := diagStats([]float64{0, 1, 2, 3}, []float64{1, 0.5, 0.1, 0})
	fake := diagStats([]float64{0.5, 1, 1, 3}, []float64{2, 0.4, 0.01, 0.001})

	spectra := filepath.Join(dir, "spectra.png")
	require.NoError(t, PlotSpectra(spectra, real, fake))
	info, err := os.Stat(spectra)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	shift := filepath.Join(dir, "shift.svg")
	require.NoError(t, PlotMeanShift(shift, real, fake, 0))
	_, err = os.Stat(shift)
	require.NoError(t, err)

	err = PlotMeanShift(shift, real, diagStats([]float64{0}, []float64{1}), 5)
	assert.Error(t, err)
}

func TestSummaryCSV(t *testing.T) {
	real := diagStats([]float64{0, 1, 2}, []float64{1, 2, 3})
	fake := diagStats([]float64{0.1, 3, 2}, []float64{1, 1, 1})

	var buf bytes.Buffer
	require.NoError(t, WriteSummaryCSV(&buf, real, fake))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, []string{ColFeature, ColMuReal, ColMuFake, ColVarReal, ColVarFake, ColMeanDiff}, records[0])
	// largest mean difference first
	assert.Equal(t, "1", records[1][0])
	assert.Equal(t, "0", records[2][0])
	assert.Equal(t, "2", records[3][0])

	_, err = SummaryFrame(real, diagStats([]float64{0}, []float64{1}))
	assert.Error(t, err)
}

func TestSampleGrid(t *testing.T) {
	images := tensor.New(5, 3, 4, 6)
	for i := range images.Data() {
		images.Data()[i] = 0.49
	}
	grid, err := SampleGrid(images, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, 2*6, grid.Bounds().Dx())
	assert.Equal(t, 3*4, grid.Bounds().Dy())
	// last cell of the bottom row stays black
	assert.Equal(t, uint8(0), grid.NRGBAAt(11, 11).R)
	assert.Equal(t, uint8(248), grid.NRGBAAt(0, 0).R)

	path := filepath.Join(t.TempDir(), "grid.png")
	require.NoError(t, SaveSampleGrid(path, images, 5, 0))
	img, err := imaging.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 5*6, img.Bounds().Dx())

	_, err = SampleGrid(tensor.New(1, 1, 2, 2), 5, 1)
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	kid := 0.0123
	res := &fid.Result{
		RunID:    "0123456789abcdef",
		FID:      12.3456,
		KID:      &kid,
		Samples:  12000,
		Real:     diagStats([]float64{0, 0}, []float64{1, 1}),
		Duration: 1500 * time.Millisecond,
	}
	out := Render(res)
	assert.Contains(t, out, "12.3456")
	assert.Contains(t, out, "0.012300")
	assert.Contains(t, out, "12,000")
	assert.Contains(t, out, "extracted")
	assert.Empty(t, Render(nil))

	runs := []history.Run{
		{ID: "aaaaaaaa-1", FID: 20, CreatedAt: time.Now().Add(-time.Hour), Samples: 100},
		{ID: "bbbbbbbb-2", FID: 10, CreatedAt: time.Now().Add(-2 * time.Hour), Samples: 100},
	}
	hist := RenderHistory(runs)
	assert.Contains(t, hist, "aaaaaaaa")
	assert.Contains(t, hist, "best")
	assert.Empty(t, RenderHistory(nil))
}
