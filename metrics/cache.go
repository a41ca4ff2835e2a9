package metrics

import (
	"io"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowfid/core/model"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

// statisticsFile is the gob representation of Statistics.
type statisticsFile struct {
	N           int
	Dim         int
	Mu          []float64
	Sigma       []float64 // row-major D×D
	Fingerprint string
}

func toFile(s *Statistics) statisticsFile {
	d := s.Dim()
	f := statisticsFile{N: s.N, Dim: d, Mu: make([]float64, d), Sigma: make([]float64, d*d), Fingerprint: s.Fingerprint}
	for i := 0; i < d; i++ {
		f.Mu[i] = s.Mu.AtVec(i)
		for j := 0; j < d; j++ {
			f.Sigma[i*d+j] = s.Sigma.At(i, j)
		}
	}
	return f
}

func fromFile(f statisticsFile) (*Statistics, error) {
	if f.Dim <= 0 || len(f.Mu) != f.Dim || len(f.Sigma) != f.Dim*f.Dim {
		return nil, errors.NewValueError("LoadStatistics", "corrupt statistics file")
	}
	return &Statistics{
		N:           f.N,
		Mu:          mat.NewVecDense(f.Dim, f.Mu),
		Sigma:       mat.NewSymDense(f.Dim, f.Sigma),
		Fingerprint: f.Fingerprint,
	}, nil
}

// SaveStatistics writes s to filename with gob.
func SaveStatistics(s *Statistics, filename string) error {
	return model.SaveModel(toFile(s), filename)
}

// LoadStatistics reads statistics written by SaveStatistics.
func LoadStatistics(filename string) (*Statistics, error) {
	var f statisticsFile
	if err := model.LoadModel(&f, filename); err != nil {
		return nil, err
	}
	return fromFile(f)
}

// WriteStatistics is SaveStatistics for an arbitrary writer.
func WriteStatistics(s *Statistics, w io.Writer) error {
	return model.SaveModelToWriter(toFile(s), w)
}

// ReadStatistics is LoadStatistics for an arbitrary reader.
func ReadStatistics(r io.Reader) (*Statistics, error) {
	var f statisticsFile
	if err := model.LoadModelFromReader(&f, r); err != nil {
		return nil, err
	}
	return fromFile(f)
}
