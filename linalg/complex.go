package linalg

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// TraceC is the trace of a square complex matrix.
func TraceC(m *mat.CDense) complex128 {
	n, _ := m.Dims()
	var tr complex128
	for i := 0; i < n; i++ {
		tr += m.At(i, i)
	}
	return tr
}

// MaxAbsImag is the largest |imag| over all entries of m.
func MaxAbsImag(m *mat.CDense) float64 {
	r, c := m.Dims()
	var best float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			best = math.Max(best, math.Abs(imag(m.At(i, j))))
		}
	}
	return best
}

// HasImag reports whether any entry of m has a non-zero imaginary part.
func HasImag(m *mat.CDense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if imag(m.At(i, j)) != 0 {
				return true
			}
		}
	}
	return false
}

// DiagImagWithin reports whether every diagonal entry has |imag| <= atol.
func DiagImagWithin(m *mat.CDense, atol float64) bool {
	n, _ := m.Dims()
	for i := 0; i < n; i++ {
		if math.Abs(imag(m.At(i, i))) > atol {
			return false
		}
	}
	return true
}

// IsFiniteC reports whether every entry of m is finite.
func IsFiniteC(m *mat.CDense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if cmplx.IsNaN(v) || cmplx.IsInf(v) {
				return false
			}
		}
	}
	return true
}
