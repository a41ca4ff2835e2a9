package errors

import (
	"math"
)

// CheckNumericalStability checks if values contain NaN or Inf
// and returns an error if numerical instability is detected.
func CheckNumericalStability(operation string, values []float64, batch int) error {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return NewNumericalInstabilityError(operation, values, batch)
		}
	}
	return nil
}

// CheckScalar checks a single scalar value for numerical instability.
func CheckScalar(operation string, value float64, batch int) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return NewNumericalInstabilityError(operation, []float64{value}, batch)
	}
	return nil
}

// CheckMatrix checks all values in a matrix for numerical instability.
// At most ten offending values are reported.
func CheckMatrix(operation string, matrix interface{ At(int, int) float64 }, rows, cols, batch int) error {
	var unstable []float64
	for i := 0; i < rows && len(unstable) < 10; i++ {
		for j := 0; j < cols; j++ {
			v := matrix.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				unstable = append(unstable, v)
				if len(unstable) >= 10 {
					break
				}
			}
		}
	}
	if len(unstable) > 0 {
		return NewNumericalInstabilityError(operation, unstable, batch)
	}
	return nil
}

// CountNonFinite returns how many values are NaN or ±Inf.
func CountNonFinite(values []float64) int {
	n := 0
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			n++
		}
	}
	return n
}
