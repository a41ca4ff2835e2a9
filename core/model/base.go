package model

// EstimatorState is the accumulation state of a statistics estimator.
type EstimatorState int

const (
	// NotFitted means no data has been seen yet.
	NotFitted EstimatorState = iota
	// Fitted means at least one batch has been accumulated.
	Fitted
)

// BaseEstimator tracks whether an estimator has seen data. Embed it.
type BaseEstimator struct {
	state EstimatorState
}

// IsFitted reports whether data has been accumulated.
func (e *BaseEstimator) IsFitted() bool {
	return e.state == Fitted
}

// SetFitted marks the estimator as having data.
func (e *BaseEstimator) SetFitted() {
	e.state = Fitted
}

// Reset returns the estimator to its initial state.
func (e *BaseEstimator) Reset() {
	e.state = NotFitted
}
