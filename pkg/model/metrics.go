package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// RMSE is the root mean squared error.
func RMSE(y, pred []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	return floats.Distance(y, pred, 2) / math.Sqrt(float64(len(y)))
}

// R2 is the coefficient of determination.
//
// When y is constant, it is 1 for the perfect prediction, otherwise 0.
func R2(y, pred []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	if floats.Min(y) == floats.Max(y) {
		if floats.Equal(y, pred) {
			return 1
		}
		return 0
	}
	return stat.RSquaredFrom(pred, y, nil)
}
