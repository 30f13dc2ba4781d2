package model

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrSingular is returned when the system of normal equations cannot be solved.
var ErrSingular = errors.New("singular matrix: try a positive alpha")

// Hyperparameters of Regressor.
type Hyperparameters struct {
	// L2 regularization strength. default 1.0
	Alpha float64 `json:"alpha"`

	// Whether fit the intercept. default true
	FitIntercept bool `json:"fit_intercept"`
}

func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{Alpha: 1.0, FitIntercept: true}
}

// ParseHyperparameters reads an open mapping of hyperparameters.
//
// Known keys are "alpha" (non-negative number) and "fit_intercept" (boolean).
// Unknown keys are an error.
func ParseHyperparameters(m map[string]any) (Hyperparameters, error) {
	hp := DefaultHyperparameters()
	unknown := []string{}
	for k, v := range m {
		switch k {
		case "alpha":
			var a float64
			switch n := v.(type) {
			case int:
				a = float64(n)
			case int64:
				a = float64(n)
			case float64:
				a = n
			default:
				return hp, fmt.Errorf("alpha should be a number: %#v", v)
			}
			if a < 0 || math.IsNaN(a) || math.IsInf(a, 0) {
				return hp, fmt.Errorf("alpha should be non-negative: %v", a)
			}
			hp.Alpha = a
		case "fit_intercept":
			b, ok := v.(bool)
			if !ok {
				return hp, fmt.Errorf("fit_intercept should be boolean: %#v", v)
			}
			hp.FitIntercept = b
		default:
			unknown = append(unknown, k)
		}
	}
	if len(unknown) != 0 {
		slices.Sort(unknown)
		return hp, fmt.Errorf("unknown hyperparameters: %s", strings.Join(unknown, ", "))
	}
	return hp, nil
}

// Regressor is a linear regression model with L2 regularization (ridge).
type Regressor struct {
	Hyperparameters Hyperparameters `json:"hyperparameters"`
	Coefficients    []float64       `json:"coefficients"`
	Intercept       float64         `json:"intercept"`
}

func NewRegressor(hp Hyperparameters) *Regressor {
	return &Regressor{Hyperparameters: hp}
}

// maxCondition is the largest condition number of XᵀX + αI accepted as solvable.
const maxCondition = 1e14

// Fit the model to x and y.
//
// It solves (XᵀX + αI) w = Xᵀy by Cholesky factorization,
// with X and y centered when the intercept is fitted.
func (r *Regressor) Fit(x [][]float64, y []float64) error {
	if len(x) == 0 || len(x) != len(y) {
		return fmt.Errorf("x and y should have the same positive length: %d, %d", len(x), len(y))
	}
	n, p := len(x), len(x[0])
	yMean := 0.0
	if r.Hyperparameters.FitIntercept {
		yMean = stat.Mean(y, nil)
	}
	if p == 0 {
		r.Coefficients = []float64{}
		r.Intercept = yMean
		return nil
	}

	design := mat.NewDense(n, p, nil)
	for i, row := range x {
		if len(row) != p {
			return fmt.Errorf("row #%d has %d features, but %d are expected", i, len(row), p)
		}
		design.SetRow(i, row)
	}

	xMean := make([]float64, p)
	if r.Hyperparameters.FitIntercept {
		col := make([]float64, n)
		for j := range xMean {
			mat.Col(col, j, design)
			xMean[j] = stat.Mean(col, nil)
			floats.AddConst(-xMean[j], col)
			design.SetCol(j, col)
		}
	}
	centered := make([]float64, n)
	for i := range y {
		centered[i] = y[i] - yMean
	}

	gram := mat.NewSymDense(p, nil)
	gram.SymOuterK(1, design.T())
	for j := 0; j < p; j++ {
		gram.SetSym(j, j, gram.At(j, j)+r.Hyperparameters.Alpha)
	}
	rhs := mat.NewVecDense(p, nil)
	rhs.MulVec(design.T(), mat.NewVecDense(n, centered))

	var chol mat.Cholesky
	if ok := chol.Factorize(gram); !ok {
		return ErrSingular
	}
	if cond := chol.Cond(); maxCondition < cond {
		return fmt.Errorf("%w: condition number is %g", ErrSingular, cond)
	}
	w := mat.NewVecDense(p, nil)
	if err := chol.SolveVecTo(w, rhs); err != nil {
		return fmt.Errorf("%w: %v", ErrSingular, err)
	}

	r.Coefficients = mat.Col(nil, 0, w)
	r.Intercept = yMean - floats.Dot(r.Coefficients, xMean)
	return nil
}

// Predict the value for a feature vector.
func (r *Regressor) Predict(x []float64) float64 {
	v := r.Intercept
	for j, c := range r.Coefficients {
		if j < len(x) {
			v += c * x[j]
		}
	}
	return v
}
