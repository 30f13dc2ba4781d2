// Package predict estimates a house price with a trained model.
package predict

import (
	"errors"
	"fmt"
	"math"

	"github.com/opst/houseprice/pkg/model"
)

// ErrNoUsableColumns is returned when no columns of the input match any trained feature.
var ErrNoUsableColumns = errors.New("no input columns match trained features")

type Predictor struct {
	artifact *model.Artifact
}

func New(a *model.Artifact) *Predictor {
	return &Predictor{artifact: a}
}

// Version of the model in use.
func (p *Predictor) Version() int {
	return p.artifact.Version
}

// Artifact returns the model in use.
func (p *Predictor) Artifact() *model.Artifact {
	return p.artifact
}

// Predict a price for a record.
//
// The record is encoded as the training data: a string value v of column c sets feature "c_v",
// and a number sets the feature of the column. Trained features not in the record are 0.
//
// # Args
//
// - record: column name to value. Values are strings, numbers, booleans or nil.
// JSON numbers (float64) are accepted as is.
//
// # Returns
//
// - float64: predicted price.
//
// - error: ErrNoUsableColumns if nothing of the record is a trained feature.
func (p *Predictor) Predict(record map[string]any) (float64, error) {
	vec, matched := p.artifact.Encoder.Encode(record)
	if matched == 0 {
		return 0, fmt.Errorf(
			"%w: model v%d has %d features", ErrNoUsableColumns, p.artifact.Version, len(vec),
		)
	}
	v := p.artifact.Regressor.Predict(vec)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("prediction is not a finite number: %v", v)
	}
	return v, nil
}
