package model

import (
	"fmt"
	"slices"

	"github.com/opst/houseprice/pkg/tabular"
)

// NumericFeature is a column used as a feature as is.
type NumericFeature struct {
	Name string `json:"name"`

	// Mean of the column in training data. NULLs are imputed with it.
	Mean float64 `json:"mean"`
}

// CategoricalFeature is a column one-hot encoded.
type CategoricalFeature struct {
	Name string `json:"name"`

	// Levels are values seen in training data, sorted.
	//
	// The first level is dropped: it is the baseline and has no feature.
	Levels []string `json:"levels"`
}

// FeatureName returns the feature name for the level of the column.
func FeatureName(column, level string) string {
	return column + "_" + level
}

// Encoder converts rows of a table into feature vectors.
type Encoder struct {
	Numeric     []NumericFeature     `json:"numeric"`
	Categorical []CategoricalFeature `json:"categorical"`

	// Features are names of features in the order of vectors.
	Features []string `json:"features"`
}

// FitEncoder learns features from the frame.
//
// Numeric and boolean columns are features as is.
// Text columns are one-hot encoded with the first level dropped.
// Columns in exclude (label, ids and so on) are not features.
func FitEncoder(frame *tabular.Frame, exclude ...string) (*Encoder, error) {
	enc := &Encoder{}

	for c, col := range frame.Columns {
		if slices.Contains(exclude, col.Name) {
			continue
		}

		switch col.Type {
		case tabular.Text:
			seen := map[string]struct{}{}
			for _, row := range frame.Rows {
				if l, ok := tabular.Label(row[c]); ok {
					seen[l] = struct{}{}
				}
			}
			levels := make([]string, 0, len(seen))
			for l := range seen {
				levels = append(levels, l)
			}
			slices.Sort(levels)
			if len(levels) < 2 {
				// a constant column has no features after dropping the first level.
				continue
			}
			enc.Categorical = append(enc.Categorical, CategoricalFeature{Name: col.Name, Levels: levels})
			for _, l := range levels[1:] {
				enc.Features = append(enc.Features, FeatureName(col.Name, l))
			}
		default:
			sum, n := 0.0, 0
			for _, row := range frame.Rows {
				if v, ok := tabular.Float(row[c]); ok {
					sum += v
					n += 1
				}
			}
			mean := 0.0
			if n != 0 {
				mean = sum / float64(n)
			}
			enc.Numeric = append(enc.Numeric, NumericFeature{Name: col.Name, Mean: mean})
			enc.Features = append(enc.Features, col.Name)
		}
	}

	if len(enc.Features) == 0 {
		return nil, fmt.Errorf("no features: all columns are excluded or constant")
	}
	return enc, nil
}

// Transform rows of the frame into feature vectors.
//
// NULLs in numeric columns are the training mean.
// NULLs and unknown levels in categorical columns make all features of the column 0.
func (e *Encoder) Transform(frame *tabular.Frame) ([][]float64, error) {
	index := e.index()
	numeric := make([]int, len(e.Numeric))
	for i, f := range e.Numeric {
		if numeric[i] = frame.Index(f.Name); numeric[i] < 0 {
			return nil, fmt.Errorf("column %s is missing", f.Name)
		}
	}
	categorical := make([]int, len(e.Categorical))
	for i, f := range e.Categorical {
		if categorical[i] = frame.Index(f.Name); categorical[i] < 0 {
			return nil, fmt.Errorf("column %s is missing", f.Name)
		}
	}

	x := make([][]float64, len(frame.Rows))
	for r, row := range frame.Rows {
		vec := make([]float64, len(e.Features))
		for i, f := range e.Numeric {
			v, ok := tabular.Float(row[numeric[i]])
			if !ok {
				v = f.Mean
			}
			vec[index[f.Name]] = v
		}
		for i, f := range e.Categorical {
			l, ok := tabular.Label(row[categorical[i]])
			if !ok {
				continue
			}
			if at, ok := index[FeatureName(f.Name, l)]; ok {
				vec[at] = 1
			}
		}
		x[r] = vec
	}
	return x, nil
}

// Encode a record into a feature vector.
//
// A string value v of key c sets the feature "c_v" to 1.
// A number or boolean value of key c sets the feature c.
// Features not set by the record are 0.
//
// # Returns
//
// - []float64: feature vector, in the order of Features.
//
// - int: how many keys of the record matched a feature.
func (e *Encoder) Encode(record map[string]any) ([]float64, int) {
	index := e.index()
	vec := make([]float64, len(e.Features))
	matched := 0
	for key, value := range record {
		name := key
		v := 1.0
		switch val := value.(type) {
		case nil:
			continue
		case string:
			name = FeatureName(key, val)
		default:
			f, ok := tabular.Float(val)
			if !ok {
				continue
			}
			v = f
		}
		if at, ok := index[name]; ok {
			vec[at] = v
			matched += 1
		}
	}
	return vec, matched
}

func (e *Encoder) index() map[string]int {
	index := make(map[string]int, len(e.Features))
	for i, f := range e.Features {
		index[f] = i
	}
	return index
}
