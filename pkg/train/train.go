// Package train fits the house price model on the cleaned table.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/opst/houseprice/pkg/model"
	"github.com/opst/houseprice/pkg/store"
	"github.com/opst/houseprice/pkg/tabular"
)

var (
	// ErrEmptyTable is returned when the table has no rows to train with.
	ErrEmptyTable = errors.New("table has no rows")

	// ErrMissingLabel is returned when the table does not have the label column.
	ErrMissingLabel = errors.New("label column is missing")
)

// Settings of a training.
type Settings struct {
	// Name of the label column.
	Label string

	// Columns which are not features, other than the label.
	Drop []string

	TestSize    float64
	RandomState int64

	Hyperparameters model.Hyperparameters

	// When true, the artifact is saved as Version.
	SaveModel      bool
	Version        int
	AllowOverwrite bool
}

// Saver persists artifacts. artifact.Store is one.
type Saver interface {
	Save(a *model.Artifact, overwrite bool) (string, error)
}

// Report is a result of training.
type Report struct {
	Artifact *model.Artifact

	// Where the artifact is saved. Empty when it is not saved.
	Path string
}

type options struct {
	logger *log.Logger
	now    func() time.Time
}

type Option func(*options) *options

func WithLogger(l *log.Logger) Option {
	return func(o *options) *options {
		o.logger = l
		return o
	}
}

// WithClock replaces the clock stamping artifacts. It is for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) *options {
		o.now = now
		return o
	}
}

// Train a model with the table.
//
// Rows with NULL label are not used.
//
// # Args
//
// - ctx
//
// - reader: store where the table is.
//
// - table: table to train with.
//
// - settings
//
// - saver: where the artifact goes. It is used only when settings.SaveModel is true.
//
// - opts
//
// # Returns
//
// - Report
//
// - error: ErrEmptyTable, ErrMissingLabel or errors from the store, the model and the saver.
func Train(
	ctx context.Context,
	reader store.TableReader,
	table store.TableRef,
	settings Settings,
	saver Saver,
	opts ...Option,
) (Report, error) {
	o := &options{logger: log.New(io.Discard, "", 0), now: time.Now}
	for _, opt := range opts {
		o = opt(o)
	}
	logger := o.logger

	frame, err := reader.ReadTable(ctx, table)
	if err != nil {
		return Report{}, err
	}
	if frame.Len() == 0 {
		return Report{}, fmt.Errorf("%w: %s", ErrEmptyTable, table)
	}
	labelAt := frame.Index(settings.Label)
	if labelAt < 0 {
		return Report{}, fmt.Errorf("%w: %s does not have %s", ErrMissingLabel, table, settings.Label)
	}
	if t := frame.Columns[labelAt].Type; !t.Numeric() {
		return Report{}, fmt.Errorf("label column %s should be numeric, but %s", settings.Label, t)
	}

	frame, y := labeled(frame, labelAt)
	if frame.Len() == 0 {
		return Report{}, fmt.Errorf("%w: %s has no rows with %s", ErrEmptyTable, table, settings.Label)
	}
	logger.Printf("read %d rows from %s", frame.Len(), table)

	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	enc, err := model.FitEncoder(frame, append([]string{settings.Label}, settings.Drop...)...)
	if err != nil {
		return Report{}, err
	}
	x, err := enc.Transform(frame)
	if err != nil {
		return Report{}, err
	}
	logger.Printf("%d features", len(enc.Features))

	trainIdx, testIdx, err := model.Split(len(x), settings.TestSize, settings.RandomState)
	if err != nil {
		return Report{}, err
	}
	xTrain, yTrain := pick(x, y, trainIdx)
	xTest, yTest := pick(x, y, testIdx)

	reg := model.NewRegressor(settings.Hyperparameters)
	if err := reg.Fit(xTrain, yTrain); err != nil {
		return Report{}, err
	}

	pred := make([]float64, len(xTest))
	for i := range xTest {
		pred[i] = reg.Predict(xTest[i])
	}
	metrics := model.Metrics{
		RMSE:      model.RMSE(yTest, pred),
		R2:        model.R2(yTest, pred),
		TrainRows: len(xTrain),
		TestRows:  len(xTest),
	}
	logger.Printf("RMSE: %.2f, R²: %.3f", metrics.RMSE, metrics.R2)

	report := Report{
		Artifact: &model.Artifact{
			Version:   settings.Version,
			Label:     settings.Label,
			Encoder:   enc,
			Regressor: reg,
			Metrics:   metrics,
			TrainedAt: o.now().UTC(),
		},
	}
	if !settings.SaveModel {
		return report, nil
	}

	path, err := saver.Save(report.Artifact, settings.AllowOverwrite)
	if err != nil {
		return report, err
	}
	report.Path = path
	logger.Printf("saved model: %s", path)
	return report, nil
}

// labeled returns rows having the label, and their labels.
func labeled(frame *tabular.Frame, labelAt int) (*tabular.Frame, []float64) {
	rows := make([][]any, 0, len(frame.Rows))
	y := make([]float64, 0, len(frame.Rows))
	for _, row := range frame.Rows {
		v, ok := tabular.Float(row[labelAt])
		if !ok {
			continue
		}
		rows = append(rows, row)
		y = append(y, v)
	}
	return &tabular.Frame{Columns: frame.Columns, Rows: rows}, y
}

func pick(x [][]float64, y []float64, idx []int) ([][]float64, []float64) {
	px := make([][]float64, len(idx))
	py := make([]float64, len(idx))
	for i, at := range idx {
		px[i] = x[at]
		py[i] = y[at]
	}
	return px, py
}
