// Package model is the regression model for house prices.
package model

import "time"

type Metrics struct {
	RMSE      float64 `json:"rmse"`
	R2        float64 `json:"r2"`
	TrainRows int     `json:"train_rows"`
	TestRows  int     `json:"test_rows"`
}

// Artifact is a trained model with everything to predict.
type Artifact struct {
	Version   int        `json:"version"`
	Label     string     `json:"label"`
	Encoder   *Encoder   `json:"encoder"`
	Regressor *Regressor `json:"regressor"`
	Metrics   Metrics    `json:"metrics"`
	TrainedAt time.Time  `json:"trained_at"`
}

// Features returns feature names in the trained order.
func (a *Artifact) Features() []string {
	return a.Encoder.Features
}
