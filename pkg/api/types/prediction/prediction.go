package prediction

import (
	"time"

	"github.com/opst/houseprice/pkg/model"
)

// Result is the response of POST /api/predict/ .
type Result struct {
	Version    int     `json:"version"`
	Prediction float64 `json:"prediction"`
}

// Model is the response of GET /api/model/ .
type Model struct {
	Version   int           `json:"version"`
	Label     string        `json:"label"`
	Features  []string      `json:"features"`
	Metrics   model.Metrics `json:"metrics"`
	TrainedAt time.Time     `json:"trainedAt"`
}

func ComposeModel(a *model.Artifact) Model {
	features := make([]string, len(a.Features()))
	copy(features, a.Features())
	return Model{
		Version:   a.Version,
		Label:     a.Label,
		Features:  features,
		Metrics:   a.Metrics,
		TrainedAt: a.TrainedAt,
	}
}
