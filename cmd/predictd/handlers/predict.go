package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	apierr "github.com/opst/houseprice/pkg/api/types/errors"
	"github.com/opst/houseprice/pkg/api/types/prediction"
	"github.com/opst/houseprice/pkg/predict"
)

func PredictHandler(p *predict.Predictor) echo.HandlerFunc {
	return func(c echo.Context) error {
		record := map[string]any{}
		dec := json.NewDecoder(c.Request().Body)
		if err := dec.Decode(&record); err != nil {
			return apierr.BadRequest(
				"request body should be a JSON object, from column names to values", err,
			)
		}

		y, err := p.Predict(record)
		if errors.Is(err, predict.ErrNoUsableColumns) {
			return apierr.UnprocessableEntity(
				"no usable columns",
				"send columns which the model is trained with. see GET /api/model/",
				err,
			)
		} else if err != nil {
			return apierr.InternalServerError(err)
		}

		return c.JSON(http.StatusOK, prediction.Result{
			Version:    p.Version(),
			Prediction: y,
		})
	}
}

func GetModelHandler(p *predict.Predictor) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, prediction.ComposeModel(p.Artifact()))
	}
}
