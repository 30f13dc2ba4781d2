package main

import (
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/opst/houseprice/cmd/predictd/handlers"
	"github.com/opst/houseprice/pkg/auth"
	"github.com/opst/houseprice/pkg/predict"
	"github.com/opst/houseprice/pkg/utils/echoutil"
)

var API_ROOT = "/api"

func api(subpath string) string {
	if !strings.HasSuffix(subpath, "/") {
		subpath += "/"
	}
	return fmt.Sprintf("%s/%s", API_ROOT, subpath)
}

// BuildServer sets up routes of the prediction API.
//
// When tokenKey is not empty, requests should have a bearer token signed with it.
func BuildServer(p *predict.Predictor, tokenKey []byte, loglevel string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	echoutil.SetLevel(e, loglevel)
	e.HTTPErrorHandler = func(err error, ctx echo.Context) {
		e.DefaultHTTPErrorHandler(err, ctx)
		e.Logger.Error(err)
	}

	e.Pre(middleware.AddTrailingSlash())
	e.Use(echoutil.LogHandlerFunc)

	g := e.Group("")
	if len(tokenKey) != 0 {
		g.Use(auth.Middleware(tokenKey))
	}

	g.POST(api("predict"), handlers.PredictHandler(p))
	g.GET(api("model"), handlers.GetModelHandler(p))

	return e
}
