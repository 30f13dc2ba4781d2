package echoutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// LogHandlerFunc logs each request when it comes, and its response with latency.
//
// Responses with errors are logged at warn level.
func LogHandlerFunc(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		begin := time.Now()
		c.Logger().Infof("< %s %s (from %s)", req.Method, req.URL, c.RealIP())

		err := next(c)

		status := c.Response().Status
		if herr, ok := err.(*echo.HTTPError); ok {
			status = herr.Code
		}
		latency := time.Since(begin)
		if err != nil {
			c.Logger().Warnf("> %s %s: status = %d in %v / error = %+v", req.Method, req.URL, status, latency, err)
		} else {
			c.Logger().Infof("> %s %s: status = %d in %v", req.Method, req.URL, status, latency)
		}
		return err
	}
}

var levels = map[string]log.Lvl{
	"debug": log.DEBUG,
	"info":  log.INFO,
	"warn":  log.WARN,
	"error": log.ERROR,
	"off":   log.OFF,
}

// ParseLevel reads a log level name: debug, info, warn, error or off.
//
// "" is warn.
func ParseLevel(name string) (log.Lvl, error) {
	if name == "" {
		return log.WARN, nil
	}
	lvl, ok := levels[strings.ToLower(name)]
	if !ok {
		return log.WARN, fmt.Errorf("unknown loglevel: %s (should be one of debug|info|warn|error|off)", name)
	}
	return lvl, nil
}

// SetLevel sets log level of echo by name.
//
// Unknown names fall back to warn, with a warning.
func SetLevel(e *echo.Echo, loglevel string) {
	lvl, err := ParseLevel(loglevel)
	e.Logger.SetLevel(lvl)
	if err != nil {
		e.Logger.Warnf("%s. fall-backed to warn", err)
	}
}
