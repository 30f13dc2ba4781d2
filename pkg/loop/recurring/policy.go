// Package recurring runs a task on a fixed cadence.
package recurring

import (
	"fmt"
	"strings"
	"time"
)

const (
	Daily  = 24 * time.Hour
	Weekly = 7 * Daily
)

// ParsePolicy parses a schedule.
//
// Recognized forms are:
//
// - "once": run once, right now.
//
// - "every:DURATION": run at every DURATION, like "every:6h".
//
// - "daily": same as "every:24h".
//
// - "weekly": same as "every:168h".
func ParsePolicy(s string) (Policy, error) {
	typ, param, ok := strings.Cut(s, ":")
	switch typ {
	case "once", "daily", "weekly":
		if ok {
			return nil, fmt.Errorf("%s policy does not take parameters: %s", typ, s)
		}
		switch typ {
		case "daily":
			return Every(Daily), nil
		case "weekly":
			return Every(Weekly), nil
		}
		return Once(), nil
	case "every":
		period, err := time.ParseDuration(param)
		if err != nil {
			return nil, fmt.Errorf(`failed to parse: %s as "every:PERIOD": %w`, s, err)
		}
		if period <= 0 {
			return nil, fmt.Errorf("period should be positive: %s", s)
		}
		return Every(period), nil
	}
	return nil, fmt.Errorf("unknown policy name: %s (should be one of -- once|every:PERIOD|daily|weekly)", typ)
}

// Policy decides when the next window comes.
type Policy interface {
	// Next returns the window following the window which has run.
	//
	// # Args
	//
	// - window: the window which has run.
	//
	// - now: the time when the run finished.
	//
	// # Returns
	//
	// - time.Time: the next window. It can be before now.
	//
	// - bool: false if there are no more windows.
	Next(window time.Time, now time.Time) (time.Time, bool)

	String() string
}

// Once runs only one window.
func Once() Policy {
	return once{}
}

type once struct{}

func (once) String() string {
	return "once"
}

func (once) Next(time.Time, time.Time) (time.Time, bool) {
	return time.Time{}, false
}

// Every has windows at every period, from the first window.
//
// Windows passed while a run is in progress are skipped:
// the next window is the first one at or after the end of the run.
func Every(period time.Duration) Policy {
	return every(period)
}

type every time.Duration

func (e every) String() string {
	switch time.Duration(e) {
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	}
	return fmt.Sprintf("every:%s", time.Duration(e))
}

func (e every) Next(window time.Time, now time.Time) (time.Time, bool) {
	period := time.Duration(e)
	k := now.Sub(window) / period
	if window.Add(k * period).Before(now) {
		k += 1
	}
	if k < 1 {
		k = 1
	}
	return window.Add(k * period), true
}

// WithBackfill runs windows which are passed while a run is in progress, back-to-back.
func WithBackfill(p Policy) Policy {
	return backfill{base: p}
}

type backfill struct {
	base Policy
}

func (b backfill) String() string {
	return fmt.Sprintf("%s (backfill)", b.base.String())
}

func (b backfill) Next(window time.Time, now time.Time) (time.Time, bool) {
	// the first window after the last one, regardless of now.
	return b.base.Next(window, window)
}
