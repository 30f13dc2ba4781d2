package recurring

import (
	"context"
	"time"

	"github.com/opst/houseprice/pkg/loop"
)

// Task runs at a window.
type Task func(ctx context.Context, window time.Time) error

type options struct {
	now        func() time.Time
	untilError bool
}

type Option func(*options) *options

// WithClock replaces the clock. It is for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) *options {
		o.now = now
		return o
	}
}

// UntilError stops the schedule when the task fails.
//
// Without this, a failed run does not stop the following windows.
func UntilError() Option {
	return func(o *options) *options {
		o.untilError = true
		return o
	}
}

// Start runs task at windows of the policy.
//
// The first window is now. Runs never overlap: the next run starts after the last one ends.
//
// # Returns
//
// - int: number of runs.
//
// - error: ctx.Err() when ctx is done.
// When the policy has no more windows, the error of the last run.
// With UntilError, the first error of the task.
func Start(ctx context.Context, policy Policy, task Task, opts ...Option) (int, error) {
	o := &options{now: time.Now}
	for _, opt := range opts {
		o = opt(o)
	}

	type state struct {
		window time.Time
		runs   int
	}

	last, err := loop.Start(
		ctx, state{window: o.now()},
		func(ctx context.Context, s state) (state, loop.Next) {
			err := task(ctx, s.window)
			s.runs += 1
			if err != nil && o.untilError {
				return s, loop.Break(err)
			}

			now := o.now()
			next, ok := policy.Next(s.window, now)
			if !ok {
				return s, loop.Break(err)
			}
			wait := next.Sub(now)
			if wait < 0 {
				wait = 0
			}
			return state{window: next, runs: s.runs}, loop.Continue(wait)
		},
	)
	return last.runs, err
}
