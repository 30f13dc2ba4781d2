package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetry tells Blocking to call the function again.
var ErrRetry = errors.New("retry")

// Backoff is a (blocking) function returns when to retry.
//
// # Args
//
// - context: context. If context is canceled, Backoff should return ctx.Err().
//
// # Returns
//
// - error: nil if retry, non-nil if not.
type Backoff func(context.Context) error

// StaticBackoff returns a Backoff function that waits for a fixed interval.
func StaticBackoff(interval time.Duration) Backoff {
	return ExponentialBackoff(interval, 1)
}

// Blocking calls f until it returns nil or non-retry error.
//
// The first call is made immediately; b is waited before each following call.
//
// # Args
//
// - ctx: context
//
// - b: backoff function
//
// - f: function to be called. If f returns an error wrapping ErrRetry,
// Blocking calls f again after backoff.
//
// # Returns
//
// - T: last return value of f
//
// - error: error returned by f, or by b when it stops waiting.
func Blocking[T any](ctx context.Context, b Backoff, f func() (T, error)) (T, error) {
	for {
		last, err := f()
		if err == nil {
			return last, nil
		}
		if !errors.Is(err, ErrRetry) {
			return last, err
		}
		if berr := b(ctx); berr != nil {
			return last, berr
		}
	}
}

// Budget calls f at most 1+retries times, until f succeeds.
//
// Attempts are numbered from 1. Between attempts b is waited.
//
// # Returns
//
// - int: how many times f has been called.
//
// - error: the error of the last attempt, or of the backoff when it stops waiting.
// nil if an attempt succeeded.
func Budget(ctx context.Context, retries int, b Backoff, f func(attempt int) error) (int, error) {
	attempt := 0
	for {
		attempt += 1
		err := f(attempt)
		if err == nil {
			return attempt, nil
		}
		if retries < attempt || ctx.Err() != nil {
			return attempt, err
		}
		if berr := b(ctx); berr != nil {
			return attempt, errors.Join(err, berr)
		}
	}
}

type Result[T any] struct {
	Value T
	Err   error
}

type Promise[T any] <-chan Result[T]

// Go retries function f in background goroutine.
//
// # Args
//
// - ctx: context
//
// - b: backoff function
//
// - f: function to be called. If f returns ErrRetry, it calls f again after backoff.
//
// # Returns
//
// - Promise[T]: channel to receive result.
func Go[T any](ctx context.Context, b Backoff, f func() (T, error)) Promise[T] {
	ch := make(chan Result[T], 1)

	go func() {
		defer close(ch)
		defer func() {
			r := recover()
			var err error
			switch rr := r.(type) {
			case nil:
				return
			case error:
				err = rr
			default:
				err = fmt.Errorf("%+v", rr)
			}

			select {
			case ch <- Result[T]{Err: err}:
			default:
				panic(r)
			}
		}()

		ret, err := Blocking(ctx, b, f)
		ch <- Result[T]{Value: ret, Err: err}
	}()

	return ch
}
