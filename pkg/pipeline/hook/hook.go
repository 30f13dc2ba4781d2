// Package hook calls hooks before and after a stage attempt.
package hook

import (
	"context"
	"errors"
)

// Hook is an interface for before/after hooks.
type Hook[T any] interface {
	// Before is called before the value T is processed.
	//
	// When it returns an error, T is not processed.
	Before(context.Context, T) error

	// After is called after the value T is processed.
	After(context.Context, T) error
}

var ErrHookFailed = errors.New("hook failed")

// None is a hook that does nothing.
type None[T any] struct{}

func (None[T]) Before(context.Context, T) error {
	return nil
}

func (None[T]) After(context.Context, T) error {
	return nil
}

// Func is a hook that calls functions before and after processing the value T.
type Func[T any] struct {
	// BeforeFn is a function to call before processing the value T.
	//
	// If BeforeFn is nil, it is not called.
	BeforeFn func(context.Context, T) error

	// AfterFn is a function to call after processing the value T.
	//
	// If AfterFn is nil, it is not called.
	AfterFn func(context.Context, T) error
}

func (f Func[T]) Before(ctx context.Context, value T) error {
	if f.BeforeFn == nil {
		return nil
	}
	if err := f.BeforeFn(ctx, value); err != nil {
		return errors.Join(err, ErrHookFailed)
	}
	return nil
}

func (f Func[T]) After(ctx context.Context, value T) error {
	if f.AfterFn == nil {
		return nil
	}
	if err := f.AfterFn(ctx, value); err != nil {
		return errors.Join(err, ErrHookFailed)
	}
	return nil
}
