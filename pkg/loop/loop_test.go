package loop_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opst/houseprice/pkg/loop"
	"github.com/opst/houseprice/pkg/utils/try"
)

func TestStart(t *testing.T) {
	t.Run("it pass deadlined context when WithTimout is passed", func(t *testing.T) {
		ctx := context.Background()

		timeout := 100 * time.Millisecond

		try.To(loop.Start(
			ctx, 1, func(ctx context.Context, v int64) (int64, loop.Next) {
				now := time.Now()

				if deadline, ok := ctx.Deadline(); !ok {
					t.Errorf("deadline is not set")
				} else if !(deadline.Sub(now) <= timeout) {
					t.Errorf(
						"unexpected deadline\n===actual===\n%s\n===expected===\n(near) %s",
						deadline, now.Add(timeout),
					)
				}

				if 3 <= v {
					return v + 1, loop.Break(nil)
				}
				return v + 1, loop.Continue(20 * time.Millisecond)
			},
			loop.WithTimeout(timeout),
		)).OrFatal(t)
	})

	t.Run("it pass deadline-free context when WithTimout is not passed", func(t *testing.T) {
		ctx := context.Background()

		try.To(loop.Start(
			ctx, 1, func(ctx context.Context, v int64) (int64, loop.Next) {
				if deadline, ok := ctx.Deadline(); ok {
					t.Errorf("deadline is set: %s (now = %s)", deadline, time.Now())
				}

				if 3 <= v {
					return v + 1, loop.Break(nil)
				}
				return v + 1, loop.Continue(20 * time.Millisecond)
			},
		)).OrFatal(t)
	})

	t.Run("when context has been done before starting, it does nothing", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		actual, err := loop.Start(
			ctx, 1, func(ctx context.Context, v int) (int, loop.Next) {
				return v + 1, loop.Continue(0)
			},
		)

		if !errors.Is(err, context.Canceled) {
			t.Fatal(err)
		}

		if actual != 1 {
			t.Errorf("loop does not honour context")
		}
	})

	t.Run("it repeats task until it does not Break", func(t *testing.T) {
		ctx := context.Background()

		expected := 10
		actual, err := loop.Start(ctx, 1, func(ctx context.Context, v int) (int, loop.Next) {
			new := v + 1
			if expected <= new {
				return new, loop.Break(nil)
			}
			return new, loop.Continue(0)
		})

		if err != nil {
			t.Fatal(err)
		}

		if actual != expected {
			t.Errorf("repeats too much/less. (actual, expected) = (%d, %d)", actual, expected)
		}
	})

	t.Run("it waits the interval between steps", func(t *testing.T) {
		ctx := context.Background()
		interval := 20 * time.Millisecond

		started := time.Now()
		try.To(loop.Start(ctx, 1, func(ctx context.Context, v int) (int, loop.Next) {
			if 3 <= v {
				return v, loop.Break(nil)
			}
			return v + 1, loop.Continue(interval)
		})).OrFatal(t)

		if elapsed := time.Since(started); elapsed < 2*interval {
			t.Errorf("loop does not wait: %s", elapsed)
		}
	})

	t.Run("it repeats task until it does not Break with error", func(t *testing.T) {
		ctx := context.Background()

		expectedErr := errors.New("break!")

		expected := 10
		actual, err := loop.Start(ctx, 1, func(ctx context.Context, v int) (int, loop.Next) {
			new := v + 1
			if expected <= new {
				return new, loop.Break(expectedErr)
			}
			return new, loop.Continue(0)
		})

		if !errors.Is(err, expectedErr) {
			t.Errorf("error is unexpected one. (actual, expected) = (%v, %v) ", err, expectedErr)
		}

		if actual != expected {
			t.Errorf("repeats too much/less. (actual, expected) = (%d, %d)", actual, expected)
		}
	})
}
