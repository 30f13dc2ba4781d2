package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opst/houseprice/pkg/utils/retry"
)

func TestBlocking(t *testing.T) {
	t.Run("it calls the function until it does not ask retry", func(t *testing.T) {
		calls := 0
		got, err := retry.Blocking(
			context.Background(), retry.StaticBackoff(time.Millisecond),
			func() (int, error) {
				calls += 1
				if calls < 3 {
					return calls, retry.ErrRetry
				}
				return calls, nil
			},
		)
		if err != nil {
			t.Fatal(err)
		}
		if got != 3 || calls != 3 {
			t.Errorf("unexpected (got, calls) = (%d, %d)", got, calls)
		}
	})

	t.Run("it stops with non-retry error", func(t *testing.T) {
		expected := errors.New("fatal")
		calls := 0
		_, err := retry.Blocking(
			context.Background(), retry.StaticBackoff(time.Millisecond),
			func() (int, error) {
				calls += 1
				return 0, expected
			},
		)
		if !errors.Is(err, expected) {
			t.Errorf("unexpected error: %v", err)
		}
		if calls != 1 {
			t.Errorf("called %d times", calls)
		}
	})

	t.Run("it stops when the context is cancelled while backing off", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		_, err := retry.Blocking(ctx, retry.StaticBackoff(time.Hour), func() (int, error) {
			cancel()
			return 0, retry.ErrRetry
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestBudget(t *testing.T) {
	type when struct {
		retries  int
		failures int
	}
	type then struct {
		attempts int
		success  bool
	}

	for name, testcase := range map[string]struct {
		when
		then
	}{
		"success at first attempt": {
			when: when{retries: 1, failures: 0},
			then: then{attempts: 1, success: true},
		},
		"success after one retry": {
			when: when{retries: 1, failures: 1},
			then: then{attempts: 2, success: true},
		},
		"budget exhausted": {
			when: when{retries: 1, failures: 5},
			then: then{attempts: 2, success: false},
		},
		"no retries": {
			when: when{retries: 0, failures: 5},
			then: then{attempts: 1, success: false},
		},
	} {
		t.Run(name, func(t *testing.T) {
			failure := errors.New("attempt failed")
			seen := []int{}
			attempts, err := retry.Budget(
				context.Background(), testcase.when.retries, retry.StaticBackoff(0),
				func(attempt int) error {
					seen = append(seen, attempt)
					if attempt <= testcase.when.failures {
						return failure
					}
					return nil
				},
			)

			if attempts != testcase.then.attempts {
				t.Errorf("attempts: (actual, expected) = (%d, %d)", attempts, testcase.then.attempts)
			}
			if len(seen) != attempts {
				t.Errorf("attempt numbers: %v", seen)
			}
			for i, a := range seen {
				if a != i+1 {
					t.Errorf("attempt numbers are not sequential: %v", seen)
				}
			}
			if testcase.then.success && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !testcase.then.success && !errors.Is(err, failure) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestGo(t *testing.T) {
	t.Run("it resolves the promise with the result", func(t *testing.T) {
		calls := 0
		promise := retry.Go(context.Background(), retry.StaticBackoff(time.Millisecond), func() (string, error) {
			calls += 1
			if calls < 2 {
				return "", retry.ErrRetry
			}
			return "done", nil
		})

		result := <-promise
		if result.Err != nil {
			t.Fatal(result.Err)
		}
		if result.Value != "done" {
			t.Errorf("value: %s", result.Value)
		}
		if _, ok := <-promise; ok {
			t.Error("promise is not closed")
		}
	})

	t.Run("it resolves the promise with a panic as an error", func(t *testing.T) {
		promise := retry.Go(context.Background(), retry.StaticBackoff(0), func() (int, error) {
			panic("boom")
		})

		result := <-promise
		if result.Err == nil || result.Err.Error() != "boom" {
			t.Errorf("unexpected error: %v", result.Err)
		}
	})
}
