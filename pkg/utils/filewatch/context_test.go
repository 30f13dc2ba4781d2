package filewatch_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opst/houseprice/pkg/utils/filewatch"
)

func waitDone(t *testing.T, ctx context.Context, timeout time.Duration) bool {
	t.Helper()
	select {
	case <-ctx.Done():
		return true
	case <-time.After(timeout):
		return false
	}
}

func TestUntilModifyContext(t *testing.T) {
	for name, modify := range map[string]func(t *testing.T, file string){
		"written": func(t *testing.T, file string) {
			if err := os.WriteFile(file, []byte("pipeline:\n  schedule: daily\n"), 0o644); err != nil {
				t.Fatal(err)
			}
		},
		"removed": func(t *testing.T, file string) {
			if err := os.Remove(file); err != nil {
				t.Fatal(err)
			}
		},
		"renamed": func(t *testing.T, file string) {
			if err := os.Rename(file, file+".bak"); err != nil {
				t.Fatal(err)
			}
		},
	} {
		t.Run("when a watched file is "+name+", it cancels context", func(t *testing.T) {
			file := filepath.Join(t.TempDir(), "pipeline.yaml")
			if err := os.WriteFile(file, []byte("pipeline: {}\n"), 0o644); err != nil {
				t.Fatal(err)
			}

			ctx, cancel, err := filewatch.UntilModifyContext(context.Background(), file)
			if err != nil {
				t.Fatal(err)
			}
			defer cancel()
			if err := ctx.Err(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			modify(t, file)

			if !waitDone(t, ctx, 5*time.Second) {
				t.Fatal("context is not cancelled")
			}
			if cause := context.Cause(ctx); !errors.Is(cause, filewatch.ErrModified) {
				t.Errorf("unexpected cause: %v", cause)
			}
		})
	}

	t.Run("when a file is created in a watched directory, it cancels context", func(t *testing.T) {
		dir := t.TempDir()
		ctx, cancel, err := filewatch.UntilModifyContext(context.Background(), dir)
		if err != nil {
			t.Fatal(err)
		}
		defer cancel()

		if err := os.WriteFile(filepath.Join(dir, "hooks.yaml"), nil, 0o644); err != nil {
			t.Fatal(err)
		}
		if !waitDone(t, ctx, 5*time.Second) {
			t.Fatal("context is not cancelled")
		}
	})

	t.Run("when permissions are changed only, it keeps context", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "pipeline.yaml")
		if err := os.WriteFile(file, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		ctx, cancel, err := filewatch.UntilModifyContext(context.Background(), file)
		if err != nil {
			t.Fatal(err)
		}
		defer cancel()

		if err := os.Chmod(file, 0o600); err != nil {
			t.Fatal(err)
		}
		if waitDone(t, ctx, 200*time.Millisecond) {
			t.Errorf("context is cancelled: %v", context.Cause(ctx))
		}
	})

	t.Run("when the parent context is cancelled, it is cancelled too", func(t *testing.T) {
		parent, cancelParent := context.WithCancel(context.Background())
		ctx, cancel, err := filewatch.UntilModifyContext(parent, t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		defer cancel()

		cancelParent()
		if !waitDone(t, ctx, time.Second) {
			t.Fatal("context is not cancelled")
		}
		if errors.Is(context.Cause(ctx), filewatch.ErrModified) {
			t.Error("cancelled as modified")
		}
	})

	t.Run("it fails for a missing file", func(t *testing.T) {
		_, _, err := filewatch.UntilModifyContext(context.Background(), filepath.Join(t.TempDir(), "missing"))
		if err == nil {
			t.Error("no error")
		}
	})
}
