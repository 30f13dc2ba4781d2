package filewatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// ErrModified is the cause of contexts cancelled by modification of watched files.
var ErrModified = errors.New("watched file is modified")

// UntilModifyContext returns a context that is canceled
// when one of target files is modified (= written, created, removed, or renamed).
//
// Changes of permissions only are ignored.
//
// # Args
//
// - ctx: context.Context
//
// - targetFilePath ...string: file paths to be watched.
// Directories can be watched, too.
//
// # Returns
//
// - context.Context: context that is canceled when one of target files is modified.
// Its context.Cause wraps ErrModified.
//
// - func(): cancel function.
//
// - error: error caused when it fails to start watching files.
//
// If error is not nil, both of the context and the cancel function are nil.
func UntilModifyContext(ctx context.Context, targetFilePath ...string) (context.Context, func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	for _, f := range targetFilePath {
		if err := w.Add(f); err != nil {
			w.Close()
			return nil, nil, fmt.Errorf("watching %s: %w", f, err)
		}
	}

	cctx, cancel := context.WithCancelCause(ctx)
	go func() {
		defer w.Close()

		for {
			select {
			case <-cctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op == fsnotify.Chmod {
					continue
				}
				cancel(fmt.Errorf("%w: %s (%s)", ErrModified, event.Name, event.Op.String()))
				return
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				cancel(fmt.Errorf("watching files: %w", err))
				return
			}
		}
	}()

	return cctx, func() { cancel(nil) }, nil
}
