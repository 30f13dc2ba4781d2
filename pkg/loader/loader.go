// Package loader loads a CSV source into a table, chunk by chunk.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/opst/houseprice/pkg/store"
	"github.com/opst/houseprice/pkg/tabular"
)

const (
	// DefaultChunkSize is the chunk size when WithChunkSize is not given.
	DefaultChunkSize = 50_000

	// batchSize is rows read at once when the chunk size is omitted (0).
	batchSize = 100_000
)

var (
	// ErrSchemaDrift is returned when a chunk has a value which the column type,
	// inferred from the first chunk, cannot hold.
	ErrSchemaDrift = errors.New("schema drift")

	// ErrInvalidChunkSize is returned for a negative chunk size.
	ErrInvalidChunkSize = errors.New("invalid chunk size")
)

// ChunkReport tells a chunk is committed.
type ChunkReport struct {
	Table store.TableRef
	Index int
	Rows  int

	// rows written so far, including this chunk
	Total int64

	Elapsed time.Duration
}

type Observer interface {
	ChunkWritten(ChunkReport)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ChunkReport)

func (f ObserverFunc) ChunkWritten(r ChunkReport) {
	f(r)
}

type options struct {
	chunkSize int
	logger    *log.Logger
	observers []Observer
}

type Option func(*options) *options

// WithChunkSize sets max rows per chunk.
//
// 0 means "omitted": source is read in batches of 100,000 rows and each batch is a chunk.
// Negative size is an error.
func WithChunkSize(n int) Option {
	return func(o *options) *options {
		o.chunkSize = n
		return o
	}
}

func WithLogger(l *log.Logger) Option {
	return func(o *options) *options {
		o.logger = l
		return o
	}
}

func WithObserver(ob Observer) Option {
	return func(o *options) *options {
		o.observers = append(o.observers, ob)
		return o
	}
}

// Load reads src as CSV and writes it into the target table.
//
// mode decides how the first chunk treats the existing table.
// Every later chunk is appended.
// Chunks are written in file order, each in its own transaction.
//
// Cancellation of ctx is checked between chunks. A chunk being written is not interrupted.
//
// # Returns
//
// - int64: number of rows written. 0 on error.
//
// - error:
//
//   - tabular.ErrNoHeader: src is empty. Nothing is written.
//
//   - tabular.ErrMalformedRow: a row is broken. Chunks before it are kept.
//
//   - ErrSchemaDrift: a chunk does not fit column types inferred from the first chunk.
//
//   - store.ErrTableExists: mode is store.Fail and the table exists.
//
//   - ErrInvalidChunkSize, or errors from ctx or the writer.
func Load(
	ctx context.Context,
	w store.TableWriter,
	src io.Reader,
	target store.TableRef,
	mode store.Mode,
	opts ...Option,
) (int64, error) {
	o := &options{chunkSize: DefaultChunkSize, logger: log.New(io.Discard, "", 0)}
	for _, opt := range opts {
		o = opt(o)
	}

	size := o.chunkSize
	if size < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChunkSize, size)
	}
	if size == 0 {
		size = batchSize
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	reader, err := tabular.NewReader(src, size)
	if err != nil {
		return 0, err
	}

	first, err := reader.Next()
	if errors.Is(err, io.EOF) {
		cols := make([]tabular.Column, len(reader.Header()))
		for i, h := range reader.Header() {
			cols[i] = tabular.Column{Name: h, Type: tabular.Text}
		}
		if err := w.Initialize(context.WithoutCancel(ctx), target, cols, mode, nil); err != nil {
			return 0, err
		}
		o.logger.Printf("source is empty. %s is prepared with no rows", target)
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	cols := tabular.Infer(reader.Header(), first.Rows)
	var total int64

	write := func(chunk tabular.Chunk) error {
		started := time.Now()
		values, err := tabular.Convert(cols, chunk)
		if errors.Is(err, tabular.ErrIncompatibleValue) {
			return fmt.Errorf("%w: chunk #%d: %w", ErrSchemaDrift, chunk.Index, err)
		} else if err != nil {
			return fmt.Errorf("chunk #%d: %w", chunk.Index, err)
		}

		wctx := context.WithoutCancel(ctx)
		if chunk.Index == 0 {
			err = w.Initialize(wctx, target, cols, mode, values)
		} else {
			err = w.Append(wctx, target, cols, values)
		}
		if err != nil {
			return fmt.Errorf("chunk #%d: %w", chunk.Index, err)
		}

		total += int64(len(values))
		report := ChunkReport{
			Table: target, Index: chunk.Index, Rows: len(values),
			Total: total, Elapsed: time.Since(started),
		}
		o.logger.Printf("chunk #%d: %d rows written into %s (total %d)", chunk.Index, report.Rows, target, total)
		for _, ob := range o.observers {
			ob.ChunkWritten(report)
		}
		return nil
	}

	if err := write(first); err != nil {
		return 0, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		chunk, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return 0, err
		}
		if err := write(chunk); err != nil {
			return 0, err
		}
	}

	return total, nil
}
