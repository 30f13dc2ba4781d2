package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrNoHeader is returned when the source does not have even a header line.
	ErrNoHeader = errors.New("source has no header line")

	// ErrMalformedRow is returned when a row cannot be read as a record of the table.
	ErrMalformedRow = errors.New("malformed row")
)

// Chunk is an ordered batch of records, read from a source in file order.
type Chunk struct {
	// 0-origin sequence number of the chunk in the source.
	Index int

	// Records. Each record has the same number of fields as the header.
	Rows [][]string

	lines []int
}

// Line returns the line number where the r-th row starts in the source.
func (c Chunk) Line(r int) int {
	if r < 0 || len(c.lines) <= r {
		return 0
	}
	return c.lines[r]
}

// Len returns the number of rows in this chunk.
func (c Chunk) Len() int {
	return len(c.Rows)
}

// Reader reads a CSV source as a sequence of chunks.
//
// The first line of the source is the header.
type Reader struct {
	csv    *csv.Reader
	header []string
	size   int
	index  int
	done   bool
}

// NewReader starts reading a CSV source.
//
// # Args
//
// - src: CSV source. The first line should be a header.
//
// - size: maximum number of rows in a chunk. It should be positive.
//
// # Returns
//
// - *Reader: reader positioned just after the header.
//
// - error: ErrNoHeader if src is empty, or an error wrapping ErrMalformedRow if the header is broken.
func NewReader(src io.Reader, size int) (*Reader, error) {
	if size < 1 {
		return nil, fmt.Errorf("chunk size should be positive: %d", size)
	}

	c := csv.NewReader(src)
	c.ReuseRecord = false

	header, err := c.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	} else if err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrMalformedRow, err)
	}

	return &Reader{
		csv:    c,
		header: normalizeHeader(header),
		size:   size,
	}, nil
}

func normalizeHeader(header []string) []string {
	names := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		if h == "" {
			h = fmt.Sprintf("Unnamed: %d", i)
		}
		names[i] = h
	}
	return names
}

// Header returns column names of the source.
func (r *Reader) Header() []string {
	return r.header
}

// Next reads the next chunk.
//
// # Returns
//
// - Chunk: up to `size` rows. The last chunk can be smaller.
//
// - error: io.EOF when there are no more rows.
// If a row is broken, it returns an error wrapping ErrMalformedRow and the chunk is discarded.
func (r *Reader) Next() (Chunk, error) {
	if r.done {
		return Chunk{}, io.EOF
	}

	chunk := Chunk{Index: r.index}
	for len(chunk.Rows) < r.size {
		record, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			r.done = true
			break
		}
		if err != nil {
			r.done = true
			return Chunk{}, fmt.Errorf("%w: chunk #%d: %w", ErrMalformedRow, r.index, err)
		}
		line, _ := r.csv.FieldPos(0)
		chunk.Rows = append(chunk.Rows, record)
		chunk.lines = append(chunk.lines, line)
	}

	if len(chunk.Rows) == 0 {
		return Chunk{}, io.EOF
	}
	r.index += 1
	return chunk, nil
}
