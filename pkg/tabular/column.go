package tabular

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Type is a column type of a table, named as SQL does.
type Type string

const (
	Bigint  Type = "bigint"
	Double  Type = "double precision"
	Boolean Type = "boolean"
	Text    Type = "text"
)

func (t Type) String() string {
	return string(t)
}

// Numeric reports the type holds numbers.
func (t Type) Numeric() bool {
	return t == Bigint || t == Double
}

// ErrIncompatibleValue is returned when a cell cannot be held by the type of its column.
var ErrIncompatibleValue = errors.New("value is incompatible with column type")

type Column struct {
	Name string
	Type Type
}

func (c Column) String() string {
	return fmt.Sprintf("%s %s", c.Name, c.Type)
}

// Convert a raw cell into a value of the column type.
//
// NA cells are converted into nil.
//
// # Returns
//
// - any: int64, float64, bool, string or nil.
//
// - error: wraps ErrIncompatibleValue when raw cannot be held by the column.
func (c Column) Convert(raw string) (any, error) {
	if IsNA(raw) {
		return nil, nil
	}
	switch c.Type {
	case Bigint:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: column %s (%s) got %q", ErrIncompatibleValue, c.Name, c.Type, raw)
		}
		return v, nil
	case Double:
		v, err := parseFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: column %s (%s) got %q", ErrIncompatibleValue, c.Name, c.Type, raw)
		}
		return v, nil
	case Boolean:
		v, ok := parseBool(raw)
		if !ok {
			return nil, fmt.Errorf("%w: column %s (%s) got %q", ErrIncompatibleValue, c.Name, c.Type, raw)
		}
		return v, nil
	default:
		return raw, nil
	}
}

// naValues are cells read as missing, same as pandas' default.
var naValues = map[string]struct{}{
	"": {}, "#N/A": {}, "#N/A N/A": {}, "#NA": {}, "-1.#IND": {}, "-1.#QNAN": {},
	"-NaN": {}, "-nan": {}, "1.#IND": {}, "1.#QNAN": {}, "<NA>": {}, "N/A": {},
	"NA": {}, "NULL": {}, "NaN": {}, "None": {}, "n/a": {}, "nan": {}, "null": {},
}

// IsNA reports the raw cell is a missing value.
func IsNA(raw string) bool {
	_, ok := naValues[raw]
	return ok
}

// parseFloat parses a decimal number.
//
// Go literal forms which strconv accepts (digit separators "_" and hexadecimal "0x...")
// are not numbers in CSV.
func parseFloat(raw string) (float64, error) {
	if strings.Contains(raw, "_") {
		return 0, fmt.Errorf("not a decimal number: %q", raw)
	}
	unsigned := strings.TrimLeft(raw, "+-")
	if strings.HasPrefix(unsigned, "0x") || strings.HasPrefix(unsigned, "0X") {
		return 0, fmt.Errorf("not a decimal number: %q", raw)
	}
	return strconv.ParseFloat(raw, 64)
}

func parseBool(raw string) (bool, bool) {
	switch raw {
	case "True", "true", "TRUE":
		return true, true
	case "False", "false", "FALSE":
		return false, true
	}
	return false, false
}

// Infer column types from rows.
//
// Each column gets the narrowest type of bigint, double precision, boolean and text
// which can hold all non-NA cells of the column.
// Columns without any non-NA cells are text.
func Infer(header []string, rows [][]string) []Column {
	cols := make([]Column, len(header))
	for i, name := range header {
		cols[i] = Column{Name: name, Type: inferType(rows, i)}
	}
	return cols
}

func inferType(rows [][]string, i int) Type {
	isInt, isFloat, isBool := true, true, true
	seen := false
	for _, row := range rows {
		if len(row) <= i {
			continue
		}
		raw := row[i]
		if IsNA(raw) {
			continue
		}
		seen = true
		if isInt {
			if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
				isInt = false
			}
		}
		if isFloat {
			if _, err := parseFloat(raw); err != nil {
				isFloat = false
			}
		}
		if isBool {
			if _, ok := parseBool(raw); !ok {
				isBool = false
			}
		}
		if !isInt && !isFloat && !isBool {
			return Text
		}
	}

	switch {
	case !seen:
		return Text
	case isInt:
		return Bigint
	case isFloat:
		return Double
	case isBool:
		return Boolean
	default:
		return Text
	}
}

// Convert all rows of the chunk into typed values.
//
// It stops at the first cell which the column cannot hold.
func Convert(cols []Column, chunk Chunk) ([][]any, error) {
	values := make([][]any, len(chunk.Rows))
	for r, row := range chunk.Rows {
		if len(row) != len(cols) {
			return nil, fmt.Errorf(
				"%w: line %d has %d fields, but %d columns are expected",
				ErrMalformedRow, chunk.Line(r), len(row), len(cols),
			)
		}
		typed := make([]any, len(cols))
		for i, c := range cols {
			v, err := c.Convert(row[i])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", chunk.Line(r), err)
			}
			typed[i] = v
		}
		values[r] = typed
	}
	return values, nil
}
