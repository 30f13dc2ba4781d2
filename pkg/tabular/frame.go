package tabular

import "fmt"

// Frame is a whole table read back from a store.
type Frame struct {
	Columns []Column

	// Rows[r][c] is the value of Columns[c] in the r-th row.
	// Values are int64, float64, bool, string or nil.
	Rows [][]any
}

// Index returns the position of the named column, or -1.
func (f *Frame) Index(name string) int {
	for i, c := range f.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	return len(f.Rows)
}

// Float returns the value as float64.
//
// ok is false when the value is nil or not a number.
func Float(v any) (value float64, ok bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Label returns the value as a category label.
//
// ok is false for nil.
func Label(v any) (label string, ok bool) {
	switch s := v.(type) {
	case nil:
		return "", false
	case string:
		return s, true
	case bool:
		if s {
			return "True", true
		}
		return "False", true
	default:
		return fmt.Sprint(s), true
	}
}
