// Package args adapts parsers into flag values.
package args

// Adapter is a flag.Value holding a value parsed by a parser.
type Adapter[T interface{ String() string }] struct {
	value  T
	parser func(string) (T, error)
	isSet  bool
}

func (i *Adapter[T]) String() string {
	if i == nil || !i.isSet {
		return ""
	}
	return i.value.String()
}

func (i *Adapter[T]) Set(s string) error {
	v, err := i.parser(s)
	if err != nil {
		return err
	}
	i.isSet = true
	i.value = v
	return nil
}

// Value returns the parsed value, or the default when it is not set.
func (i *Adapter[T]) Value() T {
	return i.value
}

// IsSet reports the value has been parsed (or the default is given).
func (i *Adapter[T]) IsSet() bool {
	return i.isSet
}

func Parser[T interface{ String() string }](parser func(string) (T, error)) *Adapter[T] {
	return &Adapter[T]{parser: parser}
}

// Default returns the adapter with the value parsed from expr.
//
// It panics when expr cannot be parsed, so use it with constant expressions.
func (i *Adapter[T]) Default(expr string) *Adapter[T] {
	if err := i.Set(expr); err != nil {
		panic(err)
	}
	return i
}
