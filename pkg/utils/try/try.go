package try

// something have method `Fatal`.
//
// For example in standard libraries: *testing.T, log.Logger
type Fataler interface {
	Fatal(...any)
}

// A pair of (T, error).
//
// When error is nil, the Either is "ok" and T is valid.
// Otherwise, it is "no good" and T should not be used.
type Either[T any] interface {
	// get value & error pair
	Get() (T, error)

	// When Either is "ok", it just return the T value.
	//
	// Otherwise, it calls ftl.Fatal(err).
	// If ftl has "Helper()" method (like *testing.T), also that is called before `Fatal`.
	OrFatal(ftl Fataler) T
}

func To[T any](ok T, ng error) Either[T] {
	if ng == nil {
		return tryOk[T]{ok}
	}
	return tryNg[T]{ng}
}

type tryOk[T any] struct {
	value T
}

type tryNg[T any] struct {
	err error
}

func (ok tryOk[T]) Get() (T, error) {
	return ok.value, nil
}

func (ng tryNg[T]) Get() (T, error) {
	return *new(T), ng.err
}

func (ok tryOk[T]) OrFatal(Fataler) T {
	return ok.value
}

func (ng tryNg[T]) OrFatal(ftl Fataler) T {
	if hlp, ok := ftl.(interface{ Helper() }); ok {
		hlp.Helper()
	}
	ftl.Fatal(ng.err)

	return *new(T)
}

// A triple of (T, U, error), for functions returning two values and an error.
type Either2[T any, U any] interface {
	Get() (T, U, error)

	// When it is "ok", it returns the T and U values.
	//
	// Otherwise, it calls ftl.Fatal(err).
	OrFatal(ftl Fataler) (T, U)
}

func To2[T any, U any](t T, u U, ng error) Either2[T, U] {
	return either2[T, U]{t: t, u: u, err: ng}
}

type either2[T any, U any] struct {
	t   T
	u   U
	err error
}

func (e either2[T, U]) Get() (T, U, error) {
	if e.err != nil {
		return *new(T), *new(U), e.err
	}
	return e.t, e.u, nil
}

func (e either2[T, U]) OrFatal(ftl Fataler) (T, U) {
	if e.err == nil {
		return e.t, e.u
	}
	if hlp, ok := ftl.(interface{ Helper() }); ok {
		hlp.Helper()
	}
	ftl.Fatal(e.err)
	return *new(T), *new(U)
}
