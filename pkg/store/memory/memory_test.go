package memory_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/opst/houseprice/pkg/store"
	"github.com/opst/houseprice/pkg/store/memory"
	"github.com/opst/houseprice/pkg/tabular"
	"github.com/opst/houseprice/pkg/utils/try"
)

var cols = []tabular.Column{
	{Name: "id", Type: tabular.Bigint},
	{Name: "street", Type: tabular.Text},
}

var ref = store.TableRef{Namespace: "raw", Name: "houses"}

func TestInitialize(t *testing.T) {
	type when struct {
		existing bool
		mode     store.Mode
	}
	type then struct {
		err  error
		rows int
	}

	for name, testcase := range map[string]struct {
		when
		then
	}{
		"fail mode creates a missing table": {
			when: when{existing: false, mode: store.Fail},
			then: then{rows: 1},
		},
		"fail mode rejects an existing table": {
			when: when{existing: true, mode: store.Fail},
			then: then{err: store.ErrTableExists, rows: 2},
		},
		"replace mode drops rows of the existing table": {
			when: when{existing: true, mode: store.Replace},
			then: then{rows: 1},
		},
		"append mode keeps rows of the existing table": {
			when: when{existing: true, mode: store.Append},
			then: then{rows: 3},
		},
		"append mode creates a missing table": {
			when: when{existing: false, mode: store.Append},
			then: then{rows: 1},
		},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			testee := memory.New()
			if err := testee.Ensure(ctx, "raw"); err != nil {
				t.Fatal(err)
			}
			if testcase.when.existing {
				testee.Put(ref, &tabular.Frame{
					Columns: cols,
					Rows:    [][]any{{int64(1), "Pave"}, {int64(2), "Grvl"}},
				})
			}

			err := testee.Initialize(ctx, ref, cols, testcase.when.mode, [][]any{{int64(3), nil}})
			if testcase.then.err == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !errors.Is(err, testcase.then.err) {
				t.Errorf("unexpected error: %v", err)
			}

			frame := try.To(testee.ReadTable(ctx, ref)).OrFatal(t)
			if frame.Len() != testcase.then.rows {
				t.Errorf("rows: (actual, expected) = (%d, %d)", frame.Len(), testcase.then.rows)
			}
		})
	}

	t.Run("it needs the namespace", func(t *testing.T) {
		testee := memory.New()
		err := testee.Initialize(context.Background(), ref, cols, store.Replace, nil)
		if !errors.Is(err, store.ErrNamespaceNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestEnsure(t *testing.T) {
	t.Run("ensuring twice gives the same namespaces", func(t *testing.T) {
		ctx := context.Background()
		testee := memory.New()
		names := []string{"house_prices_raw", "house_prices_staging", "house_prices_marts"}

		if err := testee.Ensure(ctx, names...); err != nil {
			t.Fatal(err)
		}
		first := testee.Namespaces()
		if err := testee.Ensure(ctx, names...); err != nil {
			t.Fatal(err)
		}
		second := testee.Namespaces()

		expected := []string{"house_prices_marts", "house_prices_raw", "house_prices_staging"}
		if !slices.Equal(first, expected) {
			t.Errorf("first: (actual, expected) = (%v, %v)", first, expected)
		}
		if !slices.Equal(second, first) {
			t.Errorf("namespaces changed: (first, second) = (%v, %v)", first, second)
		}
	})

	t.Run("it keeps tables of an existing namespace", func(t *testing.T) {
		ctx := context.Background()
		testee := memory.New()
		if err := testee.Ensure(ctx, "raw"); err != nil {
			t.Fatal(err)
		}
		if err := testee.Initialize(ctx, ref, cols, store.Replace, [][]any{{int64(1), "Pave"}}); err != nil {
			t.Fatal(err)
		}
		if err := testee.Ensure(ctx, "raw"); err != nil {
			t.Fatal(err)
		}
		frame := try.To(testee.ReadTable(ctx, ref)).OrFatal(t)
		if frame.Len() != 1 {
			t.Errorf("rows: %d", frame.Len())
		}
	})
}

func TestRecord(t *testing.T) {
	t.Run("it needs the namespace", func(t *testing.T) {
		testee := memory.New()
		err := testee.Record(context.Background(), "meta", store.RunRecord{Id: "run", Status: "pending"})
		if !errors.Is(err, store.ErrNamespaceNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestAppend(t *testing.T) {
	t.Run("it fails when the table is missing", func(t *testing.T) {
		testee := memory.New()
		err := testee.Append(context.Background(), ref, cols, [][]any{{int64(1), "x"}})
		if !errors.Is(err, store.ErrTableNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestTryLock(t *testing.T) {
	ctx := context.Background()
	testee := memory.New()

	unlock := try.To(testee.TryLock(ctx, "key")).OrFatal(t)
	if _, err := testee.TryLock(ctx, "key"); !errors.Is(err, store.ErrLocked) {
		t.Errorf("unexpected error: %v", err)
	}
	unlock()
	unlock()

	again := try.To(testee.TryLock(ctx, "key")).OrFatal(t)
	again()
}
