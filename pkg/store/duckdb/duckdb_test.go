package duckdb_test

import (
	"context"
	"errors"
	"testing"

	"github.com/opst/houseprice/pkg/store"
	"github.com/opst/houseprice/pkg/store/duckdb"
	"github.com/opst/houseprice/pkg/tabular"
	"github.com/opst/houseprice/pkg/utils/try"
)

func open(t *testing.T) *duckdb.Store {
	t.Helper()
	s := try.To(duckdb.Open(context.Background(), "")).OrFatal(t)
	t.Cleanup(func() { s.Close() })
	return s
}

var cols = []tabular.Column{
	{Name: "Id", Type: tabular.Bigint},
	{Name: "LotArea", Type: tabular.Double},
	{Name: "Paved", Type: tabular.Boolean},
	{Name: "Street", Type: tabular.Text},
}

func TestTables(t *testing.T) {
	ctx := context.Background()
	ref := store.TableRef{Namespace: "house_prices_raw", Name: "raw_house_prices"}

	t.Run("it needs the namespace", func(t *testing.T) {
		s := open(t)
		err := s.Initialize(ctx, ref, cols, store.Replace, nil)
		if !errors.Is(err, store.ErrNamespaceNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("it writes and reads back a table", func(t *testing.T) {
		s := open(t)
		if err := s.Ensure(ctx, ref.Namespace, ref.Namespace); err != nil {
			t.Fatal(err)
		}
		if err := s.Initialize(ctx, ref, cols, store.Replace, [][]any{
			{int64(1), 8450.5, true, "Pave"},
		}); err != nil {
			t.Fatal(err)
		}
		if err := s.Append(ctx, ref, cols, [][]any{
			{int64(2), nil, false, nil},
		}); err != nil {
			t.Fatal(err)
		}

		frame := try.To(s.ReadTable(ctx, ref)).OrFatal(t)
		for i := range cols {
			if frame.Columns[i] != cols[i] {
				t.Errorf("columns: (actual, expected) = (%v, %v)", frame.Columns, cols)
			}
		}
		expected := [][]any{
			{int64(1), 8450.5, true, "Pave"},
			{int64(2), nil, false, nil},
		}
		if frame.Len() != len(expected) {
			t.Fatalf("rows: %v", frame.Rows)
		}
		for r := range expected {
			for c := range expected[r] {
				if frame.Rows[r][c] != expected[r][c] {
					t.Errorf("cell (%d, %d): (actual, expected) = (%#v, %#v)", r, c, frame.Rows[r][c], expected[r][c])
				}
			}
		}
	})

	t.Run("mode decides how the existing table is treated", func(t *testing.T) {
		for name, testcase := range map[string]struct {
			mode store.Mode
			rows int
			err  error
		}{
			"fail":    {mode: store.Fail, rows: 1, err: store.ErrTableExists},
			"replace": {mode: store.Replace, rows: 1},
			"append":  {mode: store.Append, rows: 2},
		} {
			t.Run(name, func(t *testing.T) {
				s := open(t)
				if err := s.Ensure(ctx, ref.Namespace); err != nil {
					t.Fatal(err)
				}
				row := [][]any{{int64(1), 1.0, true, "x"}}
				if err := s.Initialize(ctx, ref, cols, store.Replace, row); err != nil {
					t.Fatal(err)
				}

				err := s.Initialize(ctx, ref, cols, testcase.mode, row)
				if !errors.Is(err, testcase.err) {
					t.Errorf("unexpected error: %v", err)
				}
				frame := try.To(s.ReadTable(ctx, ref)).OrFatal(t)
				if frame.Len() != testcase.rows {
					t.Errorf("rows: (actual, expected) = (%d, %d)", frame.Len(), testcase.rows)
				}
			})
		}
	})

	t.Run("it reports missing tables", func(t *testing.T) {
		s := open(t)
		if _, err := s.ReadTable(ctx, ref); !errors.Is(err, store.ErrTableNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
		if err := s.Append(ctx, ref, cols, nil); !errors.Is(err, store.ErrTableNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestRecord(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	if err := s.Ensure(ctx, "meta"); err != nil {
		t.Fatal(err)
	}

	for _, r := range []store.RunRecord{
		{Id: "run-1", Status: "loading", StartedAt: 1_000_000, UpdatedAt: 1_000_000},
		{Id: "run-1", Status: "failed", FailedStage: "run_dbt_stg", Attempts: 3, StartedAt: 1_000_000, UpdatedAt: 2_000_000},
	} {
		if err := s.Record(ctx, "meta", r); err != nil {
			t.Fatal(err)
		}
	}

	runs := try.To(s.RunsOf(ctx, "meta")).OrFatal(t)
	if len(runs) != 1 {
		t.Fatalf("runs: %+v", runs)
	}
	expected := store.RunRecord{
		Id: "run-1", Status: "failed", FailedStage: "run_dbt_stg", Attempts: 3,
		StartedAt: 1_000_000, UpdatedAt: 2_000_000,
	}
	if runs[0] != expected {
		t.Errorf("(actual, expected) = (%+v, %+v)", runs[0], expected)
	}
}
