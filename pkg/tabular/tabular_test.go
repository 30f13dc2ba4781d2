package tabular_test

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/opst/houseprice/pkg/tabular"
	"github.com/opst/houseprice/pkg/utils/try"
)

func csvOf(header string, rows int) string {
	b := new(strings.Builder)
	b.WriteString(header + "\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(b, "%d,%d.5,name-%d\n", i+1, i, i)
	}
	return b.String()
}

func TestReader(t *testing.T) {
	t.Run("it splits rows into ceil(N/C) chunks in file order", func(t *testing.T) {
		for name, testcase := range map[string]struct {
			rows      int
			chunkSize int
			expected  []int
		}{
			"no rows":               {rows: 0, chunkSize: 3, expected: []int{}},
			"less than a chunk":     {rows: 2, chunkSize: 3, expected: []int{2}},
			"exactly a chunk":       {rows: 3, chunkSize: 3, expected: []int{3}},
			"chunks and a fraction": {rows: 7, chunkSize: 3, expected: []int{3, 3, 1}},
			"chunk of one row":      {rows: 3, chunkSize: 1, expected: []int{1, 1, 1}},
		} {
			t.Run(name, func(t *testing.T) {
				testee := try.To(tabular.NewReader(
					strings.NewReader(csvOf("id,price,name", testcase.rows)), testcase.chunkSize,
				)).OrFatal(t)

				actual := []int{}
				nextId := 1
				for {
					chunk, err := testee.Next()
					if errors.Is(err, io.EOF) {
						break
					} else if err != nil {
						t.Fatal(err)
					}
					if chunk.Index != len(actual) {
						t.Errorf("chunk index: (actual, expected) = (%d, %d)", chunk.Index, len(actual))
					}
					for _, row := range chunk.Rows {
						if row[0] != fmt.Sprint(nextId) {
							t.Errorf("rows are out of order: got %s, want %d", row[0], nextId)
						}
						nextId += 1
					}
					actual = append(actual, chunk.Len())
				}

				if len(actual) != len(testcase.expected) {
					t.Fatalf("chunks: (actual, expected) = (%v, %v)", actual, testcase.expected)
				}
				for i := range actual {
					if actual[i] != testcase.expected[i] {
						t.Errorf("chunks: (actual, expected) = (%v, %v)", actual, testcase.expected)
					}
				}
			})
		}
	})

	t.Run("it fails with ErrNoHeader for an empty source", func(t *testing.T) {
		_, err := tabular.NewReader(strings.NewReader(""), 10)
		if !errors.Is(err, tabular.ErrNoHeader) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("it rejects a non-positive chunk size", func(t *testing.T) {
		if _, err := tabular.NewReader(strings.NewReader("a\n1\n"), 0); err == nil {
			t.Error("no error")
		}
	})

	t.Run("it names blank header cells and drops BOM", func(t *testing.T) {
		testee := try.To(tabular.NewReader(strings.NewReader("\ufeffid,,x\n1,2,3\n"), 10)).OrFatal(t)
		header := testee.Header()
		expected := []string{"id", "Unnamed: 1", "x"}
		for i := range expected {
			if header[i] != expected[i] {
				t.Errorf("header: (actual, expected) = (%v, %v)", header, expected)
			}
		}
	})

	t.Run("it fails the chunk which has a malformed row", func(t *testing.T) {
		src := "a,b\n1,2\n3,4\n5\n7,8\n"
		testee := try.To(tabular.NewReader(strings.NewReader(src), 2)).OrFatal(t)

		first, err := testee.Next()
		if err != nil {
			t.Fatal(err)
		}
		if first.Len() != 2 {
			t.Errorf("first chunk has %d rows", first.Len())
		}

		if _, err := testee.Next(); !errors.Is(err, tabular.ErrMalformedRow) {
			t.Errorf("unexpected error: %v", err)
		}
		if _, err := testee.Next(); !errors.Is(err, io.EOF) {
			t.Errorf("reader continues after malformed row: %v", err)
		}
	})

	t.Run("it tells line numbers of rows", func(t *testing.T) {
		src := "a,b\n1,2\n\"x\ny\",4\n5,6\n"
		testee := try.To(tabular.NewReader(strings.NewReader(src), 10)).OrFatal(t)
		chunk := try.To(testee.Next()).OrFatal(t)
		for r, expected := range []int{2, 3, 5} {
			if actual := chunk.Line(r); actual != expected {
				t.Errorf("line of row %d: (actual, expected) = (%d, %d)", r, actual, expected)
			}
		}
	})
}

func TestInfer(t *testing.T) {
	header := []string{"id", "area", "paved", "street", "empty"}
	rows := [][]string{
		{"1", "8450", "True", "Pave", "NA"},
		{"2", "9600.5", "False", "Grvl", ""},
		{"3", "NA", "NA", "NA", "NaN"},
	}

	actual := tabular.Infer(header, rows)
	expected := []tabular.Column{
		{Name: "id", Type: tabular.Bigint},
		{Name: "area", Type: tabular.Double},
		{Name: "paved", Type: tabular.Boolean},
		{Name: "street", Type: tabular.Text},
		{Name: "empty", Type: tabular.Text},
	}

	if len(actual) != len(expected) {
		t.Fatalf("columns: (actual, expected) = (%v, %v)", actual, expected)
	}
	for i := range expected {
		if actual[i] != expected[i] {
			t.Errorf("column #%d: (actual, expected) = (%v, %v)", i, actual[i], expected[i])
		}
	}
}

func TestInfer_GoNumberLiterals(t *testing.T) {
	for name, testcase := range map[string]struct {
		when string
		then tabular.Type
	}{
		"digit separator":          {when: "1_000", then: tabular.Text},
		"float with separator":     {when: "1_000.5", then: tabular.Text},
		"hexadecimal float":        {when: "0x1p4", then: tabular.Text},
		"signed hexadecimal float": {when: "-0X1P4", then: tabular.Text},
		"hexadecimal integer":      {when: "0x10", then: tabular.Text},
		"decimal":                  {when: "16.5", then: tabular.Double},
		"exponent":                 {when: "1e3", then: tabular.Double},
		"signed integer":           {when: "+5", then: tabular.Bigint},
	} {
		t.Run(name, func(t *testing.T) {
			actual := tabular.Infer([]string{"v"}, [][]string{{testcase.when}})
			if actual[0].Type != testcase.then {
				t.Errorf("type of %q: (actual, expected) = (%s, %s)", testcase.when, actual[0].Type, testcase.then)
			}
		})
	}

	t.Run("a double column rejects them", func(t *testing.T) {
		col := tabular.Column{Name: "area", Type: tabular.Double}
		for _, raw := range []string{"1_000", "0x1p4"} {
			if _, err := col.Convert(raw); !errors.Is(err, tabular.ErrIncompatibleValue) {
				t.Errorf("%q: unexpected error: %v", raw, err)
			}
		}
	})
}

func TestConvert(t *testing.T) {
	cols := []tabular.Column{
		{Name: "id", Type: tabular.Bigint},
		{Name: "area", Type: tabular.Double},
		{Name: "paved", Type: tabular.Boolean},
		{Name: "street", Type: tabular.Text},
	}

	t.Run("it converts cells into typed values", func(t *testing.T) {
		reader := try.To(tabular.NewReader(
			strings.NewReader("id,area,paved,street\n1,2.5,true,Pave\nNA,3,False,NA\n"), 10,
		)).OrFatal(t)
		chunk := try.To(reader.Next()).OrFatal(t)

		actual := try.To(tabular.Convert(cols, chunk)).OrFatal(t)
		expected := [][]any{
			{int64(1), 2.5, true, "Pave"},
			{nil, 3.0, false, nil},
		}
		for r := range expected {
			for c := range expected[r] {
				if actual[r][c] != expected[r][c] {
					t.Errorf("cell (%d, %d): (actual, expected) = (%#v, %#v)", r, c, actual[r][c], expected[r][c])
				}
			}
		}
	})

	t.Run("it rejects a cell which is incompatible with the column", func(t *testing.T) {
		reader := try.To(tabular.NewReader(
			strings.NewReader("id,area,paved,street\n1.5,2.5,true,Pave\n"), 10,
		)).OrFatal(t)
		chunk := try.To(reader.Next()).OrFatal(t)

		_, err := tabular.Convert(cols, chunk)
		if !errors.Is(err, tabular.ErrIncompatibleValue) {
			t.Errorf("unexpected error: %v", err)
		}
		if !strings.Contains(err.Error(), "line 2") {
			t.Errorf("line number is not reported: %v", err)
		}
	})
}
