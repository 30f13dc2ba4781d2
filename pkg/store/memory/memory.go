// Package memory is a Store on memory.
//
// It is for tests and dry runs. Nothing is persisted.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/opst/houseprice/pkg/store"
	"github.com/opst/houseprice/pkg/tabular"
)

// Write is a log entry of a write operation.
type Write struct {
	// "initialize" or "append"
	Op    string
	Table store.TableRef
	Mode  store.Mode
	Rows  int
}

type table struct {
	cols []tabular.Column
	rows [][]any
}

type Store struct {
	mu         sync.Mutex
	namespaces map[string]struct{}
	tables     map[store.TableRef]*table
	locks      map[string]struct{}
	runs       map[string]store.RunRecord

	// Writes are successful write operations, in order.
	Writes []Write

	// Scripts are scripts run successfully, in order.
	Scripts []string
}

var _ store.Store = &Store{}

func New() *Store {
	return &Store{
		namespaces: map[string]struct{}{},
		tables:     map[store.TableRef]*table{},
		locks:      map[string]struct{}{},
		runs:       map[string]store.RunRecord{},
	}
}

func (s *Store) Ensure(ctx context.Context, names ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		s.namespaces[n] = struct{}{}
	}
	return nil
}

// Namespaces returns the names of existing namespaces, sorted.
func (s *Store) Namespaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.namespaces))
	for n := range s.namespaces {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// HasNamespace reports the namespace exists.
func (s *Store) HasNamespace(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.namespaces[name]
	return ok
}

func (s *Store) Initialize(ctx context.Context, ref store.TableRef, cols []tabular.Column, mode store.Mode, rows [][]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.namespaces[ref.Namespace]; ref.Namespace != "" && !ok {
		return fmt.Errorf("%w: %s", store.ErrNamespaceNotFound, ref.Namespace)
	}

	t, exists := s.tables[ref]
	switch mode {
	case store.Fail:
		if exists {
			return fmt.Errorf("%w: %s", store.ErrTableExists, ref)
		}
		t = &table{cols: slices.Clone(cols)}
	case store.Replace:
		t = &table{cols: slices.Clone(cols)}
	case store.Append:
		if !exists {
			t = &table{cols: slices.Clone(cols)}
		} else if err := compatible(ref, t.cols, cols); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown mode: %s", mode)
	}

	t.rows = append(t.rows, copyRows(rows)...)
	s.tables[ref] = t
	s.Writes = append(s.Writes, Write{Op: "initialize", Table: ref, Mode: mode, Rows: len(rows)})
	return nil
}

func (s *Store) Append(ctx context.Context, ref store.TableRef, cols []tabular.Column, rows [][]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[ref]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrTableNotFound, ref)
	}
	if err := compatible(ref, t.cols, cols); err != nil {
		return err
	}
	t.rows = append(t.rows, copyRows(rows)...)
	s.Writes = append(s.Writes, Write{Op: "append", Table: ref, Rows: len(rows)})
	return nil
}

func compatible(ref store.TableRef, have, want []tabular.Column) error {
	if len(have) != len(want) {
		return fmt.Errorf("%s has %d columns, but %d are given", ref, len(have), len(want))
	}
	for i := range have {
		if have[i].Name != want[i].Name {
			return fmt.Errorf("%s: column #%d is %s, but %s is given", ref, i, have[i].Name, want[i].Name)
		}
	}
	return nil
}

func copyRows(rows [][]any) [][]any {
	c := make([][]any, len(rows))
	for i := range rows {
		c[i] = slices.Clone(rows[i])
	}
	return c
}

// Put places a table as is, replacing the existing one.
func (s *Store) Put(ref store.TableRef, frame *tabular.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref.Namespace != "" {
		s.namespaces[ref.Namespace] = struct{}{}
	}
	s.tables[ref] = &table{cols: slices.Clone(frame.Columns), rows: copyRows(frame.Rows)}
}

func (s *Store) ReadTable(ctx context.Context, ref store.TableRef) (*tabular.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrTableNotFound, ref)
	}
	return &tabular.Frame{Columns: slices.Clone(t.cols), Rows: copyRows(t.rows)}, nil
}

// RunScripts records scripts. They are not interpreted.
func (s *Store) RunScripts(ctx context.Context, scripts ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Scripts = append(s.Scripts, scripts...)
	return nil
}

func (s *Store) TryLock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[key]; held {
		return nil, fmt.Errorf("%w: %s", store.ErrLocked, key)
	}
	s.locks[key] = struct{}{}

	once := sync.Once{}
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.locks, key)
		})
	}, nil
}

func (s *Store) Record(ctx context.Context, namespace string, run store.RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.namespaces[namespace]; !ok {
		return fmt.Errorf("%w: %s", store.ErrNamespaceNotFound, namespace)
	}
	if prev, ok := s.runs[run.Id]; ok && run.StartedAt == 0 {
		run.StartedAt = prev.StartedAt
	}
	s.runs[run.Id] = run
	return nil
}

// Run returns the recorded run.
func (s *Store) Run(id string) (store.RunRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	return r, ok
}

func (s *Store) Close() error {
	return nil
}
