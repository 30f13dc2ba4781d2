// Package store defines where tables of the pipeline live.
//
// Backends are in sub packages: postgres, duckdb and memory.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opst/houseprice/pkg/tabular"
)

var (
	// ErrTableExists is returned when a table is created in "fail" mode but it exists already.
	ErrTableExists = errors.New("table already exists")

	// ErrTableNotFound is returned when a table to be read or appended does not exist.
	ErrTableNotFound = errors.New("table not found")

	// ErrNamespaceNotFound is returned when a table is created in a namespace which does not exist.
	ErrNamespaceNotFound = errors.New("namespace not found")

	// ErrLocked is returned when a lock is held by another session.
	ErrLocked = errors.New("locked by another session")
)

// TableRef is a name of a table qualified by its namespace (schema).
type TableRef struct {
	Namespace string
	Name      string
}

func (t TableRef) String() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// Identifier returns the name as a SQL identifier, quoted.
func (t TableRef) Identifier() string {
	if t.Namespace == "" {
		return Quote(t.Name)
	}
	return Quote(t.Namespace) + "." + Quote(t.Name)
}

// Quote an identifier for SQL.
func Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Mode tells how the first write to a table treats an existing table.
type Mode string

const (
	// Fail creates the table. If it exists, writing fails with ErrTableExists.
	Fail Mode = "fail"

	// Replace drops the existing table and creates it again.
	Replace Mode = "replace"

	// Append creates the table if it is missing, and appends rows to it.
	Append Mode = "append"
)

func (m Mode) String() string {
	return string(m)
}

// ParseMode parses "fail", "replace" or "append".
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Fail, Replace, Append:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q: expected one of fail, replace or append", s)
}

// Set implements flag.Value.
func (m *Mode) Set(s string) error {
	p, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = p
	return nil
}

// Namespaces creates namespaces (schemas).
type Namespaces interface {
	// Ensure that namespaces exist.
	//
	// Namespaces not existing are created, and existing ones are left untouched.
	// Creating a namespace concurrently with another session is not an error.
	Ensure(ctx context.Context, names ...string) error
}

// TableWriter writes rows into tables.
type TableWriter interface {
	// Initialize the table and write the first rows, in one transaction.
	//
	// mode decides how an existing table is treated.
	// rows can be empty; then, only the table is prepared.
	//
	// # Returns
	//
	// - error: ErrTableExists when mode is Fail and the table exists.
	Initialize(ctx context.Context, table TableRef, cols []tabular.Column, mode Mode, rows [][]any) error

	// Append rows to the table, in one transaction.
	//
	// # Returns
	//
	// - error: ErrTableNotFound when the table does not exist.
	Append(ctx context.Context, table TableRef, cols []tabular.Column, rows [][]any) error
}

// TableReader reads tables.
type TableReader interface {
	// ReadTable reads all rows of the table.
	//
	// # Returns
	//
	// - error: ErrTableNotFound when the table does not exist.
	ReadTable(ctx context.Context, table TableRef) (*tabular.Frame, error)
}

// Scripter runs SQL scripts.
type Scripter interface {
	// RunScripts runs scripts in order, in one transaction.
	RunScripts(ctx context.Context, scripts ...string) error
}

// Locker takes session-wide locks.
type Locker interface {
	// TryLock takes the lock named key without waiting.
	//
	// # Returns
	//
	// - func(): releases the lock.
	//
	// - error: ErrLocked when another session holds the lock.
	TryLock(ctx context.Context, key string) (func(), error)
}

// RunLog records states of pipeline runs.
type RunLog interface {
	// Record upserts the run.
	Record(ctx context.Context, namespace string, run RunRecord) error
}

// RunRecord is a row of the pipeline_run table.
type RunRecord struct {
	Id          string
	Status      string
	FailedStage string
	Attempts    int
	Message     string
	StartedAt   int64 // unix micro
	UpdatedAt   int64 // unix micro
}

// RunTable is the name of the table of pipeline runs, in the meta namespace.
const RunTable = "pipeline_run"

type Store interface {
	Namespaces
	TableWriter
	TableReader
	Scripter
	Locker
	RunLog

	Close() error
}
