// Package duckdb is a Store on an embedded DuckDB database.
//
// It is for local runs which do not have a postgres server.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	xe "github.com/opst/houseprice/pkg/errors"
	"github.com/opst/houseprice/pkg/store"
	"github.com/opst/houseprice/pkg/tabular"
)

type Store struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]struct{}
}

var _ store.Store = &Store{}

// Open a database file.
//
// Empty path or ":memory:" opens an in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == ":memory:" {
		path = ""
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xe.Wrap(err)
	}
	return &Store{db: db, locks: map[string]struct{}{}}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func ddlType(t tabular.Type) string {
	switch t {
	case tabular.Bigint:
		return "BIGINT"
	case tabular.Double:
		return "DOUBLE"
	case tabular.Boolean:
		return "BOOLEAN"
	default:
		return "VARCHAR"
	}
}

// typeOf maps a type name of DuckDB into a column type.
func typeOf(name string) tabular.Type {
	name = strings.ToUpper(name)
	switch {
	case name == "BIGINT", name == "INTEGER", name == "SMALLINT", name == "TINYINT", name == "HUGEINT":
		return tabular.Bigint
	case name == "DOUBLE", name == "FLOAT", strings.HasPrefix(name, "DECIMAL"):
		return tabular.Double
	case name == "BOOLEAN":
		return tabular.Boolean
	default:
		return tabular.Text
	}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exists(ctx context.Context, q queryer, ref store.TableRef) (bool, error) {
	var n int
	if err := q.QueryRowContext(
		ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?`,
		namespaceOf(ref), ref.Name,
	).Scan(&n); err != nil {
		return false, xe.Wrap(err)
	}
	return 0 < n, nil
}

func namespaceOf(ref store.TableRef) string {
	if ref.Namespace == "" {
		return "main"
	}
	return ref.Namespace
}

func (s *Store) Ensure(ctx context.Context, names ...string) error {
	for _, name := range names {
		if _, err := s.db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+store.Quote(name)); err != nil {
			return xe.WrapWithNote(fmt.Sprintf("schema %s", name), err)
		}
	}
	return nil
}

func (s *Store) Initialize(ctx context.Context, ref store.TableRef, cols []tabular.Column, mode store.Mode, rows [][]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xe.Wrap(err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(
		ctx, `SELECT count(*) FROM information_schema.schemata WHERE schema_name = ?`, namespaceOf(ref),
	).Scan(&n); err != nil {
		return xe.Wrap(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNamespaceNotFound, ref.Namespace)
	}

	found, err := exists(ctx, tx, ref)
	if err != nil {
		return err
	}

	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = store.Quote(c.Name) + " " + ddlType(c.Type)
	}
	create := `CREATE TABLE ` + ref.Identifier() + ` (` + strings.Join(defs, ", ") + `)`

	switch mode {
	case store.Fail:
		if found {
			return fmt.Errorf("%w: %s", store.ErrTableExists, ref)
		}
	case store.Replace:
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+ref.Identifier()); err != nil {
			return xe.Wrap(err)
		}
		found = false
	case store.Append:
	default:
		return fmt.Errorf("unknown mode: %s", mode)
	}
	if !found {
		if _, err := tx.ExecContext(ctx, create); err != nil {
			return xe.Wrap(err)
		}
	}

	if err := insert(ctx, tx, ref, cols, rows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func insert(ctx context.Context, tx *sql.Tx, ref store.TableRef, cols []tabular.Column, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		names[i] = store.Quote(c.Name)
		marks[i] = "?"
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)`,
		ref.Identifier(), strings.Join(names, ", "), strings.Join(marks, ", "),
	))
	if err != nil {
		return xe.Wrap(err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return xe.Wrap(err)
		}
	}
	return nil
}

func (s *Store) Append(ctx context.Context, ref store.TableRef, cols []tabular.Column, rows [][]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xe.Wrap(err)
	}
	defer tx.Rollback()

	found, err := exists(ctx, tx, ref)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", store.ErrTableNotFound, ref)
	}

	if err := insert(ctx, tx, ref, cols, rows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func (s *Store) ReadTable(ctx context.Context, ref store.TableRef) (*tabular.Frame, error) {
	found, err := exists(ctx, s.db, ref)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", store.ErrTableNotFound, ref)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT * FROM `+ref.Identifier())
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, xe.Wrap(err)
	}
	frame := &tabular.Frame{}
	for _, ct := range types {
		frame.Columns = append(frame.Columns, tabular.Column{
			Name: ct.Name(), Type: typeOf(ct.DatabaseTypeName()),
		})
	}

	for rows.Next() {
		values := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, xe.Wrap(err)
		}
		for i, v := range values {
			nv, err := normalize(frame.Columns[i].Type, v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", ref, frame.Columns[i].Name, err)
			}
			values[i] = nv
		}
		frame.Rows = append(frame.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, xe.Wrap(err)
	}
	return frame, nil
}

func normalize(t tabular.Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case tabular.Bigint:
		switch n := v.(type) {
		case int8:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		}
	case tabular.Double:
		switch n := v.(type) {
		case float32:
			return float64(n), nil
		case float64:
			return n, nil
		case interface{ Float64() float64 }:
			return n.Float64(), nil
		}
	case tabular.Boolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	}
	return nil, fmt.Errorf("unexpected value for %s: %#v", t, v)
}

func (s *Store) RunScripts(ctx context.Context, scripts ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xe.Wrap(err)
	}
	defer tx.Rollback()

	for i, script := range scripts {
		if _, err := tx.ExecContext(ctx, script); err != nil {
			return xe.WrapWithNote(fmt.Sprintf("script #%d", i), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return xe.Wrap(err)
	}
	return nil
}

// TryLock takes a lock in this process.
//
// DuckDB database files are opened by one process at a time, so locks are not shared between processes.
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xe.Wrap(err)
	}
	defer tx.Rollback()

	ident := store.TableRef{Namespace: namespace, Name: store.RunTable}.Identifier()
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+ident+` (
			"id" VARCHAR PRIMARY KEY,
			"status" VARCHAR NOT NULL,
			"failed_stage" VARCHAR,
			"attempts" INTEGER NOT NULL DEFAULT 0,
			"message" VARCHAR,
			"started_at" TIMESTAMPTZ NOT NULL,
			"updated_at" TIMESTAMPTZ NOT NULL
		)
	`); err != nil {
		return xe.Wrap(err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO `+ident+`
			("id", "status", "failed_stage", "attempts", "message", "started_at", "updated_at")
		VALUES (?, ?, nullif(?, ''), ?, nullif(?, ''), ?, ?)
		ON CONFLICT ("id") DO UPDATE SET
			"status" = EXCLUDED."status",
			"failed_stage" = EXCLUDED."failed_stage",
			"attempts" = EXCLUDED."attempts",
			"message" = EXCLUDED."message",
			"updated_at" = EXCLUDED."updated_at"
		`,
		run.Id, run.Status, run.FailedStage, run.Attempts, run.Message,
		time.UnixMicro(run.StartedAt), time.UnixMicro(run.UpdatedAt),
	); err != nil {
		return xe.Wrap(err)
	}

	if err := tx.Commit(); err != nil {
		return xe.Wrap(err)
	}
	return nil
}

// RunsOf returns recorded runs in the namespace, oldest first.
func (s *Store) RunsOf(ctx context.Context, namespace string) ([]store.RunRecord, error) {
	ident := store.TableRef{Namespace: namespace, Name: store.RunTable}.Identifier()
	rows, err := s.db.QueryContext(ctx, `
		SELECT "id", "status", coalesce("failed_stage", ''), "attempts", coalesce("message", ''),
			"started_at", "updated_at"
		FROM `+ident+` ORDER BY "started_at"`,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()

	runs := []store.RunRecord{}
	for rows.Next() {
		r := store.RunRecord{}
		var started, updated time.Time
		if err := rows.Scan(&r.Id, &r.Status, &r.FailedStage, &r.Attempts, &r.Message, &started, &updated); err != nil {
			return nil, xe.Wrap(err)
		}
		r.StartedAt, r.UpdatedAt = started.UnixMicro(), updated.UnixMicro()
		runs = append(runs, r)
	}
	return runs, xe.Wrap(rows.Err())
}
