// Package postgres is a Store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	xe "github.com/opst/houseprice/pkg/errors"
	"github.com/opst/houseprice/pkg/store"
	"github.com/opst/houseprice/pkg/store/postgres/pool"
	"github.com/opst/houseprice/pkg/tabular"
)

type Store struct {
	pool pool.Pool
}

var _ store.Store = &Store{}

// Open connects to the database at url.
func Open(ctx context.Context, url string) (*Store, error) {
	p, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return New(pool.Wrap(p)), nil
}

func New(p pool.Pool) *Store {
	return &Store{pool: p}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// pgErrorCode returns the SQLSTATE of err, or "".
func pgErrorCode(err error) string {
	if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) {
		return pgerr.Code
	}
	return ""
}

func (s *Store) Ensure(ctx context.Context, names ...string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return xe.Wrap(err)
	}
	defer conn.Release()

	for _, name := range names {
		_, err := conn.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+store.Quote(name))
		switch pgErrorCode(err) {
		case "":
			if err != nil {
				return xe.Wrap(err)
			}
		case pgerrcode.DuplicateSchema, pgerrcode.UniqueViolation:
			// created by another session in a race. it is there, anyway.
		default:
			return xe.WrapWithNote(fmt.Sprintf("schema %s", name), err)
		}
	}
	return nil
}

func ddlColumns(cols []tabular.Column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = store.Quote(c.Name) + " " + c.Type.String()
	}
	return strings.Join(defs, ", ")
}

func columnNames(cols []tabular.Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

func identifier(ref store.TableRef) pgx.Identifier {
	if ref.Namespace == "" {
		return pgx.Identifier{ref.Name}
	}
	return pgx.Identifier{ref.Namespace, ref.Name}
}

func classify(ref store.TableRef, err error) error {
	if err == nil {
		return nil
	}
	switch pgErrorCode(err) {
	case pgerrcode.DuplicateTable:
		return fmt.Errorf("%w: %s: %w", store.ErrTableExists, ref, err)
	case pgerrcode.UndefinedTable:
		return fmt.Errorf("%w: %s: %w", store.ErrTableNotFound, ref, err)
	case pgerrcode.InvalidSchemaName:
		return fmt.Errorf("%w: %s: %w", store.ErrNamespaceNotFound, ref.Namespace, err)
	}
	return xe.Wrap(err)
}

func (s *Store) Initialize(ctx context.Context, ref store.TableRef, cols []tabular.Column, mode store.Mode, rows [][]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return xe.Wrap(err)
	}
	defer tx.Rollback(ctx)

	ident := ref.Identifier()
	ddl := ddlColumns(cols)
	switch mode {
	case store.Replace:
		if _, err := tx.Exec(ctx, `DROP TABLE IF EXISTS `+ident); err != nil {
			return classify(ref, err)
		}
		if _, err := tx.Exec(ctx, `CREATE TABLE `+ident+` (`+ddl+`)`); err != nil {
			return classify(ref, err)
		}
	case store.Fail:
		if _, err := tx.Exec(ctx, `CREATE TABLE `+ident+` (`+ddl+`)`); err != nil {
			return classify(ref, err)
		}
	case store.Append:
		if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+ident+` (`+ddl+`)`); err != nil {
			return classify(ref, err)
		}
	default:
		return fmt.Errorf("unknown mode: %s", mode)
	}

	if len(rows) != 0 {
		if _, err := tx.CopyFrom(ctx, identifier(ref), columnNames(cols), pgx.CopyFromRows(rows)); err != nil {
			return classify(ref, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, ref store.TableRef, cols []tabular.Column, rows [][]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return xe.Wrap(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.CopyFrom(ctx, identifier(ref), columnNames(cols), pgx.CopyFromRows(rows)); err != nil {
		return classify(ref, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func (s *Store) ReadTable(ctx context.Context, ref store.TableRef) (*tabular.Frame, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `SELECT * FROM `+ref.Identifier())
	if err != nil {
		return nil, classify(ref, err)
	}
	defer rows.Close()

	frame := &tabular.Frame{}
	for _, f := range rows.FieldDescriptions() {
		frame.Columns = append(frame.Columns, tabular.Column{
			Name: string(f.Name), Type: typeOf(f.DataTypeOID),
		})
	}

	for rows.Next() {
		raw, err := rows.Values()
		if err != nil {
			return nil, xe.Wrap(err)
		}
		values := make([]any, len(raw))
		for i, v := range raw {
			nv, err := normalize(frame.Columns[i].Type, v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", ref, frame.Columns[i].Name, err)
			}
			values[i] = nv
		}
		frame.Rows = append(frame.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ref, err)
	}
	return frame, nil
}

func (s *Store) RunScripts(ctx context.Context, scripts ...string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return xe.Wrap(err)
	}
	defer tx.Rollback(ctx)

	for i, script := range scripts {
		if _, err := tx.Exec(ctx, script); err != nil {
			return xe.WrapWithNote(fmt.Sprintf("script #%d", i), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return xe.Wrap(err)
	}
	return nil
}

// TryLock takes a session-level advisory lock.
//
// The connection holding the lock is kept out of the pool until unlocked.
func (s *Store) TryLock(ctx context.Context, key string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, xe.Wrap(err)
	}

	var locked bool
	if err := conn.QueryRow(
		ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key,
	).Scan(&locked); err != nil {
		conn.Release()
		return nil, xe.Wrap(err)
	}
	if !locked {
		conn.Release()
		return nil, fmt.Errorf("%w: %s", store.ErrLocked, key)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		defer conn.Release()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key)
	}, nil
}

func (s *Store) Record(ctx context.Context, namespace string, run store.RunRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return xe.Wrap(err)
	}
	defer tx.Rollback(ctx)

	ident := store.TableRef{Namespace: namespace, Name: store.RunTable}.Identifier()
	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+ident+` (
			"id" text PRIMARY KEY,
			"status" text NOT NULL,
			"failed_stage" text,
			"attempts" integer NOT NULL DEFAULT 0,
			"message" text,
			"started_at" timestamp with time zone NOT NULL,
			"updated_at" timestamp with time zone NOT NULL
		)
	`); err != nil {
		return xe.Wrap(err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO `+ident+`
			("id", "status", "failed_stage", "attempts", "message", "started_at", "updated_at")
		VALUES ($1, $2, nullif($3, ''), $4, nullif($5, ''), $6, $7)
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

	if err := tx.Commit(ctx); err != nil {
		return xe.Wrap(err)
	}
	return nil
}
