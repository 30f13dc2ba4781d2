// Package connect opens a Store by its URL.
package connect

import (
	"context"
	"fmt"
	"strings"

	"github.com/opst/houseprice/pkg/store"
	"github.com/opst/houseprice/pkg/store/duckdb"
	"github.com/opst/houseprice/pkg/store/memory"
	"github.com/opst/houseprice/pkg/store/postgres"
)

// Open a Store.
//
// Store is chosen by the scheme of url:
//
// - "postgres://..." or "postgresql://...": PostgreSQL
//
// - "duckdb:<path>": DuckDB database file. "duckdb:" or "duckdb::memory:" is in-memory.
//
// - "memory:": a store on memory, for dry runs.
func Open(ctx context.Context, url string) (store.Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return postgres.Open(ctx, url)
	case strings.HasPrefix(url, "duckdb:"):
		return duckdb.Open(ctx, strings.TrimPrefix(url, "duckdb:"))
	case strings.HasPrefix(url, "memory:"):
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unsupported database url: %q", redact(url))
}

// redact hides everything after the scheme, which may have credentials.
func redact(url string) string {
	scheme, _, found := strings.Cut(url, ":")
	if !found {
		return "..."
	}
	return scheme + ":..."
}
