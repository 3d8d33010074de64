// Package testutil builds and reads parquet fixtures through an in-memory
// DuckDB for package tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/withobsrvr/sirene-pipeline/internal/duck"
	"github.com/withobsrvr/sirene-pipeline/internal/table"
)

func memory(t testing.TB) *duck.Client {
	t.Helper()
	c, err := duck.OpenMemory(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// WriteParquet materializes the result of selectSQL at path.
func WriteParquet(t testing.TB, path, selectSQL string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, memory(t).Exec(context.Background(), duck.CopyTo(selectSQL, path)))
}

// ReadParquet loads a whole parquet file, optionally ordered by a column.
func ReadParquet(t testing.TB, path, orderBy string) *table.Table {
	t.Helper()
	q := "SELECT * FROM read_parquet(" + duck.Literal(path) + ")"
	if orderBy != "" {
		q += " ORDER BY " + duck.Ident(orderBy)
	}
	tbl, err := memory(t).QueryTable(context.Background(), duck.Query{SQL: q})
	require.NoError(t, err)
	return tbl
}

// Query runs an arbitrary query, e.g. against read_parquet.
func Query(t testing.TB, sql string, args ...any) *table.Table {
	t.Helper()
	tbl, err := memory(t).QueryTable(context.Background(), duck.Query{SQL: sql, Args: args})
	require.NoError(t, err)
	return tbl
}

// RowCount counts the rows of a parquet file.
func RowCount(t testing.TB, path string) int64 {
	t.Helper()
	n, err := memory(t).Count(context.Background(), duck.CountFile(path))
	require.NoError(t, err)
	return n
}
