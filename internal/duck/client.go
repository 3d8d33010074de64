// Package duck wraps DuckDB access for the pipeline: opening file-backed or
// in-memory databases, loading extensions for remote sources, and the typed
// query builders every layer runs.
package duck

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/withobsrvr/sirene-pipeline/internal/table"
)

// Client manages one DuckDB database handle
type Client struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens (or creates) the DuckDB database at path. An empty path opens
// an in-memory database. The pool is capped at one connection so a client
// is always a single writer.
func Open(path string, logger *zap.Logger) (*Client, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to DuckDB %q: %w", path, err)
	}

	return &Client{db: db, path: path, logger: logger}, nil
}

// OpenMemory opens a throwaway in-memory database.
func OpenMemory(logger *zap.Logger) (*Client, error) {
	return Open("", logger)
}

// DB exposes the underlying handle.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close releases the database. Failures are logged and returned.
func (c *Client) Close() error {
	if err := c.db.Close(); err != nil {
		c.logger.Warn("failed to close DuckDB", zap.String("path", c.path), zap.Error(err))
		return err
	}
	return nil
}

// IsRemote reports whether a source location needs the httpfs extension.
func IsRemote(source string) bool {
	lower := strings.ToLower(source)
	for _, prefix := range []string{"http://", "https://", "s3://"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// LoadExtensionsFor installs and loads httpfs when source is remote.
func (c *Client) LoadExtensionsFor(ctx context.Context, source string) error {
	if !IsRemote(source) {
		return nil
	}

	c.logger.Debug("loading httpfs extension", zap.String("source", source))
	if _, err := c.db.ExecContext(ctx, "INSTALL httpfs;"); err != nil {
		return fmt.Errorf("failed to install httpfs extension: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, "LOAD httpfs;"); err != nil {
		return fmt.Errorf("failed to load httpfs extension: %w", err)
	}
	return nil
}

// Exec runs a statement.
func (c *Client) Exec(ctx context.Context, q Query) error {
	if _, err := c.db.ExecContext(ctx, q.SQL, q.Args...); err != nil {
		return fmt.Errorf("failed to execute query: %w", err)
	}
	return nil
}

// QueryTable runs q and loads the full result into memory.
func (c *Client) QueryTable(ctx context.Context, q Query) (*table.Table, error) {
	rows, err := c.db.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run query: %w", err)
	}
	defer rows.Close()

	return table.Scan(rows)
}

// Count runs a single-value COUNT query.
func (c *Client) Count(ctx context.Context, q Query) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, q.SQL, q.Args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}
