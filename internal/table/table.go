// Package table holds query results in memory as named columns over rows of
// loosely typed values, with the handful of frame operations the Silver layer
// needs: concatenation by column name, filtering and keep-last deduplication.
package table

import (
	"database/sql"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/duckdb/duckdb-go/v2"
)

// Table is an ordered set of rows sharing one column layout.
//
// Cell values are normalized on the way in: integers are int64, floating
// point values are float64, dates and timestamps are time.Time, and SQL NULL
// is nil.
type Table struct {
	columns []string
	index   map[string]int
	rows    [][]any
}

// New creates an empty table with the given columns.
func New(columns ...string) *Table {
	t := &Table{index: make(map[string]int, len(columns))}
	for _, c := range columns {
		t.addColumnName(c)
	}
	return t
}

func (t *Table) addColumnName(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	t.columns = append(t.columns, name)
	t.index[name] = len(t.columns) - 1
	return len(t.columns) - 1
}

// Columns returns the column names in order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// Has reports whether the table has a column.
func (t *Table) Has(column string) bool {
	_, ok := t.index[column]
	return ok
}

// Len is the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Append adds one row. Values are given in column order.
func (t *Table) Append(values ...any) error {
	if len(values) != len(t.columns) {
		return fmt.Errorf("row has %d values, table has %d columns", len(values), len(t.columns))
	}
	row := make([]any, len(values))
	for i, v := range values {
		row[i] = Normalize(v)
	}
	t.rows = append(t.rows, row)
	return nil
}

// Get returns a cell, or nil when the column does not exist.
func (t *Table) Get(row int, column string) any {
	i, ok := t.index[column]
	if !ok {
		return nil
	}
	return t.rows[row][i]
}

// Set replaces a cell. Setting an unknown column is a no-op.
func (t *Table) Set(row int, column string, value any) {
	if i, ok := t.index[column]; ok {
		t.rows[row][i] = Normalize(value)
	}
}

// Column returns a copy of one column's values.
func (t *Table) Column(column string) []any {
	i, ok := t.index[column]
	if !ok {
		return nil
	}
	out := make([]any, len(t.rows))
	for r, row := range t.rows {
		out[r] = row[i]
	}
	return out
}

// AddColumn sets column to fn(row) for every row, appending the column if it
// does not exist yet.
func (t *Table) AddColumn(column string, fn func(row int) any) {
	i := t.addColumnName(column)
	for r := range t.rows {
		if len(t.rows[r]) <= i {
			t.rows[r] = append(t.rows[r], nil)
		}
		t.rows[r][i] = Normalize(fn(r))
	}
}

// Filter keeps the rows for which keep returns true and reports how many
// rows were removed.
func (t *Table) Filter(keep func(row int) bool) int {
	kept := t.rows[:0:0]
	for r, row := range t.rows {
		if keep(r) {
			kept = append(kept, row)
		}
	}
	removed := len(t.rows) - len(kept)
	t.rows = kept
	return removed
}

// DedupKeepLast removes rows whose key columns repeat an earlier row, keeping
// the last occurrence of each key. Surviving rows stay in their relative
// order. It returns the number of rows removed.
func (t *Table) DedupKeepLast(keys ...string) (int, error) {
	idx := make([]int, len(keys))
	for k, key := range keys {
		i, ok := t.index[key]
		if !ok {
			return 0, fmt.Errorf("dedup key %q is not a column", key)
		}
		idx[k] = i
	}

	last := make(map[string]int, len(t.rows))
	for r, row := range t.rows {
		last[rowKey(row, idx)] = r
	}

	kept := make([][]any, 0, len(last))
	for r, row := range t.rows {
		if last[rowKey(row, idx)] == r {
			kept = append(kept, row)
		}
	}
	removed := len(t.rows) - len(kept)
	t.rows = kept
	return removed, nil
}

func rowKey(row []any, idx []int) string {
	var b strings.Builder
	for _, i := range idx {
		if row[i] == nil {
			b.WriteString("\x00null")
		} else {
			fmt.Fprintf(&b, "%T:%v", row[i], row[i])
		}
		b.WriteByte(0x1f)
	}
	return b.String()
}

// Concat stacks b under a, matching columns by name. The result carries a's
// columns followed by any column only b has; cells missing on either side
// are nil.
func Concat(a, b *Table) *Table {
	out := New(a.columns...)
	for _, c := range b.columns {
		out.addColumnName(c)
	}

	appendFrom := func(src *Table) {
		for _, row := range src.rows {
			dst := make([]any, len(out.columns))
			for i, c := range src.columns {
				dst[out.index[c]] = row[i]
			}
			out.rows = append(out.rows, dst)
		}
	}
	appendFrom(a)
	appendFrom(b)
	return out
}

// Scan reads every row of rows into a table. It does not close rows.
func Scan(rows *sql.Rows) (*Table, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	t := New(cols...)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			values[i] = Normalize(v)
		}
		t.rows = append(t.rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return t, nil
}

// Normalize maps driver values onto the small set of Go types tables hold.
// Integers that do not fit in int64 are kept as their decimal string.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return strconv.FormatUint(x, 10)
		}
		return int64(x)
	case float32:
		return float64(x)
	case duckdb.Decimal:
		return x.Float64()
	case *big.Int:
		if x == nil {
			return nil
		}
		if x.IsInt64() {
			return x.Int64()
		}
		return x.String()
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC()
	default:
		return v
	}
}
