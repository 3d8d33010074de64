package duck

import (
	"fmt"
	"strings"
	"time"
)

// Query is a SQL statement with its bound arguments. Identifiers and file
// paths are quoted into SQL by the builders; values that vary per run
// (timestamps, region codes) travel as arguments.
type Query struct {
	SQL  string
	Args []any
}

// IngestedAtColumn is stamped on every registry row.
const IngestedAtColumn = "ingested_at"

// Representable range for creation dates; anything outside is nulled on
// extraction.
const (
	MinCreationDate = "1678-01-01"
	MaxCreationDate = "2261-12-31"
)

// TimestampArg formats t as a DuckDB TIMESTAMP literal value.
func TimestampArg(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.999999")
}

// SourceReader returns the table function reading a source file or URL.
func SourceReader(path, format string) (string, error) {
	switch format {
	case "", "parquet":
		return fmt.Sprintf("read_parquet(%s)", Literal(path)), nil
	case "csv":
		return fmt.Sprintf("read_csv(%s, header = true, all_varchar = true)", Literal(path)), nil
	default:
		return "", fmt.Errorf("unsupported source format %q", format)
	}
}

// StagingTable is the quoted name of the temporary table holding one
// materialized read of a Bronze source.
const StagingTable = `"bronze_staging"`

// StageSource reads source once into StagingTable, replacing any earlier
// staging table on the same connection.
func StageSource(source string) Query {
	return Query{SQL: fmt.Sprintf("CREATE OR REPLACE TEMP TABLE %s AS SELECT * FROM %s", StagingTable, source)}
}

// DropStaging removes StagingTable.
func DropStaging() Query {
	return Query{SQL: "DROP TABLE IF EXISTS " + StagingTable}
}

// CreateRegistryTable creates an empty registry table with the source's
// column layout plus the ingestion timestamp, if it does not exist yet.
func CreateRegistryTable(tableName, source string) (Query, error) {
	tbl, err := TableName(tableName)
	if err != nil {
		return Query{}, err
	}
	return Query{SQL: fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s AS SELECT *, CAST(NULL AS TIMESTAMP) AS %s FROM %s WHERE 1 = 0",
		tbl, Ident(IngestedAtColumn), source,
	)}, nil
}

// InsertOptions describes one Bronze append.
type InsertOptions struct {
	Table      string
	Source     string // table function from SourceReader
	PrimaryKey string
	Limit      int // 0 = no cap
	IngestedAt time.Time
}

// InsertUnseen appends source rows whose primary key is not yet in the
// registry table (left anti-join). Rows with a null key are skipped and a
// key repeated inside the source batch is inserted once.
//
// Example output:
//
//	INSERT INTO "etablissements" BY NAME
//	SELECT src.*, CAST(? AS TIMESTAMP) AS "ingested_at"
//	FROM (SELECT * FROM read_parquet('...') WHERE "siret" IS NOT NULL
//	      QUALIFY ROW_NUMBER() OVER (PARTITION BY "siret") = 1) AS src
//	LEFT JOIN "etablissements" AS reg ON src."siret" = reg."siret"
//	WHERE reg."siret" IS NULL
//	LIMIT 100
func InsertUnseen(opts InsertOptions) (Query, error) {
	tbl, err := TableName(opts.Table)
	if err != nil {
		return Query{}, err
	}
	if opts.PrimaryKey == "" {
		return Query{}, fmt.Errorf("%w: empty primary key", ErrInvalidIdentifier)
	}
	if opts.Limit < 0 {
		return Query{}, fmt.Errorf("limit must not be negative, got %d", opts.Limit)
	}
	pk := Ident(opts.PrimaryKey)

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s BY NAME\n", tbl)
	fmt.Fprintf(&b, "SELECT src.*, CAST(? AS TIMESTAMP) AS %s\n", Ident(IngestedAtColumn))
	fmt.Fprintf(&b, "FROM (SELECT * FROM %s WHERE %s IS NOT NULL QUALIFY ROW_NUMBER() OVER (PARTITION BY %s) = 1) AS src\n",
		opts.Source, pk, pk)
	fmt.Fprintf(&b, "LEFT JOIN %s AS reg ON src.%s = reg.%s\n", tbl, pk, pk)
	fmt.Fprintf(&b, "WHERE reg.%s IS NULL", pk)
	if opts.Limit > 0 {
		fmt.Fprintf(&b, "\nLIMIT %d", opts.Limit)
	}

	return Query{SQL: b.String(), Args: []any{TimestampArg(opts.IngestedAt)}}, nil
}

// CountTable counts the rows of a registry table.
func CountTable(tableName string) (Query, error) {
	tbl, err := TableName(tableName)
	if err != nil {
		return Query{}, err
	}
	return Query{SQL: "SELECT COUNT(*) FROM " + tbl}, nil
}

// CountFile counts the rows of a parquet file.
func CountFile(path string) Query {
	return Query{SQL: fmt.Sprintf("SELECT COUNT(*) FROM read_parquet(%s)", Literal(path))}
}

// CopyTo writes the result of a SELECT to a parquet file.
func CopyTo(selectSQL, dest string) Query {
	return Query{SQL: fmt.Sprintf("COPY (%s) TO %s (FORMAT PARQUET)", selectSQL, Literal(dest))}
}

// ExportTable writes a whole registry table to a parquet file.
func ExportTable(tableName, dest string) (Query, error) {
	tbl, err := TableName(tableName)
	if err != nil {
		return Query{}, err
	}
	return CopyTo("SELECT * FROM "+tbl, dest), nil
}

// ExtractOptions selects the Bronze rows a Silver run processes.
type ExtractOptions struct {
	Source  string // Bronze export path
	Columns []string
	// DateColumns are nulled when outside MinCreationDate..MaxCreationDate.
	DateColumns []string
	Watermark   time.Time
	// RegionColumn and Regions restrict rows to postal prefixes; both empty
	// means no filter.
	RegionColumn string
	Regions      []string
}

// ExtractSilver reads Bronze rows strictly newer than the watermark.
func ExtractSilver(opts ExtractOptions) Query {
	dates := make(map[string]bool, len(opts.DateColumns))
	for _, c := range opts.DateColumns {
		dates[c] = true
	}

	cols := make([]string, len(opts.Columns))
	for i, c := range opts.Columns {
		col := Ident(c)
		if dates[c] {
			cols[i] = fmt.Sprintf(
				"CASE WHEN TRY_CAST(%s AS DATE) BETWEEN DATE '%s' AND DATE '%s' THEN TRY_CAST(%s AS DATE) END AS %s",
				col, MinCreationDate, MaxCreationDate, col, col)
		} else {
			cols[i] = col
		}
	}

	args := []any{TimestampArg(opts.Watermark)}
	where := []string{fmt.Sprintf("%s > CAST(? AS TIMESTAMP)", Ident(IngestedAtColumn))}

	if opts.RegionColumn != "" && len(opts.Regions) > 0 {
		marks := make([]string, len(opts.Regions))
		for i, r := range opts.Regions {
			marks[i] = "?"
			args = append(args, r)
		}
		where = append(where, fmt.Sprintf("substr(%s, 1, 2) IN (%s)",
			Ident(opts.RegionColumn), strings.Join(marks, ", ")))
	}

	return Query{
		SQL: fmt.Sprintf("SELECT %s FROM read_parquet(%s) WHERE %s",
			strings.Join(cols, ", "), Literal(opts.Source), strings.Join(where, " AND ")),
		Args: args,
	}
}

// DescribeFile lists the columns of a parquet file, one row per column.
func DescribeFile(path string) Query {
	return Query{SQL: "DESCRIBE SELECT * FROM read_parquet(" + Literal(path) + ")"}
}

// MaxIngestedAt reads the watermark of a Silver snapshot.
func MaxIngestedAt(path string) Query {
	return Query{SQL: fmt.Sprintf("SELECT MAX(%s) FROM read_parquet(%s)", Ident(IngestedAtColumn), Literal(path))}
}

// NullCount counts the null values of one column of a parquet file.
func NullCount(path, column string) Query {
	return Query{SQL: fmt.Sprintf("SELECT COUNT(*) - COUNT(%s) FROM read_parquet(%s)", Ident(column), Literal(path))}
}

// IngestionSpan reads the first and last ingestion timestamps of a parquet
// file and the number of distinct ingestion batches it holds.
func IngestionSpan(path string) Query {
	col := Ident(IngestedAtColumn)
	return Query{SQL: fmt.Sprintf("SELECT MIN(%s), MAX(%s), COUNT(DISTINCT %s) FROM read_parquet(%s)",
		col, col, col, Literal(path))}
}

// MasterOptions describes the Gold denormalization join.
type MasterOptions struct {
	Establishments   string
	LegalUnits       string
	LinkKey          string
	LegalUnitColumns []string
}

// MasterJoin left-joins every establishment to its legal unit.
func MasterJoin(opts MasterOptions) string {
	cols := []string{"e.*"}
	for _, c := range opts.LegalUnitColumns {
		cols = append(cols, "ul."+Ident(c))
	}
	key := Ident(opts.LinkKey)
	return fmt.Sprintf(
		"SELECT %s FROM read_parquet(%s) AS e LEFT JOIN read_parquet(%s) AS ul ON e.%s = ul.%s",
		strings.Join(cols, ", "), Literal(opts.Establishments), Literal(opts.LegalUnits), key, key)
}

// RegionCounts counts establishments per region.
func RegionCounts(master, regionColumn string) string {
	region := Ident(regionColumn)
	return fmt.Sprintf(
		"SELECT %s, COUNT(*) AS total_establishments FROM read_parquet(%s) GROUP BY %s ORDER BY total_establishments DESC, %s",
		region, Literal(master), region, region)
}

// DominantSectors picks the most frequent sector of each region.
func DominantSectors(master, regionColumn, sectorColumn string) string {
	region, sector := Ident(regionColumn), Ident(sectorColumn)
	return fmt.Sprintf(
		"WITH sector_counts AS (SELECT %s, %s, COUNT(*) AS count FROM read_parquet(%s) GROUP BY %s, %s) "+
			"SELECT %s, %s, count FROM sector_counts "+
			"QUALIFY ROW_NUMBER() OVER (PARTITION BY %s ORDER BY count DESC, %s) = 1 ORDER BY %s",
		region, sector, Literal(master), region, sector,
		region, sector,
		region, sector, region)
}

// SizeCounts counts establishments per company size category, nulls excluded.
func SizeCounts(master, sizeColumn string) string {
	size := Ident(sizeColumn)
	return fmt.Sprintf(
		"SELECT %s, COUNT(*) AS total FROM read_parquet(%s) WHERE %s IS NOT NULL GROUP BY %s ORDER BY total DESC, %s",
		size, Literal(master), size, size, size)
}

// SourceKeyStats counts source rows with a null key and rows repeating a
// key already seen in the same source.
func SourceKeyStats(source, primaryKey string) Query {
	pk := Ident(primaryKey)
	return Query{SQL: fmt.Sprintf(
		"SELECT COUNT(*) FILTER (WHERE %s IS NULL), COUNT(%s) - COUNT(DISTINCT %s) FROM %s",
		pk, pk, pk, source)}
}
