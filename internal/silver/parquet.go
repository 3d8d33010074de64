package silver

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/google/uuid"

	"github.com/withobsrvr/sirene-pipeline/internal/schema"
	"github.com/withobsrvr/sirene-pipeline/internal/table"
)

// arrowSchema maps a dataset variant onto an Arrow schema, fields in
// declaration order.
func arrowSchema(v schema.Variant) *arrow.Schema {
	fields := v.Fields()
	out := make([]arrow.Field, len(fields))
	for i, f := range fields {
		out[i] = arrow.Field{Name: f.Name, Type: arrowType(f.Kind), Nullable: f.Nullable}
	}
	return arrow.NewSchema(out, nil)
}

func arrowType(k schema.Kind) arrow.DataType {
	switch k {
	case schema.KindInt:
		return arrow.PrimitiveTypes.Int64
	case schema.KindFloat:
		return arrow.PrimitiveTypes.Float64
	case schema.KindBool:
		return arrow.FixedWidthTypes.Boolean
	case schema.KindDate:
		return arrow.FixedWidthTypes.Date32
	case schema.KindTimestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond}
	default:
		return arrow.BinaryTypes.String
	}
}

// toParquet encodes a validated table as snappy-compressed parquet.
func toParquet(t *table.Table, v schema.Variant) ([]byte, error) {
	pool := memory.NewGoAllocator()
	sc := arrowSchema(v)

	builder := array.NewRecordBuilder(pool, sc)
	defer builder.Release()

	for i, f := range sc.Fields() {
		fb := builder.Field(i)
		for r := 0; r < t.Len(); r++ {
			if err := appendValue(fb, t.Get(r, f.Name)); err != nil {
				return nil, fmt.Errorf("column %s row %d: %w", f.Name, r, err)
			}
		}
	}

	record := builder.NewRecord()
	defer record.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	writer, err := pqarrow.NewFileWriter(sc, &buf, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write parquet record: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close parquet writer: %w", err)
	}

	return buf.Bytes(), nil
}

func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}

	ok := false
	switch fb := b.(type) {
	case *array.StringBuilder:
		var s string
		if s, ok = v.(string); ok {
			fb.Append(s)
		}
	case *array.Int64Builder:
		var n int64
		if n, ok = v.(int64); ok {
			fb.Append(n)
		}
	case *array.Float64Builder:
		var f float64
		if f, ok = v.(float64); ok {
			fb.Append(f)
		}
	case *array.BooleanBuilder:
		var x bool
		if x, ok = v.(bool); ok {
			fb.Append(x)
		}
	case *array.Date32Builder:
		var ts time.Time
		if ts, ok = v.(time.Time); ok {
			fb.Append(arrow.Date32FromTime(ts))
		}
	case *array.TimestampBuilder:
		var ts time.Time
		if ts, ok = v.(time.Time); ok {
			fb.Append(arrow.Timestamp(ts.UnixMicro()))
		}
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}

	if !ok {
		return fmt.Errorf("unexpected value %#v (%T)", v, v)
	}
	return nil
}

// writeParquet replaces the snapshot at path. The file is written beside
// path and renamed into place, so readers never see a partial snapshot.
func writeParquet(t *table.Table, v schema.Variant, path string) error {
	data, err := toParquet(t, v)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create silver directory: %w", err)
	}

	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write silver snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move silver snapshot into place: %w", err)
	}
	return nil
}
