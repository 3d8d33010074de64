package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/withobsrvr/sirene-pipeline/internal/table"
)

// Checks reported in a Failure.
const (
	CheckColumnMissing    = "column_missing"
	CheckColumnUnexpected = "column_unexpected"
	CheckCoerce           = "coerce"
	CheckNotNullable      = "not_nullable"
	CheckPattern          = "pattern"
	CheckWidth            = "str_length"
	CheckUnique           = "unique"
)

const maxReportedFailures = 10

// Failure is one violated rule. Row is -1 for column-level failures.
type Failure struct {
	Column string
	Row    int
	Value  any
	Check  string
}

func (f Failure) String() string {
	if f.Row < 0 {
		return fmt.Sprintf("column %s: %s", f.Column, f.Check)
	}
	return fmt.Sprintf("column %s row %d value %#v: %s", f.Column, f.Row, f.Value, f.Check)
}

// ValidationError lists every failure found in one validation pass.
type ValidationError struct {
	Dataset  string
	Failures []Failure
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema validation failed for %s: %d failure(s)", e.Dataset, len(e.Failures))
	for i, f := range e.Failures {
		if i == maxReportedFailures {
			fmt.Fprintf(&b, "; ... %d more", len(e.Failures)-maxReportedFailures)
			break
		}
		b.WriteString("; ")
		b.WriteString(f.String())
	}
	return b.String()
}

// Validate checks t against the variant's schema, coercing cell values to
// each field's kind in place. The column set must match exactly. On failure
// the returned error is a *ValidationError.
func (v Variant) Validate(t *table.Table) error {
	fields := v.Fields()
	var failures []Failure

	declared := make(map[string]bool, len(fields))
	for _, f := range fields {
		declared[f.Name] = true
		if !t.Has(f.Name) {
			failures = append(failures, Failure{Column: f.Name, Row: -1, Check: CheckColumnMissing})
		}
	}
	for _, c := range t.Columns() {
		if !declared[c] {
			failures = append(failures, Failure{Column: c, Row: -1, Check: CheckColumnUnexpected})
		}
	}

	for _, f := range fields {
		if !t.Has(f.Name) {
			continue
		}
		failures = append(failures, validateColumn(t, f)...)
	}

	if len(failures) > 0 {
		return &ValidationError{Dataset: v.String(), Failures: failures}
	}
	return nil
}

func validateColumn(t *table.Table, f Field) []Failure {
	var failures []Failure
	seen := make(map[any]int)

	for r := 0; r < t.Len(); r++ {
		raw := t.Get(r, f.Name)
		if raw == nil {
			if !f.Nullable {
				failures = append(failures, Failure{Column: f.Name, Row: r, Check: CheckNotNullable})
			}
			continue
		}

		val, err := Coerce(raw, f.Kind)
		if err != nil {
			failures = append(failures, Failure{Column: f.Name, Row: r, Value: raw, Check: CheckCoerce})
			continue
		}
		t.Set(r, f.Name, val)

		if s, ok := val.(string); ok {
			if f.Width > 0 && len(s) != f.Width {
				failures = append(failures, Failure{Column: f.Name, Row: r, Value: s, Check: CheckWidth})
			}
			if f.Pattern != nil && !f.Pattern.MatchString(s) {
				failures = append(failures, Failure{Column: f.Name, Row: r, Value: s, Check: CheckPattern})
			}
		}

		if f.Unique {
			if _, dup := seen[val]; dup {
				failures = append(failures, Failure{Column: f.Name, Row: r, Value: val, Check: CheckUnique})
			} else {
				seen[val] = r
			}
		}
	}
	return failures
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// ParseTime parses the date and timestamp spellings found in SIRENE files.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// Coerce converts a non-nil cell value to kind.
func Coerce(v any, kind Kind) (any, error) {
	switch kind {
	case KindString:
		switch x := v.(type) {
		case string:
			return x, nil
		case int64:
			return strconv.FormatInt(x, 10), nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(x), nil
		}

	case KindInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			if x == math.Trunc(x) && !math.IsInf(x, 0) {
				return int64(x), nil
			}
		case string:
			return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		}

	case KindFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case string:
			return strconv.ParseFloat(strings.TrimSpace(x), 64)
		}

	case KindBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			if x == 0 || x == 1 {
				return x == 1, nil
			}
		case string:
			return strconv.ParseBool(strings.TrimSpace(x))
		}

	case KindDate:
		switch x := v.(type) {
		case time.Time:
			return truncateDay(x), nil
		case string:
			ts, err := ParseTime(x)
			if err != nil {
				return nil, err
			}
			return truncateDay(ts), nil
		}

	case KindTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			return ParseTime(x)
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, kind)
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
