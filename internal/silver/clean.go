package silver

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/withobsrvr/sirene-pipeline/internal/schema"
	"github.com/withobsrvr/sirene-pipeline/internal/table"
)

// Undetermined replaces missing free-text values.
const Undetermined = "Indéterminé"

// UnknownAge marks a record without a usable creation date.
const UnknownAge int64 = -1

// defaultValues are filled into known categorical columns when null.
var defaultValues = map[string]string{
	"etatAdministratifEtablissement":      "A",
	"trancheEffectifsEtablissement":       "00",
	"enseigne1Etablissement":              "Non renseigné",
	"economieSocialeSolidaireUniteLegale": "N",
}

// cleanStats counts rows removed by each cleaning rule.
type cleanStats struct {
	missingKeys   int
	invalidPostal int
}

// clean applies every cleaning and derivation rule to a freshly extracted
// batch, in order.
func clean(t *table.Table, v schema.Variant, now time.Time) cleanStats {
	var stats cleanStats
	stats.missingKeys = dropMissingKeys(t, v)
	stats.invalidPostal = normalizePostalCodes(t, v)
	parseDates(t)
	fillDefaults(t)
	deriveFeatures(t, v, now)
	fillUndetermined(t, v)
	return stats
}

// dropMissingKeys removes rows without a primary key, or without the link
// key for establishments.
func dropMissingKeys(t *table.Table, v schema.Variant) int {
	keys := v.RequiredKeys()
	return t.Filter(func(r int) bool {
		for _, k := range keys {
			if t.Has(k) && t.Get(r, k) == nil {
				return false
			}
		}
		return true
	})
}

// normalizePostalCodes trims postal codes and drops rows whose code is not
// exactly five digits.
func normalizePostalCodes(t *table.Table, v schema.Variant) int {
	col := v.PostalColumn()
	if col == "" || !t.Has(col) {
		return 0
	}

	pattern := schema.PostalCodePattern()
	for r := 0; r < t.Len(); r++ {
		if raw := t.Get(r, col); raw != nil {
			t.Set(r, col, strings.TrimSpace(fmt.Sprint(raw)))
		}
	}
	return t.Filter(func(r int) bool {
		s, ok := t.Get(r, col).(string)
		return ok && pattern.MatchString(s)
	})
}

// isDateColumn matches every date-like column and the ingestion timestamp.
func isDateColumn(name string) bool {
	return strings.Contains(strings.ToLower(name), "date") || name == schema.IngestedAtColumn
}

// parseDates turns date-like values into time.Time; anything unparseable
// becomes null.
func parseDates(t *table.Table) {
	for _, col := range t.Columns() {
		if !isDateColumn(col) {
			continue
		}
		for r := 0; r < t.Len(); r++ {
			switch x := t.Get(r, col).(type) {
			case nil, time.Time:
			case string:
				if ts, err := schema.ParseTime(x); err == nil {
					t.Set(r, col, ts)
				} else {
					t.Set(r, col, nil)
				}
			default:
				t.Set(r, col, nil)
			}
		}
	}
}

func fillDefaults(t *table.Table) {
	for col, value := range defaultValues {
		if !t.Has(col) {
			continue
		}
		for r := 0; r < t.Len(); r++ {
			if t.Get(r, col) == nil {
				t.Set(r, col, value)
			}
		}
	}
}

// deriveFeatures adds region, sector and age.
func deriveFeatures(t *table.Table, v schema.Variant, now time.Time) {
	if postal := v.PostalColumn(); postal != "" {
		t.AddColumn(schema.RegionColumn, func(r int) any {
			return prefix(t.Get(r, postal), 2)
		})
	}

	activity := v.ActivityColumn()
	t.AddColumn(schema.SectorColumn, func(r int) any {
		return prefix(t.Get(r, activity), 2)
	})

	created := v.CreationDateColumn()
	year := int64(now.Year())
	t.AddColumn(schema.AgeColumn, func(r int) any {
		if ts, ok := t.Get(r, created).(time.Time); ok {
			return year - int64(ts.Year())
		}
		return UnknownAge
	})
}

// prefix returns the first n characters of a string value, nil otherwise.
func prefix(v any, n int) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// fillUndetermined NFC-normalizes free text and fills its nulls with the
// placeholder.
func fillUndetermined(t *table.Table, v schema.Variant) {
	for _, col := range v.FreeTextColumns() {
		if !t.Has(col) {
			continue
		}
		for r := 0; r < t.Len(); r++ {
			switch x := t.Get(r, col).(type) {
			case nil:
				t.Set(r, col, Undetermined)
			case string:
				t.Set(r, col, norm.NFC.String(x))
			}
		}
	}
}
