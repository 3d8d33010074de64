// Package schema declares the Silver layout of every supported SIRENE dataset
// and validates tables against it.
//
// The set of datasets is closed: a dataset name maps to exactly one Variant,
// and each Variant carries its own typed field list.
package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnknownDataset is returned when a dataset name has no schema.
var ErrUnknownDataset = errors.New("no schema defined for dataset")

// Derived columns added by the Silver layer.
const (
	RegionColumn     = "region"
	SectorColumn     = "sector"
	AgeColumn        = "age"
	IngestedAtColumn = "ingested_at"
)

// Kind is the logical type of a Silver column.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindDate
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int64"
	case KindFloat:
		return "float64"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	case KindTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Field is one column of a Silver schema.
type Field struct {
	Name     string
	Kind     Kind
	Nullable bool
	Unique   bool
	// Pattern and Width apply to string fields only.
	Pattern *regexp.Regexp
	Width   int
}

var (
	siretPattern  = regexp.MustCompile(`^\d{14}$`)
	sirenPattern  = regexp.MustCompile(`^\d{9}$`)
	postalPattern = regexp.MustCompile(`^\d{5}$`)
)

// PostalCodePattern matches a valid French postal code.
func PostalCodePattern() *regexp.Regexp {
	return postalPattern
}

// Variant is one of the supported datasets.
type Variant int

const (
	Establishments Variant = iota + 1
	LegalUnits
)

// String returns the dataset name of the variant.
func (v Variant) String() string {
	switch v {
	case Establishments:
		return "etablissements"
	case LegalUnits:
		return "unites_legales"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// Variants lists every supported dataset.
func Variants() []Variant {
	return []Variant{Establishments, LegalUnits}
}

// Lookup resolves a dataset name.
func Lookup(dataset string) (Variant, error) {
	for _, v := range Variants() {
		if v.String() == dataset {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownDataset, dataset)
}

// PrimaryKeyFor returns the business key of any dataset name: establishment
// datasets are keyed by siret, everything else by siren.
func PrimaryKeyFor(dataset string) string {
	if strings.Contains(strings.ToLower(dataset), "etablissement") {
		return "siret"
	}
	return "siren"
}

// PrimaryKey is the unique business identifier.
func (v Variant) PrimaryKey() string {
	return PrimaryKeyFor(v.String())
}

// LinkKey is the secondary key joining establishments to legal units; empty
// for legal units.
func (v Variant) LinkKey() string {
	if v == Establishments {
		return "siren"
	}
	return ""
}

// RequiredKeys are the identifier columns a row cannot miss.
func (v Variant) RequiredKeys() []string {
	if link := v.LinkKey(); link != "" {
		return []string{v.PrimaryKey(), link}
	}
	return []string{v.PrimaryKey()}
}

// PostalColumn is the postal code column; empty when the dataset has none.
func (v Variant) PostalColumn() string {
	if v == Establishments {
		return "codePostalEtablissement"
	}
	return ""
}

// ActivityColumn is the NAF activity code the sector is derived from.
func (v Variant) ActivityColumn() string {
	if v == Establishments {
		return "activitePrincipaleEtablissement"
	}
	return "activitePrincipaleUniteLegale"
}

// CreationDateColumn is the creation date the age is derived from.
func (v Variant) CreationDateColumn() string {
	if v == Establishments {
		return "dateCreationEtablissement"
	}
	return "dateCreationUniteLegale"
}

// Fields returns the full Silver layout, derived columns included.
func (v Variant) Fields() []Field {
	switch v {
	case Establishments:
		return []Field{
			{Name: "siret", Kind: KindString, Unique: true, Pattern: siretPattern, Width: 14},
			{Name: "siren", Kind: KindString, Pattern: sirenPattern, Width: 9},
			{Name: "etatAdministratifEtablissement", Kind: KindString, Nullable: true},
			{Name: "dateCreationEtablissement", Kind: KindDate, Nullable: true},
			{Name: "codePostalEtablissement", Kind: KindString, Nullable: true, Pattern: postalPattern, Width: 5},
			{Name: "libelleCommuneEtablissement", Kind: KindString, Nullable: true},
			{Name: "activitePrincipaleEtablissement", Kind: KindString, Nullable: true},
			{Name: "trancheEffectifsEtablissement", Kind: KindString, Nullable: true},
			{Name: "etablissementSiege", Kind: KindBool, Nullable: true},
			{Name: "enseigne1Etablissement", Kind: KindString, Nullable: true},
			{Name: RegionColumn, Kind: KindString, Nullable: true},
			{Name: SectorColumn, Kind: KindString, Nullable: true},
			{Name: AgeColumn, Kind: KindInt, Nullable: true},
			{Name: IngestedAtColumn, Kind: KindTimestamp, Nullable: true},
		}
	case LegalUnits:
		return []Field{
			{Name: "siren", Kind: KindString, Unique: true, Pattern: sirenPattern, Width: 9},
			{Name: "denominationUniteLegale", Kind: KindString, Nullable: true},
			{Name: "nomUniteLegale", Kind: KindString, Nullable: true},
			{Name: "prenom1UniteLegale", Kind: KindString, Nullable: true},
			{Name: "categorieEntreprise", Kind: KindString, Nullable: true},
			{Name: "categorieJuridiqueUniteLegale", Kind: KindFloat, Nullable: true},
			{Name: "activitePrincipaleUniteLegale", Kind: KindString, Nullable: true},
			{Name: "etatAdministratifUniteLegale", Kind: KindString, Nullable: true},
			{Name: "dateCreationUniteLegale", Kind: KindDate, Nullable: true},
			{Name: "economieSocialeSolidaireUniteLegale", Kind: KindString, Nullable: true},
			{Name: SectorColumn, Kind: KindString, Nullable: true},
			{Name: AgeColumn, Kind: KindInt, Nullable: true},
			{Name: IngestedAtColumn, Kind: KindTimestamp, Nullable: true},
		}
	default:
		return nil
	}
}

// Field looks up one field by name.
func (v Variant) Field(name string) (Field, bool) {
	for _, f := range v.Fields() {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FreeTextColumns are the string columns without a format constraint; their
// nulls are filled with a placeholder during cleaning.
func (v Variant) FreeTextColumns() []string {
	var cols []string
	for _, f := range v.Fields() {
		if f.Kind == KindString && f.Pattern == nil {
			cols = append(cols, f.Name)
		}
	}
	return cols
}

// Column names of the source selection, i.e. Fields minus derived columns.
func (v Variant) SourceColumns() []string {
	var cols []string
	for _, f := range v.Fields() {
		switch f.Name {
		case RegionColumn, SectorColumn, AgeColumn:
			continue
		}
		cols = append(cols, f.Name)
	}
	return cols
}
