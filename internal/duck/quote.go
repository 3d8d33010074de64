package duck

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidIdentifier is returned for names that cannot be used as a
// table or column identifier.
var ErrInvalidIdentifier = errors.New("invalid identifier")

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Ident quotes a column or table name.
func Ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Literal quotes a string constant, such as a file path in read_parquet.
func Literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// TableName checks that name is a plain identifier and returns it quoted.
func TableName(name string) (string, error) {
	if !tableNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return Ident(name), nil
}
